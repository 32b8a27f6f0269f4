// Package queue implements the durable lifecycle event queue on Redis.
//
// Layout:
//   - lifecycle:ready      list of serialized jobs awaiting a worker
//   - lifecycle:inflight   ZSET of claimed jobs, score = visibility deadline (ms)
//   - lifecycle:scheduled  ZSET of jobs delayed for retry backoff, score = run-at (ms)
//
// Delivery is at-least-once: a claimed job that is never acked returns to the
// ready list once its visibility deadline passes, so consumers must tolerate
// redelivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tasktrack/internal/models"
)

const (
	readyKey     = "lifecycle:ready"
	inflightKey  = "lifecycle:inflight"
	scheduledKey = "lifecycle:scheduled"
)

// Queue coordinates ready, in-flight, and scheduled lifecycle jobs in Redis.
type Queue struct {
	client      *redis.Client
	visibility  time.Duration
	backoffBase time.Duration
	log         zerolog.Logger
}

// New builds a queue client. Zero durations fall back to 30s visibility and
// a 1s backoff base.
func New(client *redis.Client, visibility, backoffBase time.Duration, log zerolog.Logger) *Queue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	return &Queue{client: client, visibility: visibility, backoffBase: backoffBase, log: log}
}

// Enqueue appends one job to the ready list.
func (q *Queue) Enqueue(ctx context.Context, job models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, readyKey, data).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// EnqueueBulk appends a batch of jobs in one pipeline round trip.
func (q *Queue) EnqueueBulk(ctx context.Context, jobs []models.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	pipe := q.client.TxPipeline()
	for _, job := range jobs {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", job.ID, err)
		}
		pipe.RPush(ctx, readyKey, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue bulk: %w", err)
	}
	return nil
}

// Dequeue claims the next ready job, moving it into the in-flight set with a
// visibility deadline. Returns (nil, "", nil) when the queue is empty. The raw
// member must be handed back to Ack or Fail unchanged.
func (q *Queue) Dequeue(ctx context.Context) (*models.Job, string, error) {
	deadline := time.Now().Add(q.visibility).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{readyKey, inflightKey}, deadline).Result()
	if err == redis.Nil {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("dequeue: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// A malformed member can never be processed; drop it rather than
		// letting it cycle through visibility timeouts forever.
		_ = q.client.ZRem(ctx, inflightKey, raw).Err()
		return nil, "", fmt.Errorf("unmarshal claimed job: %w", err)
	}
	return &job, raw, nil
}

// Ack removes a claimed job from in-flight tracking.
func (q *Queue) Ack(ctx context.Context, raw string) error {
	return q.client.ZRem(ctx, inflightKey, raw).Err()
}

// Fail re-queues a claimed job for a delayed retry. The caller has already
// incremented job.Attempts; the backoff doubles per attempt from the base.
func (q *Queue) Fail(ctx context.Context, job models.Job, raw string) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal retry job: %w", err)
	}
	runAt := time.Now().Add(q.Backoff(job.Attempts))

	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: data})
	pipe.ZRem(ctx, inflightKey, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// Backoff returns the exponential delay before the next delivery: base for the
// first failed attempt, doubling each attempt after.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return q.backoffBase
	}
	return q.backoffBase << (attempt - 1)
}

// PromoteScheduled moves due retry jobs back into the ready list atomically.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{scheduledKey, readyKey}, now.UnixMilli(), limit).Int()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return n, nil
}

// RequeueExpired reclaims in-flight jobs whose visibility deadline passed,
// making abandoned jobs eligible for redelivery.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{inflightKey, readyKey}, now.UnixMilli(), limit).Int()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return n, nil
}

// Depths reports the size of each queue segment.
func (q *Queue) Depths(ctx context.Context) (ready, inflight, scheduled int64, err error) {
	pipe := q.client.Pipeline()
	readyCmd := pipe.LLen(ctx, readyKey)
	inflightCmd := pipe.ZCard(ctx, inflightKey)
	scheduledCmd := pipe.ZCard(ctx, scheduledKey)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("queue depths: %w", err)
	}
	return readyCmd.Val(), inflightCmd.Val(), scheduledCmd.Val(), nil
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

// promoteScript moves members with score <= now from a ZSET into a list.
// Used for both scheduled retries and expired in-flight leases.
var promoteScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(members) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('RPUSH', KEYS[2], m)
end
return #members
`)
