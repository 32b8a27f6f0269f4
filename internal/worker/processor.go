// Package worker runs the bounded-concurrency consumer side of the lifecycle
// pipeline: a fixed number of goroutines share one queue, a Redis token bucket
// caps throughput across the whole pool, and exhausted jobs are handed to the
// dead-letter sink.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tasktrack/internal/models"
	"tasktrack/internal/store"
	"tasktrack/internal/telemetry"
)

// ErrBadPayload marks validation failures: an unrecognized status or job kind
// can never succeed, so retries are pointless but the attempt budget still
// applies.
var ErrBadPayload = errors.New("invalid job payload")

const poolRateKey = "rl:worker-pool"

// jobQueue is the consumer-side surface of the event queue.
type jobQueue interface {
	Dequeue(ctx context.Context) (*models.Job, string, error)
	Ack(ctx context.Context, raw string) error
	Fail(ctx context.Context, job models.Job, raw string) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error)
	Depths(ctx context.Context) (ready, inflight, scheduled int64, err error)
}

// lifecycle is the slice of the task lifecycle service workers invoke.
type lifecycle interface {
	ChangeStatus(ctx context.Context, id string, status models.Status) (models.Task, error)
}

type deadLetterer interface {
	Record(ctx context.Context, dl models.DeadLetter) error
}

// limiter gates the pool's aggregate throughput.
type limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Pool is the worker pool.
type Pool struct {
	queue   jobQueue
	svc     lifecycle
	dlq     deadLetterer
	limiter limiter
	workers int
	poll    time.Duration
	log     zerolog.Logger
}

func NewPool(q jobQueue, svc lifecycle, dlq deadLetterer, lim limiter, workers int, poll time.Duration, log zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 10
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Pool{queue: q, svc: svc, dlq: dlq, limiter: lim, workers: workers, poll: poll, log: log}
}

// Run starts the workers plus one maintenance goroutine and blocks until the
// context is cancelled and all workers have drained.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}

	wg.Wait()
	return ctx.Err()
}

// maintain promotes due retries, reclaims expired leases, and publishes queue
// depth gauges.
func (p *Pool) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if _, err := p.queue.PromoteScheduled(ctx, now, 100); err != nil {
			p.log.Warn().Err(err).Msg("promote scheduled failed")
		}
		if n, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
			p.log.Warn().Err(err).Msg("requeue expired failed")
		} else if n > 0 {
			p.log.Info().Int("count", n).Msg("reclaimed expired leases")
		}
		if ready, inflight, scheduled, err := p.queue.Depths(ctx); err == nil {
			telemetry.QueueDepth.WithLabelValues("ready").Set(float64(ready))
			telemetry.QueueDepth.WithLabelValues("inflight").Set(float64(inflight))
			telemetry.QueueDepth.WithLabelValues("scheduled").Set(float64(scheduled))
		}
	}
}

func (p *Pool) work(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.limiter != nil {
			allowed, _, err := p.limiter.Allow(ctx, poolRateKey)
			if err != nil {
				p.log.Warn().Err(err).Msg("pool rate limiter unavailable")
			} else if !allowed {
				time.Sleep(p.poll / 10)
				continue
			}
		}

		job, raw, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.log.Warn().Err(err).Int("worker", id).Msg("dequeue failed")
			time.Sleep(p.poll)
			continue
		}
		if job == nil {
			time.Sleep(p.poll)
			continue
		}

		telemetry.InFlightJobs.Inc()
		p.process(ctx, *job, raw)
		telemetry.InFlightJobs.Dec()
	}
}

// process runs one delivery of a claimed job through dispatch, retry, and
// dead-letter accounting.
func (p *Pool) process(ctx context.Context, job models.Job, raw string) {
	job.Attempts++

	err := p.dispatch(ctx, job)
	if err == nil {
		if err := p.queue.Ack(ctx, raw); err != nil {
			p.log.Warn().Err(err).Str("job_id", job.ID).Msg("ack failed, job may be redelivered")
		}
		telemetry.JobsSucceeded.Inc()
		return
	}

	if errors.Is(err, store.ErrNotFound) {
		// Task deleted since the event was produced; no retry can succeed.
		p.log.Info().Str("job_id", job.ID).Str("task_id", job.TaskID).Msg("task gone, dropping job")
		_ = p.queue.Ack(ctx, raw)
		telemetry.JobsDropped.Inc()
		return
	}

	if job.Attempts < job.MaxAttempts {
		if ferr := p.queue.Fail(ctx, job, raw); ferr != nil {
			p.log.Error().Err(ferr).Str("job_id", job.ID).Msg("retry scheduling failed, job will be redelivered by visibility timeout")
			return
		}
		telemetry.JobsRetried.Inc()
		p.log.Warn().Err(err).Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("job failed, retry scheduled")
		return
	}

	p.deadLetter(ctx, job, raw, err)
}

// deadLetter hands an exhausted job to the sink and acks it so it is never
// retried again. A failed hand-off is logged, not retried.
func (p *Pool) deadLetter(ctx context.Context, job models.Job, raw string, cause error) {
	payload, merr := json.Marshal(job)
	if merr != nil {
		payload = []byte(fmt.Sprintf(`{"id":%q}`, job.ID))
	}
	dl := models.DeadLetter{
		JobID:    job.ID,
		Kind:     job.Kind,
		Payload:  payload,
		Reason:   cause.Error(),
		Attempts: job.Attempts,
		FailedAt: time.Now().UTC(),
	}
	if err := p.dlq.Record(ctx, dl); err != nil {
		telemetry.DeadLetterErrors.Inc()
		p.log.Error().Err(err).Str("job_id", job.ID).Str("reason", dl.Reason).Msg("dead-letter hand-off failed, job dropped after logging")
	} else {
		telemetry.JobsDeadLettered.Inc()
	}
	if err := p.queue.Ack(ctx, raw); err != nil {
		p.log.Warn().Err(err).Str("job_id", job.ID).Msg("ack after dead-letter failed")
	}
}

// dispatch routes a job by kind. Both kinds funnel through ChangeStatus, so
// redelivering an already-applied event is a no-op in the service.
func (p *Pool) dispatch(ctx context.Context, job models.Job) error {
	switch job.Kind {
	case models.KindStatusUpdate:
		if !job.Status.Valid() {
			return fmt.Errorf("%w: status %q", ErrBadPayload, job.Status)
		}
		_, err := p.svc.ChangeStatus(ctx, job.TaskID, job.Status)
		return err
	case models.KindOverdueProcess:
		_, err := p.svc.ChangeStatus(ctx, job.TaskID, models.StatusInProgress)
		return err
	default:
		return fmt.Errorf("%w: kind %q", ErrBadPayload, job.Kind)
	}
}
