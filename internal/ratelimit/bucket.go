// Package ratelimit provides a token bucket whose state lives in Redis, so
// one limit holds across every process sharing the instance. The same bucket
// type backs both per-user request limiting and the worker pool's aggregate
// throughput cap.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript refills the bucket from elapsed time and takes one token, all
// under Redis's single-threaded execution so concurrent callers cannot
// over-spend. The remaining count comes back as a string to keep its
// fractional part across the script boundary.
var takeScript = redis.NewScript(`
local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(bucket[1]) or capacity
local last = tonumber(bucket[2]) or now
local elapsed = now - last
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate / 1000)
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_ms', now)
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {allowed, tostring(tokens)}
`)

// TokenBucket rate-limits arbitrary string keys.
type TokenBucket struct {
	client       *redis.Client
	capacity     int
	refillPerSec float64
	ttl          time.Duration
}

func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:       client,
		capacity:     capacity,
		refillPerSec: refillPerSecond,
		ttl:          ttl,
	}
}

// Allow takes one token for key, reporting whether it was granted and how
// many tokens remain.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	reply, err := takeScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refillPerSec, time.Now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, err
	}
	if len(reply) != 2 {
		return false, 0, fmt.Errorf("token bucket: unexpected reply %v", reply)
	}
	granted, _ := reply[0].(int64)
	var remaining float64
	if s, ok := reply[1].(string); ok {
		remaining, _ = strconv.ParseFloat(s, 64)
	}
	return granted == 1, remaining, nil
}
