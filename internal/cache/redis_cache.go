// Package cache is the read-path cache beside the task store. It is never
// authoritative: every failure degrades to a miss and is reported only as a
// diagnostic, so the surrounding operation cannot fail because of Redis.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tasktrack/internal/models"
	"tasktrack/internal/telemetry"
)

// Cache key namespaces. List keys share a prefix so the write path can
// invalidate every filtered listing at once.
const (
	StatsKey   = "tasks:stats"
	ListPrefix = "tasks:list:"
	taskPrefix = "task:id:"
)

func TaskKey(id string) string {
	return taskPrefix + id
}

func ListKey(status models.Status, priority models.Priority, page, limit int) string {
	return fmt.Sprintf("%s%s:%s:%d:%d", ListPrefix, status, priority, page, limit)
}

// Cache wraps a Redis client with TTL-bounded opportunistic caching.
// A nil *Cache is valid and behaves as a permanent miss.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func New(client *redis.Client, ttl time.Duration, log zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Cache{client: client, ttl: ttl, log: log}
}

// Get unmarshals the cached value into dest and reports whether it was a hit.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if c == nil {
		return false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn().Err(err).Str("key", key).Msg("cache get degraded to miss")
		}
		telemetry.CacheMisses.Inc()
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache entry unreadable, treating as miss")
		telemetry.CacheMisses.Inc()
		return false
	}
	telemetry.CacheHits.Inc()
	return true
}

// Set stores value under key with the configured TTL. Best effort.
func (c *Cache) Set(ctx context.Context, key string, value any) {
	if c == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache set skipped, value not serializable")
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

// Delete removes the given keys. Best effort.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn().Err(err).Strs("keys", keys).Msg("cache delete failed")
	}
}

// DeleteByPrefix removes every key under the prefix via SCAN, in batches.
func (c *Cache) DeleteByPrefix(ctx context.Context, prefix string) {
	if c == nil {
		return
	}
	iter := c.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	batch := make([]string, 0, 200)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			c.log.Warn().Err(err).Str("prefix", prefix).Msg("cache prefix delete failed")
		}
		batch = batch[:0]
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			flush()
		}
	}
	flush()
	if err := iter.Err(); err != nil {
		c.log.Warn().Err(err).Str("prefix", prefix).Msg("cache scan failed")
	}
}
