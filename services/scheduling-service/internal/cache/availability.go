// Package cache holds the Redis-backed read cache for day availability.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medtransit/scheduling/services/scheduling-service/internal/model"
)

const keyPrefix = "sched:avail"

// RedisAvailabilityCache caches whole-day availability under one key per
// resource and UTC date. Cache failures degrade to a miss; the computer
// recomputes from the store, so a Redis outage never blocks reads.
type RedisAvailabilityCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisAvailabilityCache(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisAvailabilityCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisAvailabilityCache{rdb: rdb, ttl: ttl, logger: logger}
}

func (c *RedisAvailabilityCache) Get(ctx context.Context, kind model.ResourceKind, id string, windowStart, windowEnd time.Time) (model.ResourceAvailability, bool) {
	key, ok := dayKey(kind, id, windowStart, windowEnd)
	if !ok {
		return model.ResourceAvailability{}, false
	}

	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("availability cache read failed", "key", key, "err", err)
		}
		return model.ResourceAvailability{}, false
	}

	var avail model.ResourceAvailability
	if err := json.Unmarshal(raw, &avail); err != nil {
		c.logger.Warn("availability cache entry corrupt, dropping", "key", key, "err", err)
		c.rdb.Del(ctx, key)
		return model.ResourceAvailability{}, false
	}
	return avail, true
}

func (c *RedisAvailabilityCache) Set(ctx context.Context, avail model.ResourceAvailability) {
	key, ok := dayKey(avail.ResourceKind, avail.ResourceID, avail.WindowStart, avail.WindowEnd)
	if !ok {
		return
	}
	raw, err := json.Marshal(avail)
	if err != nil {
		c.logger.Warn("availability cache encode failed", "key", key, "err", err)
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("availability cache write failed", "key", key, "err", err)
	}
}

// Invalidate drops every cached day the span [from, to] touches for the
// resource, so the next read recomputes from the store.
func (c *RedisAvailabilityCache) Invalidate(ctx context.Context, kind model.ResourceKind, id string, from, to time.Time) {
	first := utcMidnight(from)
	last := utcMidnight(to)

	var keys []string
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		keys = append(keys, keyPrefix+":"+string(kind)+":"+id+":"+d.Format(time.DateOnly))
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("availability cache invalidate failed", "resource", id, "err", err)
	}
}

// dayKey returns the cache key when the window is exactly one UTC day.
// Other windows are not cached; keying arbitrary windows would make
// invalidation on write unbounded.
func dayKey(kind model.ResourceKind, id string, windowStart, windowEnd time.Time) (string, bool) {
	start := windowStart.UTC()
	if !start.Equal(utcMidnight(windowStart)) || !windowEnd.UTC().Equal(start.AddDate(0, 0, 1)) {
		return "", false
	}
	return keyPrefix + ":" + string(kind) + ":" + id + ":" + start.Format(time.DateOnly), true
}

func utcMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
