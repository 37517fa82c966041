package guardrails

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimitStore keeps per-key request timestamps for a sliding window.
type RateLimitStore interface {
	// Hit drops entries at or before now-window, then records now when fewer than limit
	// remain. oldest is the earliest remaining entry.
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (allowed bool, oldest time.Time, err error)
}

// MemoryRateLimitStore is a process-local RateLimitStore. Keys with no hits left in the
// window are dropped by a sweep that runs at most once per window.
type MemoryRateLimitStore struct {
	mu        sync.Mutex
	hits      map[string][]time.Time
	lastSweep time.Time
}

func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{hits: make(map[string][]time.Time)}
}

func (m *MemoryRateLimitStore) Hit(_ context.Context, key string, now time.Time, window time.Duration, limit int) (bool, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	if now.Sub(m.lastSweep) >= window {
		m.sweep(cutoff)
		m.lastSweep = now
	}

	kept := prune(m.hits[key], cutoff)
	if len(kept) >= limit {
		m.hits[key] = kept
		return false, kept[0], nil
	}

	kept = append(kept, now)
	m.hits[key] = kept
	return true, kept[0], nil
}

func (m *MemoryRateLimitStore) sweep(cutoff time.Time) {
	for key, hits := range m.hits {
		if kept := prune(hits, cutoff); len(kept) == 0 {
			delete(m.hits, key)
		} else {
			m.hits[key] = kept
		}
	}
}

// prune keeps the hits after cutoff, reusing the slice.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// slidingWindowScript prunes, counts and conditionally records in one round trip.
// Scores are unix milliseconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local allowed = 0
if redis.call('ZCARD', key) < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	allowed = 1
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest == 0 then
	return {allowed, tostring(now)}
end
return {allowed, oldest[2]}
`)

// RedisRateLimitStore shares rate-limit state between instances through a Redis sorted set per key.
type RedisRateLimitStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimitStore(client redis.UniversalClient, prefix string) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, prefix: prefix}
}

func (r *RedisRateLimitStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, time.Time, error) {
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	res, err := slidingWindowScript.Run(ctx, r.client, []string{r.prefix + key},
		nowMs, window.Milliseconds(), limit, member).Slice()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return false, time.Time{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	allowed, ok := res[0].(int64)
	if !ok {
		return false, time.Time{}, fmt.Errorf("rate limit script: unexpected allowed value %v", res[0])
	}
	oldestStr, ok := res[1].(string)
	if !ok {
		return false, time.Time{}, fmt.Errorf("rate limit script: unexpected oldest value %v", res[1])
	}
	oldestMs, err := strconv.ParseFloat(oldestStr, 64)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("rate limit script: parse oldest: %w", err)
	}
	return allowed == 1, time.UnixMilli(int64(oldestMs)), nil
}

// Ping checks the Redis connection.
func (r *RedisRateLimitStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
