// Package ratelimit caps executions per rolling time window.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter admits at most limit events per key inside any window.
type Limiter interface {
	// Allow records an event when admitted. When refused it returns how
	// long until the oldest event in the window falls out.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

// Memory is a sliding-window log kept in process.
type Memory struct {
	mu     sync.Mutex
	events map[string][]time.Time
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{events: make(map[string][]time.Time), now: time.Now}
}

// WithClock overrides the time source.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if limit <= 0 || window <= 0 {
		return true, 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-window)
	events := m.events[key]
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	events = events[i:]
	if len(events) >= limit {
		m.events[key] = events
		return false, events[0].Add(window).Sub(now), nil
	}
	m.events[key] = append(events, now)
	return true, 0, nil
}

// slidingWindow trims the window, then either records the event or
// reports the age of the oldest entry, in one round trip.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, tonumber(oldest[2]) + window - now}
`)

// Redis shares a sliding window between processes using a sorted set of
// event timestamps per key.
type Redis struct {
	redis  *redis.Client
	prefix string
}

func NewRedis(redisClient *redis.Client, prefix string) *Redis {
	return &Redis{redis: redisClient, prefix: prefix}
}

func (r *Redis) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if limit <= 0 || window <= 0 {
		return true, 0, nil
	}
	now := time.Now().UnixMilli()
	res, err := slidingWindow.Run(ctx, r.redis,
		[]string{r.prefix + key},
		strconv.FormatInt(now, 10),
		strconv.FormatInt(window.Milliseconds(), 10),
		strconv.Itoa(limit),
		strconv.FormatInt(now, 10)+"-"+uuid.New().String(),
	).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}
