package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateDecision is the outcome of one CheckAndIncrement call.
type RateDecision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// RateLimiter is a fixed-window counter keyed by an arbitrary string. The
// increment must be atomic so concurrent callers never undercount.
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error)
}

// The window starts on the first hit; INCR and PEXPIRE run in one script so
// the counter can never be left without a TTL.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

type RedisRateLimiter struct {
	client *redis.Client
	prefix string
}

func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: "ratelimit:"}
}

func (l *RedisRateLimiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error) {
	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return RateDecision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return RateDecision{}, fmt.Errorf("rate limit %s: unexpected script result %v", key, res)
	}

	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	if ttl < 0 {
		ttl = window
	}
	d := RateDecision{Allowed: count <= int64(limit), Count: count}
	if !d.Allowed {
		d.RetryAfter = ttl
	}
	return d, nil
}

type memoryWindow struct {
	count   int64
	resetAt time.Time
}

// MemoryRateLimiter is the single-process fixed-window limiter used when
// Redis is not configured.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*memoryWindow
}

func NewMemoryRateLimiter(now func() time.Time) *MemoryRateLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryRateLimiter{now: now, windows: map[string]*memoryWindow{}}
}

func (l *MemoryRateLimiter) CheckAndIncrement(_ context.Context, key string, limit int, window time.Duration) (RateDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(window)}
		l.windows[key] = w
	}
	w.count++

	d := RateDecision{Allowed: w.count <= int64(limit), Count: w.count}
	if !d.Allowed {
		d.RetryAfter = w.resetAt.Sub(now)
	}
	return d, nil
}
