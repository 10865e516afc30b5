package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the window counter and returns it with the
// remaining window in milliseconds.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RateDecision is the outcome of one rate-limited action.
type RateDecision struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
}

// RateLimiter decides whether subject may perform another action in scope.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string) (RateDecision, error)
}

// RedisRateLimiter is a fixed-window limiter shared by all service replicas.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

// NewRedisRateLimiter allows limit actions per window for each (scope, subject).
// A non-positive limit disables limiting.
func NewRedisRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "reward"
	}
	if window < time.Second {
		window = time.Second
	}
	return &RedisRateLimiter{
		client: client,
		prefix: prefix + ":rate_limit",
		limit:  limit,
		window: window,
	}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string) (RateDecision, error) {
	open := RateDecision{Allowed: true}
	if r == nil || r.client == nil || r.limit <= 0 {
		return open, nil
	}
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return open, nil
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	windowMs := r.window.Milliseconds()
	raw, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return open, fmt.Errorf("rate limit %s: %w", key, err)
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return open, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return open, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}

	decision := RateDecision{
		Allowed: int(count) <= r.limit,
		Count:   int(count),
		Limit:   r.limit,
	}
	if !decision.Allowed {
		decision.RetryAfter = time.Duration(ttlMs) * time.Millisecond
		if decision.RetryAfter < time.Second {
			decision.RetryAfter = time.Second
		}
	}
	return decision, nil
}
