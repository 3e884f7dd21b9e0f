package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

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

// RateLimiter counts hits per subject in a fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (allowed bool, retryAfterSeconds int, err error)
}

// RedisRateLimiter is a fixed-window limiter shared by all server replicas.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "ledger:rate_limit"
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

// Allow consumes one hit. A nil client or non-positive limit disables limiting.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (bool, int, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return true, 0, nil
	}
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return true, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	raw, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return true, 0, err
	}
	count, ttlMs, err := parseLimiterReply(raw, windowMs)
	if err != nil {
		return true, 0, err
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}

func parseLimiterReply(raw interface{}, windowMs int64) (int64, int64, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttl, ok := values[1].(int64)
	if !ok {
		return count, 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttl < 0 {
		ttl = windowMs
	}
	return count, ttl, nil
}
