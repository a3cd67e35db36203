package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the counter and, only for the first request
// in a window, arms the expiry. Running as one script keeps two concurrent
// "first" requests from both skipping the expiry set.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// RedisLimiter is the shared fixed-window limiter. Backing-store failures
// fail closed: the caller gets Allowed=false plus ErrStorageUnavailable.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

func (l *RedisLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if limit <= 0 || window <= 0 {
		return Result{}, fmt.Errorf("ratelimiter: invalid limit %d or window %s", limit, window)
	}
	full := l.prefix + ":" + key
	raw, err := fixedWindowScript.Run(ctx, l.client, []string{full}, window.Milliseconds()).Slice()
	if err != nil || len(raw) != 2 {
		return Result{Allowed: false}, ErrStorageUnavailable
	}
	count, ok1 := raw[0].(int64)
	ttlMillis, ok2 := raw[1].(int64)
	if !ok1 || !ok2 {
		return Result{Allowed: false}, ErrStorageUnavailable
	}
	retryAfter := time.Duration(ttlMillis) * time.Millisecond
	if ttlMillis < 0 {
		retryAfter = window
	}
	if count > int64(limit) {
		return Result{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
	}
	return Result{Allowed: true, Remaining: limit - int(count), RetryAfter: retryAfter}, nil
}
