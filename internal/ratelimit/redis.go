package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "sync:rl:"

// Sorted-set sliding window: trim entries older than the window, count
// what remains, and admit the call by adding its timestamp. The oldest
// surviving entry determines when capacity frees up again.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now_ms - window_ms)

local count = redis.call("ZCARD", key)
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local reset_ms = now_ms + window_ms
if #oldest >= 2 then
  reset_ms = tonumber(oldest[2]) + window_ms
end

if count >= limit then
  return {0, 0, reset_ms}
end

redis.call("ZADD", key, now_ms, member)
redis.call("PEXPIRE", key, window_ms)
return {1, limit - count - 1, reset_ms}
`)

// RedisLimiter shares the window across worker instances through an
// atomic sorted-set trim-and-add.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewRedisLimiter creates a Redis-backed sliding window limiter.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisLimiter{client: client, limit: limit, window: window, prefix: prefix}
}

func (l *RedisLimiter) Check(ctx context.Context, key string, now time.Time) (Decision, error) {
	nowMS := now.UnixMilli()
	member := fmt.Sprintf("%d-%d", nowMS, now.UnixNano())

	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + key},
		l.limit, l.window.Milliseconds(), nowMS, member,
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("unexpected redis response %T", res)
	}
	allowed, ok0 := vals[0].(int64)
	remaining, ok1 := vals[1].(int64)
	resetMS, ok2 := vals[2].(int64)
	if !ok0 || !ok1 || !ok2 {
		return Decision{}, fmt.Errorf("unexpected redis response values")
	}

	return Decision{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   time.UnixMilli(resetMS),
	}, nil
}
