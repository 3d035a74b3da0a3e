package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// deliveryTokenBucketScript refills and consumes a token bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
var deliveryTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiter paces deliveries across processes with a shared token bucket
// per destination.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter connects a limiter to the given redis instance.
func NewRedisLimiter(addr, password string, db int) *RedisLimiter {
	return &RedisLimiter{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewRedisLimiterFromClient wraps an existing client (tests).
func NewRedisLimiterFromClient(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Allow(ctx context.Context, destinationID string, ratePerSec float64, burst int) (bool, error) {
	if ratePerSec <= 0 {
		return true, nil
	}
	if burst <= 0 {
		burst = 1
	}
	key := "delivery_limiter:" + destinationID
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := deliveryTokenBucketScript.Run(ctx, l.client, []string{key},
		ratePerSec, burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script reply %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
