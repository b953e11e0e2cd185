package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindow increments the counter and opens the window on the first hit.
// It returns the new count and the milliseconds left in the window.
var fixedWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter shares fixed-window counters across collector instances.
// Unlike Limiter it keeps counting rejected requests, which does not change
// who is admitted within a window.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: "ratelimit:",
		now:    time.Now,
	}
}

func (l *RedisLimiter) Check(ctx context.Context, identifier string, limit int, window time.Duration) (Result, error) {
	res, err := fixedWindow.Run(ctx, l.client, []string{l.prefix + identifier}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", identifier, err)
	}
	if len(res) != 2 {
		return Result{}, fmt.Errorf("rate limit %s: unexpected script reply %v", identifier, res)
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	result := Result{
		Allowed: count <= limit,
		ResetAt: l.now().Add(ttl),
	}
	if result.Allowed {
		result.Remaining = limit - count
	}
	return result, nil
}
