// redis.go -- Fixed-window limiter backed by Redis counters.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter counts requests with INCR and starts the window with EXPIRE NX, both in one
// MULTI so a counter can never be left without a TTL.
type RedisLimiter struct {
	rdb *redis.Client
}

// NewRedisLimiter creates a RedisLimiter on an existing client.
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

// Allow increments key and reports whether the count is within p.Limit.
func (l *RedisLimiter) Allow(ctx context.Context, key string, p Policy) (Result, error) {
	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, p.Window)
		return nil
	})
	if err != nil {
		return Result{Allowed: true}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	count := incr.Val()
	return Result{Allowed: count <= int64(p.Limit), Count: count, RetryAfter: p.Window}, nil
}
