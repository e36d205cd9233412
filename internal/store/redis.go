// redis.go -- shared go-redis client.
//
// Redis backs the rate limiter and the outbound mail queue. Sessions are not cached here:
// every validation must observe live revocation and token_version in Postgres.
package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses redisURL, connects, and pings before returning.
// Call once at startup; the client is shared by every Redis-backed component.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// RedisStore exposes health checks over the shared client.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// CheckHealth pings Redis.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
