// Package redisclient constructs the optional shared Redis client used by
// the rate limiter's cross-process bucket mirror.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nightharbor/wsruntime/config"
)

// New creates a *redis.Client from cfg.RedisURL. Returns (nil, nil) when no
// URL is configured, so callers can treat an absent Redis backend as
// optional rather than an error.
func New(cfg config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return redis.NewClient(opt), nil
}

// Ping verifies connectivity with a bounded timeout, used at startup to
// decide whether to fall back to the in-memory rate-limit bucket store.
func Ping(c *redis.Client) error {
	if c == nil {
		return fmt.Errorf("redis client is nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Ping(ctx).Err()
}
