package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"paypollen-api/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// Counter is the fixed-window primitive the cache needs from Redis.
type Counter interface {
	IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)
}

// RateLimitResult describes one request against a window.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

type RateLimitCache struct {
	client  Counter
	timeout time.Duration
}

func NewRateLimitCache(client Counter) *RateLimitCache {
	return &RateLimitCache{client: client, timeout: 2 * time.Second}
}

// Allow counts one hit on key within a fixed window of length window.
func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	count, ttl, err := c.client.IncrWithExpire(ctx, rateLimitPrefix+key, window)
	if err != nil {
		util.Error("Failed to increment rate limit counter",
			zap.String("key", key),
			zap.Error(err))
		return RateLimitResult{}, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	if ttl <= 0 {
		ttl = window
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	result := RateLimitResult{
		Allowed:   int(count) <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetIn:   ttl,
	}
	if !result.Allowed {
		util.Debug("Rate limit exceeded", zap.String("key", key), zap.Int64("count", count))
	}
	return result, nil
}
