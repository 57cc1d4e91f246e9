package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"account-security/internal/client"
	"account-security/internal/util"
)

const (
	ipRateLimitPrefix = "ip_rate_limit:"
	codeAttemptPrefix = "code_attempts:"
)

// WindowThrottle is a fixed-window counter per key shared by all instances.
type WindowThrottle struct {
	client *client.RedisClient
	prefix string
	limit  int64
	window time.Duration
}

// NewIPThrottle counts requests per client IP.
func NewIPThrottle(c *client.RedisClient, limit int, window time.Duration) *WindowThrottle {
	return &WindowThrottle{client: c, prefix: ipRateLimitPrefix, limit: int64(limit), window: window}
}

// NewCodeAttemptThrottle counts code guesses per destination.
func NewCodeAttemptThrottle(c *client.RedisClient, limit int, window time.Duration) *WindowThrottle {
	return &WindowThrottle{client: c, prefix: codeAttemptPrefix, limit: int64(limit), window: window}
}

// Allow counts one request for key and reports whether it fits in the window.
func (t *WindowThrottle) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	redisKey := t.prefix + key
	pipe := t.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to increment rate counter", zap.String("key", key), zap.Error(err))
		return false, 0, fmt.Errorf("failed to increment rate counter: %w", err)
	}

	wait := ttl.Val()
	if wait < 0 {
		if err := t.client.Client.PExpire(ctx, redisKey, t.window).Err(); err != nil {
			return false, 0, fmt.Errorf("failed to set rate counter window: %w", err)
		}
		wait = t.window
	}

	if incr.Val() <= t.limit {
		return true, 0, nil
	}
	return false, wait, nil
}
