package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"account-security/internal/client"
	"account-security/internal/util"
)

const lockPrefix = "lock:"

// Deletes the key only if it still holds our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLocker serializes across processes with SET NX PX. The TTL bounds how
// long a crashed holder blocks the key.
type RedisLocker struct {
	client     *client.RedisClient
	ttl        time.Duration
	retryDelay time.Duration
}

func NewRedisLocker(c *client.RedisClient, ttl, retryDelay time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if retryDelay <= 0 {
		retryDelay = 25 * time.Millisecond
	}
	return &RedisLocker{client: c, ttl: ttl, retryDelay: retryDelay}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := lockPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := l.client.Eval(releaseCtx, releaseScript, []string{redisKey}, token); err != nil {
			util.Warn("Failed to release lock", util.String("key", key), util.ErrorField(err))
		}
	}, nil
}
