package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-security/internal/client"
	"account-security/internal/lock"
	"account-security/internal/models"
	"account-security/internal/otp"
)

func newTestClient(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return client.WrapRedis(rdb), mr
}

func TestOTPCacheRoundTrip(t *testing.T) {
	t.Parallel()
	c, mr := newTestClient(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewOTPCache(c, time.Minute)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := cache.Get(ctx, "otp:phone:+1")
	assert.ErrorIs(t, err, otp.ErrTicketNotFound)

	ticket := &models.OTPTicket{Key: "+1", Channel: models.ChannelPhone, Code: "012345", IssuedAt: now, ExpiresAt: now.Add(5 * time.Minute)}
	require.NoError(t, cache.Put(ctx, "otp:phone:+1", ticket))
	assert.Equal(t, 6*time.Minute, mr.TTL("otp:phone:+1"))

	got, err := cache.Get(ctx, "otp:phone:+1")
	require.NoError(t, err)
	assert.Equal(t, "012345", got.Code)
	assert.True(t, got.ExpiresAt.Equal(ticket.ExpiresAt))

	require.NoError(t, cache.Delete(ctx, "otp:phone:+1"))
	assert.False(t, mr.Exists("otp:phone:+1"))
}

func TestEngineOverRedisReportsExpiredThenNotFound(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cache := NewOTPCache(c, 10*time.Minute)
	cache.now = clock
	engine := otp.NewEngine(otp.Config{Channel: models.ChannelPhone},
		cache, lock.NewRedisLocker(c, time.Second, time.Millisecond),
		otp.WithClock(func() time.Time { return now }),
		otp.WithGenerator(func(int) (string, error) { return "482193", nil }))
	ctx := context.Background()

	_, err := engine.Issue(ctx, "+15551234567")
	require.NoError(t, err)
	_, err = engine.Issue(ctx, "+15551234567")
	assert.ErrorIs(t, err, models.ErrRateLimited)

	now = now.Add(5*time.Minute + time.Second)
	assert.ErrorIs(t, engine.Verify(ctx, "+15551234567", "482193"), otp.ErrTicketExpired)
	assert.ErrorIs(t, engine.Verify(ctx, "+15551234567", "482193"), otp.ErrTicketNotFound)
}

func TestIPThrottle(t *testing.T) {
	t.Parallel()
	c, mr := newTestClient(t)
	throttle := NewIPThrottle(c, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := throttle.Allow(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, wait, err := throttle.Allow(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Positive(t, wait)

	ok, _, err = throttle.Allow(ctx, "198.51.100.1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(time.Minute)
	ok, _, err = throttle.Allow(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCodeAttemptThrottleIsSeparateFromIPCounter(t *testing.T) {
	t.Parallel()
	c, mr := newTestClient(t)
	attempts := NewCodeAttemptThrottle(c, 5, 5*time.Minute)
	ips := NewIPThrottle(c, 1, time.Minute)
	ctx := context.Background()
	key := "phone:+15551234567"

	ok, _, err := ips.Allow(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 5; i++ {
		ok, _, err := attempts.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d", i+1)
	}
	ok, wait, err := attempts.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.LessOrEqual(t, wait, 5*time.Minute)
	assert.True(t, mr.Exists(codeAttemptPrefix+key))
}

func TestSessionCache(t *testing.T) {
	t.Parallel()
	c, mr := newTestClient(t)
	cache := NewSessionCache(c, time.Hour)
	ctx := context.Background()
	account := &models.Account{ID: "acc-1"}

	first, err := cache.Establish(ctx, account)
	require.NoError(t, err)
	second, err := cache.Establish(ctx, account)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, time.Hour, mr.TTL(sessionPrefix+first.Token))

	got, err := cache.Lookup(ctx, first.Token)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", got.AccountID)

	require.NoError(t, cache.Revoke(ctx, first.Token))
	_, err = cache.Lookup(ctx, first.Token)
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, cache.Revoke(ctx, first.Token))

	require.NoError(t, cache.RevokeAll(ctx, "acc-1"))
	_, err = cache.Lookup(ctx, second.Token)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
