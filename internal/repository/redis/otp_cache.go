package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"account-security/internal/client"
	"account-security/internal/models"
	"account-security/internal/otp"
	"account-security/internal/util"
)

// OTPCache stores tickets as JSON. Keys outlive ExpiresAt by a grace period so
// a late verify still reports the ticket as expired rather than missing.
type OTPCache struct {
	client  *client.RedisClient
	grace   time.Duration
	timeout time.Duration
	now     func() time.Time
}

func NewOTPCache(c *client.RedisClient, grace time.Duration) *OTPCache {
	return &OTPCache{client: c, grace: grace, timeout: 5 * time.Second, now: time.Now}
}

var _ otp.Store = (*OTPCache)(nil)

func (c *OTPCache) Get(ctx context.Context, key string) (*models.OTPTicket, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.client.Get(ctx, key)
	if errors.Is(err, client.ErrKeyNotFound) {
		return nil, otp.ErrTicketNotFound
	}
	if err != nil {
		util.Error("Failed to get code from cache", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to get code from cache: %w", err)
	}

	var ticket models.OTPTicket
	if err := json.Unmarshal([]byte(raw), &ticket); err != nil {
		return nil, fmt.Errorf("failed to decode cached code: %w", err)
	}
	return &ticket, nil
}

func (c *OTPCache) Put(ctx context.Context, key string, ticket *models.OTPTicket) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("failed to encode code: %w", err)
	}

	ttl := ticket.ExpiresAt.Sub(c.now()) + c.grace
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := c.client.Set(ctx, key, payload, ttl); err != nil {
		util.Error("Failed to set code in cache", zap.String("key", key), zap.Duration("ttl", ttl), zap.Error(err))
		return fmt.Errorf("failed to set code in cache: %w", err)
	}
	util.Debug("Code cached", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func (c *OTPCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Del(ctx, key); err != nil {
		util.Error("Failed to delete code from cache", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to delete code from cache: %w", err)
	}
	return nil
}
