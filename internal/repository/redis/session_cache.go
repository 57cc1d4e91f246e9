package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"account-security/internal/client"
	"account-security/internal/models"
	"account-security/internal/repository"
	"account-security/internal/util"
)

const (
	sessionPrefix         = "session:"
	accountSessionsPrefix = "account_sessions:"
)

// SessionCache keeps opaque sessions in Redis and indexes them per account.
type SessionCache struct {
	client *client.RedisClient
	ttl    time.Duration
	now    func() time.Time
}

func NewSessionCache(c *client.RedisClient, ttl time.Duration) *SessionCache {
	return &SessionCache{client: c, ttl: ttl, now: time.Now}
}

var _ repository.SessionStore = (*SessionCache)(nil)

func (c *SessionCache) Establish(ctx context.Context, account *models.Account) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := c.now().UTC()
	session := &models.Session{
		Token:     uuid.NewString(),
		AccountID: account.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, sessionPrefix+session.Token, payload, c.ttl)
	indexKey := accountSessionsPrefix + account.ID
	pipe.SAdd(ctx, indexKey, session.Token)
	pipe.Expire(ctx, indexKey, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to store session", util.AccountID(account.ID), zap.Error(err))
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	util.Debug("Session established", util.AccountID(account.ID), zap.Duration("ttl", c.ttl))
	return session, nil
}

func (c *SessionCache) Lookup(ctx context.Context, token string) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := c.client.Get(ctx, sessionPrefix+token)
	if errors.Is(err, client.ErrKeyNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

func (c *SessionCache) Revoke(ctx context.Context, token string) error {
	session, err := c.Lookup(ctx, token)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, sessionPrefix+token)
	pipe.SRem(ctx, accountSessionsPrefix+session.AccountID, token)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to revoke session", util.AccountID(session.AccountID), zap.Error(err))
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeAll drops every session of an account. Used after a password reset.
func (c *SessionCache) RevokeAll(ctx context.Context, accountID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	indexKey := accountSessionsPrefix + accountID
	tokens, err := c.client.SMembers(ctx, indexKey)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, token := range tokens {
		keys = append(keys, sessionPrefix+token)
	}
	keys = append(keys, indexKey)
	if err := c.client.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}
	util.Info("All sessions revoked", util.AccountID(accountID), util.Int("count", len(tokens)))
	return nil
}
