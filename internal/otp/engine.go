// Package otp issues and verifies time-boxed numeric codes.
//
// An Engine serves one channel. Every read-modify-write on a key runs under
// that key's lock, and once the lock is held the transition completes even if
// the caller's context is cancelled.
package otp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"account-security/internal/lock"
	"account-security/internal/models"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultCooldown = 60 * time.Second
	DefaultLength   = 6
)

var (
	ErrTicketNotFound = fmt.Errorf("%w: no active code", models.ErrNotFound)
	ErrTicketExpired  = fmt.Errorf("%w: code expired", models.ErrExpired)
	ErrCodeMismatch   = fmt.Errorf("%w: code does not match", models.ErrInvalidCredential)
	ErrNotVerified    = fmt.Errorf("%w: code has not been verified", models.ErrInvalidCredential)
	ErrCooldown       = fmt.Errorf("%w: code requested too recently", models.ErrRateLimited)
)

// Store persists tickets by store key. Get returns ErrTicketNotFound when
// nothing is stored. The engine serializes access per key.
type Store interface {
	Get(ctx context.Context, key string) (*models.OTPTicket, error)
	Put(ctx context.Context, key string, ticket *models.OTPTicket) error
	Delete(ctx context.Context, key string) error
}

type Config struct {
	Channel  models.OTPChannel
	TTL      time.Duration
	Cooldown time.Duration
	Length   int
}

type Engine struct {
	cfg      Config
	store    Store
	locker   lock.Locker
	generate Generator
	now      func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithGenerator(g Generator) Option {
	return func(e *Engine) { e.generate = g }
}

func NewEngine(cfg Config, store Store, locker lock.Locker, opts ...Option) *Engine {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Length <= 0 {
		cfg.Length = DefaultLength
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		locker:   locker,
		generate: RandomDigits,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Channel() models.OTPChannel { return e.cfg.Channel }

func (e *Engine) TTL() time.Duration { return e.cfg.TTL }

// Issue creates a ticket for key, replacing any previous one, unless the
// previous one is still inside the cooldown. The returned ticket carries the
// code for delivery.
func (e *Engine) Issue(ctx context.Context, key string) (*models.OTPTicket, error) {
	var issued *models.OTPTicket
	err := e.withKey(ctx, key, func(ctx context.Context, storeKey string, now time.Time) error {
		existing, err := e.load(ctx, storeKey)
		if err != nil && !errors.Is(err, ErrTicketNotFound) {
			return err
		}
		if existing != nil {
			if wait := existing.IssuedAt.Add(e.cfg.Cooldown).Sub(now); wait > 0 {
				return models.NewRetryAfterError(ErrCooldown, wait)
			}
		}

		code, err := e.generate(e.cfg.Length)
		if err != nil {
			return fmt.Errorf("%w: failed to generate code: %v", models.ErrInternal, err)
		}
		ticket := &models.OTPTicket{
			Key:       key,
			Channel:   e.cfg.Channel,
			Code:      code,
			IssuedAt:  now,
			ExpiresAt: now.Add(e.cfg.TTL),
		}
		if err := e.store.Put(ctx, storeKey, ticket); err != nil {
			return fmt.Errorf("%w: failed to store code: %v", models.ErrInternal, err)
		}
		issued = ticket
		return nil
	})
	return issued, err
}

// Verify checks code and marks the ticket verified on a match. A mismatch
// leaves the ticket untouched so the user can retry until expiry.
func (e *Engine) Verify(ctx context.Context, key, code string) error {
	return e.withKey(ctx, key, func(ctx context.Context, storeKey string, now time.Time) error {
		ticket, err := e.live(ctx, storeKey, now)
		if err != nil {
			return err
		}
		if !codesEqual(ticket.Code, code) {
			return ErrCodeMismatch
		}
		if ticket.Verified {
			return nil
		}
		ticket.Verified = true
		if err := e.store.Put(ctx, storeKey, ticket); err != nil {
			return fmt.Errorf("%w: failed to mark code verified: %v", models.ErrInternal, err)
		}
		return nil
	})
}

// VerifyAndConsume is Verify for flows that finish on the same call: a
// matching ticket is deleted instead of marked.
func (e *Engine) VerifyAndConsume(ctx context.Context, key, code string) error {
	return e.withKey(ctx, key, func(ctx context.Context, storeKey string, now time.Time) error {
		ticket, err := e.live(ctx, storeKey, now)
		if err != nil {
			return err
		}
		if !codesEqual(ticket.Code, code) {
			return ErrCodeMismatch
		}
		return e.delete(ctx, storeKey)
	})
}

// Consume deletes the ticket for key. Deleting an absent ticket is not an error.
func (e *Engine) Consume(ctx context.Context, key string) error {
	return e.withKey(ctx, key, func(ctx context.Context, storeKey string, _ time.Time) error {
		return e.delete(ctx, storeKey)
	})
}

// Redeem spends a previously verified ticket. action runs under the key lock
// and the ticket is consumed only if action succeeds, so a verified code backs
// at most one completed action.
func (e *Engine) Redeem(ctx context.Context, key, code string, action func(ctx context.Context) error) error {
	return e.withKey(ctx, key, func(ctx context.Context, storeKey string, now time.Time) error {
		ticket, err := e.live(ctx, storeKey, now)
		if err != nil {
			return err
		}
		if !ticket.Verified {
			return ErrNotVerified
		}
		if !codesEqual(ticket.Code, code) {
			return ErrCodeMismatch
		}
		if err := action(ctx); err != nil {
			return err
		}
		return e.delete(ctx, storeKey)
	})
}

func (e *Engine) withKey(ctx context.Context, key string, fn func(ctx context.Context, storeKey string, now time.Time) error) error {
	storeKey := e.storeKey(key)
	release, err := e.locker.Acquire(ctx, storeKey)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", storeKey, err)
	}
	defer release()
	return fn(context.WithoutCancel(ctx), storeKey, e.now())
}

// live loads the ticket and deletes it if it has expired.
func (e *Engine) live(ctx context.Context, storeKey string, now time.Time) (*models.OTPTicket, error) {
	ticket, err := e.load(ctx, storeKey)
	if err != nil {
		return nil, err
	}
	if ticket.Expired(now) {
		if err := e.delete(ctx, storeKey); err != nil {
			return nil, err
		}
		return nil, ErrTicketExpired
	}
	return ticket, nil
}

func (e *Engine) load(ctx context.Context, storeKey string) (*models.OTPTicket, error) {
	ticket, err := e.store.Get(ctx, storeKey)
	switch {
	case errors.Is(err, ErrTicketNotFound):
		return nil, ErrTicketNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: failed to read code: %v", models.ErrInternal, err)
	}
	return ticket, nil
}

func (e *Engine) delete(ctx context.Context, storeKey string) error {
	if err := e.store.Delete(ctx, storeKey); err != nil {
		return fmt.Errorf("%w: failed to delete code: %v", models.ErrInternal, err)
	}
	return nil
}

func (e *Engine) storeKey(key string) string {
	return "otp:" + string(e.cfg.Channel) + ":" + key
}

func codesEqual(stored, candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}
