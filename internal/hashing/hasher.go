package hashing

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"time"
	"unicode/utf8"

	"account-security/internal/config"
	"account-security/internal/models"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// bcrypt ignores input past 72 bytes; longer passwords are pre-hashed.
const bcryptInputLimit = 72

var (
	// ErrWorkersBusy is returned when no bcrypt worker frees up in time.
	ErrWorkersBusy     = fmt.Errorf("%w: hash workers busy", models.ErrInternal)
	ErrPasswordTooLong = fmt.Errorf("%w: password exceeds maximum length", models.ErrValidation)
	ErrPasswordEmpty   = fmt.Errorf("%w: password is required", models.ErrValidation)
)

// CredentialVerifier hashes and compares passwords with bcrypt. Concurrent
// bcrypt work is capped so a burst of logins cannot take every CPU.
type CredentialVerifier struct {
	cost      int
	maxLength int
	maxWait   time.Duration
	workers   *semaphore.Weighted
	decoyHash []byte
}

func NewCredentialVerifier(cfg config.SecurityConfig) (*CredentialVerifier, error) {
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range", cost)
	}

	workers := cfg.HashWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	decoy, err := bcrypt.GenerateFromPassword([]byte("decoy-password-for-unknown-accounts"), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to build decoy hash: %w", err)
	}

	return &CredentialVerifier{
		cost:      cost,
		maxLength: cfg.MaxPasswordLength,
		maxWait:   cfg.HashWaitTimeout,
		workers:   semaphore.NewWeighted(int64(workers)),
		decoyHash: decoy,
	}, nil
}

// Hash returns the bcrypt hash of password.
func (v *CredentialVerifier) Hash(ctx context.Context, password string) (string, error) {
	if err := v.CheckLength(password); err != nil {
		return "", err
	}

	var hash []byte
	err := v.run(ctx, func() error {
		var err error
		hash, err = bcrypt.GenerateFromPassword(prepare(password), v.cost)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Verify compares candidate against storedHash. A mismatch is (false, nil);
// an error means the comparison itself could not be made.
func (v *CredentialVerifier) Verify(ctx context.Context, storedHash, candidate string) (bool, error) {
	if err := v.CheckLength(candidate); err != nil {
		return false, err
	}
	return v.compare(ctx, []byte(storedHash), candidate)
}

// VerifyDecoy spends one comparison against a fixed hash, so lookups for
// unknown accounts take as long as real ones. It always reports false.
func (v *CredentialVerifier) VerifyDecoy(ctx context.Context, candidate string) error {
	if err := v.CheckLength(candidate); err != nil {
		return err
	}
	_, err := v.compare(ctx, v.decoyHash, candidate)
	return err
}

// NeedsRehash reports whether storedHash was produced with a different cost.
func (v *CredentialVerifier) NeedsRehash(storedHash string) bool {
	cost, err := bcrypt.Cost([]byte(storedHash))
	return err == nil && cost != v.cost
}

func (v *CredentialVerifier) compare(ctx context.Context, hash []byte, candidate string) (bool, error) {
	var matched bool
	err := v.run(ctx, func() error {
		err := bcrypt.CompareHashAndPassword(hash, prepare(candidate))
		switch {
		case err == nil:
			matched = true
			return nil
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return nil
		default:
			return fmt.Errorf("%w: unreadable password hash: %v", models.ErrInternal, err)
		}
	})
	return matched, err
}

// run waits for a worker slot, honouring ctx and maxWait only while
// waiting. Once the hash starts it runs to completion.
func (v *CredentialVerifier) run(ctx context.Context, fn func() error) error {
	wait := ctx
	if v.maxWait > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, v.maxWait)
		defer cancel()
	}
	if err := v.workers.Acquire(wait, 1); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("hash worker unavailable: %w", err)
		}
		return fmt.Errorf("%w after %s: %w", ErrWorkersBusy, v.maxWait, err)
	}
	defer v.workers.Release(1)
	return fn()
}

// CheckLength rejects empty and oversized passwords before any hashing work.
func (v *CredentialVerifier) CheckLength(password string) error {
	if password == "" {
		return ErrPasswordEmpty
	}
	if v.maxLength > 0 && utf8.RuneCountInString(password) > v.maxLength {
		return ErrPasswordTooLong
	}
	return nil
}

func prepare(password string) []byte {
	if len(password) <= bcryptInputLimit {
		return []byte(password)
	}
	sum := sha256.Sum256([]byte(password))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}
