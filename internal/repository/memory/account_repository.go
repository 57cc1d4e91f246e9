// Package memory holds in-process repository implementations for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"account-security/internal/models"
)

type AccountRepository struct {
	mu      sync.RWMutex
	byID    map[string]models.Account
	byEmail map[string]string
	byPhone map[string]string
}

func NewAccountRepository() *AccountRepository {
	return &AccountRepository{
		byID:    make(map[string]models.Account),
		byEmail: make(map[string]string),
		byPhone: make(map[string]string),
	}
}

func (r *AccountRepository) FindByID(_ context.Context, id string) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(id)
}

func (r *AccountRepository) FindByEmail(_ context.Context, email string) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[email]
	if !ok {
		return nil, models.ErrAccountNotFound
	}
	return r.get(id)
}

func (r *AccountRepository) FindByPhone(_ context.Context, phone string) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPhone[phone]
	if !ok {
		return nil, models.ErrAccountNotFound
	}
	return r.get(id)
}

func (r *AccountRepository) Create(_ context.Context, account *models.Account) error {
	if err := account.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if account.Email != "" {
		if _, taken := r.byEmail[account.Email]; taken {
			return models.ErrAccountExists
		}
	}
	if account.Phone != "" {
		if _, taken := r.byPhone[account.Phone]; taken {
			return models.ErrAccountExists
		}
	}

	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	r.byID[account.ID] = *account
	if account.Email != "" {
		r.byEmail[account.Email] = account.ID
	}
	if account.Phone != "" {
		r.byPhone[account.Phone] = account.ID
	}
	return nil
}

func (r *AccountRepository) UpdateSecurityState(_ context.Context, id string, state models.SecurityState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.byID[id]
	if !ok {
		return models.ErrAccountNotFound
	}
	account.Security = state
	r.byID[id] = account
	return nil
}

func (r *AccountRepository) UpdatePasswordHash(_ context.Context, id, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.byID[id]
	if !ok {
		return models.ErrAccountNotFound
	}
	if account.Provider != models.ProviderLocal {
		return fmt.Errorf("%w: account has no password", models.ErrValidation)
	}
	account.PasswordHash = hash
	r.byID[id] = account
	return nil
}

func (r *AccountRepository) HealthCheck(context.Context) error {
	return nil
}

func (r *AccountRepository) get(id string) (*models.Account, error) {
	account, ok := r.byID[id]
	if !ok {
		return nil, models.ErrAccountNotFound
	}
	return &account, nil
}
