// Package repository defines the persistence contracts used by the service layer.
package repository

import (
	"context"

	"account-security/internal/models"
)

// AccountRepository stores accounts. Implementations enforce uniqueness of
// normalized email and phone, returning models.ErrAccountExists on conflict,
// and return models.ErrAccountNotFound from lookups that miss.
type AccountRepository interface {
	FindByID(ctx context.Context, id string) (*models.Account, error)
	FindByEmail(ctx context.Context, email string) (*models.Account, error)
	FindByPhone(ctx context.Context, phone string) (*models.Account, error)
	Create(ctx context.Context, account *models.Account) error
	UpdateSecurityState(ctx context.Context, id string, state models.SecurityState) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	HealthCheck(ctx context.Context) error
}

// SessionStore establishes and tracks opaque sessions.
type SessionStore interface {
	Establish(ctx context.Context, account *models.Account) (*models.Session, error)
	Lookup(ctx context.Context, token string) (*models.Session, error)
	Revoke(ctx context.Context, token string) error
	RevokeAll(ctx context.Context, accountID string) error
}
