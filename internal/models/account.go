package models

import (
	"errors"
	"time"
)

// Provider identifies how an account authenticates.
type Provider string

const (
	ProviderLocal    Provider = "local"
	ProviderPhone    Provider = "phone"
	ProviderGoogle   Provider = "federated-google"
	ProviderGithub   Provider = "federated-github"
	ProviderFacebook Provider = "federated-facebook"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderLocal, ProviderPhone, ProviderGoogle, ProviderGithub, ProviderFacebook:
		return true
	}
	return false
}

// Account is the identity record. Email and Phone are stored normalized.
type Account struct {
	ID           string        `json:"id" db:"account_id"`
	Bucket       int           `json:"-" db:"account_bucket"`
	Email        string        `json:"email,omitempty" db:"email"`
	Phone        string        `json:"phone,omitempty" db:"phone"`
	PasswordHash string        `json:"-" db:"password_hash"`
	Name         string        `json:"name,omitempty" db:"name"`
	Avatar       string        `json:"avatar,omitempty" db:"avatar"`
	Provider     Provider      `json:"provider" db:"provider"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	Security     SecurityState `json:"-"`
}

// SecurityState is written only by the lockout guard.
type SecurityState struct {
	FailedAttemptCount       int        `json:"failed_attempt_count" db:"failed_attempt_count"`
	LastFailedAt             *time.Time `json:"last_failed_at,omitempty" db:"last_failed_at"`
	LockedUntil              *time.Time `json:"locked_until,omitempty" db:"locked_until"`
	LastLoginIP              string     `json:"last_login_ip,omitempty" db:"last_login_ip"`
	LastLoginClientSignature string     `json:"last_login_client_signature,omitempty" db:"last_login_client_signature"`
}

var (
	errAccountIdentity = errors.New("account requires an email or a phone")
	errAccountProvider = errors.New("account provider is not recognised")
	errAccountHash     = errors.New("password hash must be set exactly for local accounts")
)

// Validate checks the record-level invariants.
func (a *Account) Validate() error {
	if a.Email == "" && a.Phone == "" {
		return errAccountIdentity
	}
	if !a.Provider.Valid() {
		return errAccountProvider
	}
	if (a.PasswordHash != "") != (a.Provider == ProviderLocal) {
		return errAccountHash
	}
	return nil
}

// HasPassword reports whether the account can sign in with a password.
func (a *Account) HasPassword() bool {
	return a.Provider == ProviderLocal && a.PasswordHash != ""
}
