package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrRateLimited       = errors.New("rate limited")
	ErrExpired           = errors.New("expired")
	ErrTransportFailure  = errors.New("delivery transport failed")
	ErrInternal          = errors.New("internal error")
	ErrSessionFailed     = errors.New("session establishment failed")
)

var (
	ErrAccountNotFound = fmt.Errorf("%w: account", ErrNotFound)
	ErrAccountExists   = fmt.Errorf("%w: account already exists", ErrValidation)
	ErrAccountLocked   = fmt.Errorf("%w: account temporarily locked", ErrRateLimited)
)

// RetryAfterError is a rate-limit rejection with machine-readable timing.
type RetryAfterError struct {
	Reason     error
	RetryAfter time.Duration
}

func NewRetryAfterError(reason error, retryAfter time.Duration) *RetryAfterError {
	if reason == nil {
		reason = ErrRateLimited
	}
	return &RetryAfterError{Reason: reason, RetryAfter: retryAfter}
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v: retry after %ds", e.Reason, e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds up so a client never retries early.
func (e *RetryAfterError) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

func (e *RetryAfterError) Unwrap() error {
	return e.Reason
}

func (e *RetryAfterError) Is(target error) bool {
	return target == ErrRateLimited
}
