package service

import (
	"fmt"

	"account-security/internal/models"
	"account-security/internal/strength"
)

var (
	ErrMissingCredentials = fmt.Errorf("%w: email and password are required", models.ErrValidation)
	ErrInvalidEmail       = fmt.Errorf("%w: email address is malformed", models.ErrValidation)
	ErrInvalidPhone       = fmt.Errorf("%w: phone number is malformed", models.ErrValidation)
	ErrInvalidCode        = fmt.Errorf("%w: code is malformed", models.ErrValidation)
	ErrNameTooLong        = fmt.Errorf("%w: name is too long", models.ErrValidation)
	ErrWrongPassword      = fmt.Errorf("%w: password does not match", models.ErrInvalidCredential)
	ErrNoPassword         = fmt.Errorf("%w: account does not sign in with a password", models.ErrInvalidCredential)
	ErrTooManyAttempts    = fmt.Errorf("%w: too many code attempts", models.ErrRateLimited)
)

// WeakPasswordError rejects a password below the admission score and carries
// the analysis so the caller can show what to improve.
type WeakPasswordError struct {
	Analysis strength.Analysis
	MinScore int
}

func (e *WeakPasswordError) Error() string {
	return fmt.Sprintf("%v: password scored %d, at least %d required", models.ErrValidation, e.Analysis.Score, e.MinScore)
}

func (e *WeakPasswordError) Is(target error) bool {
	return target == models.ErrValidation
}
