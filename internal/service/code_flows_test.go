package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-security/internal/handler"
	"account-security/internal/models"
	"account-security/internal/otp"
	"account-security/internal/service"
)

var mobile = service.ClientInfo{IP: homeIP, Signature: phoneAgent}

func TestPhoneLoginCreatesAccountAndConsumesCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	dispatch, err := h.svc.SendPhoneCode(ctx, " 12-34 ", mobile)
	require.ErrorIs(t, err, models.ErrValidation)
	assert.Nil(t, dispatch)

	dispatch, err = h.svc.SendPhoneCode(ctx, "1 (555) 123-4567", mobile)
	require.NoError(t, err)
	assert.Equal(t, "********4567", dispatch.Destination)
	assert.Equal(t, 5*time.Minute, dispatch.ExpiresIn)
	assert.False(t, dispatch.Delivered)

	fallback := h.logs.FilterMessage("Code delivery fallback").All()
	require.Len(t, fallback, 1)
	assert.Equal(t, firstCode, fallback[0].ContextMap()["code"])
	assert.Equal(t, 1, h.audit.count(models.EventCodeIssued))
	assert.Equal(t, 1, h.audit.count(models.EventDeliveryFallback))

	_, err = h.svc.VerifyPhoneCode(ctx, testPhone, "111111", mobile)
	assert.ErrorIs(t, err, models.ErrInvalidCredential)
	assert.Equal(t, 1, h.audit.count(models.EventCodeRejected))

	res, err := h.svc.VerifyPhoneCode(ctx, testPhone, firstCode, mobile)
	require.NoError(t, err)
	assert.True(t, res.IsNewUser)
	assert.Equal(t, models.ProviderPhone, res.Account.Provider)
	assert.Equal(t, testPhone, res.Account.Phone)
	require.NotNil(t, res.Session)
	assert.Equal(t, homeIP, res.Account.Security.LastLoginIP)

	_, err = h.svc.VerifyPhoneCode(ctx, testPhone, firstCode, mobile)
	assert.ErrorIs(t, err, models.ErrNotFound)

	h.clock.Advance(61 * time.Second)
	_, err = h.svc.SendPhoneCode(ctx, testPhone, mobile)
	require.NoError(t, err)
	again, err := h.svc.VerifyPhoneCode(ctx, testPhone, secondCode, mobile)
	require.NoError(t, err)
	assert.Equal(t, res.Account.ID, again.Account.ID)
	assert.Equal(t, 1, h.audit.count(models.EventAccountCreated))
}

func TestPhoneCodeCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SendPhoneCode(ctx, testPhone, mobile)
	require.NoError(t, err)

	h.clock.Advance(20 * time.Second)
	_, err = h.svc.SendPhoneCode(ctx, testPhone, mobile)
	require.ErrorIs(t, err, models.ErrRateLimited)
	var retry *models.RetryAfterError
	require.True(t, errors.As(err, &retry))
	assert.Equal(t, 40, retry.RetryAfterSeconds())
}

func TestPhoneCodeExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SendPhoneCode(ctx, testPhone, mobile)
	require.NoError(t, err)

	h.clock.Advance(5*time.Minute + time.Second)
	_, err = h.svc.VerifyPhoneCode(ctx, testPhone, firstCode, mobile)
	assert.ErrorIs(t, err, models.ErrExpired)
	_, err = h.svc.VerifyPhoneCode(ctx, testPhone, firstCode, mobile)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestVerifyPhoneCodeValidatesInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.VerifyPhoneCode(ctx, testPhone, "12a456", mobile)
	assert.ErrorIs(t, err, service.ErrInvalidCode)
	_, err = h.svc.VerifyPhoneCode(ctx, "123", firstCode, mobile)
	assert.ErrorIs(t, err, service.ErrInvalidPhone)
}

func TestSendResetCodeOnlyForLocalAccounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SendResetCode(ctx, "ghost@example.com", mobile)
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, h.accounts.Create(ctx, &models.Account{Email: "fed@example.com", Provider: models.ProviderGoogle}))
	_, err = h.svc.SendResetCode(ctx, "fed@example.com", mobile)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Zero(t, h.audit.count(models.EventCodeIssued))
}

func TestPasswordResetFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t)

	login, err := h.login(strongPass, officeIP, laptopAgent)
	require.NoError(t, err)

	dispatch, err := h.svc.SendResetCode(ctx, "ADA@example.com", mobile)
	require.NoError(t, err)
	assert.Equal(t, "a***@example.com", dispatch.Destination)

	const newPass = "Fresh-Start7Garden"
	err = h.svc.ResetPassword(ctx, testEmail, firstCode, newPass, mobile)
	assert.ErrorIs(t, err, otp.ErrNotVerified)

	require.ErrorIs(t, h.svc.VerifyResetCode(ctx, testEmail, "999999", mobile), models.ErrInvalidCredential)
	require.NoError(t, h.svc.VerifyResetCode(ctx, testEmail, firstCode, mobile))

	err = h.svc.ResetPassword(ctx, testEmail, firstCode, "password", mobile)
	var weak *service.WeakPasswordError
	require.True(t, errors.As(err, &weak))

	err = h.svc.ResetPassword(ctx, testEmail, "999999", newPass, mobile)
	assert.ErrorIs(t, err, models.ErrInvalidCredential)

	require.NoError(t, h.svc.ResetPassword(ctx, testEmail, firstCode, newPass, mobile))
	assert.Equal(t, 1, h.audit.count(models.EventPasswordReset))

	err = h.svc.ResetPassword(ctx, testEmail, firstCode, newPass, mobile)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, _, err = h.svc.Status(ctx, login.Session.Token)
	assert.ErrorIs(t, err, models.ErrNotFound, "sessions are revoked by a reset")

	_, err = h.login(strongPass, officeIP, laptopAgent)
	assert.ErrorIs(t, err, models.ErrInvalidCredential)
	_, err = h.login(newPass, officeIP, laptopAgent)
	assert.NoError(t, err)
}

func TestResetCodeExpiresBeforeRedeem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t)

	_, err := h.svc.SendResetCode(ctx, testEmail, mobile)
	require.NoError(t, err)
	require.NoError(t, h.svc.VerifyResetCode(ctx, testEmail, firstCode, mobile))

	h.clock.Advance(6 * time.Minute)
	err = h.svc.ResetPassword(ctx, testEmail, firstCode, "Fresh-Start7Garden", mobile)
	assert.ErrorIs(t, err, models.ErrExpired)
}

func TestWrongResetCodesLockTheAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t)

	_, err := h.svc.SendResetCode(ctx, testEmail, mobile)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := h.svc.VerifyResetCode(ctx, testEmail, fmt.Sprintf("%06d", 100000+i), mobile)
		require.ErrorIs(t, err, otp.ErrCodeMismatch, "guess %d", i+1)
	}
	assert.Equal(t, 1, h.audit.count(models.EventAccountLocked))

	err = h.svc.VerifyResetCode(ctx, testEmail, "999999", mobile)
	var retry *models.RetryAfterError
	require.ErrorAs(t, err, &retry)
	assert.ErrorIs(t, err, models.ErrRateLimited)
	assert.ErrorIs(t, err, models.ErrAccountLocked)
	assert.Equal(t, int(lockDuration.Seconds()), retry.RetryAfterSeconds())

	assert.ErrorIs(t, h.svc.VerifyResetCode(ctx, testEmail, firstCode, mobile), models.ErrRateLimited,
		"the right code is refused while locked")
	assert.ErrorIs(t, h.svc.ResetPassword(ctx, testEmail, firstCode, "Fresh-Start7Garden", mobile), models.ErrRateLimited)
	_, err = h.login(strongPass, officeIP, laptopAgent)
	assert.ErrorIs(t, err, models.ErrAccountLocked, "password sign-in shares the lock")

	account, err := h.accounts.FindByEmail(ctx, testEmail)
	require.NoError(t, err)
	assert.Equal(t, 5, account.Security.FailedAttemptCount)
}

func TestWrongCodeAtResetCountsTowardLockout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t)

	_, err := h.svc.SendResetCode(ctx, testEmail, mobile)
	require.NoError(t, err)
	require.NoError(t, h.svc.VerifyResetCode(ctx, testEmail, firstCode, mobile))

	err = h.svc.ResetPassword(ctx, testEmail, "999999", "Fresh-Start7Garden", mobile)
	require.ErrorIs(t, err, otp.ErrCodeMismatch)

	account, err := h.accounts.FindByEmail(ctx, testEmail)
	require.NoError(t, err)
	assert.Equal(t, 1, account.Security.FailedAttemptCount)
}

func TestResetCodeForUnknownEmailLeavesNoState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		err := h.svc.VerifyResetCode(ctx, "ghost@example.com", firstCode, mobile)
		require.ErrorIs(t, err, models.ErrNotFound)
	}
	assert.Zero(t, h.audit.count(models.EventAccountLocked))
}

func TestPhoneCodeAttemptsAreCapped(t *testing.T) {
	h := newHarness(t, func(d *service.Dependencies) {
		d.CodeAttempts = handler.NewLocalThrottle(5.0/300, 5)
	})
	ctx := context.Background()

	_, err := h.svc.SendPhoneCode(ctx, testPhone, mobile)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := h.svc.VerifyPhoneCode(ctx, testPhone, fmt.Sprintf("%06d", 100000+i), mobile)
		require.ErrorIs(t, err, otp.ErrCodeMismatch, "guess %d", i+1)
	}

	_, err = h.svc.VerifyPhoneCode(ctx, testPhone, firstCode, mobile)
	var retry *models.RetryAfterError
	require.ErrorAs(t, err, &retry)
	assert.ErrorIs(t, err, service.ErrTooManyAttempts)
	assert.Positive(t, retry.RetryAfter)

	_, err = h.svc.VerifyPhoneCode(ctx, "+15557654321", firstCode, mobile)
	assert.ErrorIs(t, err, models.ErrNotFound, "other numbers keep their own budget")
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, 0, errors.New("redis down")
}

func TestPhoneCodeAttemptsFailClosed(t *testing.T) {
	h := newHarness(t, func(d *service.Dependencies) { d.CodeAttempts = brokenLimiter{} })
	ctx := context.Background()

	_, err := h.svc.SendPhoneCode(ctx, testPhone, mobile)
	require.NoError(t, err)
	_, err = h.svc.VerifyPhoneCode(ctx, testPhone, firstCode, mobile)
	assert.ErrorIs(t, err, models.ErrInternal)
}
