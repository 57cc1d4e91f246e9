package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"account-security/internal/delivery"
	"account-security/internal/models"
	"account-security/internal/otp"
	"account-security/internal/util"
)

const (
	minPhoneInput = 8
	maxCodeLength = 10
)

// CodeDispatch reports an issued code without revealing it.
type CodeDispatch struct {
	Destination string        `json:"destination"`
	ExpiresIn   time.Duration `json:"-"`
	Delivered   bool          `json:"delivered"`
}

type PhoneLoginResult struct {
	Account   *models.Account
	Session   *models.Session
	IsNewUser bool
}

// SendPhoneCode issues a sign-in code for a phone number and texts it.
func (s *AccountService) SendPhoneCode(ctx context.Context, rawPhone string, client ClientInfo) (*CodeDispatch, error) {
	phone, err := normalizePhone(rawPhone)
	if err != nil {
		return nil, err
	}
	return s.issueAndSend(ctx, s.phoneCodes, s.sms, phone, "", client)
}

// VerifyPhoneCode spends a phone code, finds or creates the phone account and
// signs it in.
func (s *AccountService) VerifyPhoneCode(ctx context.Context, rawPhone, code string, client ClientInfo) (*PhoneLoginResult, error) {
	phone, err := normalizePhone(rawPhone)
	if err != nil {
		return nil, err
	}
	if err := validateCode(code); err != nil {
		return nil, err
	}
	if err := s.admitCodeAttempt(ctx, models.ChannelPhone, phone, client); err != nil {
		return nil, err
	}

	if err := s.phoneCodes.VerifyAndConsume(ctx, phone, code); err != nil {
		s.rejectCode(ctx, models.ChannelPhone, err, client)
		return nil, err
	}
	s.record(ctx, models.SecurityEvent{
		EventType: models.EventCodeVerified,
		Channel:   string(models.ChannelPhone),
		IPAddress: client.IP,
		ClientSig: client.Signature,
	})

	release, err := s.locker.Acquire(ctx, accountLockKey(phone))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to lock account: %w", models.ErrInternal, err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	account, err := s.findOrCreatePhoneAccount(ctx, phone, client)
	if err != nil {
		return nil, err
	}

	next := s.guard.RecordSuccess(account.Security, client.IP, client.Signature, s.now())
	if err := s.accounts.UpdateSecurityState(ctx, account.ID, next); err != nil {
		return nil, fmt.Errorf("%w: failed to save security state: %v", models.ErrInternal, err)
	}
	account.Security = next

	session, err := s.sessions.Establish(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSessionFailed, err)
	}

	s.record(ctx, models.SecurityEvent{
		EventType: models.EventLoginSucceeded,
		AccountID: account.ID,
		Channel:   string(models.ChannelPhone),
		IPAddress: client.IP,
		ClientSig: client.Signature,
	})
	return &PhoneLoginResult{Account: account, Session: session, IsNewUser: account.Name == ""}, nil
}

func (s *AccountService) findOrCreatePhoneAccount(ctx context.Context, phone string, client ClientInfo) (*models.Account, error) {
	account, err := s.accounts.FindByPhone(ctx, phone)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: failed to look up account: %v", models.ErrInternal, err)
	}

	account = &models.Account{
		Phone:     phone,
		Provider:  models.ProviderPhone,
		CreatedAt: s.now().UTC(),
	}
	err = s.accounts.Create(ctx, account)
	if errors.Is(err, models.ErrAccountExists) {
		// Another instance created it between lookup and insert.
		return s.accounts.FindByPhone(ctx, phone)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create account: %v", models.ErrInternal, err)
	}

	s.logger.Info("Phone account created", util.AccountID(account.ID))
	s.record(ctx, models.SecurityEvent{
		EventType: models.EventAccountCreated,
		AccountID: account.ID,
		Channel:   string(models.ProviderPhone),
		IPAddress: client.IP,
		ClientSig: client.Signature,
	})
	return account, nil
}

// SendResetCode issues a reset code to the mailbox of a local account.
// Accounts that are missing or have no password yield ErrAccountNotFound;
// callers should not reveal the difference.
func (s *AccountService) SendResetCode(ctx context.Context, rawEmail string, client ClientInfo) (*CodeDispatch, error) {
	email := util.NormalizeEmail(rawEmail)
	if email == "" {
		return nil, ErrInvalidEmail
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: failed to look up account: %v", models.ErrInternal, err)
	}
	if !account.HasPassword() {
		return nil, models.ErrAccountNotFound
	}

	return s.issueAndSend(ctx, s.resetCodes, s.email, email, account.ID, client)
}

// VerifyResetCode marks a reset code verified so ResetPassword can spend it.
// A wrong code counts toward the account lockout, and a locked account is
// refused before the code is compared.
func (s *AccountService) VerifyResetCode(ctx context.Context, rawEmail, code string, client ClientInfo) error {
	email := util.NormalizeEmail(rawEmail)
	if email == "" {
		return ErrInvalidEmail
	}
	if err := validateCode(code); err != nil {
		return err
	}

	release, err := s.locker.Acquire(ctx, accountLockKey(email))
	if err != nil {
		return fmt.Errorf("%w: failed to lock account: %w", models.ErrInternal, err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	account, err := s.resetAccount(ctx, email, client)
	if err != nil {
		return err
	}
	if err := s.resetCodes.Verify(ctx, email, code); err != nil {
		return s.failResetCode(ctx, account, err, client)
	}
	s.record(ctx, models.SecurityEvent{
		EventType: models.EventCodeVerified,
		Channel:   string(models.ChannelReset),
		IPAddress: client.IP,
		ClientSig: client.Signature,
	})
	return nil
}

// ResetPassword replaces the password of the account behind a verified reset
// code. The new password must pass the registration gate. The code is spent
// only when the new hash is stored, and every session of the account is revoked.
func (s *AccountService) ResetPassword(ctx context.Context, rawEmail, code, newPassword string, client ClientInfo) error {
	email := util.NormalizeEmail(rawEmail)
	if email == "" {
		return ErrInvalidEmail
	}
	if err := validateCode(code); err != nil {
		return err
	}
	if err := s.verifier.CheckLength(newPassword); err != nil {
		return err
	}

	release, err := s.locker.Acquire(ctx, accountLockKey(email))
	if err != nil {
		return fmt.Errorf("%w: failed to lock account: %w", models.ErrInternal, err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	account, err := s.resetAccount(ctx, email, client)
	if err != nil {
		return err
	}

	err = s.resetCodes.Redeem(ctx, email, code, func(ctx context.Context) error {
		if _, err := s.admit(newPassword, email); err != nil {
			return err
		}
		if account == nil {
			return models.ErrAccountNotFound
		}
		hash, err := s.verifier.Hash(ctx, newPassword)
		if err != nil {
			return err
		}
		if err := s.accounts.UpdatePasswordHash(ctx, account.ID, hash); err != nil {
			if errors.Is(err, models.ErrValidation) {
				return err
			}
			return fmt.Errorf("%w: failed to save password: %v", models.ErrInternal, err)
		}
		return nil
	})
	if errors.Is(err, otp.ErrCodeMismatch) {
		return s.failResetCode(ctx, account, err, client)
	}
	if err != nil {
		return err
	}

	if err := s.sessions.RevokeAll(ctx, account.ID); err != nil {
		s.logger.Warn("Failed to revoke sessions after password reset", util.AccountID(account.ID), util.ErrorField(err))
	}
	s.logger.Info("Password reset", util.AccountID(account.ID))
	s.record(ctx, models.SecurityEvent{
		EventType: models.EventPasswordReset,
		AccountID: account.ID,
		Channel:   string(models.ChannelReset),
		IPAddress: client.IP,
		ClientSig: client.Signature,
	})
	return nil
}

// resetAccount loads the password account behind email and refuses while it
// is locked out. It returns nil without error when there is no such account,
// so the code check still runs and answers the same way.
func (s *AccountService) resetAccount(ctx context.Context, email string, client ClientInfo) (*models.Account, error) {
	account, err := s.accounts.FindByEmail(ctx, email)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to look up account: %v", models.ErrInternal, err)
	}
	if !account.HasPassword() {
		return nil, nil
	}

	if allowed, wait := s.guard.CheckAllowed(account.Security, s.now()); !allowed {
		s.record(ctx, models.SecurityEvent{
			EventType: models.EventLoginBlocked,
			AccountID: account.ID,
			Channel:   string(models.ChannelReset),
			IPAddress: client.IP,
			ClientSig: client.Signature,
		})
		return nil, models.NewRetryAfterError(models.ErrAccountLocked, wait)
	}
	return account, nil
}

// failResetCode reports a rejected reset code. A wrong code for a real
// account counts as a failed credential, like a wrong password.
func (s *AccountService) failResetCode(ctx context.Context, account *models.Account, cause error, client ClientInfo) error {
	if account == nil || !errors.Is(cause, otp.ErrCodeMismatch) {
		s.rejectCode(ctx, models.ChannelReset, cause, client)
		return cause
	}
	event := models.SecurityEvent{
		EventType: models.EventCodeRejected,
		Channel:   string(models.ChannelReset),
		Details:   map[string]string{"reason": cause.Error()},
	}
	if err := s.recordFailure(ctx, account, client, event, s.now()); err != nil {
		return err
	}
	return cause
}

// admitCodeAttempt counts one code guess for key. Limiter errors refuse the
// attempt, since the limiter is what bounds guessing.
func (s *AccountService) admitCodeAttempt(ctx context.Context, channel models.OTPChannel, key string, client ClientInfo) error {
	if s.attempts == nil {
		return nil
	}
	allowed, wait, err := s.attempts.Allow(ctx, string(channel)+":"+key)
	if err != nil {
		return fmt.Errorf("%w: failed to count code attempt: %v", models.ErrInternal, err)
	}
	if !allowed {
		s.rejectCode(ctx, channel, ErrTooManyAttempts, client)
		return models.NewRetryAfterError(ErrTooManyAttempts, wait)
	}
	return nil
}

func (s *AccountService) issueAndSend(ctx context.Context, engine *otp.Engine, sender *delivery.Fallback, destination, accountID string, client ClientInfo) (*CodeDispatch, error) {
	ticket, err := engine.Issue(ctx, destination)
	if err != nil {
		return nil, err
	}

	receipt := sender.Send(ctx, delivery.Message{
		Channel:     engine.Channel(),
		Destination: destination,
		Code:        ticket.Code,
		TTL:         engine.TTL(),
	})

	s.record(ctx, models.SecurityEvent{
		EventType: models.EventCodeIssued,
		AccountID: accountID,
		Channel:   string(engine.Channel()),
		IPAddress: client.IP,
		ClientSig: client.Signature,
		Details:   map[string]string{"transport": receipt.Transport},
	})
	if !receipt.Delivered {
		s.record(ctx, models.SecurityEvent{
			EventType: models.EventDeliveryFallback,
			AccountID: accountID,
			Channel:   string(engine.Channel()),
			IPAddress: client.IP,
			Details:   map[string]string{"error": receipt.Err.Error()},
		})
	}

	return &CodeDispatch{
		Destination: util.MaskDestination(destination),
		ExpiresIn:   ticket.ExpiresAt.Sub(ticket.IssuedAt),
		Delivered:   receipt.Delivered,
	}, nil
}

func (s *AccountService) rejectCode(ctx context.Context, channel models.OTPChannel, cause error, client ClientInfo) {
	s.record(ctx, models.SecurityEvent{
		EventType: models.EventCodeRejected,
		Channel:   string(channel),
		IPAddress: client.IP,
		ClientSig: client.Signature,
		Details:   map[string]string{"reason": cause.Error()},
	})
}

func normalizePhone(raw string) (string, error) {
	if len(strings.TrimSpace(raw)) < minPhoneInput {
		return "", ErrInvalidPhone
	}
	phone := util.NormalizePhone(raw)
	if !util.ValidPhone(phone) {
		return "", ErrInvalidPhone
	}
	return phone, nil
}

func validateCode(code string) error {
	if code == "" || len(code) > maxCodeLength {
		return ErrInvalidCode
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return ErrInvalidCode
		}
	}
	return nil
}
