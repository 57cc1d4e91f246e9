package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"account-security/internal/audit"
	"account-security/internal/delivery"
	"account-security/internal/hashing"
	"account-security/internal/lock"
	"account-security/internal/lockout"
	"account-security/internal/models"
	"account-security/internal/otp"
	"account-security/internal/repository"
	"account-security/internal/risk"
	"account-security/internal/strength"
	"account-security/internal/util"
)

const (
	DefaultMinPasswordScore = 40
	maxEmailLength          = 254
	maxNameLength           = 100
)

// AttemptLimiter admits one attempt for key or reports how long to wait.
type AttemptLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// Dependencies are the collaborators an AccountService is assembled from.
type Dependencies struct {
	Accounts   repository.AccountRepository
	Sessions   repository.SessionStore
	Verifier   *hashing.CredentialVerifier
	Guard      *lockout.Guard
	PhoneCodes *otp.Engine
	ResetCodes *otp.Engine
	SMS        *delivery.Fallback
	Email      *delivery.Fallback
	Locker     lock.Locker
	Audit      audit.Recorder
	Logger     *zap.Logger

	// CodeAttempts caps phone code guesses per number. Nil disables it.
	CodeAttempts AttemptLimiter

	MinPasswordScore int
	Now              func() time.Time
}

// AccountService runs the sign-in, registration and recovery flows.
type AccountService struct {
	accounts   repository.AccountRepository
	sessions   repository.SessionStore
	verifier   *hashing.CredentialVerifier
	guard      *lockout.Guard
	phoneCodes *otp.Engine
	resetCodes *otp.Engine
	sms        *delivery.Fallback
	email      *delivery.Fallback
	locker     lock.Locker
	attempts   AttemptLimiter
	audit      audit.Recorder
	logger     *zap.Logger
	minScore   int
	now        func() time.Time
}

// ClientInfo describes where a request came from.
type ClientInfo struct {
	IP        string
	Signature string
}

type RegisterRequest struct {
	Email    string
	Password string
	Name     string
	Client   ClientInfo
}

type RegisterResult struct {
	Account  *models.Account
	Session  *models.Session
	Strength strength.Analysis
}

type LoginRequest struct {
	Email    string
	Password string
	Client   ClientInfo
}

type LoginResult struct {
	Account  *models.Account
	Session  *models.Session
	Risk     risk.Assessment
	Advisory string
}

type noopRecorder struct{}

func (noopRecorder) Record(context.Context, models.SecurityEvent) {}

func NewAccountService(deps Dependencies) *AccountService {
	s := &AccountService{
		accounts:   deps.Accounts,
		sessions:   deps.Sessions,
		verifier:   deps.Verifier,
		guard:      deps.Guard,
		phoneCodes: deps.PhoneCodes,
		resetCodes: deps.ResetCodes,
		sms:        deps.SMS,
		email:      deps.Email,
		locker:     deps.Locker,
		attempts:   deps.CodeAttempts,
		audit:      deps.Audit,
		logger:     deps.Logger,
		minScore:   deps.MinPasswordScore,
		now:        deps.Now,
	}
	if s.guard == nil {
		s.guard = lockout.NewGuard(0, 0)
	}
	if s.locker == nil {
		s.locker = lock.NewKeyedMutex()
	}
	if s.audit == nil {
		s.audit = noopRecorder{}
	}
	if s.logger == nil {
		s.logger = util.Get()
	}
	if s.sms == nil {
		s.sms = delivery.NewFallback(s.logger)
	}
	if s.email == nil {
		s.email = delivery.NewFallback(s.logger)
	}
	if s.minScore <= 0 {
		s.minScore = DefaultMinPasswordScore
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CheckStrength scores a candidate password for display.
func (s *AccountService) CheckStrength(password, email string) strength.Analysis {
	return strength.Estimate(password, util.NormalizeEmail(email))
}

// Register creates a local account and signs it in. A session failure after
// the account is stored is logged and the account is returned without one.
func (s *AccountService) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	email := util.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, ErrMissingCredentials
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if utf8.RuneCountInString(name) > maxNameLength {
		return nil, ErrNameTooLong
	}
	if err := s.verifier.CheckLength(req.Password); err != nil {
		return nil, err
	}

	analysis, err := s.admit(req.Password, email)
	if err != nil {
		return nil, err
	}

	if _, err := s.accounts.FindByEmail(ctx, email); err == nil {
		return nil, models.ErrAccountExists
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: failed to look up account: %v", models.ErrInternal, err)
	}

	hash, err := s.verifier.Hash(ctx, req.Password)
	if err != nil {
		return nil, err
	}

	account := &models.Account{
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		Provider:     models.ProviderLocal,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, models.ErrAccountExists) || errors.Is(err, models.ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: failed to create account: %v", models.ErrInternal, err)
	}

	s.logger.Info("Account registered",
		util.AccountID(account.ID),
		util.Int("password_score", analysis.Score))
	s.record(ctx, models.SecurityEvent{
		EventType: models.EventAccountCreated,
		AccountID: account.ID,
		Channel:   string(models.ProviderLocal),
		IPAddress: req.Client.IP,
		ClientSig: req.Client.Signature,
	})

	result := &RegisterResult{Account: account, Strength: analysis}
	session, err := s.sessions.Establish(ctx, account)
	if err != nil {
		s.logger.Error("Failed to establish session after registration",
			util.AccountID(account.ID), util.ErrorField(err))
		return result, nil
	}
	result.Session = session
	return result, nil
}

// Login authenticates an email and password. The lock is checked before any
// hash comparison, and the security state update for the attempt completes
// even if the caller goes away.
func (s *AccountService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email := util.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, ErrMissingCredentials
	}
	if err := s.verifier.CheckLength(req.Password); err != nil {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx, accountLockKey(email))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to lock account: %w", models.ErrInternal, err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	account, err := s.accounts.FindByEmail(ctx, email)
	if errors.Is(err, models.ErrNotFound) {
		if derr := s.verifier.VerifyDecoy(ctx, req.Password); derr != nil {
			s.logger.Warn("Decoy comparison failed", util.ErrorField(derr))
		}
		s.record(ctx, models.SecurityEvent{
			EventType: models.EventLoginFailed,
			IPAddress: req.Client.IP,
			ClientSig: req.Client.Signature,
			Details:   map[string]string{"reason": "unknown_account"},
		})
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to look up account: %v", models.ErrInternal, err)
	}
	if !account.HasPassword() {
		if derr := s.verifier.VerifyDecoy(ctx, req.Password); derr != nil {
			s.logger.Warn("Decoy comparison failed", util.ErrorField(derr))
		}
		return nil, ErrNoPassword
	}

	now := s.now()
	if allowed, wait := s.guard.CheckAllowed(account.Security, now); !allowed {
		s.record(ctx, models.SecurityEvent{
			EventType: models.EventLoginBlocked,
			AccountID: account.ID,
			IPAddress: req.Client.IP,
			ClientSig: req.Client.Signature,
		})
		return nil, models.NewRetryAfterError(models.ErrAccountLocked, wait)
	}

	matched, err := s.verifier.Verify(ctx, account.PasswordHash, req.Password)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, s.failLogin(ctx, account, req.Client, now)
	}

	assessment := risk.Score(history(account.Security), req.Client.IP, req.Client.Signature)

	next := s.guard.RecordSuccess(account.Security, req.Client.IP, req.Client.Signature, now)
	if err := s.accounts.UpdateSecurityState(ctx, account.ID, next); err != nil {
		return nil, fmt.Errorf("%w: failed to save security state: %v", models.ErrInternal, err)
	}
	account.Security = next

	if s.verifier.NeedsRehash(account.PasswordHash) {
		s.rehash(ctx, account, req.Password)
	}

	session, err := s.sessions.Establish(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSessionFailed, err)
	}

	result := &LoginResult{Account: account, Session: session, Risk: assessment}
	if assessment.High() {
		result.Advisory = "Unusual sign-in detected: " + strings.Join(assessment.Reasons, ", ")
		s.logger.Warn("High risk sign-in",
			util.AccountID(account.ID),
			util.Int("risk_score", assessment.Score),
			util.Strings("reasons", assessment.Reasons))
	}

	s.record(ctx, models.SecurityEvent{
		EventType: models.EventLoginSucceeded,
		AccountID: account.ID,
		IPAddress: req.Client.IP,
		ClientSig: req.Client.Signature,
		RiskScore: assessment.Score,
		RiskLevel: string(assessment.Level),
	})
	return result, nil
}

func (s *AccountService) failLogin(ctx context.Context, account *models.Account, client ClientInfo, now time.Time) error {
	if err := s.recordFailure(ctx, account, client, models.SecurityEvent{EventType: models.EventLoginFailed}, now); err != nil {
		return err
	}
	return ErrWrongPassword
}

// recordFailure counts a failed credential against the account lockout and
// reports the attempt, locking the account when it reaches the threshold.
func (s *AccountService) recordFailure(ctx context.Context, account *models.Account, client ClientInfo, event models.SecurityEvent, now time.Time) error {
	before := account.Security
	next := s.guard.RecordFailure(before, now)
	if err := s.accounts.UpdateSecurityState(ctx, account.ID, next); err != nil {
		return fmt.Errorf("%w: failed to save security state: %v", models.ErrInternal, err)
	}
	account.Security = next

	event.AccountID = account.ID
	event.IPAddress = client.IP
	event.ClientSig = client.Signature
	if event.Details == nil {
		event.Details = map[string]string{}
	}
	event.Details["attempts"] = fmt.Sprint(next.FailedAttemptCount)
	s.record(ctx, event)

	if lockout.JustLocked(before, next) {
		s.logger.Warn("Account locked after repeated failures",
			util.AccountID(account.ID),
			util.Int("attempts", next.FailedAttemptCount),
			util.Time("locked_until", *next.LockedUntil))
		s.record(ctx, models.SecurityEvent{
			EventType: models.EventAccountLocked,
			AccountID: account.ID,
			IPAddress: client.IP,
			ClientSig: client.Signature,
			Details:   map[string]string{"locked_until": next.LockedUntil.UTC().Format(time.RFC3339)},
		})
	}
	return nil
}

func (s *AccountService) rehash(ctx context.Context, account *models.Account, password string) {
	hash, err := s.verifier.Hash(ctx, password)
	if err == nil {
		err = s.accounts.UpdatePasswordHash(ctx, account.ID, hash)
	}
	if err != nil {
		s.logger.Warn("Failed to upgrade password hash", util.AccountID(account.ID), util.ErrorField(err))
		return
	}
	account.PasswordHash = hash
	s.logger.Info("Password hash upgraded", util.AccountID(account.ID))
}

// Status resolves a session token to its account.
func (s *AccountService) Status(ctx context.Context, token string) (*models.Account, *models.Session, error) {
	if token == "" {
		return nil, nil, models.ErrNotFound
	}
	session, err := s.sessions.Lookup(ctx, token)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %v", models.ErrSessionFailed, err)
	}
	account, err := s.accounts.FindByID(ctx, session.AccountID)
	if err != nil {
		return nil, nil, err
	}
	return account, session, nil
}

// Logout revokes a session. Unknown tokens are not an error.
func (s *AccountService) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.sessions.Revoke(ctx, token); err != nil {
		return fmt.Errorf("%w: %v", models.ErrSessionFailed, err)
	}
	return nil
}

// admit applies the registration strength gate.
func (s *AccountService) admit(password, email string) (strength.Analysis, error) {
	analysis := strength.Estimate(password, email)
	if analysis.Score < s.minScore {
		return analysis, &WeakPasswordError{Analysis: analysis, MinScore: s.minScore}
	}
	return analysis, nil
}

func (s *AccountService) record(ctx context.Context, event models.SecurityEvent) {
	s.audit.Record(ctx, event)
}

func validateEmail(email string) error {
	if len(email) > maxEmailLength {
		return ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrInvalidEmail
	}
	return nil
}

// history treats a state with nothing recorded as no history at all.
func history(state models.SecurityState) *models.SecurityState {
	if state == (models.SecurityState{}) {
		return nil
	}
	return &state
}

func accountLockKey(identity string) string {
	return "account:" + identity
}
