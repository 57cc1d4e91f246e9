package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"account-security/internal/config"
	"account-security/internal/delivery"
	"account-security/internal/hashing"
	"account-security/internal/lock"
	"account-security/internal/lockout"
	"account-security/internal/models"
	"account-security/internal/otp"
	"account-security/internal/repository/memory"
	"account-security/internal/risk"
	"account-security/internal/service"
)

const (
	testEmail    = "ada@example.com"
	strongPass   = "Correct-Horse9Battery"
	officeIP     = "203.0.113.10"
	homeIP       = "198.51.100.7"
	laptopAgent  = "Mozilla/5.0 (X11; Linux x86_64)"
	phoneAgent   = "Mozilla/5.0 (iPhone)"
	testPhone    = "+15551234567"
	firstCode    = "482193"
	secondCode   = "000417"
	lockDuration = 15 * time.Minute
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (r *recorder) Record(_ context.Context, event models.SecurityEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) count(t models.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == t {
			n++
		}
	}
	return n
}

func fixedCodes(codes ...string) otp.Generator {
	var mu sync.Mutex
	i := 0
	return func(int) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		code := codes[i%len(codes)]
		i++
		return code, nil
	}
}

type harness struct {
	svc      *service.AccountService
	accounts *memory.AccountRepository
	sessions *memory.SessionStore
	clock    *clock
	audit    *recorder
	logs     *observer.ObservedLogs
}

func newHarness(t *testing.T, opts ...func(*service.Dependencies)) *harness {
	t.Helper()

	c := &clock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	verifier, err := hashing.NewCredentialVerifier(config.SecurityConfig{BcryptCost: 4, MaxPasswordLength: 256, HashWorkers: 4})
	require.NoError(t, err)

	locker := lock.NewKeyedMutex()
	engine := func(channel models.OTPChannel) *otp.Engine {
		return otp.NewEngine(otp.Config{Channel: channel, TTL: 5 * time.Minute, Cooldown: time.Minute, Length: 6},
			otp.NewMemoryStore(), locker,
			otp.WithClock(c.Now), otp.WithGenerator(fixedCodes(firstCode, secondCode)))
	}

	h := &harness{
		accounts: memory.NewAccountRepository(),
		sessions: memory.NewSessionStore(24*time.Hour, c.Now),
		clock:    c,
		audit:    &recorder{},
		logs:     logs,
	}
	deps := service.Dependencies{
		Accounts:   h.accounts,
		Sessions:   h.sessions,
		Verifier:   verifier,
		Guard:      lockout.NewGuard(5, lockDuration),
		PhoneCodes: engine(models.ChannelPhone),
		ResetCodes: engine(models.ChannelReset),
		SMS:        delivery.NewFallback(logger),
		Email:      delivery.NewFallback(logger),
		Locker:     locker,
		Audit:      h.audit,
		Logger:     logger,
		Now:        c.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.svc = service.NewAccountService(deps)
	return h
}

func (h *harness) register(t *testing.T) *models.Account {
	t.Helper()
	res, err := h.svc.Register(context.Background(), service.RegisterRequest{
		Email: "  Ada@Example.com ", Password: strongPass, Name: "Ada",
		Client: service.ClientInfo{IP: officeIP, Signature: laptopAgent},
	})
	require.NoError(t, err)
	return res.Account
}

func (h *harness) login(password, ip, agent string) (*service.LoginResult, error) {
	return h.svc.Login(context.Background(), service.LoginRequest{
		Email: testEmail, Password: password,
		Client: service.ClientInfo{IP: ip, Signature: agent},
	})
}

func TestRegisterCreatesLocalAccountWithSession(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.Register(context.Background(), service.RegisterRequest{
		Email: "  Ada@Example.com ", Password: strongPass, Name: "Ada",
	})
	require.NoError(t, err)

	assert.Equal(t, testEmail, res.Account.Email)
	assert.Equal(t, models.ProviderLocal, res.Account.Provider)
	assert.NotEqual(t, strongPass, res.Account.PasswordHash)
	assert.Equal(t, 100, res.Strength.Score)
	require.NotNil(t, res.Session)
	assert.Equal(t, res.Account.ID, res.Session.AccountID)
	assert.Equal(t, 1, h.audit.count(models.EventAccountCreated))

	_, err = h.svc.Register(context.Background(), service.RegisterRequest{Email: testEmail, Password: strongPass})
	assert.ErrorIs(t, err, models.ErrAccountExists)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRegisterRejectsWeakPasswordWithAnalysis(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Register(context.Background(), service.RegisterRequest{Email: testEmail, Password: "password"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)

	var weak *service.WeakPasswordError
	require.True(t, errors.As(err, &weak))
	assert.Less(t, weak.Analysis.Score, 40)
	assert.Len(t, weak.Analysis.Suggestions, 3)
	assert.Equal(t, 40, weak.MinScore)

	_, err = h.accounts.FindByEmail(context.Background(), testEmail)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := map[string]service.RegisterRequest{
		"missing email":    {Password: strongPass},
		"missing password": {Email: testEmail},
		"malformed email":  {Email: "not-an-email", Password: strongPass},
		"display name":     {Email: "Ada <ada@example.com>", Password: strongPass},
		"oversized":        {Email: testEmail, Password: string(make([]byte, 300))},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.Register(ctx, req)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestLoginSucceedsWithNoHistory(t *testing.T) {
	h := newHarness(t)
	account := h.register(t)

	res, err := h.login(strongPass, officeIP, laptopAgent)
	require.NoError(t, err)

	assert.Equal(t, account.ID, res.Account.ID)
	require.NotNil(t, res.Session)
	assert.Equal(t, 10, res.Risk.Score)
	assert.Equal(t, risk.LevelLow, res.Risk.Level)
	assert.Equal(t, []string{risk.ReasonNoHistory}, res.Risk.Reasons)
	assert.Empty(t, res.Advisory)

	stored, err := h.accounts.FindByID(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, officeIP, stored.Security.LastLoginIP)
	assert.Equal(t, laptopAgent, stored.Security.LastLoginClientSignature)
	assert.Equal(t, 1, h.audit.count(models.EventLoginSucceeded))
}

func TestLoginUnknownAndWrongPassword(t *testing.T) {
	h := newHarness(t)
	h.register(t)

	_, err := h.svc.Login(context.Background(), service.LoginRequest{Email: "nobody@example.com", Password: strongPass})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = h.login("Wrong-Horse9Battery", officeIP, laptopAgent)
	assert.ErrorIs(t, err, models.ErrInvalidCredential)

	stored, err := h.accounts.FindByEmail(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Security.FailedAttemptCount)
	assert.NotNil(t, stored.Security.LastFailedAt)
	assert.Nil(t, stored.Security.LockedUntil)
	assert.Equal(t, 2, h.audit.count(models.EventLoginFailed))
}

func TestLoginRejectsAccountsWithoutPassword(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.accounts.Create(context.Background(), &models.Account{
		Email: "fed@example.com", Provider: models.ProviderGithub,
	}))

	_, err := h.svc.Login(context.Background(), service.LoginRequest{Email: "fed@example.com", Password: strongPass})
	assert.ErrorIs(t, err, models.ErrInvalidCredential)
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	h := newHarness(t)
	h.register(t)

	for i := 1; i <= 5; i++ {
		_, err := h.login("Wrong-Horse9Battery", officeIP, laptopAgent)
		require.ErrorIs(t, err, models.ErrInvalidCredential, "attempt %d", i)
	}
	assert.Equal(t, 1, h.audit.count(models.EventAccountLocked))
	assert.Equal(t, 1, h.logs.FilterMessage("Account locked after repeated failures").Len())

	_, err := h.login(strongPass, officeIP, laptopAgent)
	require.ErrorIs(t, err, models.ErrRateLimited)
	assert.ErrorIs(t, err, models.ErrAccountLocked)
	var retry *models.RetryAfterError
	require.True(t, errors.As(err, &retry))
	assert.Equal(t, 900, retry.RetryAfterSeconds())

	h.clock.Advance(5 * time.Minute)
	_, err = h.login("Wrong-Horse9Battery", officeIP, laptopAgent)
	require.True(t, errors.As(err, &retry))
	assert.Equal(t, 600, retry.RetryAfterSeconds())

	h.clock.Advance(10 * time.Minute)
	res, err := h.login(strongPass, officeIP, laptopAgent)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Account.Security.FailedAttemptCount)
	assert.Nil(t, res.Account.Security.LockedUntil)
}

func TestConcurrentFailuresDoNotOvershootThreshold(t *testing.T) {
	h := newHarness(t)
	h.register(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wrong   int
		limited int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.login("Wrong-Horse9Battery", officeIP, laptopAgent)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, models.ErrRateLimited):
				limited++
			case errors.Is(err, models.ErrInvalidCredential):
				wrong++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, wrong)
	assert.Equal(t, 5, limited)

	stored, err := h.accounts.FindByEmail(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.Security.FailedAttemptCount)
}

func TestRiskFromNewNetworkAfterFailures(t *testing.T) {
	h := newHarness(t)
	h.register(t)

	_, err := h.login(strongPass, officeIP, laptopAgent)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = h.login("Wrong-Horse9Battery", officeIP, laptopAgent)
		require.ErrorIs(t, err, models.ErrInvalidCredential)
	}

	res, err := h.login(strongPass, homeIP, laptopAgent)
	require.NoError(t, err)
	assert.Equal(t, 25, res.Risk.Score)
	assert.Equal(t, risk.LevelLow, res.Risk.Level)
	assert.Equal(t, []string{risk.ReasonNewNetwork}, res.Risk.Reasons)
	assert.Empty(t, res.Advisory)
	assert.Equal(t, 0, res.Account.Security.FailedAttemptCount)
	assert.Equal(t, homeIP, res.Account.Security.LastLoginIP)
}

func TestHighRiskLoginCarriesAdvisory(t *testing.T) {
	h := newHarness(t)
	h.register(t)

	_, err := h.login(strongPass, officeIP, laptopAgent)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = h.login("Wrong-Horse9Battery", officeIP, laptopAgent)
		require.ErrorIs(t, err, models.ErrInvalidCredential)
	}

	res, err := h.login(strongPass, homeIP, phoneAgent)
	require.NoError(t, err)
	assert.Equal(t, 65, res.Risk.Score)
	assert.True(t, res.Risk.High())
	assert.Contains(t, res.Advisory, risk.ReasonNewNetwork)
	assert.Equal(t, 1, h.logs.FilterMessage("High risk sign-in").Len())
}

func TestStatusAndLogout(t *testing.T) {
	h := newHarness(t)
	h.register(t)
	ctx := context.Background()

	res, err := h.login(strongPass, officeIP, laptopAgent)
	require.NoError(t, err)

	account, session, err := h.svc.Status(ctx, res.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, res.Account.ID, account.ID)
	assert.Equal(t, res.Session.Token, session.Token)

	require.NoError(t, h.svc.Logout(ctx, res.Session.Token))
	_, _, err = h.svc.Status(ctx, res.Session.Token)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, _, err = h.svc.Status(ctx, "")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, h.svc.Logout(ctx, ""))
}

func TestCheckStrengthNormalizesEmail(t *testing.T) {
	h := newHarness(t)
	analysis := h.svc.CheckStrength("Ada-Lovelace-1815", " ADA@example.com")
	assert.Equal(t, 90, analysis.Score)
	assert.Equal(t, "Strong", analysis.Label)
}
