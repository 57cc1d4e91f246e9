package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"account-security/internal/config"
	"account-security/internal/delivery"
	"account-security/internal/handler"
	"account-security/internal/hashing"
	"account-security/internal/lock"
	"account-security/internal/lockout"
	"account-security/internal/models"
	"account-security/internal/otp"
	"account-security/internal/repository/memory"
	"account-security/internal/service"
)

const (
	strongPass = "Correct-Horse9Battery"
	issuedCode = "482193"
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

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

type server struct {
	router http.Handler
	clock  *clock
}

func newServer(t *testing.T, opts handler.RouterOptions, health handler.HealthReporter) *server {
	t.Helper()

	c := &clock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	logger := zap.NewNop()
	verifier, err := hashing.NewCredentialVerifier(config.SecurityConfig{BcryptCost: 4, MaxPasswordLength: 256, HashWorkers: 2})
	require.NoError(t, err)

	locker := lock.NewKeyedMutex()
	engine := func(channel models.OTPChannel) *otp.Engine {
		return otp.NewEngine(otp.Config{Channel: channel, TTL: 5 * time.Minute, Cooldown: time.Minute, Length: 6},
			otp.NewMemoryStore(), locker,
			otp.WithClock(c.Now),
			otp.WithGenerator(func(int) (string, error) { return issuedCode, nil }))
	}

	svc := service.NewAccountService(service.Dependencies{
		Accounts:   memory.NewAccountRepository(),
		Sessions:   memory.NewSessionStore(24*time.Hour, c.Now),
		Verifier:   verifier,
		Guard:      lockout.NewGuard(5, 15*time.Minute),
		PhoneCodes: engine(models.ChannelPhone),
		ResetCodes: engine(models.ChannelReset),
		SMS:        delivery.NewFallback(logger),
		Email:      delivery.NewFallback(logger),
		Locker:     locker,
		Logger:     logger,
		Now:        c.Now,
	})

	opts.ServiceName = "account-security"
	return &server{
		router: handler.NewRouter(handler.NewAuthHandler(svc, logger), health, opts, logger),
		clock:  c,
	}
}

func (s *server) do(t *testing.T, method, path string, body interface{}, token string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "handler-test")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func (s *server) register(t *testing.T) {
	t.Helper()
	rec, _ := s.do(t, http.MethodPost, "/api/v1/auth/register",
		map[string]string{"email": "ada@example.com", "password": strongPass, "name": "Ada"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestRegisterLoginStatusLogout(t *testing.T) {
	s := newServer(t, handler.RouterOptions{}, nil)
	s.register(t)

	rec, env := s.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"email": "ADA@example.com", "password": strongPass}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	var login struct {
		Session struct {
			Token string `json:"token"`
		} `json:"session"`
		Risk struct {
			Level string `json:"level"`
		} `json:"risk"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &login))
	require.NotEmpty(t, login.Session.Token)
	assert.Equal(t, "low", login.Risk.Level)

	rec, env = s.do(t, http.MethodGet, "/api/v1/auth/status", nil, login.Session.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), "ada@example.com")
	assert.NotContains(t, string(env.Data), "password")

	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/logout", nil, login.Session.Token)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/api/v1/auth/status", nil, login.Session.Token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/api/v1/auth/status", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterRejectsWeakPasswordWithAnalysis(t *testing.T) {
	s := newServer(t, handler.RouterOptions{}, nil)

	rec, env := s.do(t, http.MethodPost, "/api/v1/auth/register",
		map[string]string{"email": "ada@example.com", "password": "password"}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)

	var analysis struct {
		Score       int      `json:"score"`
		Suggestions []string `json:"suggestions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &analysis))
	assert.Less(t, analysis.Score, 40)
	assert.NotEmpty(t, analysis.Suggestions)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/register", "not an object", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginFailuresLookAlike(t *testing.T) {
	s := newServer(t, handler.RouterOptions{}, nil)
	s.register(t)

	unknown, _ := s.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"email": "ghost@example.com", "password": strongPass}, "")
	wrong, _ := s.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"email": "ada@example.com", "password": "Wrong-Horse9Battery"}, "")

	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, unknown.Code, wrong.Code)
	assert.Equal(t, unknown.Body.String(), wrong.Body.String())
}

func TestLockedAccountReturnsRetryAfter(t *testing.T) {
	s := newServer(t, handler.RouterOptions{}, nil)
	s.register(t)

	bad := map[string]string{"email": "ada@example.com", "password": "Wrong-Horse9Battery"}
	for i := 0; i < 5; i++ {
		rec, _ := s.do(t, http.MethodPost, "/api/v1/auth/login", bad, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec, env := s.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"email": "ada@example.com", "password": strongPass}, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"retry_after_sec":900}`, string(env.Data))

	s.clock.Advance(15 * time.Minute)
	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"email": "ada@example.com", "password": strongPass}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPhoneCodeFlow(t *testing.T) {
	s := newServer(t, handler.RouterOptions{}, nil)
	phone := map[string]string{"phone": "+15551234567"}

	rec, env := s.do(t, http.MethodPost, "/api/v1/auth/phone/send-code", phone, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"destination":"********4567","expires_in_sec":300,"delivered":false}`, string(env.Data))
	assert.NotContains(t, rec.Body.String(), issuedCode)

	s.clock.Advance(15 * time.Second)
	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/phone/send-code", phone, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "45", rec.Header().Get("Retry-After"))

	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/phone/verify-code",
		map[string]string{"phone": "+15551234567", "code": "000000"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env = s.do(t, http.MethodPost, "/api/v1/auth/phone/verify-code",
		map[string]string{"phone": "+15551234567", "code": issuedCode}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		IsNewUser bool `json:"is_new_user"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &login))
	assert.True(t, login.IsNewUser)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/phone/verify-code",
		map[string]string{"phone": "+15551234567", "code": issuedCode}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExpiredCodeReturnsGone(t *testing.T) {
	s := newServer(t, handler.RouterOptions{}, nil)
	phone := map[string]string{"phone": "+15551234567", "code": issuedCode}

	rec, _ := s.do(t, http.MethodPost, "/api/v1/auth/phone/send-code", phone, "")
	require.Equal(t, http.StatusOK, rec.Code)

	s.clock.Advance(6 * time.Minute)
	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/phone/verify-code", phone, "")
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestPasswordResetEndpoints(t *testing.T) {
	s := newServer(t, handler.RouterOptions{}, nil)
	s.register(t)

	ghost, _ := s.do(t, http.MethodPost, "/api/v1/auth/password/send-code",
		map[string]string{"email": "ghost@example.com"}, "")
	known, _ := s.do(t, http.MethodPost, "/api/v1/auth/password/send-code",
		map[string]string{"email": "ada@example.com"}, "")
	require.Equal(t, http.StatusOK, ghost.Code)
	assert.Equal(t, ghost.Body.String(), known.Body.String())

	// A repeat lands inside the cooldown only for the real account.
	ghost, _ = s.do(t, http.MethodPost, "/api/v1/auth/password/send-code",
		map[string]string{"email": "ghost@example.com"}, "")
	known, _ = s.do(t, http.MethodPost, "/api/v1/auth/password/send-code",
		map[string]string{"email": "ada@example.com"}, "")
	assert.Equal(t, http.StatusOK, ghost.Code)
	assert.Equal(t, ghost.Code, known.Code)
	assert.Equal(t, ghost.Body.String(), known.Body.String())
	assert.Empty(t, known.Header().Get("Retry-After"))

	const newPass = "Fresh-Start7Garden"
	rec, _ := s.do(t, http.MethodPost, "/api/v1/auth/password/reset",
		map[string]string{"email": "ada@example.com", "code": issuedCode, "new_password": newPass}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/password/verify-code",
		map[string]string{"email": "ada@example.com", "code": issuedCode}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/password/reset",
		map[string]string{"email": "ada@example.com", "code": issuedCode, "new_password": newPass}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"email": "ada@example.com", "password": newPass}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResetCodeGuessingLocksAccount(t *testing.T) {
	s := newServer(t, handler.RouterOptions{}, nil)
	s.register(t)

	rec, _ := s.do(t, http.MethodPost, "/api/v1/auth/password/send-code",
		map[string]string{"email": "ada@example.com"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	for i := 0; i < 5; i++ {
		rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/password/verify-code",
			map[string]string{"email": "ada@example.com", "code": fmt.Sprintf("%06d", i)}, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code, "guess %d", i+1)
	}

	rec, env := s.do(t, http.MethodPost, "/api/v1/auth/password/verify-code",
		map[string]string{"email": "ada@example.com", "code": issuedCode}, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "the right code is refused once locked")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, env.Error, "locked")

	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/password/reset",
		map[string]string{"email": "ada@example.com", "code": issuedCode, "new_password": "Fresh-Start7Garden"}, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestStrengthEndpoint(t *testing.T) {
	s := newServer(t, handler.RouterOptions{}, nil)

	rec, env := s.do(t, http.MethodPost, "/api/v1/auth/password/strength",
		map[string]string{"password": "", "email": "ada@example.com"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var analysis struct {
		Score int    `json:"score"`
		Label string `json:"label"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &analysis))
	assert.Zero(t, analysis.Score)
	assert.Equal(t, "Very weak", analysis.Label)
}

func TestCodeRoutesAreThrottledPerIP(t *testing.T) {
	s := newServer(t, handler.RouterOptions{CodeThrottle: handler.NewLocalThrottle(0.001, 1)}, nil)

	rec, _ := s.do(t, http.MethodPost, "/api/v1/auth/phone/send-code", map[string]string{"phone": "+15551234567"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := s.do(t, http.MethodPost, "/api/v1/auth/phone/send-code", map[string]string{"phone": "+15557654321"}, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many requests", env.Message)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"email": "ghost@example.com", "password": strongPass}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "login is not throttled per IP")
}

func TestCodeVerificationRoutesShareThrottle(t *testing.T) {
	s := newServer(t, handler.RouterOptions{CodeThrottle: handler.NewLocalThrottle(0.001, 2)}, nil)

	rec, _ := s.do(t, http.MethodPost, "/api/v1/auth/phone/send-code", map[string]string{"phone": "+15551234567"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(t, http.MethodPost, "/api/v1/auth/phone/verify-code",
		map[string]string{"phone": "+15551234567", "code": "000000"}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	for _, tc := range []struct {
		path string
		body map[string]string
	}{
		{"/api/v1/auth/phone/verify-code", map[string]string{"phone": "+15551234567", "code": issuedCode}},
		{"/api/v1/auth/password/verify-code", map[string]string{"email": "ada@example.com", "code": issuedCode}},
		{"/api/v1/auth/password/reset", map[string]string{"email": "ada@example.com", "code": issuedCode, "new_password": "Fresh-Start7Garden"}},
	} {
		rec, _ = s.do(t, http.MethodPost, tc.path, tc.body, "")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, tc.path)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"), tc.path)
	}
}

type failingThrottle struct{}

func (failingThrottle) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, 0, errors.New("redis down")
}

func TestThrottleFailureLetsRequestsThrough(t *testing.T) {
	s := newServer(t, handler.RouterOptions{CodeThrottle: failingThrottle{}}, nil)

	rec, _ := s.do(t, http.MethodPost, "/api/v1/auth/phone/send-code", map[string]string{"phone": "+15551234567"}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

type healthStub map[string]error

func (h healthStub) HealthCheck(context.Context) map[string]error { return h }

func TestHealth(t *testing.T) {
	s := newServer(t, handler.RouterOptions{}, healthStub{})
	rec, _ := s.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	s = newServer(t, handler.RouterOptions{}, healthStub{"redis": errors.New("connection refused")})
	rec, _ = s.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestRequireHTTPS(t *testing.T) {
	s := newServer(t, handler.RouterOptions{RequireHTTPS: true}, nil)
	rec, _ := s.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	s := newServer(t, handler.RouterOptions{}, nil)
	rec, _ := s.do(t, http.MethodGet, "/api/v1/auth/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
