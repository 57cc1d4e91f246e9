package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"account-security/internal/models"
	"account-security/internal/risk"
	"account-security/internal/service"
	"account-security/internal/strength"
	"account-security/internal/util"
)

const (
	maxBodyBytes = 16 << 10

	// Unknown accounts and wrong secrets share one answer.
	credentialMessage = "Invalid credentials"
	resetSentMessage  = "If the account exists, a reset code has been sent"
)

var errInvalidCredentials = errors.New("invalid credentials")

// AuthHandler exposes the account service over JSON.
type AuthHandler struct {
	accounts *service.AccountService
	logger   *zap.Logger
}

func NewAuthHandler(accounts *service.AccountService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{accounts: accounts, logger: logger}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type strengthRequest struct {
	Password string `json:"password"`
	Email    string `json:"email"`
}

type phoneRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code,omitempty"`
}

type resetRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code,omitempty"`
	NewPassword string `json:"new_password,omitempty"`
}

type sessionView struct {
	Account *models.Account `json:"account"`
	Session *models.Session `json:"session,omitempty"`
}

type loginView struct {
	Account  *models.Account `json:"account"`
	Session  *models.Session `json:"session"`
	Risk     risk.Assessment `json:"risk"`
	Advisory string          `json:"advisory,omitempty"`
}

type registerView struct {
	Account  *models.Account   `json:"account"`
	Session  *models.Session   `json:"session,omitempty"`
	Strength strength.Analysis `json:"strength"`
}

type phoneLoginView struct {
	Account   *models.Account `json:"account"`
	Session   *models.Session `json:"session"`
	IsNewUser bool            `json:"is_new_user"`
}

type dispatchView struct {
	Destination  string `json:"destination"`
	ExpiresInSec int    `json:"expires_in_sec"`
	Delivered    bool   `json:"delivered"`
}

// RegisterRoutes mounts the auth routes. Code-issuing routes go through throttle.
func (h *AuthHandler) RegisterRoutes(router chi.Router, throttle func(http.Handler) http.Handler) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.Get("/status", h.Status)
		r.Post("/password/strength", h.CheckStrength)

		// Every route that issues or checks a code shares the per-IP budget.
		r.Group(func(r chi.Router) {
			if throttle != nil {
				r.Use(throttle)
			}
			r.Post("/phone/send-code", h.SendPhoneCode)
			r.Post("/phone/verify-code", h.VerifyPhoneCode)
			r.Post("/password/send-code", h.SendResetCode)
			r.Post("/password/verify-code", h.VerifyResetCode)
			r.Post("/password/reset", h.ResetPassword)
		})
	})
}

// Register creates a local account and signs it in.
// @Router /auth/register [post]
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.accounts.Register(r.Context(), service.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Client:   clientInfo(r),
	})
	if err != nil {
		h.fail(w, err, "Registration failed")
		return
	}

	message := "Account created"
	if res.Session == nil {
		message = "Account created; sign in to continue"
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(registerView{
		Account:  res.Account,
		Session:  res.Session,
		Strength: res.Strength,
	}, message))
}

// Login verifies an email and password.
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.accounts.Login(r.Context(), service.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
		Client:   clientInfo(r),
	})
	if err != nil {
		h.fail(w, err, "Login failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(loginView{
		Account:  res.Account,
		Session:  res.Session,
		Risk:     res.Risk,
		Advisory: res.Advisory,
	}, "Signed in"))
}

// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		h.respondWithError(w, http.StatusUnauthorized, errInvalidCredentials, "Missing session token")
		return
	}
	if err := h.accounts.Logout(r.Context(), token); err != nil {
		h.fail(w, err, "Logout failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Signed out"))
}

// Status reports the account behind the bearer token.
// @Router /auth/status [get]
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		h.respondWithError(w, http.StatusUnauthorized, errInvalidCredentials, "Missing session token")
		return
	}
	account, session, err := h.accounts.Status(r.Context(), token)
	if err != nil {
		h.fail(w, err, "Session is not valid")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(sessionView{Account: account, Session: session}, ""))
}

// @Router /auth/password/strength [post]
func (h *AuthHandler) CheckStrength(w http.ResponseWriter, r *http.Request) {
	var req strengthRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(h.accounts.CheckStrength(req.Password, req.Email), ""))
}

// @Router /auth/phone/send-code [post]
func (h *AuthHandler) SendPhoneCode(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if !h.decode(w, r, &req) {
		return
	}
	dispatch, err := h.accounts.SendPhoneCode(r.Context(), req.Phone, clientInfo(r))
	if err != nil {
		h.fail(w, err, "Failed to send code")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(newDispatchView(dispatch), "Code sent"))
}

// @Router /auth/phone/verify-code [post]
func (h *AuthHandler) VerifyPhoneCode(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.accounts.VerifyPhoneCode(r.Context(), req.Phone, req.Code, clientInfo(r))
	if err != nil {
		h.fail(w, err, "Code verification failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(phoneLoginView{
		Account:   res.Account,
		Session:   res.Session,
		IsNewUser: res.IsNewUser,
	}, "Signed in"))
}

// SendResetCode answers the same way whether or not the account exists.
// @Router /auth/password/send-code [post]
func (h *AuthHandler) SendResetCode(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !h.decode(w, r, &req) {
		return
	}
	// Unknown accounts never reach the per-address cooldown or lockout, so
	// those answers would reveal that the account exists.
	_, err := h.accounts.SendResetCode(r.Context(), req.Email, clientInfo(r))
	if err != nil && !errors.Is(err, models.ErrNotFound) && !errors.Is(err, models.ErrRateLimited) {
		h.fail(w, err, "Failed to send reset code")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, resetSentMessage))
}

// @Router /auth/password/verify-code [post]
func (h *AuthHandler) VerifyResetCode(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.accounts.VerifyResetCode(r.Context(), req.Email, req.Code, clientInfo(r)); err != nil {
		h.fail(w, err, "Code verification failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Code verified"))
}

// @Router /auth/password/reset [post]
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.accounts.ResetPassword(r.Context(), req.Email, req.Code, req.NewPassword, clientInfo(r)); err != nil {
		h.fail(w, err, "Password reset failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password updated"))
}

func newDispatchView(d *service.CodeDispatch) dispatchView {
	return dispatchView{
		Destination:  d.Destination,
		ExpiresInSec: int(d.ExpiresIn / time.Second),
		Delivered:    d.Delivered,
	}
}

func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, models.ErrValidation, "Invalid request body")
		return false
	}
	return true
}

// fail maps a service error onto a status code and envelope.
func (h *AuthHandler) fail(w http.ResponseWriter, err error, message string) {
	var retry *models.RetryAfterError
	var weak *service.WeakPasswordError

	switch {
	case errors.As(err, &retry):
		seconds := retry.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		h.respondWithJSON(w, http.StatusTooManyRequests, Response{
			Error:   err.Error(),
			Message: message,
			Data:    map[string]int{"retry_after_sec": seconds},
		})
	case errors.As(err, &weak):
		h.respondWithJSON(w, http.StatusBadRequest, Response{
			Error:   err.Error(),
			Message: message,
			Data:    weak.Analysis,
		})
	case errors.Is(err, models.ErrValidation):
		h.respondWithJSON(w, http.StatusBadRequest, errorResponse(err, message))
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrInvalidCredential):
		h.respondWithJSON(w, http.StatusUnauthorized, errorResponse(errInvalidCredentials, credentialMessage))
	case errors.Is(err, models.ErrExpired):
		h.respondWithJSON(w, http.StatusGone, errorResponse(err, message))
	case errors.Is(err, models.ErrRateLimited):
		h.respondWithJSON(w, http.StatusTooManyRequests, errorResponse(err, message))
	default:
		h.respondWithError(w, http.StatusInternalServerError, err, message)
	}
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	respondWithJSON(w, statusCode, data, h.logger)
}

// respondWithError logs the cause and hides it from the client.
func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	public := err
	if statusCode >= http.StatusInternalServerError {
		public = models.ErrInternal
	}
	h.respondWithJSON(w, statusCode, errorResponse(public, message))
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func clientInfo(r *http.Request) service.ClientInfo {
	return service.ClientInfo{IP: clientIP(r), Signature: r.UserAgent()}
}

// clientIP expects middleware.RealIP to have run.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
