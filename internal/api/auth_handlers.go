package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/tagledger/internal/apperr"
	"github.com/starford/tagledger/internal/auth"
	"github.com/starford/tagledger/internal/httpkeys"
	"github.com/starford/tagledger/internal/metrics"
	"github.com/starford/tagledger/internal/proxy"
	"github.com/starford/tagledger/internal/render"
)

// AuthHandler serves the login endpoints.
type AuthHandler struct {
	auth    *auth.Manager
	limiter *auth.LoginLimiter
	out     *responder
}

// NewAuthHandler creates an AuthHandler. A nil limiter disables throttling.
func NewAuthHandler(m *auth.Manager, limiter *auth.LoginLimiter, out *responder) *AuthHandler {
	return &AuthHandler{auth: m, limiter: limiter, out: out}
}

// LoginPage handles GET /auth/login.
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(httpkeys.CacheControl, "no-store")
	h.out.html(w, r, http.StatusOK, render.ViewLogin, "Log in", nil)
}

// Login handles POST /auth/login.
//
//	@Summary		Log in with a password
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			body	body		LoginRequest	true	"Credentials"
//	@Success		200		{object}	LoginResponse
//	@Failure		401		{object}	errResponse
//	@Failure		429		{object}	errResponse
//	@Router			/auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(httpkeys.CacheControl, "no-store")
	if h.limiter != nil && !h.limiter.Allow(proxy.FromRequest(r).ClientIP.String()) {
		metrics.Login("throttled")
		writeJSON(w, http.StatusTooManyRequests, errorBody("too many login attempts"))
		return
	}

	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	s, token, err := h.auth.Login(r.Context(), req.Password)
	if errors.Is(err, apperr.ErrUnauthorized) {
		metrics.Login("failure")
		writeJSON(w, http.StatusUnauthorized, errorBody("invalid password"))
		return
	}
	if err != nil {
		slog.Error("login failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	metrics.Login("success")
	h.auth.SetSessionCookie(w, r, token, s.ExpiresAt)
	writeJSON(w, http.StatusOK, LoginResponse{Role: s.Role})
}

// Logout handles POST /auth/logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), auth.SessionToken(r)); err != nil {
		slog.Error("logout failed", slog.String("error", err.Error()))
	}
	h.auth.ClearSessionCookie(w, r)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// Check handles GET /auth/check.
//
//	@Summary		Report the caller's role
//	@Tags			auth
//	@Produce		json
//	@Success		200	{object}	CheckResponse
//	@Failure		401	{object}	errResponse
//	@Router			/auth/check [get]
func (h *AuthHandler) Check(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(httpkeys.CacheControl, "no-store")
	p, err := h.auth.Authorize(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody("not authenticated"))
		return
	}
	writeJSON(w, http.StatusOK, CheckResponse{Role: p.Role, Auto: p.Bypass})
}
