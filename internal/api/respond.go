package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/starford/tagledger/internal/apperr"
	"github.com/starford/tagledger/internal/csrf"
	"github.com/starford/tagledger/internal/httpkeys"
	"github.com/starford/tagledger/internal/render"
)

// LoginPath is where HTML callers without a session are sent.
const LoginPath = "/auth/login"

// responder is the only place that writes HTML. Every HTML page gets a CSRF
// token, both as the cookie and in the csrf-token meta tag.
type responder struct {
	views *render.Renderer
	csrf  *csrf.Guard
}

// WantsHTML decides the representation from the Accept header. A neutral or
// missing Accept yields HTML unless the request body is JSON.
func WantsHTML(r *http.Request) bool {
	accept := strings.ToLower(r.Header.Get(httpkeys.Accept))
	ct := strings.ToLower(r.Header.Get(httpkeys.ContentType))

	if strings.Contains(accept, httpkeys.MediaHTML) || strings.Contains(accept, "application/xhtml+xml") {
		return true
	}
	if strings.Contains(accept, httpkeys.MediaJSON) {
		return false
	}
	if accept == "" || strings.Contains(accept, "*/*") {
		return !strings.Contains(ct, httpkeys.MediaJSON)
	}
	return false
}

// respond writes data as the HTML view or as JSON, following WantsHTML.
// jsonBody, when non-nil, replaces data in the JSON representation.
func (rs *responder) respond(w http.ResponseWriter, r *http.Request, status int, view, title string, data, jsonBody any) {
	if WantsHTML(r) {
		rs.html(w, r, status, view, title, data)
		return
	}
	if jsonBody == nil {
		jsonBody = data
	}
	writeJSON(w, status, jsonBody)
}

// html renders view unconditionally.
func (rs *responder) html(w http.ResponseWriter, r *http.Request, status int, view, title string, data any) {
	token := rs.csrf.EnsureToken(w, r)
	w.Header().Set(httpkeys.ContentType, "text/html; charset=utf-8")

	var buf strings.Builder
	if err := rs.views.Render(&buf, view, render.Page{Title: title, CSRFToken: token, Data: data}); err != nil {
		slog.Error("render failed", slog.String("view", view), slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(buf.String()))
}

// fail maps err to a status and writes it in the negotiated representation.
func (rs *responder) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var (
		status int
		msg    string
	)
	switch {
	case errors.Is(err, apperr.ErrNoChange):
		w.WriteHeader(http.StatusNoContent)
		return
	case errors.Is(err, apperr.ErrUnauthorized):
		rs.deny(w, r, apperr.ErrUnauthorized)
		return
	case errors.Is(err, apperr.ErrForbidden):
		rs.deny(w, r, apperr.ErrForbidden)
		return
	case errors.Is(err, apperr.ErrInvalid):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, apperr.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, apperr.ErrConflict):
		status, msg = http.StatusConflict, err.Error()
	default:
		slog.Error(op+" failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		status, msg = http.StatusInternalServerError, "internal error"
	}
	rs.respond(w, r, status, render.ViewError, http.StatusText(status), msg, errorBody(msg))
}

// deny answers an auth failure: HTML callers without a session are sent to
// the login page, everyone else gets 401 or 403.
func (rs *responder) deny(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := http.StatusUnauthorized, "authentication required"
	if errors.Is(err, apperr.ErrForbidden) {
		status, msg = http.StatusForbidden, "forbidden"
	}
	if WantsHTML(r) {
		if status == http.StatusUnauthorized {
			http.Redirect(w, r, LoginPath, http.StatusSeeOther)
			return
		}
		rs.html(w, r, status, render.ViewError, http.StatusText(status), msg)
		return
	}
	writeJSON(w, status, errorBody(msg))
}

// rejectCSRF answers a failed CSRF check with 403.
func (rs *responder) rejectCSRF(w http.ResponseWriter, r *http.Request, err error) {
	msg := "CSRF token mismatch"
	if errors.Is(err, csrf.ErrMissingHeader) {
		msg = "CSRF token missing"
	}
	rs.respond(w, r, http.StatusForbidden, render.ViewError, http.StatusText(http.StatusForbidden), msg, errorBody(msg))
}
