package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/starford/tagledger/internal/apperr"
	"github.com/starford/tagledger/internal/httpkeys"
	"github.com/starford/tagledger/internal/metrics"
	"github.com/starford/tagledger/internal/models"
	"github.com/starford/tagledger/internal/principal"
	"github.com/starford/tagledger/internal/proxy"
)

// PublicPaths are reachable without a session.
var PublicPaths = []string{
	"/health/live",
	"/health/ready",
	"/auth/login",
	"/auth/logout",
	"/auth/check",
	"/__csp_report",
	"/metrics",
}

// PublicPrefixes are path prefixes reachable without a session.
var PublicPrefixes = []string{"/static/"}

// IsPublic reports whether path bypasses the gate.
func IsPublic(path string) bool {
	if slices.Contains(PublicPaths, path) {
		return true
	}
	for _, p := range PublicPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// DenyFunc writes a denial. err is apperr.ErrUnauthorized or apperr.ErrForbidden.
type DenyFunc func(w http.ResponseWriter, r *http.Request, err error)

// AcceptsJSON reports whether the request explicitly asks for JSON.
func AcceptsJSON(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get(httpkeys.Accept)), httpkeys.MediaJSON)
}

// bypassAllowed is the narrow local bypass: local posture with the bypass
// enabled, a loopback origin under the proxy trust rules, and an explicit
// JSON Accept header.
func (m *Manager) bypassAllowed(r *http.Request) bool {
	return m.allowBypass && proxy.FromRequest(r).Loopback() && AcceptsJSON(r)
}

// Authorize resolves the caller of r. A valid session wins over the bypass
// so logged-in callers keep their own role.
func (m *Manager) Authorize(r *http.Request) (principal.Principal, error) {
	if tok := SessionToken(r); tok != "" {
		p, err := m.Authenticate(r.Context(), tok)
		if err == nil {
			return p, nil
		}
		if !m.bypassAllowed(r) {
			return principal.Principal{}, err
		}
	}
	if m.bypassAllowed(r) {
		metrics.LocalBypass()
		return principal.Principal{Role: models.RoleDev, Subject: "local", Bypass: true}, nil
	}
	return principal.Principal{}, apperr.ErrUnauthorized
}

// Gate admits requests to public paths unchanged and otherwise requires a
// principal, which it stores in the request context.
func (m *Manager) Gate(deny DenyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || IsPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			p, err := m.Authorize(r)
			if err != nil {
				metrics.AuthDenied("unauthenticated")
				deny(w, r, apperr.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(principal.NewContext(r.Context(), p)))
		})
	}
}

// Require rejects principals whose role is not in roles with ErrForbidden.
func Require(deny DenyFunc, roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principal.FromContext(r.Context())
			if !ok {
				metrics.AuthDenied("unauthenticated")
				deny(w, r, apperr.ErrUnauthorized)
				return
			}
			if !slices.Contains(roles, p.Role) {
				metrics.AuthDenied("role")
				deny(w, r, apperr.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
