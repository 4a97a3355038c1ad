// Package csrf implements double-submit CSRF protection: a random token in an
// HttpOnly cookie that mutating requests must echo in the X-CSRF-Token header.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/starford/tagledger/internal/httpkeys"
	"github.com/starford/tagledger/internal/metrics"
	"github.com/starford/tagledger/internal/proxy"
)

// Rejection reasons returned by Verify.
var (
	ErrMissingHeader = errors.New("csrf: token header missing")
	ErrMismatch      = errors.New("csrf: token mismatch")
)

const tokenBytes = 32

// DefaultMaxAge is the token cookie lifetime.
const DefaultMaxAge = 30 * 24 * time.Hour

// Guard issues and verifies tokens.
type Guard struct {
	maxAge time.Duration
	exempt map[string]struct{}
}

// New creates a Guard. Paths in exempt are never verified.
func New(maxAge time.Duration, exempt ...string) *Guard {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	g := &Guard{maxAge: maxAge, exempt: make(map[string]struct{}, len(exempt))}
	for _, p := range exempt {
		g.exempt[p] = struct{}{}
	}
	return g
}

// EnsureToken returns the request's token, minting one into a cookie on w
// when the request has none. Calling it again for the same response returns
// the token already queued rather than minting another.
func (g *Guard) EnsureToken(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(httpkeys.CSRFCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if tok := pendingToken(w.Header()); tok != "" {
		return tok
	}
	tok := newToken()
	http.SetCookie(w, &http.Cookie{
		Name:     httpkeys.CSRFCookie,
		Value:    tok,
		Path:     "/",
		MaxAge:   int(g.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   proxy.FromRequest(r).Secure(),
		SameSite: http.SameSiteLaxMode,
	})
	return tok
}

func pendingToken(h http.Header) string {
	for _, line := range h.Values("Set-Cookie") {
		c, err := http.ParseSetCookie(line)
		if err == nil && c.Name == httpkeys.CSRFCookie && c.Value != "" {
			return c.Value
		}
	}
	return ""
}

func newToken() string {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		panic("csrf: crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Mutating reports whether method changes state.
func Mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Verify checks a request. Safe methods, exempt paths and requests without a
// token cookie pass; otherwise the header must equal the cookie.
func (g *Guard) Verify(r *http.Request) error {
	if !Mutating(r.Method) {
		return nil
	}
	if _, ok := g.exempt[r.URL.Path]; ok {
		return nil
	}
	c, err := r.Cookie(httpkeys.CSRFCookie)
	if err != nil || c.Value == "" {
		return nil
	}
	header := r.Header.Get(httpkeys.CSRFHeader)
	if header == "" {
		return ErrMissingHeader
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(c.Value)) != 1 {
		return ErrMismatch
	}
	return nil
}

// Middleware verifies every request and hands rejections to reject.
func (g *Guard) Middleware(reject func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := g.Verify(r); err != nil {
				metrics.CSRFRejected()
				reject(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
