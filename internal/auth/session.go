package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/starford/tagledger/internal/apperr"
	"github.com/starford/tagledger/internal/httpkeys"
	"github.com/starford/tagledger/internal/ledger"
	"github.com/starford/tagledger/internal/models"
	"github.com/starford/tagledger/internal/principal"
	"github.com/starford/tagledger/internal/proxy"
)

type credential struct {
	role models.Role
	hash []byte
}

// Manager issues and validates sessions.
type Manager struct {
	db          *ledger.DB
	secret      []byte
	creds       []credential
	ttl         time.Duration
	posture     Posture
	allowBypass bool
	now         func() time.Time
}

// NewManager creates a Manager from prepared settings. Passwords are kept
// only as bcrypt hashes; a configured value that already is a bcrypt hash is
// used as is.
func NewManager(db *ledger.DB, s Settings) (*Manager, error) {
	m := &Manager{
		db:          db,
		secret:      []byte(s.SessionSecret),
		ttl:         s.SessionTTL,
		posture:     s.Posture,
		allowBypass: s.Posture == PostureLocal && s.AllowLocalJSONNoAuth,
		now:         time.Now,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultSessionTTL
	}
	if len(m.secret) == 0 {
		return nil, fmt.Errorf("auth: %w", ErrWeakSecret)
	}
	cost := s.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	for _, c := range []struct {
		role models.Role
		pw   string
	}{{models.RoleAdmin, s.AdminPassword}, {models.RoleDev, s.DevPassword}} {
		if c.pw == "" {
			continue
		}
		hash, err := hashPassword(c.pw, cost)
		if err != nil {
			return nil, fmt.Errorf("auth: hash %s password: %w", c.role, err)
		}
		m.creds = append(m.creds, credential{role: c.role, hash: hash})
	}
	if len(m.creds) == 0 {
		return nil, errors.New("auth: no credentials configured")
	}
	return m, nil
}

func hashPassword(pw string, cost int) ([]byte, error) {
	if _, err := bcrypt.Cost([]byte(pw)); err == nil {
		return []byte(pw), nil
	}
	return bcrypt.GenerateFromPassword([]byte(pw), cost)
}

// Posture returns the operating posture.
func (m *Manager) Posture() Posture { return m.posture }

// Login matches password against the configured credentials and opens a
// session for the first matching role.
func (m *Manager) Login(ctx context.Context, password string) (models.Session, string, error) {
	if password == "" {
		return models.Session{}, "", apperr.ErrUnauthorized
	}
	for _, c := range m.creds {
		if bcrypt.CompareHashAndPassword(c.hash, []byte(password)) != nil {
			continue
		}
		now := m.now().UTC()
		s := models.Session{
			ID:        uuid.NewString(),
			Subject:   string(c.role),
			Role:      c.role,
			CreatedAt: now,
			ExpiresAt: now.Add(m.ttl),
		}
		if err := m.db.CreateSession(ctx, s); err != nil {
			return models.Session{}, "", err
		}
		return s, m.sign(s.ID), nil
	}
	return models.Session{}, "", apperr.ErrUnauthorized
}

// Logout revokes the session behind token. Unknown or malformed tokens are ignored.
func (m *Manager) Logout(ctx context.Context, token string) error {
	id, ok := m.verify(token)
	if !ok {
		return nil
	}
	return m.db.RevokeSession(ctx, id)
}

// Authenticate resolves a session token to a principal.
func (m *Manager) Authenticate(ctx context.Context, token string) (principal.Principal, error) {
	id, ok := m.verify(token)
	if !ok {
		return principal.Principal{}, apperr.ErrUnauthorized
	}
	s, err := m.db.Session(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return principal.Principal{}, apperr.ErrUnauthorized
	}
	if err != nil {
		return principal.Principal{}, err
	}
	if !s.Live(m.now()) {
		return principal.Principal{}, apperr.ErrUnauthorized
	}
	return principal.Principal{Role: s.Role, Subject: s.Subject, SessionID: s.ID}, nil
}

// sign returns id.mac where mac = base64url(HMAC-SHA256(secret, id)).
func (m *Manager) sign(id string) string {
	return id + "." + base64.RawURLEncoding.EncodeToString(m.mac(id))
}

func (m *Manager) verify(token string) (string, bool) {
	id, sig, ok := strings.Cut(token, ".")
	if !ok || id == "" {
		return "", false
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", false
	}
	if !hmac.Equal(got, m.mac(id)) {
		return "", false
	}
	return id, true
}

func (m *Manager) mac(id string) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write([]byte(id))
	return h.Sum(nil)
}

// SetSessionCookie writes the session cookie. Secure follows the effective
// scheme of this request.
func (m *Manager) SetSessionCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     httpkeys.SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(time.Until(expires).Seconds()),
		HttpOnly: true,
		Secure:   proxy.FromRequest(r).Secure(),
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func (m *Manager) ClearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     httpkeys.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   proxy.FromRequest(r).Secure(),
		SameSite: http.SameSiteLaxMode,
	})
}

// SessionToken returns the session cookie value of r, if any.
func SessionToken(r *http.Request) string {
	c, err := r.Cookie(httpkeys.SessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}
