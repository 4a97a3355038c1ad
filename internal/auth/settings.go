// Package auth implements login sessions, the per-request auth gate with its
// narrow local JSON bypass, and login throttling.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Posture is the operating mode.
type Posture string

// Postures.
const (
	PostureLocal    Posture = "local"
	PostureHardened Posture = "hardened"
)

// Hardened-posture minimums.
const (
	MinSecretBytes      = 32
	MinAdminPasswordLen = 12
)

// DefaultSessionTTL is the session lifetime when none is configured.
const DefaultSessionTTL = 30 * 24 * time.Hour

// Settings is the auth slice of the application configuration.
type Settings struct {
	Posture              Posture
	AdminPassword        string
	DevPassword          string
	SessionSecret        string
	SessionTTL           time.Duration
	AllowLocalJSONNoAuth bool
	// BcryptCost overrides the password hashing cost; zero means bcrypt.DefaultCost.
	BcryptCost int
}

// Errors returned by Prepare.
var (
	ErrWeakSecret   = errors.New("auth: session secret too short")
	ErrWeakPassword = errors.New("auth: admin password too short")
	ErrBypassInProd = errors.New("auth: local JSON bypass cannot be enabled in the hardened posture")
)

// Prepare enforces the posture rules. The hardened posture fails on weak or
// missing secrets; the local posture fills in a random session secret and,
// when unset, a generated admin password that is logged once.
func (s *Settings) Prepare(logger *slog.Logger) error {
	if s.SessionTTL <= 0 {
		s.SessionTTL = DefaultSessionTTL
	}
	switch s.Posture {
	case PostureHardened:
		if len(s.SessionSecret) < MinSecretBytes {
			return fmt.Errorf("%w: need at least %d bytes", ErrWeakSecret, MinSecretBytes)
		}
		if len([]rune(s.AdminPassword)) < MinAdminPasswordLen {
			return fmt.Errorf("%w: need at least %d characters", ErrWeakPassword, MinAdminPasswordLen)
		}
		if s.AllowLocalJSONNoAuth {
			return ErrBypassInProd
		}
	case PostureLocal:
		if s.SessionSecret == "" {
			s.SessionSecret = randomString(MinSecretBytes)
			logger.Info("auth: using an ephemeral session secret; sessions end on restart")
		}
		if s.AdminPassword == "" {
			s.AdminPassword = randomString(12)
			logger.Warn("auth: generated admin password for this run", slog.String("password", s.AdminPassword))
		}
	default:
		return fmt.Errorf("auth: unknown posture %q", s.Posture)
	}
	return nil
}

func randomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("auth: crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
