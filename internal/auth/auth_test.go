package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/starford/tagledger/internal/apperr"
	"github.com/starford/tagledger/internal/httpkeys"
	"github.com/starford/tagledger/internal/models"
	"github.com/starford/tagledger/internal/principal"
	"github.com/starford/tagledger/internal/proxy"
	"github.com/starford/tagledger/internal/testutil"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	adminPW = "correct-horse-battery"
	devPW   = "dev-password-1"
)

func newManager(t *testing.T, posture Posture, bypass bool) *Manager {
	t.Helper()
	s := Settings{
		Posture:              posture,
		AdminPassword:        adminPW,
		DevPassword:          devPW,
		SessionSecret:        strings.Repeat("s", MinSecretBytes),
		AllowLocalJSONNoAuth: bypass,
		BcryptCost:           bcrypt.MinCost,
	}
	require.NoError(t, s.Prepare(quiet))
	m, err := NewManager(testutil.TestDB(t), s)
	require.NoError(t, err)
	return m
}

func TestPrepare_Hardened(t *testing.T) {
	ok := Settings{Posture: PostureHardened, AdminPassword: "twelve-chars", SessionSecret: strings.Repeat("x", 32)}
	require.NoError(t, ok.Prepare(quiet))

	weakSecret := ok
	weakSecret.SessionSecret = "short"
	assert.ErrorIs(t, weakSecret.Prepare(quiet), ErrWeakSecret)

	weakPW := ok
	weakPW.AdminPassword = "short"
	assert.ErrorIs(t, weakPW.Prepare(quiet), ErrWeakPassword)

	bypass := ok
	bypass.AllowLocalJSONNoAuth = true
	assert.ErrorIs(t, bypass.Prepare(quiet), ErrBypassInProd)
}

func TestPrepare_LocalFillsDefaults(t *testing.T) {
	s := Settings{Posture: PostureLocal}
	require.NoError(t, s.Prepare(quiet))
	assert.GreaterOrEqual(t, len(s.SessionSecret), MinSecretBytes)
	assert.NotEmpty(t, s.AdminPassword)
	assert.Equal(t, DefaultSessionTTL, s.SessionTTL)
}

func TestLoginAuthenticateLogout(t *testing.T) {
	m := newManager(t, PostureLocal, false)
	ctx := context.Background()

	_, _, err := m.Login(ctx, "wrong")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	s, tok, err := m.Login(ctx, devPW)
	require.NoError(t, err)
	assert.Equal(t, models.RoleDev, s.Role)

	p, err := m.Authenticate(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, models.RoleDev, p.Role)
	assert.Equal(t, s.ID, p.SessionID)

	require.NoError(t, m.Logout(ctx, tok))
	_, err = m.Authenticate(ctx, tok)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestAuthenticate_RejectsTampering(t *testing.T) {
	m := newManager(t, PostureLocal, false)
	_, tok, err := m.Login(context.Background(), adminPW)
	require.NoError(t, err)

	id, _, _ := strings.Cut(tok, ".")
	for _, bad := range []string{"", id, id + ".", id + ".AAAA", "x." + strings.Split(tok, ".")[1]} {
		_, err := m.Authenticate(context.Background(), bad)
		assert.ErrorIs(t, err, apperr.ErrUnauthorized, "token %q", bad)
	}
}

func TestAuthenticate_Expired(t *testing.T) {
	m := newManager(t, PostureLocal, false)
	_, tok, err := m.Login(context.Background(), adminPW)
	require.NoError(t, err)
	m.now = func() time.Time { return time.Now().Add(DefaultSessionTTL + time.Hour) }
	_, err = m.Authenticate(context.Background(), tok)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestNewManager_AcceptsBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-admin-pw"), bcrypt.MinCost)
	require.NoError(t, err)
	m, err := NewManager(testutil.TestDB(t), Settings{Posture: PostureLocal, AdminPassword: string(hash), SessionSecret: "k"})
	require.NoError(t, err)
	s, _, err := m.Login(context.Background(), "hashed-admin-pw")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, s.Role)
}

// gated serves r through the proxy middleware and the gate, recording the
// admitted principal.
func gated(m *Manager, r *http.Request) (*httptest.ResponseRecorder, *principal.Principal) {
	var got *principal.Principal
	h := (&proxy.Resolver{}).Middleware(m.Gate(func(w http.ResponseWriter, r *http.Request, err error) {
		if err == apperr.ErrForbidden {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := principal.FromContext(r.Context()); ok {
			got = &p
		}
	})))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w, got
}

func TestGate_Bypass(t *testing.T) {
	cases := []struct {
		name    string
		posture Posture
		bypass  bool
		remote  string
		accept  string
		xff     string
		admit   bool
	}{
		{"local loopback json", PostureLocal, true, "127.0.0.1:1", "application/json", "", true},
		{"bypass disabled", PostureLocal, false, "127.0.0.1:1", "application/json", "", false},
		{"html accept", PostureLocal, true, "127.0.0.1:1", "text/html", "", false},
		{"no accept", PostureLocal, true, "127.0.0.1:1", "", "", false},
		{"remote peer", PostureLocal, true, "192.0.2.7:1", "application/json", "", false},
		{"spoofed forwarded loopback", PostureLocal, true, "192.0.2.7:1", "application/json", "127.0.0.1", false},
		{"loopback relay of remote", PostureLocal, true, "127.0.0.1:1", "application/json", "192.0.2.7", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newManager(t, tc.posture, tc.bypass)
			r := httptest.NewRequest(http.MethodGet, "/notes", nil)
			r.RemoteAddr = tc.remote
			if tc.accept != "" {
				r.Header.Set(httpkeys.Accept, tc.accept)
			}
			if tc.xff != "" {
				r.Header.Set(httpkeys.ForwardedFor, tc.xff)
			}
			w, p := gated(m, r)
			if tc.admit {
				require.NotNil(t, p)
				assert.True(t, p.Bypass)
				assert.Equal(t, http.StatusOK, w.Code)
			} else {
				assert.Nil(t, p)
				assert.Equal(t, http.StatusUnauthorized, w.Code)
			}
		})
	}
}

func TestGate_SessionAndPublicPaths(t *testing.T) {
	m := newManager(t, PostureHardened, false)
	_, tok, err := m.Login(context.Background(), adminPW)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/notes", nil)
	r.AddCookie(&http.Cookie{Name: httpkeys.SessionCookie, Value: tok})
	w, p := gated(m, r)
	require.NotNil(t, p)
	assert.Equal(t, models.RoleAdmin, p.Role)
	assert.Equal(t, http.StatusOK, w.Code)

	for _, path := range []string{"/health/live", "/auth/login", "/static/app.css", "/metrics"} {
		w, p := gated(m, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Nil(t, p, path)
	}
	w, _ = gated(m, httptest.NewRequest(http.MethodGet, "/static", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "prefix match must include the slash")
}

func TestRequire(t *testing.T) {
	var status int
	deny := func(w http.ResponseWriter, r *http.Request, err error) {
		if err == apperr.ErrForbidden {
			status = http.StatusForbidden
		} else {
			status = http.StatusUnauthorized
		}
	}
	h := Require(deny, models.RoleAdmin)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { status = http.StatusOK }))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), r.WithContext(principal.NewContext(r.Context(), principal.Principal{Role: models.RoleDev})))
	assert.Equal(t, http.StatusForbidden, status)

	h.ServeHTTP(httptest.NewRecorder(), r.WithContext(principal.NewContext(r.Context(), principal.Principal{Role: models.RoleAdmin})))
	assert.Equal(t, http.StatusOK, status)

	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestSessionCookieSecureFollowsScheme(t *testing.T) {
	m := newManager(t, PostureHardened, false)
	res, err := proxy.NewResolver([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	for _, tc := range []struct {
		proto  string
		secure bool
	}{{"https", true}, {"http", false}} {
		r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		r.RemoteAddr = "10.0.0.5:1"
		r.Header.Set(httpkeys.ForwardedProto, tc.proto)
		w := httptest.NewRecorder()
		res.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.SetSessionCookie(w, r, "tok", time.Now().Add(time.Hour))
		})).ServeHTTP(w, r)
		cookies := w.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, tc.secure, cookies[0].Secure, tc.proto)
		assert.True(t, cookies[0].HttpOnly)
	}
}

func TestLoginLimiter(t *testing.T) {
	l := NewLoginLimiter(time.Minute, 3)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("1.2.3.4"))
	}
	assert.False(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("5.6.7.8"), "keys are independent")

	now = now.Add(time.Minute)
	assert.True(t, l.Allow("1.2.3.4"), "one token refilled")
}

func TestLoginLimiter_EvictsLeastRecentlySeen(t *testing.T) {
	l := NewLoginLimiter(time.Minute, 1)
	l.max = 4
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("attacker"))
	assert.False(t, l.Allow("attacker"))
	for _, k := range []string{"a", "b", "c"} {
		now = now.Add(time.Second)
		assert.True(t, l.Allow(k))
	}
	// The attacker keeps hammering, so its entry stays the freshest of the old ones.
	now = now.Add(time.Second)
	assert.False(t, l.Allow("attacker"))

	now = now.Add(time.Second)
	assert.True(t, l.Allow("d"), "a new key is admitted at capacity")
	assert.LessOrEqual(t, len(l.entries), 4)
	assert.Contains(t, l.entries, "attacker")
	assert.NotContains(t, l.entries, "a")
	assert.False(t, l.Allow("attacker"), "throttle survives eviction")
}
