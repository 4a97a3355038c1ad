package csrf

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/tagledger/internal/httpkeys"
)

func TestEnsureToken_MintsOnce(t *testing.T) {
	g := New(0)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/notes", nil)

	first := g.EnsureToken(w, r)
	second := g.EnsureToken(w, r)
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, httpkeys.CSRFCookie, c.Name)
	assert.Equal(t, first, c.Value)
	assert.True(t, c.HttpOnly)
	assert.False(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.GreaterOrEqual(t, len(first), 43) // 32 bytes base64url
}

func TestEnsureToken_ReusesRequestCookie(t *testing.T) {
	g := New(0)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/notes", nil)
	r.AddCookie(&http.Cookie{Name: httpkeys.CSRFCookie, Value: "existing"})

	assert.Equal(t, "existing", g.EnsureToken(w, r))
	assert.Empty(t, w.Result().Cookies())
}

func TestVerify(t *testing.T) {
	g := New(0, "/__csp_report")
	cases := []struct {
		name   string
		method string
		path   string
		cookie string
		header string
		want   error
	}{
		{"safe method", http.MethodGet, "/notes", "tok", "", nil},
		{"no cookie", http.MethodPost, "/scan", "", "", nil},
		{"matching", http.MethodPatch, "/notes/x", "tok", "tok", nil},
		{"missing header", http.MethodPost, "/scan", "tok", "", ErrMissingHeader},
		{"mismatch", http.MethodDelete, "/notes/x", "tok", "other", ErrMismatch},
		{"exempt path", http.MethodPost, "/__csp_report", "tok", "", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.cookie != "" {
				r.AddCookie(&http.Cookie{Name: httpkeys.CSRFCookie, Value: tc.cookie})
			}
			if tc.header != "" {
				r.Header.Set(httpkeys.CSRFHeader, tc.header)
			}
			assert.ErrorIs(t, g.Verify(r), tc.want)
		})
	}
}

func TestMiddlewareRejects(t *testing.T) {
	g := New(0)
	called := false
	h := g.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusForbidden)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	r := httptest.NewRequest(http.MethodPost, "/scan", nil)
	r.AddCookie(&http.Cookie{Name: httpkeys.CSRFCookie, Value: "tok"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, called)
}
