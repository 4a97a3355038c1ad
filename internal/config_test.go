package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/tagledger/internal/api"
	"github.com/starford/tagledger/internal/auth"
	pkgconfig "github.com/starford/tagledger/pkg/config"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should pass: %v", err)
	}
	if cfg.Auth.Hardened() {
		t.Error("default posture should be local")
	}
	if got := cfg.App.HTTP.Address(); got != "127.0.0.1:8080" {
		t.Errorf("address = %q", got)
	}
}

func TestAuthConfig_EmptyPostureDefaultsLocal(t *testing.T) {
	cfg := AuthConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty posture should default to local: %v", err)
	}
	if cfg.Posture != string(auth.PostureLocal) {
		t.Errorf("posture = %q, want %q", cfg.Posture, auth.PostureLocal)
	}
}

func TestAuthConfig_InvalidPosture(t *testing.T) {
	cfg := AuthConfig{Posture: "magic"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("invalid posture should fail validation")
	}
}

func TestAuthConfig_Limiter(t *testing.T) {
	cfg := AuthConfig{LoginInterval: time.Second, LoginBurst: 3}
	if cfg.Limiter() == nil {
		t.Error("limiter expected")
	}
	cfg.LoginBurst = 0
	if cfg.Limiter() != nil {
		t.Error("zero burst should disable throttling")
	}
}

func TestConfig_HardenedForbidsRequestedRoot(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Posture = string(auth.PostureHardened)
	cfg.Scan.AllowRequestRoot = true
	err := cfg.Validate()
	if err == nil {
		t.Fatal("hardened posture with allow_request_root should fail")
	}
	if !strings.Contains(err.Error(), "allow_request_root") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConfig_SectionErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.App.HTTP.Port = 70000 }},
		{"sqlite", func(c *Config) { c.SQLite.Path = "" }},
		{"csp", func(c *Config) { c.Security.CSPMode = "strict" }},
		{"cidr", func(c *Config) { c.Proxy.TrustedCIDRs = []string{"10.0.0.0/8", "not-an-ip"} }},
		{"extension", func(c *Config) { c.Scan.Extensions = []string{"py"} }},
		{"root", func(c *Config) { c.Scan.Root = strings.Repeat("r", 5000) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestProxyConfig_AcceptsAddressesAndPrefixes(t *testing.T) {
	cfg := ProxyConfig{TrustedCIDRs: []string{"127.0.0.1", "10.0.0.0/8", "::1", "fd00::/8"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid cidrs rejected: %v", err)
	}
}

func TestSecurityConfig_Headers(t *testing.T) {
	cfg := SecurityConfig{CSPMode: "enforce", NoStoreStatic: true}
	h := cfg.Headers()
	if h.CSPMode != api.CSPEnforce || !h.NoStoreStatic {
		t.Errorf("headers = %+v", h)
	}
}

func TestLoadYAML_ExpandsEnv(t *testing.T) {
	t.Setenv("TAGLEDGER_TEST_SECRET", strings.Repeat("k", 40))
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
app:
  log_level: debug
  http:
    host: 0.0.0.0
    port: 9090
sqlite:
  path: /var/lib/tagledger/ledger.db
scan:
  root: /srv/src
  watch: true
  debounce: 500ms
  extensions: [".go", ".py"]
auth:
  posture: hardened
  admin_password: correct-horse-battery
  session_secret: ${TAGLEDGER_TEST_SECRET}
  session_ttl: 12h
proxy:
  trusted_cidrs: ["10.0.0.0/8"]
security:
  csp_mode: enforce
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.SessionSecret != strings.Repeat("k", 40) {
		t.Errorf("secret not expanded: %q", cfg.Auth.SessionSecret)
	}
	if cfg.Scan.Debounce != 500*time.Millisecond || cfg.Auth.SessionTTL != 12*time.Hour {
		t.Errorf("durations = %v, %v", cfg.Scan.Debounce, cfg.Auth.SessionTTL)
	}
	if cfg.App.HTTP.Address() != "0.0.0.0:9090" {
		t.Errorf("address = %q", cfg.App.HTTP.Address())
	}
	if !cfg.Auth.Hardened() || cfg.Security.CSPMode != "enforce" {
		t.Errorf("auth/security not loaded: %+v %+v", cfg.Auth, cfg.Security)
	}
	// Defaults survive for keys the file omits.
	if cfg.Auth.LoginBurst != 5 {
		t.Errorf("login burst = %d, want default 5", cfg.Auth.LoginBurst)
	}
	if got := cfg.Scan.RootPolicy(); got.Configured != "/srv/src" || got.AllowRequested {
		t.Errorf("root policy = %+v", got)
	}
}

func TestLoadYAML_RejectsUnknownKeys(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"posture", "auth:\n  postrue: hardened\n"},
		{"allow_request_root", "scan:\n  allow_requests_root: true\n"},
		{"section", "securty:\n  csp_mode: enforce\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			cfg := NewDefaultConfig()
			err := pkgconfig.Load(path, cfg)
			if err == nil {
				t.Fatal("misspelled key should fail to load")
			}
			if !strings.Contains(err.Error(), "not found") {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadYAML_EmptyFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.HTTP.Address() != "127.0.0.1:8080" || cfg.Auth.Hardened() {
		t.Errorf("defaults lost: %+v", cfg.App.HTTP)
	}
}

