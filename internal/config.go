package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/tagledger/internal/api"
	"github.com/starford/tagledger/internal/auth"
	"github.com/starford/tagledger/internal/scan"
	"github.com/starford/tagledger/internal/storage"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	SQLite   SQLiteConfig      `yaml:"sqlite"`
	Scan     ScanConfig        `yaml:"scan"`
	Auth     AuthConfig        `yaml:"auth"`
	Proxy    ProxyConfig       `yaml:"proxy"`
	Security SecurityConfig    `yaml:"security"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.SQLite.Validate(); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	if err := c.Scan.Validate(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.Proxy.Validate(); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("security: %w", err)
	}
	if c.Auth.Hardened() && c.Scan.AllowRequestRoot {
		return errors.New("scan: allow_request_root cannot be enabled in the hardened posture")
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
	// SummaryThrottle bounds how often summary.updated is pushed to SSE clients.
	SummaryThrottle time.Duration `yaml:"summary_throttle"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.SummaryThrottle, validation.Min(time.Duration(0))),
	)
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AccessLog bool   `yaml:"access_log"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// ScanConfig controls which tree is scanned and how.
type ScanConfig struct {
	// Root is the directory to scan; empty means the nearest project root
	// above the working directory.
	Root             string        `yaml:"root"`
	AllowRequestRoot bool          `yaml:"allow_request_root"`
	Watch            bool          `yaml:"watch"`
	Debounce         time.Duration `yaml:"debounce"`
	Extensions       []string      `yaml:"extensions"`
	ExcludeDirs      []string      `yaml:"exclude_dirs"`
}

// Validate validates the scan configuration.
func (c *ScanConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Length(0, scan.MaxRootLen)),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.Extensions, validation.Each(validation.By(func(v any) error {
			if s, _ := v.(string); !strings.HasPrefix(s, ".") || len(s) < 2 {
				return errors.New("must look like .ext")
			}
			return nil
		}))),
	)
}

// RootPolicy returns the scan root policy.
func (c *ScanConfig) RootPolicy() scan.RootPolicy {
	return scan.RootPolicy{Configured: c.Root, AllowRequested: c.AllowRequestRoot}
}

// Filter returns the candidate file filter.
func (c *ScanConfig) Filter() storage.Filter {
	return storage.Filter{Extensions: c.Extensions, ExcludeDirs: c.ExcludeDirs}
}

// AuthConfig holds authentication configuration.
//
// Posture controls how strictly authentication is enforced:
//   - "local" (default): missing secrets are generated at startup and the
//     loopback JSON bypass may be enabled.
//   - "hardened": a session secret of at least 32 bytes and an admin
//     password of at least 12 characters are required; no bypass.
type AuthConfig struct {
	Posture              string        `yaml:"posture"`
	AdminPassword        string        `yaml:"admin_password"`
	DevPassword          string        `yaml:"dev_password"`
	SessionSecret        string        `yaml:"session_secret"`
	SessionTTL           time.Duration `yaml:"session_ttl"`
	AllowLocalJSONNoAuth bool          `yaml:"allow_local_json_noauth"`
	LoginInterval        time.Duration `yaml:"login_interval"`
	LoginBurst           int           `yaml:"login_burst"`
}

// Validate validates the auth configuration. Secret strength is checked by
// auth.Settings.Prepare at startup.
func (c *AuthConfig) Validate() error {
	if c.Posture == "" {
		c.Posture = string(auth.PostureLocal)
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Posture, validation.Required, validation.In(string(auth.PostureLocal), string(auth.PostureHardened))),
		validation.Field(&c.SessionTTL, validation.Min(time.Duration(0))),
		validation.Field(&c.LoginInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.LoginBurst, validation.Min(0)),
	)
}

// Hardened reports whether the hardened posture is selected.
func (c *AuthConfig) Hardened() bool {
	return c.Posture == string(auth.PostureHardened)
}

// Settings converts the configuration for auth.NewManager.
func (c *AuthConfig) Settings() auth.Settings {
	return auth.Settings{
		Posture:              auth.Posture(c.Posture),
		AdminPassword:        c.AdminPassword,
		DevPassword:          c.DevPassword,
		SessionSecret:        c.SessionSecret,
		SessionTTL:           c.SessionTTL,
		AllowLocalJSONNoAuth: c.AllowLocalJSONNoAuth,
	}
}

// Limiter returns the login throttle, or nil when throttling is off.
func (c *AuthConfig) Limiter() *auth.LoginLimiter {
	if c.LoginBurst <= 0 || c.LoginInterval <= 0 {
		return nil
	}
	return auth.NewLoginLimiter(c.LoginInterval, c.LoginBurst)
}

// ProxyConfig lists the reverse proxies whose forwarding headers are trusted.
type ProxyConfig struct {
	TrustedCIDRs []string `yaml:"trusted_cidrs"`
}

// Validate validates the proxy configuration.
func (c *ProxyConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.TrustedCIDRs, validation.Each(validation.By(func(v any) error {
			s, _ := v.(string)
			if _, err := netip.ParsePrefix(s); err == nil {
				return nil
			}
			if _, err := netip.ParseAddr(s); err == nil {
				return nil
			}
			return errors.New("must be a CIDR or an IP address")
		}))),
	)
}

// SecurityConfig controls the response security headers.
type SecurityConfig struct {
	CSPMode       string `yaml:"csp_mode"`
	ReportingAPI  bool   `yaml:"reporting_api"`
	NoStoreStatic bool   `yaml:"no_store_static"`
}

// Validate validates the security configuration.
func (c *SecurityConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.CSPMode, validation.Required,
			validation.In(string(api.CSPOff), string(api.CSPReport), string(api.CSPEnforce))),
	)
}

// Headers converts the configuration for the api package.
func (c *SecurityConfig) Headers() api.SecurityConfig {
	return api.SecurityConfig{
		CSPMode:       api.CSPMode(c.CSPMode),
		ReportingAPI:  c.ReportingAPI,
		NoStoreStatic: c.NoStoreStatic,
	}
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Host:      "127.0.0.1",
				Port:      8080,
				AccessLog: true,
			},
			SummaryThrottle: 2 * time.Second,
		},
		SQLite: SQLiteConfig{
			Path: "./tagledger.db",
		},
		Scan: ScanConfig{
			Debounce: scan.DefaultDebounce,
		},
		Auth: AuthConfig{
			Posture:       string(auth.PostureLocal),
			SessionTTL:    auth.DefaultSessionTTL,
			LoginInterval: 12 * time.Second,
			LoginBurst:    5,
		},
		Security: SecurityConfig{
			CSPMode: string(api.CSPReport),
		},
	}
}
