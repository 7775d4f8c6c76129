// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// minSecretLen is the shortest SESSION_SECRET accepted. HKDF stretches it, but
// short secrets are still guessable.
const minSecretLen = 32

// Config holds all env configuration vars for portcullis.
type Config struct {
	DatabaseURL  string     `envconfig:"DATABASE_URL" required:"true"`
	// Empty RedisURL runs with in-process counters and log-only event delivery.
	RedisURL     string     `envconfig:"REDIS_URL"`
	Port         string     `envconfig:"PORT" default:"7865"`
	CookieDomain string     `envconfig:"COOKIE_DOMAIN"`
	LogLevelName string     `envconfig:"LOG_LEVEL" default:"info"`
	LogLevel     slog.Level `ignored:"true"`

	// SessionSecret keys the cookie AEAD. Rotating it logs everyone out.
	SessionSecret     string `envconfig:"SESSION_SECRET" required:"true"`
	SessionCookieName string `envconfig:"SESSION_COOKIE_NAME" default:"_t"`
	// SameSiteCookies is one of "lax", "strict", "none".
	SameSiteCookies string `envconfig:"SAME_SITE_COOKIES" default:"lax"`
	// ForceHTTPS marks cookies Secure. SameSite=None forces it on regardless.
	ForceHTTPS         bool `envconfig:"FORCE_HTTPS" default:"true"`
	AllowLegacyCookies bool `envconfig:"ALLOW_LEGACY_COOKIES" default:"true"`

	// MaximumSessionAge is the freshness window: a seen token older than this rotates.
	MaximumSessionAge time.Duration `envconfig:"MAXIMUM_SESSION_AGE" default:"10m"`
	// RotationGraceWindow is how long the superseded token keeps working after rotation.
	RotationGraceWindow time.Duration `envconfig:"ROTATION_GRACE_WINDOW" default:"1m"`
	// SessionIdleExpiry ends sessions that have not rotated for this long. Default 60d.
	SessionIdleExpiry      time.Duration `envconfig:"SESSION_IDLE_EXPIRY" default:"1440h"`
	MaxLiveSessionsPerUser int           `envconfig:"MAX_LIVE_SESSIONS_PER_USER" default:"60"`

	// Rate limits.
	AuthCookieAttemptsPerMinute  int `envconfig:"AUTH_COOKIE_ATTEMPTS_PER_MINUTE" default:"10"`
	MaxAdminAPIRequestsPerMinute int `envconfig:"MAX_ADMIN_API_REQS_PER_MINUTE" default:"60"`
	MaxUserAPIRequestsPerDay     int `envconfig:"MAX_USER_API_REQS_PER_DAY" default:"2880"`
	MaxUserAPIRequestsPerMinute  int `envconfig:"MAX_USER_API_REQS_PER_MINUTE" default:"20"`

	// TrustForwardedFor reads the client IP from X-Forwarded-For, walking the chain
	// from the right past TrustedProxies. With no proxies listed, the direct peer is
	// taken as the only proxy.
	TrustForwardedFor bool     `envconfig:"TRUST_FORWARDED_FOR" default:"false"`
	TrustedProxies    []string `envconfig:"TRUSTED_PROXIES"`
	// Proxies is TrustedProxies parsed by LoadConfig.
	Proxies []netip.Prefix `ignored:"true"`

	// ReadOnly starts the service in degraded mode (no session writes).
	ReadOnly bool `envconfig:"READ_ONLY" default:"false"`

	// First-admin bootstrap. Off unless explicitly enabled.
	BootstrapAdmin  bool     `envconfig:"BOOTSTRAP_ADMIN" default:"false"`
	DeveloperEmails []string `envconfig:"DEVELOPER_EMAILS"`

	// Event delivery. Empty AMQPURL logs events instead of publishing them.
	AMQPURL       string `envconfig:"AMQP_URL"`
	AMQPExchange  string `envconfig:"AMQP_EXCHANGE" default:"portcullis.events"`
	EventQueueMax int64  `envconfig:"EVENT_QUEUE_MAX" default:"1000"`
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if required variables (DATABASE_URL, SESSION_SECRET) are missing.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("reading env: %w", err)
	}

	// Parse log level, default to info
	switch strings.ToLower(cfg.LogLevelName) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	proxies, err := parseProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	cfg.Proxies = proxies

	// Normalise operator emails once so comparisons are a plain lookup.
	for i, e := range cfg.DeveloperEmails {
		cfg.DeveloperEmails[i] = strings.ToLower(strings.TrimSpace(e))
	}

	return cfg, nil
}

// validate rejects values envconfig accepts but the service cannot run with.
func (c *Config) validate() error {
	// envconfig treats a set-but-empty variable as present
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.SessionSecret) < minSecretLen {
		return fmt.Errorf("SESSION_SECRET must be at least %d bytes", minSecretLen)
	}
	if _, ok := sameSiteModes[strings.ToLower(c.SameSiteCookies)]; !ok {
		return fmt.Errorf("SAME_SITE_COOKIES must be one of lax, strict, none")
	}
	durations := map[string]time.Duration{
		"MAXIMUM_SESSION_AGE":   c.MaximumSessionAge,
		"ROTATION_GRACE_WINDOW": c.RotationGraceWindow,
		"SESSION_IDLE_EXPIRY":   c.SessionIdleExpiry,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	ints := map[string]int{
		"MAX_LIVE_SESSIONS_PER_USER":      c.MaxLiveSessionsPerUser,
		"AUTH_COOKIE_ATTEMPTS_PER_MINUTE": c.AuthCookieAttemptsPerMinute,
		"MAX_ADMIN_API_REQS_PER_MINUTE":   c.MaxAdminAPIRequestsPerMinute,
		"MAX_USER_API_REQS_PER_DAY":       c.MaxUserAPIRequestsPerDay,
		"MAX_USER_API_REQS_PER_MINUTE":    c.MaxUserAPIRequestsPerMinute,
	}
	for key, n := range ints {
		if n <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.BootstrapAdmin && len(c.DeveloperEmails) == 0 {
		return fmt.Errorf("BOOTSTRAP_ADMIN requires DEVELOPER_EMAILS")
	}
	return nil
}

// parseProxies accepts CIDRs ("10.0.0.0/8") and bare addresses.
func parseProxies(list []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: invalid entry %q", s)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: invalid entry %q", s)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

var sameSiteModes = map[string]http.SameSite{
	"lax":    http.SameSiteLaxMode,
	"strict": http.SameSiteStrictMode,
	"none":   http.SameSiteNoneMode,
}

// SameSite returns the http.SameSite mode for SameSiteCookies.
func (c *Config) SameSite() http.SameSite {
	if m, ok := sameSiteModes[strings.ToLower(c.SameSiteCookies)]; ok {
		return m
	}
	return http.SameSiteLaxMode
}

// SecureCookies reports whether session cookies carry the Secure flag.
// Browsers drop SameSite=None cookies that are not Secure.
func (c *Config) SecureCookies() bool {
	return c.ForceHTTPS || c.SameSite() == http.SameSiteNoneMode
}
