// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MGallo-Code/warden/internal/ratelimit"
)

// Config holds all env configuration vars for Warden.
type Config struct {
	RedisURL string
	// DatabaseURL is optional; empty disables the audit log.
	DatabaseURL  string
	Port         string
	AppEnv       string
	LogLevel     slog.Level
	CookieDomain string
	CookieSecure bool

	// TrustedProxies lists the peers whose X-Forwarded-For / X-Real-IP headers
	// are believed. Empty means forwarded headers are ignored.
	TrustedProxies []netip.Prefix

	// StoreTimeout bounds every Redis round trip. Expiry counts as the store being down.
	StoreTimeout time.Duration

	// Session TTLs. Defaults: 24h standard, 720h (30d) remember-me.
	SessionTTL        time.Duration
	SessionRememberMe time.Duration

	// Rate limit policies. Login fails closed; api and engagement fail open.
	RateLogin      ratelimit.Policy
	RateAPI        ratelimit.Policy
	RateEngagement ratelimit.Policy

	// DedupWindow is how long one session's engagement action on one resource counts once.
	DedupWindow time.Duration

	// AuditRetention is how long audit rows are kept. Zero disables the cleanup loop.
	AuditRetention time.Duration
	// AuditQueueSize bounds audit entries waiting for Postgres; overflow is dropped.
	AuditQueueSize int

	// Operator account. Login is disabled when either is empty.
	AdminEmail        string
	AdminPasswordHash string

	// TurnstileSecret enables the login captcha when set.
	TurnstileSecret string
}

// Production reports whether APP_ENV is production.
func (c *Config) Production() bool {
	return c.AppEnv == "production"
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if REDIS_URL is missing.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	cfg.AppEnv = strings.ToLower(os.Getenv("APP_ENV"))
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.CookieDomain = os.Getenv("COOKIE_DOMAIN")
	// Only an explicit "false" disables Secure.
	cfg.CookieSecure = envBool("COOKIE_SECURE", true)

	proxies, err := parseTrustedProxies(os.Getenv("TRUSTED_PROXIES"))
	if err != nil {
		return nil, err
	}
	cfg.TrustedProxies = proxies

	cfg.StoreTimeout = envDuration("STORE_TIMEOUT", 250*time.Millisecond)

	cfg.SessionTTL = envDuration("SESSION_TTL", 24*time.Hour)
	cfg.SessionRememberMe = envDuration("SESSION_REMEMBER_ME_TTL", 720*time.Hour)

	// Invalid values fall back to the default so a misconfigured env doesn't silently disable rate limiting.
	cfg.RateLogin = ratelimit.Policy{
		Name:       "login",
		Limit:      envInt("RATE_LOGIN_MAX", 10),
		Window:     envDuration("RATE_LOGIN_WINDOW", 10*time.Minute),
		FailClosed: true,
	}
	cfg.RateAPI = ratelimit.Policy{
		Name:   "api",
		Limit:  envInt("RATE_API_MAX", 120),
		Window: envDuration("RATE_API_WINDOW", time.Minute),
	}
	cfg.RateEngagement = ratelimit.Policy{
		Name:   "engagement",
		Limit:  envInt("RATE_ENGAGEMENT_MAX", 60),
		Window: envDuration("RATE_ENGAGEMENT_WINDOW", time.Minute),
	}

	for _, p := range []ratelimit.Policy{cfg.RateLogin, cfg.RateAPI, cfg.RateEngagement} {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	cfg.DedupWindow = envDuration("DEDUP_WINDOW", 24*time.Hour)
	cfg.AuditRetention = envDuration("AUDIT_RETENTION", 90*24*time.Hour)
	cfg.AuditQueueSize = envInt("AUDIT_QUEUE_SIZE", 256)

	cfg.AdminEmail = strings.ToLower(strings.TrimSpace(os.Getenv("ADMIN_EMAIL")))
	cfg.AdminPasswordHash = os.Getenv("ADMIN_PASSWORD_HASH")
	if (cfg.AdminEmail == "") != (cfg.AdminPasswordHash == "") {
		return nil, fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD_HASH must be set together")
	}
	if cfg.AdminPasswordHash != "" && !strings.HasPrefix(cfg.AdminPasswordHash, "$argon2id$") {
		return nil, fmt.Errorf("ADMIN_PASSWORD_HASH must be an argon2id PHC string")
	}

	cfg.TurnstileSecret = os.Getenv("TURNSTILE_SECRET")

	return cfg, nil
}

// parseTrustedProxies reads a comma-separated list of CIDRs or bare addresses.
// A bare address is trusted as a single host.
func parseTrustedProxies(v string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, field := range strings.Split(v, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if strings.Contains(field, "/") {
			p, err := netip.ParsePrefix(field)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(field)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// envBool reads an env var as a bool that only the exact string opposite of def flips.
// With def=true only "false" disables; with def=false only "true" enables.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if def {
		return v != "false"
	}
	return v == "true"
}
