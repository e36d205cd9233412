// config.go

// Environment variable loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all env configuration vars for Gatekeeper.
type Config struct {
	DatabaseURL  string
	RedisURL     string
	Port         string
	CookieDomain string
	// CookieSecure marks cookies Secure and enables the __Host-/__Secure- prefixes.
	// Default true; only local plain-HTTP development should turn it off.
	CookieSecure bool
	LogLevel     slog.Level

	// SMTP configuration for outbound email. All optional -- empty Host disables sending.
	SMTPHost          string
	SMTPPort          string // defaults to 587
	SMTPUsername      string
	SMTPPassword      string
	SMTPFromAddress   string
	SMTPResetURLBase  string
	SMTPVerifyURLBase string

	// MailQueueKey seals tokens in queued mail jobs (32 bytes). A random key is generated
	// when MAIL_QUEUE_KEY is unset, so jobs queued before a restart can't be delivered.
	MailQueueKey []byte
	MailQueueMax int64

	// OAuth providers. A provider is enabled only when both its id and secret are set.
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GitHubClientID     string
	GitHubClientSecret string
	GitHubRedirectURL  string
	OAuthTimeout       time.Duration

	// Sessions. Defaults: 168h (7d) lifetime, revoked/expired rows kept 168h before sweeping.
	SessionTTL       time.Duration
	SessionRetention time.Duration
	CleanupInterval  time.Duration
	// AccountPurgeDelay is how long a soft-deleted account lingers before it is purged.
	AccountPurgeDelay time.Duration

	// Suspicious-activity policy: lock an (email, ip) pair after Threshold failures
	// inside Lookback. Defaults: 5 / 30m.
	SuspiciousThreshold int
	SuspiciousLookback  time.Duration

	// RequireEmailVerification gates login on email_verified_at being set. Default false.
	RequireEmailVerification bool

	// CSRFExemptPaths replaces the default CSRF-exempt path prefixes when set.
	CSRFExemptPaths []string

	// Argon2id cost. Raising these makes existing hashes report NeedsRehash on next login.
	PasswordArgonTime      uint32
	PasswordArgonMemoryKiB uint32
}

// OAuthEnabled reports whether an id/secret pair is complete.
func OAuthEnabled(id, secret string) bool {
	return id != "" && secret != ""
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env") into the
// environment. Variables already set win. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if required variables (DATABASE_URL, REDIS_URL) are missing.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}
	cfg.CookieDomain = os.Getenv("COOKIE_DOMAIN")
	cfg.CookieSecure = envBool("COOKIE_SECURE", true)

	// Parse log level, default to info
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

	// SMTP -- all optional; empty Host means no email sending (NopMailer).
	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	cfg.SMTPPort = os.Getenv("SMTP_PORT")
	if cfg.SMTPPort == "" {
		cfg.SMTPPort = "587"
	}
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.SMTPFromAddress = os.Getenv("SMTP_FROM")
	cfg.SMTPResetURLBase = os.Getenv("SMTP_RESET_URL")
	cfg.SMTPVerifyURLBase = os.Getenv("SMTP_VERIFY_URL")

	// Tokens in reset/verify links must not travel over plain HTTP.
	if cfg.SMTPHost != "" {
		if !strings.HasPrefix(cfg.SMTPResetURLBase, "https://") {
			return nil, fmt.Errorf("SMTP_RESET_URL must be set and start with https://")
		}
		if !strings.HasPrefix(cfg.SMTPVerifyURLBase, "https://") {
			return nil, fmt.Errorf("SMTP_VERIFY_URL must be set and start with https://")
		}
	}

	key, err := mailQueueKey(os.Getenv("MAIL_QUEUE_KEY"))
	if err != nil {
		return nil, err
	}
	cfg.MailQueueKey = key
	cfg.MailQueueMax = int64(envInt("MAIL_QUEUE_MAX", 10000))

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	cfg.GitHubClientID = os.Getenv("GITHUB_CLIENT_ID")
	cfg.GitHubClientSecret = os.Getenv("GITHUB_CLIENT_SECRET")
	cfg.GitHubRedirectURL = os.Getenv("GITHUB_REDIRECT_URL")
	for _, p := range []struct{ name, id, secret, redirect string }{
		{"GOOGLE", cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL},
		{"GITHUB", cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.GitHubRedirectURL},
	} {
		if OAuthEnabled(p.id, p.secret) && p.redirect == "" {
			return nil, fmt.Errorf("%s_REDIRECT_URL is required when %s_CLIENT_ID is set", p.name, p.name)
		}
	}
	cfg.OAuthTimeout = envDuration("OAUTH_TIMEOUT", 10*time.Second)

	cfg.SessionTTL = envDuration("SESSION_TTL", 168*time.Hour)
	cfg.SessionRetention = envDuration("SESSION_RETENTION", 168*time.Hour)
	cfg.CleanupInterval = envDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.AccountPurgeDelay = envDuration("ACCOUNT_PURGE_DELAY", 720*time.Hour)

	cfg.SuspiciousThreshold = envInt("SUSPICIOUS_THRESHOLD", 5)
	cfg.SuspiciousLookback = envDuration("SUSPICIOUS_LOOKBACK", 30*time.Minute)

	cfg.RequireEmailVerification = envBool("REQUIRE_EMAIL_VERIFICATION", false)

	if v := os.Getenv("CSRF_EXEMPT_PATHS"); v != "" {
		for p := range strings.SplitSeq(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.CSRFExemptPaths = append(cfg.CSRFExemptPaths, p)
			}
		}
	}

	cfg.PasswordArgonTime = uint32(envInt("PASSWORD_ARGON_TIME", 3))
	cfg.PasswordArgonMemoryKiB = uint32(envInt("PASSWORD_ARGON_MEMORY_KIB", 64*1024))

	return cfg, nil
}

// mailQueueKey decodes a hex key, or generates a process-local one when v is empty.
func mailQueueKey(v string) ([]byte, error) {
	if v == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating mail queue key: %w", err)
		}
		slog.Warn("MAIL_QUEUE_KEY not set, using a random key; queued mail will not survive restarts")
		return key, nil
	}
	key, err := hex.DecodeString(v)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("MAIL_QUEUE_KEY must be 64 hex characters")
	}
	return key, nil
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

// envBool reads an env var as bool (strconv.ParseBool forms), returning def if missing or
// unparseable.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}
