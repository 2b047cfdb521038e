package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	AppEnv     string

	DBDriver          string
	DBDSN             string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	MigrationsDir     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	JWTSecret       string
	JWTIssuer       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	SessionTTL      time.Duration

	TOTPIssuer     string
	TOTPSkew       int
	TOTPEncryptKey string

	UsernameScope string

	RegistrationTTL time.Duration
	LoginSessionTTL time.Duration
	OTPMaxAttempts  int

	LockoutThreshold       int
	LockoutWindow          time.Duration
	LockoutDuration        time.Duration
	FailedAttemptRetention time.Duration
	SweepInterval          time.Duration

	StoreTimeout  time.Duration
	NotifyTimeout time.Duration

	NotifySender string
	NotifyFrom   string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      bool
	SMTPStartTLS bool

	TrustProxy         bool
	CORSAllowedOrigins []string

	CaptchaEnabled   bool
	CaptchaProvider  string
	CaptchaVerifyURL string
	CaptchaSecret    string

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int
}

const (
	UsernameScopeTenant   = "tenant"
	UsernameScopeInstance = "instance"
)

func Load() (Config, error) {
	cfg := Config{
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		AppEnv:                   strings.ToLower(env("APP_ENV", "development")),
		DBDriver:                 strings.ToLower(env("DB_DRIVER", "sqlite")),
		DBDSN:                    env("DB_DSN", "./data/app.db"),
		DBMaxOpenConns:           envInt("DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           envInt("DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(envInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		MigrationsDir:            env("MIGRATIONS_DIR", "migrations"),
		RedisAddr:                env("REDIS_ADDR", ""),
		RedisPassword:            env("REDIS_PASSWORD", ""),
		RedisDB:                  envInt("REDIS_DB", 0),
		RedisPrefix:              env("REDIS_PREFIX", "enx"),
		JWTSecret:                env("JWT_SECRET", ""),
		JWTIssuer:                env("JWT_ISSUER", "enxero-auth"),
		AccessTokenTTL:           envDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:          envDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		SessionTTL:               envDuration("SESSION_TTL", 24*time.Hour),
		TOTPIssuer:               env("TOTP_ISSUER", "Enxero"),
		TOTPSkew:                 envInt("TOTP_SKEW", 2),
		TOTPEncryptKey:           env("TOTP_ENCRYPT_KEY", ""),
		UsernameScope:            strings.ToLower(env("USERNAME_SCOPE", UsernameScopeTenant)),
		RegistrationTTL:          envDuration("REGISTRATION_TTL", 24*time.Hour),
		LoginSessionTTL:          envDuration("LOGIN_SESSION_TTL", 5*time.Minute),
		OTPMaxAttempts:           envInt("OTP_MAX_ATTEMPTS", 3),
		LockoutThreshold:         envInt("LOCKOUT_THRESHOLD", 5),
		LockoutWindow:            envDuration("LOCKOUT_WINDOW", 15*time.Minute),
		LockoutDuration:          envDuration("LOCKOUT_DURATION", 15*time.Minute),
		FailedAttemptRetention:   envDuration("FAILED_ATTEMPT_RETENTION", 24*time.Hour),
		SweepInterval:            envDuration("SWEEP_INTERVAL", 10*time.Minute),
		StoreTimeout:             envDuration("STORE_TIMEOUT", 5*time.Second),
		NotifyTimeout:            envDuration("NOTIFY_TIMEOUT", 10*time.Second),
		NotifySender:             strings.ToLower(env("NOTIFY_SENDER", "log")),
		NotifyFrom:               env("NOTIFY_FROM", "no-reply@example.com"),
		SMTPHost:                 env("SMTP_HOST", "127.0.0.1"),
		SMTPPort:                 envInt("SMTP_PORT", 587),
		SMTPUsername:             env("SMTP_USERNAME", ""),
		SMTPPassword:             env("SMTP_PASSWORD", ""),
		SMTPTLS:                  envBool("SMTP_TLS", false),
		SMTPStartTLS:             envBool("SMTP_STARTTLS", true),
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		CaptchaEnabled:           envBool("CAPTCHA_ENABLED", false),
		CaptchaProvider:          strings.ToLower(env("CAPTCHA_PROVIDER", "turnstile")),
		CaptchaVerifyURL:         env("CAPTCHA_VERIFY_URL", ""),
		CaptchaSecret:            env("CAPTCHA_SECRET", ""),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
	}

	switch cfg.DBDriver {
	case "sqlite", "pgx", "mysql":
	case "postgres":
		cfg.DBDriver = "pgx"
	default:
		return Config{}, fmt.Errorf("DB_DRIVER must be one of: sqlite, pgx, mysql")
	}
	if strings.TrimSpace(cfg.DBDSN) == "" {
		return Config{}, fmt.Errorf("DB_DSN is required")
	}
	if cfg.DBMaxOpenConns <= 0 || cfg.DBMaxIdleConns < 0 {
		return Config{}, fmt.Errorf("invalid DB pool config")
	}
	if len(strings.TrimSpace(cfg.JWTSecret)) < 32 {
		return Config{}, fmt.Errorf("JWT_SECRET must be set to a strong value (>=32 chars)")
	}
	if len(strings.TrimSpace(cfg.TOTPEncryptKey)) < 24 {
		return Config{}, fmt.Errorf("TOTP_ENCRYPT_KEY must be set to a strong value (>=24 chars)")
	}
	if cfg.AccessTokenTTL <= 0 || cfg.RefreshTokenTTL <= 0 || cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("token lifetimes must be positive")
	}
	if cfg.RegistrationTTL <= 0 || cfg.LoginSessionTTL <= 0 {
		return Config{}, fmt.Errorf("session lifetimes must be positive")
	}
	if cfg.TOTPSkew < 0 || cfg.TOTPSkew > 5 {
		return Config{}, fmt.Errorf("TOTP_SKEW must be between 0 and 5")
	}
	if cfg.OTPMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("OTP_MAX_ATTEMPTS must be positive")
	}
	if cfg.LockoutThreshold <= 0 || cfg.LockoutWindow <= 0 || cfg.LockoutDuration <= 0 {
		return Config{}, fmt.Errorf("lockout settings must be positive")
	}
	switch cfg.UsernameScope {
	case UsernameScopeTenant, UsernameScopeInstance:
	default:
		return Config{}, fmt.Errorf("USERNAME_SCOPE must be one of: tenant, instance")
	}
	switch cfg.NotifySender {
	case "log", "smtp":
	default:
		return Config{}, fmt.Errorf("NOTIFY_SENDER must be one of: log, smtp")
	}
	if cfg.NotifySender == "smtp" && cfg.SMTPPort <= 0 {
		return Config{}, fmt.Errorf("invalid SMTP port")
	}
	if cfg.CaptchaEnabled {
		if strings.TrimSpace(cfg.CaptchaSecret) == "" {
			return Config{}, fmt.Errorf("CAPTCHA_SECRET is required when CAPTCHA_ENABLED=true")
		}
		if strings.TrimSpace(cfg.CaptchaVerifyURL) == "" {
			switch cfg.CaptchaProvider {
			case "turnstile", "":
				cfg.CaptchaVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
			case "hcaptcha":
				cfg.CaptchaVerifyURL = "https://hcaptcha.com/siteverify"
			default:
				return Config{}, fmt.Errorf("unsupported CAPTCHA_PROVIDER: %s", cfg.CaptchaProvider)
			}
		}
	}
	return cfg, nil
}

// IsProduction gates the direct-login bypass.
func (c Config) IsProduction() bool {
	switch c.AppEnv {
	case "production", "prod", "staging":
		return true
	}
	return false
}

func (c Config) EmailConfigured() bool {
	return c.NotifySender == "smtp" && strings.TrimSpace(c.SMTPHost) != ""
}

func (c Config) MigrationFile() string {
	dialect := c.DBDriver
	if dialect == "pgx" {
		dialect = "postgres"
	}
	return strings.TrimRight(c.MigrationsDir, "/") + "/" + dialect + "/001_init.sql"
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envDuration(k string, d time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	if v := os.Getenv(k + "_SECONDS"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return d
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
