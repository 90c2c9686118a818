package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"APP_ENV" default:"development"`
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	CronSecret  string `envconfig:"CRON_SECRET"`

	JWTSecret       string        `envconfig:"JWT_SECRET" required:"true"`
	AccessTokenTTL  time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"900s"`
	RefreshTokenTTL time.Duration `envconfig:"REFRESH_TOKEN_TTL" default:"168h"`
	ResetTokenTTL   time.Duration `envconfig:"RESET_TOKEN_TTL" default:"1h"`
	BcryptCost      int           `envconfig:"BCRYPT_COST" default:"10"`

	CookieSecure   bool   `envconfig:"COOKIE_SECURE" default:"false"`
	CookieSameSite string `envconfig:"COOKIE_SAMESITE" default:"lax"`

	RateGlobalMax    int           `envconfig:"RATE_GLOBAL_MAX" default:"1000"`
	RateGlobalWindow time.Duration `envconfig:"RATE_GLOBAL_WINDOW" default:"15m"`
	RateAuthMax      int           `envconfig:"RATE_AUTH_MAX" default:"10"`
	RateAuthWindow   time.Duration `envconfig:"RATE_AUTH_WINDOW" default:"15m"`
	RateStrictMax    int           `envconfig:"RATE_STRICT_MAX" default:"20"`
	RateStrictWindow time.Duration `envconfig:"RATE_STRICT_WINDOW" default:"1m"`

	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	MailWebhookURL     string        `envconfig:"MAIL_WEBHOOK_URL"`
	MailWebhookTimeout time.Duration `envconfig:"MAIL_WEBHOOK_TIMEOUT" default:"5s"`

	RunMigrations bool `envconfig:"RUN_MIGRATIONS_ON_STARTUP" default:"true"`

	DBMaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"10"`
	DBMaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	DBConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`
	DBConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// Load reads .env when present, then fills the config from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(strings.TrimSpace(c.JWTSecret)) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	switch strings.ToLower(c.CookieSameSite) {
	case "lax", "strict", "none":
	default:
		return fmt.Errorf("COOKIE_SAMESITE must be lax, strict or none, got %q", c.CookieSameSite)
	}
	return nil
}

func (c *Config) SameSite() http.SameSite {
	switch strings.ToLower(c.CookieSameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
