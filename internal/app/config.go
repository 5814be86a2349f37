package app

import (
	"errors"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/odyssey-erp/odyssey-authz/internal/authz"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	// Empty PGDSN keeps roles in memory; empty RedisAddr caches in process.
	PGDSN      string `envconfig:"PG_DSN"`
	PGMaxConns int32  `envconfig:"PG_MAX_CONNS" default:"10"`
	PGMigrate  bool   `envconfig:"PG_MIGRATE" default:"false"`
	RedisAddr  string `envconfig:"REDIS_ADDR"`

	Authz authz.Config `envconfig:"AUTH"`

	// TrustedHeaders accepts the actor from X-Actor-* headers set by an
	// upstream authenticating proxy.
	TrustedHeaders     bool `envconfig:"AUTH_TRUSTED_HEADERS" default:"false"`
	RateLimitPerMinute int  `envconfig:"RATE_LIMIT_PER_MINUTE" default:"600"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute <= 0 {
		return nil, errors.New("rate limit must be positive")
	}
	cfg.Authz = cfg.Authz.WithDefaults()
	return &cfg, nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}
