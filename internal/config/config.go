// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/samber/lo"
)

// MaxHistoryLimit caps the history sent to a connecting user.
const MaxHistoryLimit = 50

// Config holds all server configuration.
type Config struct {
	Port            string        `env:"PORT,default=4000"`
	AppEnv          string        `env:"APP_ENV,default=production"`
	CORSOrigins     string        `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:3000"`
	DBPath          string        `env:"DB_PATH,default=./data/chat.db"`
	AuthSecret      string        `env:"AUTH_SECRET"`
	RequireAuth     bool          `env:"REQUIRE_AUTH,default=false"`
	HistoryLimit    int           `env:"HISTORY_LIMIT,default=50"`
	SendBuffer      int           `env:"WS_SEND_BUFFER,default=64"`
	PingInterval    time.Duration `env:"WS_PING_INTERVAL,default=30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	HealthTimeout   time.Duration `env:"HEALTH_CHECK_TIMEOUT,default=5s"`
	LogLevel        string        `env:"LOG_LEVEL,default=INFO"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.HistoryLimit <= 0 || c.HistoryLimit > MaxHistoryLimit {
		return fmt.Errorf("HISTORY_LIMIT must be between 1 and %d", MaxHistoryLimit)
	}
	if c.SendBuffer <= 0 {
		return errors.New("WS_SEND_BUFFER must be > 0")
	}
	if c.PingInterval <= 0 {
		return errors.New("WS_PING_INTERVAL must be > 0")
	}
	if c.RequireAuth && c.AuthSecret == "" {
		return errors.New("AUTH_SECRET is required when REQUIRE_AUTH is set")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

// AllowedOrigins returns the configured CORS origins.
func (c *Config) AllowedOrigins() []string {
	origins := lo.Map(strings.Split(c.CORSOrigins, ","), func(o string, _ int) string {
		return strings.TrimSpace(o)
	})
	return lo.Compact(origins)
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	lvl, _ := ParseLevel(c.LogLevel)
	return lvl
}

// ParseLevel parses a log level name such as "debug" or "WARN".
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not a valid level", s)
	}
	return lvl, nil
}
