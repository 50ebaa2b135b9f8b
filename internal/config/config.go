// Package config loads server configuration from the environment.
// Priority: ENV vars > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the chat server.
//
// Tags:
//
//	env:        environment variable name
//	envDefault: value applied when the variable is not set
type Config struct {
	// Listener
	Host string `env:"CHAT_HOST" envDefault:"127.0.0.1"`
	Port int    `env:"CHAT_PORT" envDefault:"8000"`

	// History replay
	HistoryInit int `env:"CHAT_HISTORY_INIT" envDefault:"20"`

	// Posting limits
	RateLimit          int           `env:"CHAT_RATE_LIMIT" envDefault:"20"`
	RateWindow         time.Duration `env:"CHAT_RATE_WINDOW" envDefault:"60m"`
	ComplaintThreshold int           `env:"CHAT_COMPLAINT_THRESHOLD" envDefault:"3"`
	BanDuration        time.Duration `env:"CHAT_BAN_DURATION" envDefault:"240m"`

	// Message retention
	Retention    time.Duration `env:"CHAT_RETENTION" envDefault:"60m"`
	ReapInterval time.Duration `env:"CHAT_REAP_INTERVAL" envDefault:"5s"`

	// Monitoring; empty disables the metrics listener.
	MetricsAddr string `env:"CHAT_METRICS_ADDR" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"pretty"`
}

// Load reads configuration from an optional .env file and the environment,
// then validates it.
func Load() (*Config, error) {
	// The .env file is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enum fields.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("CHAT_PORT must be 1-65535, got %d", c.Port)
	}
	if c.HistoryInit < 0 {
		return fmt.Errorf("CHAT_HISTORY_INIT must be >= 0, got %d", c.HistoryInit)
	}
	if c.RateLimit < 1 {
		return fmt.Errorf("CHAT_RATE_LIMIT must be > 0, got %d", c.RateLimit)
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("CHAT_RATE_WINDOW must be positive, got %s", c.RateWindow)
	}
	if c.ComplaintThreshold < 1 {
		return fmt.Errorf("CHAT_COMPLAINT_THRESHOLD must be > 0, got %d", c.ComplaintThreshold)
	}
	if c.BanDuration <= 0 {
		return fmt.Errorf("CHAT_BAN_DURATION must be positive, got %s", c.BanDuration)
	}
	if c.Retention <= 0 {
		return fmt.Errorf("CHAT_RETENTION must be positive, got %s", c.Retention)
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("CHAT_REAP_INTERVAL must be positive, got %s", c.ReapInterval)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got %q)", c.LogFormat)
	}
	return nil
}

// Addr renders the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
