// Package config loads relay settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

// Slow consumer policies.
const (
	PolicyBlock      = "block"
	PolicyDisconnect = "disconnect"
)

type Config struct {
	Address string `env:"RELAY_ADDRESS" envDefault:"0.0.0.0"`
	Port    int    `env:"RELAY_PORT" envDefault:"1806"`

	CommandQueueSize   int    `env:"RELAY_COMMAND_QUEUE_SIZE" envDefault:"64"`
	OutboundQueueSize  int    `env:"RELAY_OUTBOUND_QUEUE_SIZE" envDefault:"16"`
	HistoryLimit       int    `env:"RELAY_HISTORY_LIMIT" envDefault:"0"` // 0 keeps everything
	SlowConsumerPolicy string `env:"RELAY_SLOW_CONSUMER_POLICY" envDefault:"block"`

	ShutdownTimeout time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	AllowedOrigins  []string      `env:"RELAY_ALLOWED_ORIGINS" envSeparator:","`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("RELAY_PORT must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.CommandQueueSize < 1 {
		return errors.New("RELAY_COMMAND_QUEUE_SIZE must be positive")
	}
	if cfg.OutboundQueueSize < 1 {
		return errors.New("RELAY_OUTBOUND_QUEUE_SIZE must be positive")
	}
	if cfg.HistoryLimit < 0 {
		return errors.New("RELAY_HISTORY_LIMIT must not be negative")
	}
	switch cfg.SlowConsumerPolicy {
	case PolicyBlock, PolicyDisconnect:
	default:
		return fmt.Errorf("RELAY_SLOW_CONSUMER_POLICY must be %q or %q, got %q", PolicyBlock, PolicyDisconnect, cfg.SlowConsumerPolicy)
	}
	return nil
}

// ListenAddr joins Address and Port into a host:port string.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}
