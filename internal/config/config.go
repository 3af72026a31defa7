// Package config loads partychat client configuration.
//
// Configuration comes from a single YAML file named either by the
// PARTYCHAT_CONFIG environment variable or by the --config flag. Values not
// present in the file keep their defaults, and command-line flags override
// both.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable read by Load.
const EnvVar = "PARTYCHAT_CONFIG"

// DefaultEndpoint is the hosted watch-party service.
const DefaultEndpoint = "wss://uwstest.teleparty.com"

// Config is the client configuration.
type Config struct {
	// Endpoint is the WebSocket URL of the service.
	Endpoint string `yaml:"endpoint"`

	// DialTimeout bounds the TCP and WebSocket handshake.
	// Default: 10s
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// KeepAlive is the interval between pings. Zero disables keep-alive.
	// Default: 15s
	KeepAlive time.Duration `yaml:"keep_alive"`

	// LogLevel is one of debug, info, warn, error.
	// Default: info
	LogLevel string `yaml:"log_level"`

	// Reconnect configures reconnection after an unexpected close.
	Reconnect ReconnectConfig `yaml:"reconnect"`

	// MetricsAddr, when set, serves Prometheus metrics on /metrics.
	MetricsAddr string `yaml:"metrics_addr"`
}

// ReconnectConfig configures reconnection.
type ReconnectConfig struct {
	// MaxAttempts is the number of dials before giving up. Zero disables
	// reconnection.
	// Default: 10
	MaxAttempts int `yaml:"max_attempts"`

	// Interval is the wait before the first attempt.
	// Default: 1s
	Interval time.Duration `yaml:"interval"`

	// Decay multiplies the wait after each failed attempt.
	// Default: 2
	Decay float64 `yaml:"decay"`

	// MaxInterval caps the wait. Zero means uncapped.
	MaxInterval time.Duration `yaml:"max_interval"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Endpoint:    DefaultEndpoint,
		DialTimeout: 10 * time.Second,
		KeepAlive:   15 * time.Second,
		LogLevel:    "info",
		Reconnect: ReconnectConfig{
			MaxAttempts: 10,
			Interval:    time.Second,
			Decay:       2,
		},
	}
}

// Load loads configuration from the file named by PARTYCHAT_CONFIG.
// When the variable is unset the defaults are returned.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	} else if u, err := url.Parse(c.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("invalid endpoint: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("endpoint scheme must be ws or wss, got %q", u.Scheme))
	}

	if c.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dial_timeout must be positive, got %s", c.DialTimeout))
	}
	if c.KeepAlive < 0 {
		errs = append(errs, fmt.Errorf("keep_alive must not be negative, got %s", c.KeepAlive))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts must not be negative, got %d", c.Reconnect.MaxAttempts))
	}
	if c.Reconnect.MaxAttempts > 0 {
		if c.Reconnect.Interval <= 0 {
			errs = append(errs, fmt.Errorf("reconnect.interval must be positive, got %s", c.Reconnect.Interval))
		}
		if c.Reconnect.Decay < 1 {
			errs = append(errs, fmt.Errorf("reconnect.decay must be at least 1, got %g", c.Reconnect.Decay))
		}
	}
	if c.Reconnect.MaxInterval < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_interval must not be negative, got %s", c.Reconnect.MaxInterval))
	}

	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return level, nil
}
