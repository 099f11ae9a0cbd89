// Package config loads mdview server configuration from an optional
// YAML file with environment-variable overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds everything the server needs at startup. YAML keys map
// to the config file, env tags to MDVIEW_* overrides.
type Config struct {
	Host string `yaml:"host" env:"MDVIEW_HOST"`
	Port int    `yaml:"port" env:"MDVIEW_PORT"`

	// Root is the directory served and watched for markdown files.
	Root string `yaml:"root" env:"MDVIEW_ROOT"`

	// QueueSize is the per-subscription delivery buffer. A consumer
	// that falls more than QueueSize events behind starts losing its
	// oldest undelivered events.
	QueueSize int `yaml:"queue_size" env:"MDVIEW_QUEUE_SIZE"`

	// ReplaySize bounds the chat replay ring used by poll clients.
	ReplaySize int `yaml:"replay_size" env:"MDVIEW_REPLAY_SIZE"`

	// HeartbeatInterval is the SSE comment-heartbeat period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"MDVIEW_HEARTBEAT_INTERVAL"`

	LogLevel string `yaml:"log_level" env:"MDVIEW_LOG_LEVEL"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:              "127.0.0.1",
		Port:              8642,
		Root:              ".",
		QueueSize:         256,
		ReplaySize:        100,
		HeartbeatInterval: 30 * time.Second,
		LogLevel:          "info",
	}
}

// Load builds the effective configuration: defaults, then the YAML
// file at path (skipped when path is empty or missing), then env vars.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.ReplaySize <= 0 {
		c.ReplaySize = 100
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("resolve root %q: %w", c.Root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat root %q: %w", abs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root %q is not a directory", abs)
	}
	c.Root = abs
	return nil
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
