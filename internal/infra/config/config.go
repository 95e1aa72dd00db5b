// Package config loads the YAML application configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Stream StreamConfig `yaml:"stream"`
	API    APIConfig    `yaml:"api"`
	Store  StoreConfig  `yaml:"store"`
	Logger LoggerConfig `yaml:"logger"`
	Tracer TracerConfig `yaml:"tracer"`
}

// StreamConfig holds stream connection and presentation settings.
// Zero values fall back to component defaults.
type StreamConfig struct {
	// BaseURL is the websocket base address, e.g. "wss://api.example.com/v1".
	BaseURL string `yaml:"base_url"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`

	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMultiplier  float64       `yaml:"reconnect_multiplier"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`

	// FlushInterval batches text chunks so a burst of frames collapses into
	// one publish per window.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// ToolCallUpdateInterval throttles argument-only tool call growth.
	ToolCallUpdateInterval time.Duration `yaml:"tool_call_update_interval"`
	// CloseResolveDelay is how long to wait before querying the control
	// plane after an ambiguous close.
	CloseResolveDelay time.Duration `yaml:"close_resolve_delay"`
}

// APIConfig holds control plane client settings.
type APIConfig struct {
	BaseURL     string        `yaml:"base_url"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`

	BreakerMaxFailures uint32        `yaml:"breaker_max_failures"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`
	BreakerInterval    time.Duration `yaml:"breaker_interval"`
}

// StoreConfig holds the optional message sink settings.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // sqlite database path
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings whose misconfiguration would only surface at
// stream time.
func (c *Config) Validate() error {
	if c.Stream.BaseURL == "" {
		return fmt.Errorf("config: stream.base_url is required")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("config: api.base_url is required")
	}
	if c.Stream.ReconnectMultiplier < 0 {
		return fmt.Errorf("config: stream.reconnect_multiplier must be >= 0")
	}
	if c.Store.Enabled && c.Store.Path == "" {
		return fmt.Errorf("config: store.path is required when store is enabled")
	}
	return nil
}
