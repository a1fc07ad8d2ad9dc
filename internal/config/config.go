package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the bridge.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Identity IdentityConfig `yaml:"identity"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// GatewayConfig describes the control-plane connection.
type GatewayConfig struct {
	URL              string        `yaml:"url"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// IdentityConfig locates the device keypair and cached tokens and
// describes how the client presents itself during the handshake.
type IdentityConfig struct {
	KeyPath        string   `yaml:"key_path"`
	TokenCachePath string   `yaml:"token_cache_path"`
	ClientID       string   `yaml:"client_id"`
	ClientMode     string   `yaml:"client_mode"`
	Role           string   `yaml:"role"`
	Scopes         []string `yaml:"scopes"`
	BootstrapToken string   `yaml:"bootstrap_token"`
}

// SessionConfig tunes per-turn stream sessions.
type SessionConfig struct {
	QueueCapacity    int           `yaml:"queue_capacity"`
	EnqueueWait      time.Duration `yaml:"enqueue_wait"`
	PassthroughTools []string      `yaml:"passthrough_tools"`
	MarkerTags       []string      `yaml:"marker_tags"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no
// gateway endpoint set.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".openclaw-bridge")

	if cfg.Gateway.ConnectTimeout == 0 {
		cfg.Gateway.ConnectTimeout = 10 * time.Second
	}
	if cfg.Gateway.HandshakeTimeout == 0 {
		cfg.Gateway.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Gateway.RequestTimeout == 0 {
		cfg.Gateway.RequestTimeout = 30 * time.Second
	}
	if cfg.Identity.KeyPath == "" {
		cfg.Identity.KeyPath = filepath.Join(stateDir, "device.json")
	}
	if cfg.Identity.TokenCachePath == "" {
		cfg.Identity.TokenCachePath = filepath.Join(stateDir, "tokens.json")
	}
	if cfg.Identity.ClientID == "" {
		cfg.Identity.ClientID = "openclaw-bridge"
	}
	if cfg.Identity.ClientMode == "" {
		cfg.Identity.ClientMode = "backend"
	}
	if cfg.Identity.Role == "" {
		cfg.Identity.Role = "operator"
	}
	if len(cfg.Identity.Scopes) == 0 {
		cfg.Identity.Scopes = []string{"operator.read", "operator.write"}
	}
	if cfg.Session.QueueCapacity == 0 {
		cfg.Session.QueueCapacity = 256
	}
	if cfg.Session.EnqueueWait == 0 {
		cfg.Session.EnqueueWait = 5 * time.Second
	}
	if cfg.Session.PassthroughTools == nil {
		cfg.Session.PassthroughTools = []string{"Read"}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9144"
	}
}

// Validate checks settings that have no sensible default.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if c.Session.QueueCapacity < 0 {
		return fmt.Errorf("session.queue_capacity must be positive, got %d", c.Session.QueueCapacity)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}
