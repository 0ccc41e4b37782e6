// ABOUTME: Configuration loading and parsing for hearth-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete hearth-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Database  DatabaseConfig  `yaml:"database"`
	Agent     AgentConfig     `yaml:"agent"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the listen address for the WebSocket/HTTP server
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// AuthConfig selects the handshake authentication mode.
// Mode is one of "none", "token", "password", fixed at process startup.
type AuthConfig struct {
	Mode     string `yaml:"mode"`
	Token    string `yaml:"token"`
	Password string `yaml:"password"`
}

// HeartbeatConfig holds liveness probe timing
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"-"`
	Timeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IntervalRaw string `yaml:"interval"`
	TimeoutRaw  string `yaml:"timeout"`
}

// DiscoveryConfig controls LAN presence advertising
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
}

// DatabaseConfig holds the session store path
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig holds defaults for agent request routing
type AgentConfig struct {
	DefaultID string `yaml:"default_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when fields are unset.
const (
	DefaultAddr              = "127.0.0.1:18789"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 90 * time.Second
	DefaultAgentID           = "main"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML config bytes, expands environment variables,
// applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a config with all defaults applied and auth disabled.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "none"
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = DefaultHeartbeatInterval
	}
	if c.Heartbeat.Timeout == 0 {
		c.Heartbeat.Timeout = DefaultHeartbeatTimeout
	}
	if c.Agent.DefaultID == "" {
		c.Agent.DefaultID = DefaultAgentID
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case "none":
	case "token":
		if c.Auth.Token == "" {
			return fmt.Errorf("auth.token is required when auth.mode is token")
		}
	case "password":
		if c.Auth.Password == "" {
			return fmt.Errorf("auth.password is required when auth.mode is password")
		}
	default:
		return fmt.Errorf("auth.mode must be one of none, token, password (got %q)", c.Auth.Mode)
	}

	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout must exceed heartbeat.interval")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Heartbeat.IntervalRaw != "" {
		cfg.Heartbeat.Interval, err = time.ParseDuration(cfg.Heartbeat.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat.interval %q: %w", cfg.Heartbeat.IntervalRaw, err)
		}
	}

	if cfg.Heartbeat.TimeoutRaw != "" {
		cfg.Heartbeat.Timeout, err = time.ParseDuration(cfg.Heartbeat.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat.timeout %q: %w", cfg.Heartbeat.TimeoutRaw, err)
		}
	}

	return nil
}
