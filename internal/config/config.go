// ABOUTME: Configuration loading and parsing for the relay server.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	WSPath string `yaml:"ws_path"`
}

// RelayConfig holds protocol timing and queueing configuration.
type RelayConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	ActionTimeout     time.Duration `yaml:"-"`
	MaxExecutionTime  time.Duration `yaml:"-"`

	MaxHeartbeatMisses    int `yaml:"max_heartbeat_misses"`
	MaxQueueDepth         int `yaml:"max_queue_depth"`
	MaxProtocolViolations int `yaml:"max_protocol_violations"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	ActionTimeoutRaw     string `yaml:"action_timeout"`
	MaxExecutionTimeRaw  string `yaml:"max_execution_time"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied by Load and Default when a field is unset.
const (
	DefaultAddr                  = "localhost:8123"
	DefaultWSPath                = "/ws"
	DefaultHeartbeatInterval     = 15 * time.Second
	DefaultActionTimeout         = 10 * time.Second
	DefaultMaxExecutionTime      = 5 * time.Minute
	DefaultMaxHeartbeatMisses    = 3
	DefaultMaxQueueDepth         = 4
	DefaultMaxProtocolViolations = 5
)

// Default returns a configuration with every field at its default value.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = DefaultWSPath
	}
	if c.Relay.HeartbeatInterval == 0 {
		c.Relay.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Relay.ActionTimeout == 0 {
		c.Relay.ActionTimeout = DefaultActionTimeout
	}
	if c.Relay.MaxExecutionTime == 0 {
		c.Relay.MaxExecutionTime = DefaultMaxExecutionTime
	}
	if c.Relay.MaxHeartbeatMisses == 0 {
		c.Relay.MaxHeartbeatMisses = DefaultMaxHeartbeatMisses
	}
	if c.Relay.MaxQueueDepth == 0 {
		c.Relay.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if c.Relay.MaxProtocolViolations == 0 {
		c.Relay.MaxProtocolViolations = DefaultMaxProtocolViolations
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Relay.MaxQueueDepth < 0 {
		return fmt.Errorf("relay.max_queue_depth must not be negative")
	}
	if c.Relay.HeartbeatInterval <= 0 {
		return fmt.Errorf("relay.heartbeat_interval must be positive")
	}
	if c.Relay.ActionTimeout <= 0 {
		return fmt.Errorf("relay.action_timeout must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Relay.HeartbeatIntervalRaw != "" {
		cfg.Relay.HeartbeatInterval, err = time.ParseDuration(cfg.Relay.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Relay.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Relay.ActionTimeoutRaw != "" {
		cfg.Relay.ActionTimeout, err = time.ParseDuration(cfg.Relay.ActionTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing action_timeout %q: %w", cfg.Relay.ActionTimeoutRaw, err)
		}
	}

	if cfg.Relay.MaxExecutionTimeRaw != "" {
		cfg.Relay.MaxExecutionTime, err = time.ParseDuration(cfg.Relay.MaxExecutionTimeRaw)
		if err != nil {
			return fmt.Errorf("parsing max_execution_time %q: %w", cfg.Relay.MaxExecutionTimeRaw, err)
		}
	}

	return nil
}
