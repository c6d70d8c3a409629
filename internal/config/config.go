// Package config holds the full relay configuration: YAML file plus
// RELAY_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskmesh/relay/pkg/api"
	"github.com/taskmesh/relay/pkg/chains"
	"github.com/taskmesh/relay/pkg/notify"
)

// Config holds all configuration for the relay.
type Config struct {
	Log           LogConfig       `yaml:"log"`
	Database      DatabaseConfig  `yaml:"database"`
	Chains        []chains.Config `yaml:"chains"`
	API           api.Config      `yaml:"api"`
	Notifications notify.Config   `yaml:"notifications"`
	RateLimit     RateLimitConfig `yaml:"ratelimit"`
	Bus           BusConfig       `yaml:"bus"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path    string `yaml:"path"`
	CacheMB int    `yaml:"cache_mb"`
}

// RateLimitConfig holds the limiter janitor schedule. Per-route limits live
// in the API configuration.
type RateLimitConfig struct {
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	Retention       time.Duration `yaml:"retention"`
}

// BusConfig holds event bus configuration.
type BusConfig struct {
	PublishBufferSize int `yaml:"publish_buffer_size"`
}

// NewConfig creates a configuration with default values.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for the configuration.
func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Database.Path == "" {
		c.Database.Path = "./data"
	}

	if c.RateLimit.JanitorInterval == 0 {
		c.RateLimit.JanitorInterval = 5 * time.Minute
	}
	if c.RateLimit.Retention == 0 {
		c.RateLimit.Retention = time.Hour
	}

	if c.Bus.PublishBufferSize == 0 {
		c.Bus.PublishBufferSize = 1000
	}

	for i := range c.Chains {
		c.Chains[i].SetDefaults()
	}
	c.API.SetDefaults()
	c.Notifications.SetDefaults()
}

// LoadFromFile loads configuration from a YAML file.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over file configuration.
func (c *Config) LoadFromEnv() error {
	if level := os.Getenv("RELAY_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("RELAY_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	if path := os.Getenv("RELAY_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if cacheMB := os.Getenv("RELAY_DB_CACHE_MB"); cacheMB != "" {
		val, err := strconv.Atoi(cacheMB)
		if err != nil {
			return fmt.Errorf("invalid RELAY_DB_CACHE_MB: %w", err)
		}
		c.Database.CacheMB = val
	}

	if host := os.Getenv("RELAY_API_HOST"); host != "" {
		c.API.Host = host
	}
	if port := os.Getenv("RELAY_API_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid RELAY_API_PORT: %w", err)
		}
		c.API.Port = val
	}
	if devMode := os.Getenv("RELAY_API_DEV_MODE"); devMode != "" {
		val, err := strconv.ParseBool(devMode)
		if err != nil {
			return fmt.Errorf("invalid RELAY_API_DEV_MODE: %w", err)
		}
		c.API.DevMode = val
	}
	if limit := os.Getenv("RELAY_API_USER_RATE_LIMIT"); limit != "" {
		val, err := strconv.Atoi(limit)
		if err != nil {
			return fmt.Errorf("invalid RELAY_API_USER_RATE_LIMIT: %w", err)
		}
		c.API.UserRateLimit = val
	}
	if limit := os.Getenv("RELAY_API_IP_RATE_LIMIT"); limit != "" {
		val, err := strconv.Atoi(limit)
		if err != nil {
			return fmt.Errorf("invalid RELAY_API_IP_RATE_LIMIT: %w", err)
		}
		c.API.IPRateLimit = val
	}
	if window := os.Getenv("RELAY_API_RATE_LIMIT_WINDOW"); window != "" {
		duration, err := time.ParseDuration(window)
		if err != nil {
			return fmt.Errorf("invalid RELAY_API_RATE_LIMIT_WINDOW: %w", err)
		}
		c.API.RateLimitWindow = duration
	}

	if interval := os.Getenv("RELAY_RATELIMIT_JANITOR_INTERVAL"); interval != "" {
		duration, err := time.ParseDuration(interval)
		if err != nil {
			return fmt.Errorf("invalid RELAY_RATELIMIT_JANITOR_INTERVAL: %w", err)
		}
		c.RateLimit.JanitorInterval = duration
	}
	if retention := os.Getenv("RELAY_RATELIMIT_RETENTION"); retention != "" {
		duration, err := time.ParseDuration(retention)
		if err != nil {
			return fmt.Errorf("invalid RELAY_RATELIMIT_RETENTION: %w", err)
		}
		c.RateLimit.Retention = duration
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	seen := make(map[string]bool, len(c.Chains))
	for i := range c.Chains {
		if err := c.Chains[i].Validate(); err != nil {
			return fmt.Errorf("chain %d: %w", i, err)
		}
		if seen[c.Chains[i].ID] {
			return fmt.Errorf("duplicate chain id: %s", c.Chains[i].ID)
		}
		seen[c.Chains[i].ID] = true
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if err := c.Notifications.Validate(); err != nil {
		return fmt.Errorf("notifications: %w", err)
	}

	if c.RateLimit.JanitorInterval <= 0 {
		return fmt.Errorf("ratelimit janitor interval must be positive")
	}
	if c.RateLimit.Retention <= 0 {
		return fmt.Errorf("ratelimit retention must be positive")
	}

	return nil
}

// Load loads configuration in the following order:
// 1. Load from file (if provided)
// 2. Load from environment variables (override file)
// 3. Set defaults for any missing values
// 4. Validate
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
