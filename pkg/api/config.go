package api

import (
	"fmt"
	"time"
)

// Config holds API server configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// DevMode includes error details in 500 responses. Never enable in
	// production.
	DevMode bool `yaml:"dev_mode"`

	// EnableCORS enables CORS headers on all responses.
	EnableCORS bool `yaml:"enable_cors"`

	// AllowedOrigins is a list of allowed CORS origins.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Rate limits applied per fixed window.
	UserRateLimit   int           `yaml:"user_rate_limit"`
	IPRateLimit     int           `yaml:"ip_rate_limit"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`

	// Tokens maps static bearer tokens to user ids for development. Empty
	// in production deployments, which configure a real authenticator.
	Tokens map[string]string `yaml:"tokens"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.UserRateLimit == 0 {
		c.UserRateLimit = 120
	}
	if c.IPRateLimit == 0 {
		c.IPRateLimit = 600
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.EnableCORS && len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// Address returns the listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
