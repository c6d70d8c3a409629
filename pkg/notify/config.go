package notify

import (
	"fmt"
	"time"
)

// Config holds notification service configuration.
type Config struct {
	// QueueSize is the event subscription buffer.
	QueueSize int `yaml:"queue_size"`

	// BatchSize is the number of sends per delivery batch.
	BatchSize int `yaml:"batch_size"`

	// Concurrency bounds in-flight sends within a batch.
	Concurrency int `yaml:"concurrency"`

	// SendTimeout bounds one gateway send.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// FlushInterval is how often buffered normal-priority deliveries are
	// flushed. High-priority deliveries bypass this delay.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// HistoryRetention is how long history records are kept.
	HistoryRetention time.Duration `yaml:"history_retention"`

	// CleanupInterval is how often expired history is swept.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// PushEndpoint is the push gateway URL. Empty means deliveries are
	// logged instead of sent, which is what development setups want.
	PushEndpoint string `yaml:"push_endpoint"`

	// PushAPIKey authenticates against the push gateway.
	PushAPIKey string `yaml:"push_api_key"`
}

// DefaultConfig returns the default notification configuration.
func DefaultConfig() *Config {
	return &Config{
		QueueSize:        1000,
		BatchSize:        100,
		Concurrency:      16,
		SendTimeout:      10 * time.Second,
		FlushInterval:    5 * time.Second,
		HistoryRetention: 30 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
	}
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	defaults := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.QueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaults.SendTimeout
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaults.FlushInterval
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = defaults.HistoryRetention
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaults.CleanupInterval
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.BatchSize > 500 {
		return fmt.Errorf("batch size must not exceed 500")
	}
	return nil
}
