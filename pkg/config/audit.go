package config

import (
	"fmt"
	"time"
)

// AuditConfig controls the audit trail writer.
type AuditConfig struct {
	// RetryBufferSize bounds the in-memory buffer of records whose writes
	// failed. When full, the oldest buffered record is dropped.
	RetryBufferSize int `yaml:"retry_buffer_size"`

	// FlushInterval is how often the retry buffer is drained.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultAuditConfig returns the built-in audit defaults.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		RetryBufferSize: 100,
		FlushInterval:   5 * time.Second,
	}
}

// Validate checks audit parameters.
func (c *AuditConfig) Validate() error {
	if c.RetryBufferSize < 1 {
		return fmt.Errorf("audit: %w: retry_buffer_size must be >= 1", ErrInvalidValue)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("audit: %w: flush_interval must be positive", ErrInvalidValue)
	}
	return nil
}
