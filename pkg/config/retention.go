package config

import (
	"fmt"
	"time"
)

// RetentionConfig controls the periodic retention sweep. Event retention
// itself lives in EventsConfig and ledger retention in CostConfig; this
// section owns the sweep cadence and the audit window.
type RetentionConfig struct {
	// Interval between sweeps.
	Interval time.Duration `yaml:"interval"`

	// AuditRetention is how long audit records are kept.
	AuditRetention time.Duration `yaml:"audit_retention"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		Interval:       1 * time.Hour,
		AuditRetention: 400 * 24 * time.Hour,
	}
}

// Validate checks retention parameters.
func (c *RetentionConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("retention: %w: interval must be positive", ErrInvalidValue)
	}
	if c.AuditRetention <= 0 {
		return fmt.Errorf("retention: %w: audit_retention must be positive", ErrInvalidValue)
	}
	return nil
}
