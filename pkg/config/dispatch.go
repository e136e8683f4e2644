package config

import (
	"fmt"
	"time"
)

// DispatchConfig controls queue ordering and claim lease behavior.
type DispatchConfig struct {
	// LeaseDuration is how long a claim stays valid without a heartbeat
	// refresh. On expiry the project returns to the queue and the fence
	// token advances.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// ExpiryScanInterval is how often the dispatcher scans for expired
	// leases.
	ExpiryScanInterval time.Duration `yaml:"expiry_scan_interval"`
}

// DefaultDispatchConfig returns the built-in dispatcher defaults.
func DefaultDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		LeaseDuration:      10 * time.Minute,
		ExpiryScanInterval: 30 * time.Second,
	}
}

// Validate checks dispatcher timing parameters.
func (c *DispatchConfig) Validate() error {
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("dispatch: %w: lease_duration must be positive", ErrInvalidValue)
	}
	if c.ExpiryScanInterval <= 0 {
		return fmt.Errorf("dispatch: %w: expiry_scan_interval must be positive", ErrInvalidValue)
	}
	return nil
}
