package config

import (
	"fmt"
	"time"
)

// TrackerConfig controls the issue tracker integration that backs the
// project board.
type TrackerConfig struct {
	// BaseURL is the tracker API root, e.g. "https://tracker.internal/api".
	// Empty selects the embedded store-backed board.
	BaseURL string `yaml:"base_url"`

	// Token authenticates tracker API calls. Usually supplied via
	// ORCH_TRACKER_TOKEN rather than YAML.
	Token string `yaml:"token"`

	Timeout time.Duration `yaml:"timeout"`
}

// DefaultTrackerConfig returns the built-in tracker defaults.
func DefaultTrackerConfig() *TrackerConfig {
	return &TrackerConfig{
		Timeout: 30 * time.Second,
	}
}

// Validate checks tracker parameters.
func (c *TrackerConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("tracker: %w: timeout must be positive", ErrInvalidValue)
	}
	return nil
}
