package config

import (
	"fmt"
	"time"
)

// IdeationConfig controls queue refill behavior when the queue drains.
type IdeationConfig struct {
	// CategoryCooldown is how long a category is skipped after being
	// selected, so consecutive proposals spread across the catalog.
	CategoryCooldown time.Duration `yaml:"category_cooldown"`

	// FailureBackoffBase is the initial backoff applied to a category whose
	// proposal failed validation. Doubles per consecutive failure.
	FailureBackoffBase time.Duration `yaml:"failure_backoff_base"`

	// FailureBackoffCap bounds the exponential backoff.
	FailureBackoffCap time.Duration `yaml:"failure_backoff_cap"`

	// IdleDelay is how long the loop yields between refill attempts when no
	// idle agent is available or the governor denies admission.
	IdleDelay time.Duration `yaml:"idle_delay"`
}

// DefaultIdeationConfig returns the built-in ideation defaults.
func DefaultIdeationConfig() *IdeationConfig {
	return &IdeationConfig{
		CategoryCooldown:   10 * time.Minute,
		FailureBackoffBase: 1 * time.Minute,
		FailureBackoffCap:  1 * time.Hour,
		IdleDelay:          15 * time.Second,
	}
}

// Validate checks ideation timing parameters.
func (c *IdeationConfig) Validate() error {
	if c.FailureBackoffBase <= 0 {
		return fmt.Errorf("ideation: %w: failure_backoff_base must be positive", ErrInvalidValue)
	}
	if c.FailureBackoffCap < c.FailureBackoffBase {
		return fmt.Errorf("ideation: %w: failure_backoff_cap must be >= failure_backoff_base", ErrInvalidValue)
	}
	if c.IdleDelay <= 0 {
		return fmt.Errorf("ideation: %w: idle_delay must be positive", ErrInvalidValue)
	}
	return nil
}
