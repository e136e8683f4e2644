package config

import (
	"fmt"
	"time"
)

// SlackConfig controls operator notifications. Disabled unless a token and
// channel are configured.
type SlackConfig struct {
	Enabled bool `yaml:"enabled"`

	// Token is the bot token. Usually supplied via ORCH_SLACK_TOKEN rather
	// than YAML.
	Token string `yaml:"token"`

	// Channel receives orchestration notifications (budget warnings, hard
	// stops, failed projects, unresponsive agents).
	Channel string `yaml:"channel"`

	PostTimeout time.Duration `yaml:"post_timeout"`
}

// DefaultSlackConfig returns the built-in Slack defaults.
func DefaultSlackConfig() *SlackConfig {
	return &SlackConfig{
		PostTimeout: 10 * time.Second,
	}
}

// Validate checks Slack parameters.
func (c *SlackConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Token == "" {
		return fmt.Errorf("slack: %w: token required when enabled", ErrInvalidValue)
	}
	if c.Channel == "" {
		return fmt.Errorf("slack: %w: channel required when enabled", ErrInvalidValue)
	}
	if c.PostTimeout <= 0 {
		return fmt.Errorf("slack: %w: post_timeout must be positive", ErrInvalidValue)
	}
	return nil
}
