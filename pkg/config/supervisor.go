package config

import (
	"fmt"
	"time"
)

// SupervisorConfig controls per-agent supervisor behavior: tick cadence,
// heartbeats, staleness classification, and stop handling.
type SupervisorConfig struct {
	// TickInterval is the base scheduler cadence for advancing an agent's
	// state machine one step.
	TickInterval time.Duration `yaml:"tick_interval"`

	// TickJitter is the random jitter applied to TickInterval so idle agents
	// don't poll the queue in lockstep. Actual interval:
	// TickInterval ± TickJitter.
	TickJitter time.Duration `yaml:"tick_jitter"`

	// HeartbeatInterval is how often a live agent records a heartbeat.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// StaleMultiplier sets the unresponsive threshold as a multiple of
	// HeartbeatInterval. An agent silent for longer is marked unresponsive
	// and its claim released.
	StaleMultiplier int `yaml:"stale_multiplier"`

	// ScanInterval is how often the heartbeat scanner checks for stale agents.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// StopGrace is the window after stop() during which the current external
	// call may still return before the supervisor forcibly abandons it.
	StopGrace time.Duration `yaml:"stop_grace"`

	// FailureStreakLimit is the number of consecutive failures on the same
	// project before the project is marked failed and the claim released.
	FailureStreakLimit int `yaml:"failure_streak_limit"`

	// StaleThresholdOverride, when positive, replaces the computed
	// StaleMultiplier * HeartbeatInterval threshold. Set via
	// ORCH_STALE_THRESHOLD_MS.
	StaleThresholdOverride time.Duration `yaml:"stale_threshold_override"`
}

// DefaultSupervisorConfig returns the built-in supervisor defaults.
func DefaultSupervisorConfig() *SupervisorConfig {
	return &SupervisorConfig{
		TickInterval:       1 * time.Second,
		TickJitter:         250 * time.Millisecond,
		HeartbeatInterval:  30 * time.Second,
		StaleMultiplier:    5,
		ScanInterval:       10 * time.Second,
		StopGrace:          60 * time.Second,
		FailureStreakLimit: 3,
	}
}

// StaleThreshold is the heartbeat age past which an agent is unresponsive.
func (c *SupervisorConfig) StaleThreshold() time.Duration {
	if c.StaleThresholdOverride > 0 {
		return c.StaleThresholdOverride
	}
	return time.Duration(c.StaleMultiplier) * c.HeartbeatInterval
}

// Validate checks supervisor timing parameters.
func (c *SupervisorConfig) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("supervisor: %w: tick_interval must be positive", ErrInvalidValue)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("supervisor: %w: heartbeat_interval must be positive", ErrInvalidValue)
	}
	if c.StaleMultiplier < 2 {
		return fmt.Errorf("supervisor: %w: stale_multiplier must be >= 2", ErrInvalidValue)
	}
	if c.FailureStreakLimit < 1 {
		return fmt.Errorf("supervisor: %w: failure_streak_limit must be >= 1", ErrInvalidValue)
	}
	return nil
}
