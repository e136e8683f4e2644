package config

import (
	"fmt"
	"time"
)

// RuntimeConfig controls how the orchestrator reaches agent runtimes over
// gRPC. A single endpoint hosts every agent in this deployment shape; the
// agent ID is carried per call.
type RuntimeConfig struct {
	// Addr is the agent runtime gRPC endpoint.
	Addr string `yaml:"addr"`

	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ProbeTimeout bounds a single liveness probe of an unresponsive
	// agent's process.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// CallTimeout bounds a single work instruction call. The agent keeps
	// working after the call returns; progress arrives via heartbeats.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DefaultRuntimeConfig returns the built-in runtime defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Addr:         "localhost:50051",
		DialTimeout:  10 * time.Second,
		ProbeTimeout: 2 * time.Second,
		CallTimeout:  60 * time.Second,
	}
}

// Validate checks runtime parameters.
func (c *RuntimeConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("runtime: %w: addr must not be empty", ErrInvalidValue)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("runtime: %w: probe_timeout must be positive", ErrInvalidValue)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("runtime: %w: call_timeout must be positive", ErrInvalidValue)
	}
	return nil
}
