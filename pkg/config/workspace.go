package config

import "fmt"

// WorkspaceConfig holds the per-tenant limits the orchestrator enforces.
type WorkspaceConfig struct {
	// ID identifies the workspace; single-tenant deployments keep the default.
	ID string `yaml:"id"`

	// MaxConcurrentAgents caps the agent pool. Add-agent beyond the cap is
	// rejected with a conflict.
	MaxConcurrentAgents int `yaml:"max_concurrent_agents"`

	// AllowSelfReview permits the executor to review its own work when the
	// workspace has only one agent. Off by default; reviews are deferred
	// until a second agent exists.
	AllowSelfReview bool `yaml:"allow_self_review"`
}

// DefaultWorkspaceConfig returns the built-in workspace defaults.
func DefaultWorkspaceConfig() *WorkspaceConfig {
	return &WorkspaceConfig{
		ID:                  "default",
		MaxConcurrentAgents: 5,
	}
}

// Validate checks workspace limits.
func (c *WorkspaceConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("workspace: %w: id must not be empty", ErrInvalidValue)
	}
	if c.MaxConcurrentAgents < 1 {
		return fmt.Errorf("workspace: %w: max_concurrent_agents must be >= 1", ErrInvalidValue)
	}
	return nil
}
