// Package config loads and validates orchestrator configuration.
//
// Configuration comes from an optional orchestrator.yaml plus mandatory
// ORCH_* environment overrides. Each concern has its own config struct with
// built-in defaults; the YAML file and environment only override what they
// name.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the orchestrator process.
type Config struct {
	Workspace  *WorkspaceConfig  `yaml:"workspace"`
	Supervisor *SupervisorConfig `yaml:"supervisor"`
	Dispatch   *DispatchConfig   `yaml:"dispatch"`
	Review     *ReviewConfig     `yaml:"review"`
	Ideation   *IdeationConfig   `yaml:"ideation"`
	Cost       *CostConfig       `yaml:"cost"`
	Events     *EventsConfig     `yaml:"events"`
	Audit      *AuditConfig      `yaml:"audit"`
	Server     *ServerConfig     `yaml:"server"`
	Runtime    *RuntimeConfig    `yaml:"runtime"`
	Tracker    *TrackerConfig    `yaml:"tracker"`
	Slack      *SlackConfig      `yaml:"slack"`
	Retention  *RetentionConfig  `yaml:"retention"`
}

// Default returns a Config populated with every concern's built-in defaults.
func Default() *Config {
	return &Config{
		Workspace:  DefaultWorkspaceConfig(),
		Supervisor: DefaultSupervisorConfig(),
		Dispatch:   DefaultDispatchConfig(),
		Review:     DefaultReviewConfig(),
		Ideation:   DefaultIdeationConfig(),
		Cost:       DefaultCostConfig(),
		Events:     DefaultEventsConfig(),
		Audit:      DefaultAuditConfig(),
		Server:     DefaultServerConfig(),
		Runtime:    DefaultRuntimeConfig(),
		Tracker:    DefaultTrackerConfig(),
		Slack:      DefaultSlackConfig(),
		Retention:  DefaultRetentionConfig(),
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty or missing), then ORCH_* environment
// overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Optional file — defaults plus env carry the config.
		case err != nil:
			return nil, NewLoadError(path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
			}
			cfg.fillNil()
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillNil restores defaults for sections the YAML file omitted entirely.
// yaml.Unmarshal nils out pointer fields that appear as explicit nulls and
// leaves absent ones untouched, so only nil sections need refilling.
func (c *Config) fillNil() {
	d := Default()
	if c.Workspace == nil {
		c.Workspace = d.Workspace
	}
	if c.Supervisor == nil {
		c.Supervisor = d.Supervisor
	}
	if c.Dispatch == nil {
		c.Dispatch = d.Dispatch
	}
	if c.Review == nil {
		c.Review = d.Review
	}
	if c.Ideation == nil {
		c.Ideation = d.Ideation
	}
	if c.Cost == nil {
		c.Cost = d.Cost
	}
	if c.Events == nil {
		c.Events = d.Events
	}
	if c.Audit == nil {
		c.Audit = d.Audit
	}
	if c.Server == nil {
		c.Server = d.Server
	}
	if c.Runtime == nil {
		c.Runtime = d.Runtime
	}
	if c.Tracker == nil {
		c.Tracker = d.Tracker
	}
	if c.Slack == nil {
		c.Slack = d.Slack
	}
	if c.Retention == nil {
		c.Retention = d.Retention
	}
}

// Validate checks every section and returns the first violation.
func (c *Config) Validate() error {
	validators := []func() error{
		c.Workspace.Validate,
		c.Supervisor.Validate,
		c.Dispatch.Validate,
		c.Review.Validate,
		c.Ideation.Validate,
		c.Cost.Validate,
		c.Events.Validate,
		c.Audit.Validate,
		c.Server.Validate,
		c.Runtime.Validate,
		c.Tracker.Validate,
		c.Slack.Validate,
		c.Retention.Validate,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
	}
	return nil
}
