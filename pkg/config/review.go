package config

import (
	"fmt"
	"time"
)

// QualityCheck names an automated code-quality gate the reviewer runs in
// addition to acceptance criteria.
type QualityCheck string

const (
	QualityCheckLint      QualityCheck = "lint"
	QualityCheckTests     QualityCheck = "tests"
	QualityCheckTypecheck QualityCheck = "typecheck"
)

// IsValid checks if the quality check is known.
func (q QualityCheck) IsValid() bool {
	switch q {
	case QualityCheckLint, QualityCheckTests, QualityCheckTypecheck:
		return true
	default:
		return false
	}
}

// ReviewConfig controls the review workflow engine.
type ReviewConfig struct {
	// MaxIterations is the rework ceiling. When a project fails review this
	// many times it is marked failed and the terminal reason audited.
	MaxIterations int `yaml:"max_iterations"`

	// QualityChecks are the automated gates a pass verdict requires in
	// addition to the acceptance criteria.
	QualityChecks []QualityCheck `yaml:"quality_checks"`

	// AssignInterval is how often the engine matches unassigned in-review
	// projects with idle reviewers.
	AssignInterval time.Duration `yaml:"assign_interval"`
}

// DefaultReviewConfig returns the built-in review defaults.
func DefaultReviewConfig() *ReviewConfig {
	return &ReviewConfig{
		MaxIterations:  5,
		QualityChecks:  []QualityCheck{QualityCheckLint, QualityCheckTests},
		AssignInterval: 5 * time.Second,
	}
}

// Validate checks review parameters.
func (c *ReviewConfig) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("review: %w: max_iterations must be >= 1", ErrInvalidValue)
	}
	if c.AssignInterval <= 0 {
		return fmt.Errorf("review: %w: assign_interval must be positive", ErrInvalidValue)
	}
	for _, q := range c.QualityChecks {
		if !q.IsValid() {
			return fmt.Errorf("review: %w: unknown quality check %q", ErrInvalidValue, q)
		}
	}
	return nil
}
