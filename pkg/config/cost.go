package config

import (
	"fmt"
	"time"
)

// CostConfig controls budget admission and book-keeping.
type CostConfig struct {
	// DailyBudgetUSD is the 24 h rolling spend ceiling. Zero disables the
	// daily budget.
	DailyBudgetUSD float64 `yaml:"daily_budget_usd"`

	// MonthlyBudgetUSD is the 30 d rolling spend ceiling. Zero disables the
	// monthly budget.
	MonthlyBudgetUSD float64 `yaml:"monthly_budget_usd"`

	// PerAgentCapUSD caps any single agent's share of the daily window.
	// Zero disables the per-agent cap.
	PerAgentCapUSD float64 `yaml:"per_agent_cap_usd"`

	// DefaultEstimateUSD is assumed for work whose cost cannot be estimated
	// up front.
	DefaultEstimateUSD float64 `yaml:"default_estimate_usd"`

	// SweepInterval is how often the governor rotates window buckets and
	// re-checks thresholds.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// LedgerRetention is how long raw ledger entries are kept.
	LedgerRetention time.Duration `yaml:"ledger_retention"`
}

// DefaultCostConfig returns the built-in cost governor defaults.
func DefaultCostConfig() *CostConfig {
	return &CostConfig{
		DailyBudgetUSD:     50,
		MonthlyBudgetUSD:   1000,
		DefaultEstimateUSD: 0.25,
		SweepInterval:      30 * time.Second,
		LedgerRetention:    400 * 24 * time.Hour,
	}
}

// Validate checks budget parameters.
func (c *CostConfig) Validate() error {
	if c.DailyBudgetUSD < 0 || c.MonthlyBudgetUSD < 0 || c.PerAgentCapUSD < 0 {
		return fmt.Errorf("cost: %w: budgets must not be negative", ErrInvalidValue)
	}
	if c.DefaultEstimateUSD < 0 {
		return fmt.Errorf("cost: %w: default_estimate_usd must not be negative", ErrInvalidValue)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("cost: %w: sweep_interval must be positive", ErrInvalidValue)
	}
	return nil
}
