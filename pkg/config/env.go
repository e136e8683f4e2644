package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variables recognized by applyEnv. ORCH_DB_URL is consumed by
// pkg/database directly and is listed here only for documentation.
const (
	EnvDBURL            = "ORCH_DB_URL"
	EnvEventRetention   = "ORCH_EVENT_RETENTION"
	EnvStaleThresholdMS = "ORCH_STALE_THRESHOLD_MS"
	EnvDailyBudgetUSD   = "ORCH_DAILY_BUDGET_USD"
	EnvMonthlyBudgetUSD = "ORCH_MONTHLY_BUDGET_USD"
	EnvMaxAgents        = "ORCH_MAX_AGENTS"
	EnvReviewMaxIter    = "ORCH_REVIEW_MAX_ITER"
	EnvAPIKey           = "ORCH_API_KEY"
	EnvSlackToken       = "ORCH_SLACK_TOKEN"
	EnvTrackerToken     = "ORCH_TRACKER_TOKEN"
)

// applyEnv overlays ORCH_* environment variables onto the config. A set but
// malformed variable is a hard error so a typo cannot silently fall back to
// a default budget or threshold.
func (c *Config) applyEnv() error {
	if err := envInt(EnvEventRetention, &c.Events.RetentionCount); err != nil {
		return err
	}
	if err := envMillis(EnvStaleThresholdMS, &c.Supervisor.StaleThresholdOverride); err != nil {
		return err
	}
	if err := envFloat(EnvDailyBudgetUSD, &c.Cost.DailyBudgetUSD); err != nil {
		return err
	}
	if err := envFloat(EnvMonthlyBudgetUSD, &c.Cost.MonthlyBudgetUSD); err != nil {
		return err
	}
	if err := envInt(EnvMaxAgents, &c.Workspace.MaxConcurrentAgents); err != nil {
		return err
	}
	if err := envInt(EnvReviewMaxIter, &c.Review.MaxIterations); err != nil {
		return err
	}
	envString(EnvAPIKey, &c.Server.APIKey)
	envString(EnvSlackToken, &c.Slack.Token)
	envString(EnvTrackerToken, &c.Tracker.Token)
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidValue, key, v)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidValue, key, v)
	}
	*dst = f
	return nil
}

func envMillis(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return fmt.Errorf("%w: %s=%q is not a millisecond count", ErrInvalidValue, key, v)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}
