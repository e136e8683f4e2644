package models

import "time"

// Workspace holds the per-tenant limits the orchestrator enforces.
type Workspace struct {
	ID                  string    `json:"id"`
	MaxConcurrentAgents int       `json:"max_concurrent_agents"`
	DailyBudgetUSD      float64   `json:"daily_budget_usd"`
	MonthlyBudgetUSD    float64   `json:"monthly_budget_usd"`
	PerAgentCapUSD      float64   `json:"per_agent_cap_usd,omitempty"`
	AllowSelfReview     bool      `json:"allow_self_review"`
	Paused              bool      `json:"paused"`
	PauseReason         string    `json:"pause_reason,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// CostLedgerEntry is one append-only spend record. Daily and monthly sums
// over the ledger are strictly monotonic.
type CostLedgerEntry struct {
	ID            int64     `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	AgentID       string    `json:"agent_id"`
	ProjectNumber *int64    `json:"project_number,omitempty"`
	USD           float64   `json:"usd"`
	Tokens        int64     `json:"tokens"`
	At            time.Time `json:"at"`
}
