// Package runtime is the boundary to the model runtime that performs the
// actual work. Supervisors hand the runtime work orders, poll it one step
// at a time, and probe agent process liveness. The production driver
// speaks gRPC to a runtime sidecar; tests script a fake.
package runtime

import "context"

// OrderKind selects what an agent is asked to do.
type OrderKind string

const (
	// OrderExecute performs project work on a branch.
	OrderExecute OrderKind = "execute"
	// OrderReview validates pushed work against acceptance criteria.
	OrderReview OrderKind = "review"
	// OrderIdeate drafts a project proposal for a category.
	OrderIdeate OrderKind = "ideate"
)

// Order is one work instruction for an agent.
type Order struct {
	AgentID  string    `json:"agentId"`
	Kind     OrderKind `json:"kind"`
	Project  int64     `json:"project,omitempty"`
	Branch   string    `json:"branch,omitempty"`
	Title    string    `json:"title,omitempty"`
	Brief    string    `json:"brief,omitempty"`
	Criteria []string  `json:"criteria,omitempty"`
	Category string    `json:"category,omitempty"`
	// Rework carries the reviewer's feedback into a rework pass.
	Rework string `json:"rework,omitempty"`
}

// Draft is an ideation result.
type Draft struct {
	Title    string   `json:"title"`
	Summary  string   `json:"summary,omitempty"`
	Criteria []string `json:"criteria,omitempty"`
}

// Finding is one reviewed acceptance criterion in a review report.
type Finding struct {
	Criterion string `json:"criterion"`
	Satisfied bool   `json:"satisfied"`
	Note      string `json:"note,omitempty"`
}

// Report is where an agent's current order stands after one step. CostUSD
// and Tokens are marginal since the previous report, so the caller can
// feed the cost ledger incrementally.
type Report struct {
	Phase  string `json:"phase,omitempty"`
	Done   bool   `json:"done,omitempty"`
	Failed bool   `json:"failed,omitempty"`
	Detail string `json:"detail,omitempty"`

	// Verdict is the runtime's own assessment when a review order
	// completes: "accepted" or "rework". The review engine re-derives
	// the binding verdict from Findings and Checks.
	Verdict  string          `json:"verdict,omitempty"`
	Findings []Finding       `json:"findings,omitempty"`
	Checks   map[string]bool `json:"checks,omitempty"`

	// Proposal is set when an ideate order completes.
	Proposal *Draft `json:"proposal,omitempty"`

	CostUSD float64 `json:"costUsd,omitempty"`
	Tokens  int64   `json:"tokens,omitempty"`
}

// Driver is the runtime seen from a supervisor. Every call is a
// suspension point with a driver-enforced timeout.
type Driver interface {
	// Begin hands the agent a new order. The runtime acks once the agent
	// has taken it up; the work itself spans many Step calls.
	Begin(ctx context.Context, order *Order) error

	// Step advances the agent's current order one unit and reports where
	// the work stands.
	Step(ctx context.Context, agentID string) (*Report, error)

	// Halt tells the agent to abandon its current order.
	Halt(ctx context.Context, agentID, reason string) error

	// Probe checks agent process liveness without touching its work.
	Probe(ctx context.Context, agentID string) error

	// Close releases the driver's resources.
	Close() error
}
