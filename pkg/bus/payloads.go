package bus

import (
	"github.com/buildswarm/orchestrator/pkg/models"
)

// Payload structs for the event types published on the bus. The Event
// envelope carries seq, type, and timestamp, so payloads hold only the
// fields specific to each event family.

// ProjectPayload is the payload for project.* lifecycle events
// (created, queued, claimed, progress, pushed, in-review, rework,
// accepted, failed, released).
type ProjectPayload struct {
	Number      int64               `json:"number"`
	WorkspaceID string              `json:"workspaceId"`
	Title       string              `json:"title,omitempty"`
	State       models.ProjectState `json:"state"`
	AgentID     string              `json:"agentId,omitempty"`   // claiming or owning agent
	Branch      string              `json:"branch,omitempty"`    // set once claimed
	Phase       string              `json:"phase,omitempty"`     // free-form executor progress
	Iteration   int                 `json:"iteration,omitempty"` // review round, 1-based
	Reason      string              `json:"reason,omitempty"`    // release or failure reason
}

// ReviewVerdictPayload is the payload for review.verdict events.
type ReviewVerdictPayload struct {
	Number     int64  `json:"number"`
	ReviewerID string `json:"reviewerId"`
	Verdict    string `json:"verdict"` // accepted or rework
	Iteration  int    `json:"iteration"`
	Summary    string `json:"summary,omitempty"`
}

// AgentPayload is the payload for agent.* lifecycle events
// (added, paused, resumed, stopped, unresponsive, heartbeat).
type AgentPayload struct {
	AgentID string             `json:"agentId"`
	Status  models.AgentStatus `json:"status"`
	PodID   string             `json:"podId,omitempty"`
	Reason  string             `json:"reason,omitempty"`
}

// CostPayload is the payload for cost.warning and cost.hardStop events.
type CostPayload struct {
	WorkspaceID string  `json:"workspaceId"`
	Window      string  `json:"window"` // daily, monthly, or perAgent
	AgentID     string  `json:"agentId,omitempty"`
	SpentUSD    float64 `json:"spentUsd"`
	BudgetUSD   float64 `json:"budgetUsd"`
	Percent     int     `json:"percent"` // threshold crossed: 80, 95, or 100
}

// ErrorPayload is the payload for error events surfaced to observers.
type ErrorPayload struct {
	Op      string `json:"op"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Number  int64  `json:"number,omitempty"`
	AgentID string `json:"agentId,omitempty"`
}
