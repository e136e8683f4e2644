package models

import (
	"fmt"
	"time"
)

// ProjectState is the lifecycle state of a unit of work.
type ProjectState string

const (
	// ProjectProposed means the project exists but has not entered the queue.
	ProjectProposed ProjectState = "proposed"
	// ProjectQueued means the project is eligible for claiming.
	ProjectQueued ProjectState = "queued"
	// ProjectClaimed means an agent holds an exclusive claim.
	ProjectClaimed ProjectState = "claimed"
	// ProjectExecuting means the claiming agent is performing work steps.
	ProjectExecuting ProjectState = "executing"
	// ProjectPushed means results were pushed to the version-control host.
	ProjectPushed ProjectState = "pushed"
	// ProjectInReview means a reviewer is (or will be) validating the work.
	ProjectInReview ProjectState = "in-review"
	// ProjectRework means review failed; the project re-enters the queue with priority.
	ProjectRework ProjectState = "rework"
	// ProjectAccepted is terminal: review passed.
	ProjectAccepted ProjectState = "accepted"
	// ProjectFailed is terminal: exhausted retries, review iterations, or a fatal error.
	ProjectFailed ProjectState = "failed"
)

// IsValid checks if the state is a known project state.
func (s ProjectState) IsValid() bool {
	switch s {
	case ProjectProposed, ProjectQueued, ProjectClaimed, ProjectExecuting,
		ProjectPushed, ProjectInReview, ProjectRework, ProjectAccepted, ProjectFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state admits no further transitions.
func (s ProjectState) IsTerminal() bool {
	return s == ProjectAccepted || s == ProjectFailed
}

// Claimable reports whether the dispatcher may grant a claim in this state.
func (s ProjectState) Claimable() bool {
	return s == ProjectQueued || s == ProjectRework
}

// projectTransitions lists the allowed state transitions. "failed" is
// reachable from every non-terminal state and is special-cased in
// CanTransition.
var projectTransitions = map[ProjectState][]ProjectState{
	ProjectProposed:  {ProjectQueued},
	ProjectQueued:    {ProjectClaimed},
	ProjectClaimed:   {ProjectExecuting, ProjectQueued},
	ProjectExecuting: {ProjectPushed, ProjectQueued},
	ProjectPushed:    {ProjectInReview},
	ProjectInReview:  {ProjectAccepted, ProjectRework},
	ProjectRework:    {ProjectClaimed},
	ProjectAccepted:  {},
	ProjectFailed:    {},
}

// CanTransition reports whether from → to is a legal project state change.
func (s ProjectState) CanTransition(to ProjectState) bool {
	if to == ProjectFailed {
		return !s.IsTerminal()
	}
	for _, next := range projectTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Project is a unit of work tracked end-to-end through the state machine.
// Number is the board-wide primary key, assigned by the store sequence and
// used as the external issue reference on the tracker.
type Project struct {
	Number             int64        `json:"number"`
	WorkspaceID        string       `json:"workspace_id"`
	Title              string       `json:"title"`
	State              ProjectState `json:"state"`
	OwnerAgentID       string       `json:"owner_agent_id,omitempty"`
	ReviewerAgentID    string       `json:"reviewer_agent_id,omitempty"`
	Phase              string       `json:"phase,omitempty"`
	CategoryTag        string       `json:"category_tag,omitempty"`
	AcceptanceCriteria []string     `json:"acceptance_criteria"`
	ReviewIterations   int          `json:"review_iterations"`
	FailureStreak      int          `json:"failure_streak"`
	ReleaseCount       int          `json:"release_count"`
	Pinned             bool         `json:"pinned"`
	TerminalReason     string       `json:"terminal_reason,omitempty"`
	QueuedAt           time.Time    `json:"queued_at"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// BranchName derives the working branch for a project number. The dispatcher
// refuses two simultaneous claims on the same branch.
func BranchName(number int64) string {
	return fmt.Sprintf("orchestrator/project-%d", number)
}

// ValidateTransition returns an error describing the rejected transition,
// or nil if the change is legal.
func (p *Project) ValidateTransition(to ProjectState) error {
	if !to.IsValid() {
		return fmt.Errorf("unknown project state %q", to)
	}
	if !p.State.CanTransition(to) {
		return fmt.Errorf("project %d: illegal transition %s -> %s", p.Number, p.State, to)
	}
	return nil
}

// CreateProjectRequest is an operator-submitted project.
type CreateProjectRequest struct {
	Title              string   `json:"title"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	CategoryTag        string   `json:"category_tag,omitempty"`
	Pinned             bool     `json:"pinned,omitempty"`
}
