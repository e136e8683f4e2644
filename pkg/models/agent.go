// Package models contains the orchestrator's domain types: agents, projects,
// claims, reviews, proposals, cost ledger entries, events, and audit records.
// State transition rules live here so every component validates against the
// same tables.
package models

import (
	"fmt"
	"time"
)

// AgentStatus is the lifecycle state of a worker agent.
type AgentStatus string

const (
	// AgentIdle means the agent has no assignment and may claim work.
	AgentIdle AgentStatus = "idle"
	// AgentWorking means the agent holds a claim and is executing a project.
	AgentWorking AgentStatus = "working"
	// AgentReviewing means the agent is validating another agent's project.
	AgentReviewing AgentStatus = "reviewing"
	// AgentIdeating means the agent is generating a project proposal.
	AgentIdeating AgentStatus = "ideating"
	// AgentPaused means the agent is suspended by an operator or the cost governor.
	AgentPaused AgentStatus = "paused"
	// AgentUnresponsive means heartbeats went stale; the claim has been released.
	AgentUnresponsive AgentStatus = "unresponsive"
	// AgentStopped is terminal.
	AgentStopped AgentStatus = "stopped"
)

// IsValid checks if the status is a known agent status.
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentIdle, AgentWorking, AgentReviewing, AgentIdeating,
		AgentPaused, AgentUnresponsive, AgentStopped:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s AgentStatus) IsTerminal() bool {
	return s == AgentStopped
}

// Busy reports whether the agent currently owns an activity.
func (s AgentStatus) Busy() bool {
	return s == AgentWorking || s == AgentReviewing || s == AgentIdeating
}

// agentTransitions lists the allowed status transitions. pause is allowed
// from any non-terminal state and resume restores the pre-pause state, so
// paused entries are handled separately in CanTransition.
var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentIdle:         {AgentWorking, AgentReviewing, AgentIdeating, AgentPaused, AgentUnresponsive, AgentStopped},
	AgentWorking:      {AgentIdle, AgentPaused, AgentUnresponsive, AgentStopped},
	AgentReviewing:    {AgentIdle, AgentPaused, AgentUnresponsive, AgentStopped},
	AgentIdeating:     {AgentIdle, AgentPaused, AgentUnresponsive, AgentStopped},
	AgentPaused:       {AgentIdle, AgentWorking, AgentReviewing, AgentIdeating, AgentStopped},
	AgentUnresponsive: {AgentIdle, AgentStopped},
	AgentStopped:      {},
}

// CanTransition reports whether from → to is a legal agent status change.
func (s AgentStatus) CanTransition(to AgentStatus) bool {
	for _, next := range agentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Agent is a long-running worker driven by a model runtime, executing one
// project at a time.
type Agent struct {
	ID              string      `json:"id"`
	WorkspaceID     string      `json:"workspace_id"`
	Status          AgentStatus `json:"status"`
	CurrentProject  *int64      `json:"current_project,omitempty"`
	CurrentPhase    string      `json:"current_phase,omitempty"`
	LastHeartbeatAt time.Time   `json:"last_heartbeat_at"`
	TasksCompleted  int         `json:"tasks_completed"`
	ErrorCount      int         `json:"error_count"`
	LastError       string      `json:"last_error,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`

	// ResumeStatus holds the pre-pause status so resume can restore it.
	ResumeStatus AgentStatus `json:"resume_status,omitempty"`
}

// HeartbeatStale reports whether the agent's last heartbeat is older than
// the given threshold at time now.
func (a *Agent) HeartbeatStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(a.LastHeartbeatAt) > threshold
}

// ValidateTransition returns an error describing the rejected transition,
// or nil if the change is legal.
func (a *Agent) ValidateTransition(to AgentStatus) error {
	if !to.IsValid() {
		return fmt.Errorf("unknown agent status %q", to)
	}
	if !a.Status.CanTransition(to) {
		return fmt.Errorf("agent %s: illegal transition %s -> %s", a.ID, a.Status, to)
	}
	return nil
}

// AddAgentRequest registers a new agent. An empty AgentID asks the
// supervisor to generate one.
type AddAgentRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	PodID   string `json:"pod_id,omitempty"`
}
