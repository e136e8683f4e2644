package models

import "time"

// ClaimRole distinguishes why an agent holds a claim: executing the project
// or reviewing it. An agent holds at most one active claim across both roles.
type ClaimRole string

const (
	ClaimRoleExecutor ClaimRole = "executor"
	ClaimRoleReviewer ClaimRole = "reviewer"
)

// ClaimTicket is an exclusive, fenced grant to work on a project. The fence
// token is monotonic per project; writes carrying an older token are
// rejected so a writer that lost its lease cannot mutate state.
type ClaimTicket struct {
	ProjectNumber  int64     `json:"project_number"`
	AgentID        string    `json:"agent_id"`
	Role           ClaimRole `json:"role"`
	Branch         string    `json:"branch"`
	PodID          string    `json:"pod_id"`
	FenceToken     int64     `json:"fence_token"`
	AcquiredAt     time.Time `json:"acquired_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// Expired reports whether the lease has lapsed at time now.
func (c *ClaimTicket) Expired(now time.Time) bool {
	return now.After(c.LeaseExpiresAt)
}
