package api

import (
	"github.com/buildswarm/orchestrator/pkg/models"
)

// ErrorBody is the structured error payload on every non-2xx response.
// Code is stable and machine-readable; Message is for humans. A stale
// fence rejection additionally carries the current fence token.
type ErrorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	FenceToken int64  `json:"fenceToken,omitempty"`
}

// ControlResponse is returned by agent control verbs, which take effect at
// the supervisor's next tick rather than synchronously.
type ControlResponse struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

// AcceptedResponse is returned by POST /events/project once the event has
// been assigned its sequence number.
type AcceptedResponse struct {
	Seq int64 `json:"seq"`
}

// ReplayResponse is returned by GET /events/replay.
type ReplayResponse struct {
	Events []*models.Event `json:"events"`
	Head   int64           `json:"head"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is one component's contribution to the health report.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
