package models

import "time"

// AuditRecord is one append-only entry in the durable orchestration audit
// trail. Writes are fire-and-forget; records may arrive late but never
// block the operation they describe.
type AuditRecord struct {
	AuditID        string    `json:"audit_id"`
	Timestamp      time.Time `json:"timestamp"`
	OperationType  string    `json:"operation_type"`
	AgentID        string    `json:"agent_id,omitempty"`
	ProjectNumber  *int64    `json:"project_number,omitempty"`
	RequestSummary string    `json:"request_summary"`
	ResponseStatus string    `json:"response_status"`
	DurationMs     int64     `json:"duration_ms"`
}
