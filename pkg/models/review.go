package models

import "time"

// Verdict is the outcome of one review iteration.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Finding is a single reviewer observation attached to a fail verdict.
type Finding struct {
	Criterion string `json:"criterion"`
	Satisfied bool   `json:"satisfied"`
	Note      string `json:"note,omitempty"`
}

// ReviewRecord captures one review iteration for a project. Records are
// retained for audit; a reviewer crash before a verdict leaves no record.
type ReviewRecord struct {
	ID              string          `json:"id"`
	ProjectNumber   int64           `json:"project_number"`
	ReviewerAgentID string          `json:"reviewer_agent_id"`
	ExecutorAgentID string          `json:"executor_agent_id,omitempty"`
	Iteration       int             `json:"iteration"`
	Findings        []Finding       `json:"findings"`
	Checks          map[string]bool `json:"checks,omitempty"`
	Verdict         Verdict         `json:"verdict"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Passed reports whether every finding satisfies its criterion.
func (r *ReviewRecord) Passed() bool {
	if r.Verdict != VerdictPass {
		return false
	}
	for _, f := range r.Findings {
		if !f.Satisfied {
			return false
		}
	}
	return true
}
