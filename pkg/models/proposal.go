package models

import (
	"fmt"
	"strings"
	"time"
)

// Proposal is a candidate project produced by the ideation loop. Proposals
// are ephemeral: once a project is created from one, the proposal record
// only matters for idempotency.
type Proposal struct {
	ID                 string    `json:"id"`
	WorkspaceID        string    `json:"workspace_id"`
	CategoryTag        string    `json:"category_tag"`
	GeneratingAgentID  string    `json:"generating_agent_id"`
	Title              string    `json:"title"`
	ProblemStatement   string    `json:"problem_statement"`
	AcceptanceCriteria []string  `json:"acceptance_criteria,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// IdempotencyKey buckets proposals by generating agent, category, and the
// hour of creation. Two proposals with the same key create at most one
// project.
func (p *Proposal) IdempotencyKey() string {
	bucket := p.CreatedAt.UTC().Truncate(time.Hour).Format("2006010215")
	return fmt.Sprintf("%s:%s:%s", p.GeneratingAgentID, p.CategoryTag, bucket)
}

// Validate checks the minimum proposal shape: non-empty title and problem
// statement.
func (p *Proposal) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("proposal: empty title")
	}
	if strings.TrimSpace(p.ProblemStatement) == "" {
		return fmt.Errorf("proposal: empty problem statement")
	}
	return nil
}
