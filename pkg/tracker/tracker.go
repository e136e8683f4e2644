// Package tracker is the issue-host boundary. Projects live on an external
// tracker; the orchestrator files an issue when a project is created,
// comments on lifecycle milestones, and closes the issue at terminal
// states. Issues are keyed by the orchestrator's project number; a host
// that mints its own keys keeps the mapping on its side.
package tracker

import (
	"context"

	"github.com/buildswarm/orchestrator/pkg/config"
)

// Issue is the host-side mirror of a project.
type Issue struct {
	Number int64    `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
	Key    string   `json:"key,omitempty"` // host-assigned, e.g. "ORCH-123"
	URL    string   `json:"url,omitempty"`
}

// Host is the external issue tracker. Every call is a suspension point
// and must respect the context deadline.
type Host interface {
	// CreateIssue files the issue and fills Key and URL on the returned
	// copy.
	CreateIssue(ctx context.Context, iss *Issue) (*Issue, error)

	// CommentIssue appends a comment to the project's issue.
	CommentIssue(ctx context.Context, number int64, body string) error

	// CloseIssue closes the project's issue with a resolution, such as
	// "accepted" or "failed".
	CloseIssue(ctx context.Context, number int64, resolution string) error
}

// NewHost selects the backend from config: a configured base URL picks
// the HTTP host, an empty one the embedded board.
func NewHost(cfg *config.TrackerConfig) Host {
	if cfg.BaseURL == "" {
		return NewEmbeddedHost()
	}
	return NewHTTPHost(cfg)
}
