package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/buildswarm/orchestrator/pkg/orcherr"
)

// EmbeddedHost is the in-process board used when no tracker base URL is
// configured, and by tests. It keeps issues in memory with the same
// semantics the HTTP host promises.
type EmbeddedHost struct {
	mu       sync.Mutex
	issues   map[int64]*Issue
	comments map[int64][]string
	closed   map[int64]string
}

// NewEmbeddedHost creates an empty embedded board.
func NewEmbeddedHost() *EmbeddedHost {
	return &EmbeddedHost{
		issues:   make(map[int64]*Issue),
		comments: make(map[int64][]string),
		closed:   make(map[int64]string),
	}
}

func (h *EmbeddedHost) CreateIssue(_ context.Context, iss *Issue) (*Issue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.issues[iss.Number]; ok {
		return nil, orcherr.New(orcherr.KindConflict, "issue %d already exists", iss.Number)
	}
	created := *iss
	created.Key = fmt.Sprintf("ORCH-%d", iss.Number)
	created.URL = fmt.Sprintf("embedded://issues/%d", iss.Number)
	h.issues[iss.Number] = &created
	return &created, nil
}

func (h *EmbeddedHost) CommentIssue(_ context.Context, number int64, body string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.issues[number]; !ok {
		return orcherr.New(orcherr.KindNotFound, "issue %d not found", number)
	}
	h.comments[number] = append(h.comments[number], body)
	return nil
}

func (h *EmbeddedHost) CloseIssue(_ context.Context, number int64, resolution string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.issues[number]; !ok {
		return orcherr.New(orcherr.KindNotFound, "issue %d not found", number)
	}
	h.closed[number] = resolution
	return nil
}

// Issue returns the stored issue, or nil.
func (h *EmbeddedHost) Issue(number int64) *Issue {
	h.mu.Lock()
	defer h.mu.Unlock()
	iss, ok := h.issues[number]
	if !ok {
		return nil
	}
	copied := *iss
	return &copied
}

// Comments returns the comments filed against an issue, oldest first.
func (h *EmbeddedHost) Comments(number int64) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.comments[number]...)
}

// Resolution returns the close resolution, or "" while the issue is open.
func (h *EmbeddedHost) Resolution(number int64) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed[number]
}
