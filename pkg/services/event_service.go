package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/buildswarm/orchestrator/pkg/bus"
	"github.com/buildswarm/orchestrator/pkg/models"
)

const (
	defaultReplayLimit = 500
	maxReplayLimit     = 2000
)

// EventService fronts the event bus for external producers and replay
// consumers. Only project-family events may be injected from outside;
// agent and cost events are owned by the orchestrator itself.
type EventService struct {
	bus    *bus.Bus
	logger *slog.Logger
}

// NewEventService creates an event service over a started bus.
func NewEventService(b *bus.Bus) *EventService {
	return &EventService{
		bus:    b,
		logger: slog.Default().With("component", "event_service"),
	}
}

// IngestProjectEvent sequences an externally submitted project event and
// returns its assigned sequence number.
func (s *EventService) IngestProjectEvent(ctx context.Context, req models.ProjectEventRequest) (int64, error) {
	if req.Type == "" {
		return 0, NewValidationError("type", "is required")
	}
	if !req.Type.IsValid() {
		return 0, NewValidationError("type", fmt.Sprintf("unknown event type %q", req.Type))
	}
	if !ingestable(req.Type) {
		return 0, NewValidationError("type", fmt.Sprintf("event type %q cannot be submitted externally", req.Type))
	}
	seq, err := s.bus.Publish(ctx, req.Type, req.Data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish %s: %w", req.Type, err)
	}
	s.logger.Debug("External event accepted", "type", req.Type, "seq", seq)
	return seq, nil
}

// ingestable restricts external ingress to the project lifecycle family.
func ingestable(t models.EventType) bool {
	return strings.HasPrefix(string(t), "project.") || t == models.EventReviewVerdict
}

// Replay returns the events after sinceSeq, oldest first. bus.ErrGapTooLarge
// passes through untouched so the API layer can tell the client to resync.
func (s *EventService) Replay(ctx context.Context, sinceSeq int64, limit int) ([]*models.Event, error) {
	if sinceSeq < 0 {
		return nil, NewValidationError("since", "must not be negative")
	}
	if limit <= 0 {
		limit = defaultReplayLimit
	}
	if limit > maxReplayLimit {
		limit = maxReplayLimit
	}
	return s.bus.Replay(ctx, sinceSeq, limit)
}
