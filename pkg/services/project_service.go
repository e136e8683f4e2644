package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/buildswarm/orchestrator/pkg/bus"
	"github.com/buildswarm/orchestrator/pkg/clock"
	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
	"github.com/buildswarm/orchestrator/pkg/store"
	"github.com/buildswarm/orchestrator/pkg/tracker"
)

// Publisher is the slice of the event bus the services need.
type Publisher interface {
	Publish(ctx context.Context, t models.EventType, payload any) (int64, error)
}

// ProjectService handles project submission and queries. Operator-submitted
// projects take the same two-step path as ideation output: created proposed,
// then promoted to queued, with one event per step.
type ProjectService struct {
	store       store.Store
	bus         Publisher
	host        tracker.Host
	clk         clock.Clock
	workspaceID string
	logger      *slog.Logger
}

// NewProjectService creates a project service.
func NewProjectService(st store.Store, pub Publisher, host tracker.Host, workspaceID string, clk clock.Clock) *ProjectService {
	if clk == nil {
		clk = clock.System{}
	}
	return &ProjectService{
		store:       st,
		bus:         pub,
		host:        host,
		clk:         clk,
		workspaceID: workspaceID,
		logger:      slog.Default().With("component", "project_service"),
	}
}

// ListProjects returns projects in the workspace, optionally filtered by
// state. An unknown state string is rejected rather than silently matching
// nothing.
func (s *ProjectService) ListProjects(ctx context.Context, state string) ([]*models.Project, error) {
	f := store.ProjectFilter{WorkspaceID: s.workspaceID}
	if state != "" {
		ps := models.ProjectState(state)
		if !ps.IsValid() {
			return nil, NewValidationError("state", fmt.Sprintf("unknown project state %q", state))
		}
		f.State = ps
	}
	projects, err := s.store.ListProjects(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// GetProject returns a single project by number.
func (s *ProjectService) GetProject(ctx context.Context, number int64) (*models.Project, error) {
	p, err := s.store.GetProject(ctx, number)
	if err != nil {
		if orcherr.IsKind(err, orcherr.KindNotFound) {
			return nil, fmt.Errorf("project %d: %w", number, ErrNotFound)
		}
		return nil, err
	}
	return p, nil
}

// CreateProject accepts an operator-submitted project and queues it. The
// project is visible as proposed before the queued event fires, so observers
// see the same lifecycle regardless of whether a human or the ideation loop
// originated the work.
func (s *ProjectService) CreateProject(ctx context.Context, req models.CreateProjectRequest) (*models.Project, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, NewValidationError("title", "is required")
	}

	now := s.clk.Now()
	project := &models.Project{
		WorkspaceID:        s.workspaceID,
		Title:              title,
		State:              models.ProjectProposed,
		CategoryTag:        req.CategoryTag,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Pinned:             req.Pinned,
		QueuedAt:           now,
	}
	number, err := s.store.CreateProject(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	s.publish(ctx, models.EventProjectCreated, s.payload(project))

	s.mirrorIssue(ctx, project)

	project.State = models.ProjectQueued
	project.QueuedAt = s.clk.Now()
	if err := s.store.UpdateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to queue project %d: %w", number, err)
	}
	s.publish(ctx, models.EventProjectQueued, s.payload(project))

	s.logger.Info("Project submitted",
		"project", number, "title", title, "pinned", project.Pinned)
	return project, nil
}

// publish is non-blocking with respect to failures: errors are logged and
// the operation continues.
func (s *ProjectService) publish(ctx context.Context, t models.EventType, payload any) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish(ctx, t, payload); err != nil {
		s.logger.Error("Failed to publish event", "type", t, "error", err)
	}
}

func (s *ProjectService) payload(p *models.Project) bus.ProjectPayload {
	return bus.ProjectPayload{
		Number:      p.Number,
		WorkspaceID: p.WorkspaceID,
		Title:       p.Title,
		State:       p.State,
	}
}

// mirrorIssue creates the external issue for a submitted project. The store
// is the source of truth; a mirror failure warns and moves on.
func (s *ProjectService) mirrorIssue(ctx context.Context, p *models.Project) {
	if s.host == nil {
		return
	}
	var body strings.Builder
	if len(p.AcceptanceCriteria) > 0 {
		body.WriteString("Acceptance criteria:\n")
		for _, c := range p.AcceptanceCriteria {
			fmt.Fprintf(&body, "- %s\n", c)
		}
	}
	var labels []string
	if p.CategoryTag != "" {
		labels = []string{p.CategoryTag}
	}
	_, err := s.host.CreateIssue(ctx, &tracker.Issue{
		Number: p.Number,
		Title:  p.Title,
		Body:   body.String(),
		Labels: labels,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("Failed to mirror project to issue host",
			"project", p.Number, "error", err)
	}
}
