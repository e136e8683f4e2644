package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
	"github.com/buildswarm/orchestrator/pkg/store"
)

// Fleet is the supervisor manager surface the agent service drives.
type Fleet interface {
	AddAgent(ctx context.Context, id, podID string) (*models.Agent, error)
	PauseAgent(ctx context.Context, id, reason string) error
	ResumeAgent(ctx context.Context, id string) error
	StopAgent(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id string) error
}

// AgentService manages the agent fleet on behalf of the control API.
type AgentService struct {
	store       store.Store
	fleet       Fleet
	workspaceID string
}

// NewAgentService creates a new AgentService.
func NewAgentService(st store.Store, fleet Fleet, workspaceID string) *AgentService {
	return &AgentService{store: st, fleet: fleet, workspaceID: workspaceID}
}

// ListAgents returns every agent on record, oldest first.
func (s *AgentService) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	agents, err := s.store.ListAgents(ctx, s.workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// GetAgent returns one agent by id.
func (s *AgentService) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		if orcherr.IsKind(err, orcherr.KindNotFound) {
			return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load agent %s: %w", id, err)
	}
	return agent, nil
}

// AddAgent registers a new agent, subject to the workspace cap.
func (s *AgentService) AddAgent(ctx context.Context, req models.AddAgentRequest) (*models.Agent, error) {
	if strings.ContainsAny(req.AgentID, " \t\n/") {
		return nil, NewValidationError("agent_id", "must not contain whitespace or '/'")
	}
	if req.AgentID != "" {
		if _, err := s.store.GetAgent(ctx, req.AgentID); err == nil {
			return nil, fmt.Errorf("agent %s: %w", req.AgentID, ErrAlreadyExists)
		}
	}
	return s.fleet.AddAgent(ctx, req.AgentID, req.PodID)
}

// PauseAgent suspends the agent at its next safe point.
func (s *AgentService) PauseAgent(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "operator requested"
	}
	return s.mapFleetErr(id, s.fleet.PauseAgent(ctx, id, reason))
}

// ResumeAgent lifts a pause.
func (s *AgentService) ResumeAgent(ctx context.Context, id string) error {
	return s.mapFleetErr(id, s.fleet.ResumeAgent(ctx, id))
}

// StopAgent winds the agent down, cooperatively first.
func (s *AgentService) StopAgent(ctx context.Context, id string) error {
	return s.mapFleetErr(id, s.fleet.StopAgent(ctx, id))
}

// Heartbeat records pod-reported liveness for the agent.
func (s *AgentService) Heartbeat(ctx context.Context, id string) error {
	return s.mapFleetErr(id, s.fleet.Heartbeat(ctx, id))
}

func (s *AgentService) mapFleetErr(id string, err error) error {
	if err == nil {
		return nil
	}
	if orcherr.IsKind(err, orcherr.KindNotFound) {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return err
}
