// Package dispatch grants exclusive, fenced claims over the project queue,
// watches claim leases, and wakes the ideation loop when the queue drains.
// Queue ordering and fence arithmetic live in the store; this layer adds
// admission control, lease expiry recovery, and event publication.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/buildswarm/orchestrator/pkg/bus"
	"github.com/buildswarm/orchestrator/pkg/clock"
	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/metrics"
	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
	"github.com/buildswarm/orchestrator/pkg/store"
)

// ErrQueueEmpty is returned by TryClaim when no project is eligible. The
// caller is expected to idle; the ideation loop has already been woken.
var ErrQueueEmpty = errors.New("dispatch: no eligible project")

// Publisher is the slice of the event bus the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, t models.EventType, payload any) (int64, error)
}

// Admission decides whether an agent may start billable work.
type Admission interface {
	MayStart(ctx context.Context, agentID string, estimateUSD float64) error
}

// Dispatcher is the claim authority for one workspace.
type Dispatcher struct {
	store       store.Store
	bus         Publisher
	admission   Admission
	cfg         *config.DispatchConfig
	workspaceID string
	clk         clock.Clock
	logger      *slog.Logger

	wake chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Start launches the lease scanner.
func NewDispatcher(st store.Store, b Publisher, adm Admission, cfg *config.DispatchConfig, workspaceID string, clk clock.Clock) *Dispatcher {
	if clk == nil {
		clk = clock.System{}
	}
	return &Dispatcher{
		store:       st,
		bus:         b,
		admission:   adm,
		cfg:         cfg,
		workspaceID: workspaceID,
		clk:         clk,
		logger:      slog.With("component", "dispatch"),
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the lease expiry scanner.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.wg.Add(1)
	go d.run(ctx)
	d.logger.Info("Dispatcher started",
		"workspace_id", d.workspaceID,
		"lease", d.cfg.LeaseDuration,
		"scan_interval", d.cfg.ExpiryScanInterval)
	return nil
}

// Stop halts the scanner and waits for it to exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

// Wake signals once each time TryClaim finds the queue empty. The
// ideation loop selects on it.
func (d *Dispatcher) Wake() <-chan struct{} {
	return d.wake
}

// TryClaim asks for the queue head on behalf of an agent. The governor is
// consulted first; an empty queue returns ErrQueueEmpty and wakes
// ideation.
func (d *Dispatcher) TryClaim(ctx context.Context, agentID, podID string) (*models.ClaimTicket, *models.Project, error) {
	if err := d.admission.MayStart(ctx, agentID, 0); err != nil {
		if orcherr.IsKind(err, orcherr.KindBudget) {
			metrics.ClaimRejections.WithLabelValues("budget").Inc()
		}
		return nil, nil, err
	}

	ticket, project, err := d.store.ClaimNext(ctx, store.ClaimRequest{
		WorkspaceID: d.workspaceID,
		AgentID:     agentID,
		Role:        models.ClaimRoleExecutor,
		PodID:       podID,
		Lease:       d.cfg.LeaseDuration,
		Now:         d.clk.Now(),
	})
	if err != nil {
		if orcherr.IsKind(err, orcherr.KindConflict) {
			metrics.ClaimRejections.WithLabelValues("already_claimed").Inc()
		}
		return nil, nil, err
	}
	if ticket == nil {
		metrics.ClaimRejections.WithLabelValues("queue_empty").Inc()
		d.signalWake()
		return nil, nil, ErrQueueEmpty
	}

	metrics.ClaimsGranted.WithLabelValues(string(ticket.Role)).Inc()
	d.publish(ctx, models.EventProjectClaimed, projectPayload(project, agentID, ""))
	d.refreshQueueDepth(ctx)
	d.logger.Info("Claim granted",
		"project", ticket.ProjectNumber,
		"agent_id", agentID,
		"fence_token", ticket.FenceToken,
		"branch", ticket.Branch)
	return ticket, project, nil
}

// AssignReviewer grants a reviewer claim on an in-review project. The
// executor may review its own work only when the workspace allows
// self-review.
func (d *Dispatcher) AssignReviewer(ctx context.Context, number int64, agentID, podID string) (*models.ClaimTicket, *models.Project, error) {
	if err := d.admission.MayStart(ctx, agentID, 0); err != nil {
		if orcherr.IsKind(err, orcherr.KindBudget) {
			metrics.ClaimRejections.WithLabelValues("budget").Inc()
		}
		return nil, nil, err
	}

	current, err := d.store.GetProject(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	if current.OwnerAgentID == agentID {
		ws, err := d.store.GetWorkspace(ctx, d.workspaceID)
		if err != nil {
			return nil, nil, err
		}
		if !ws.AllowSelfReview {
			return nil, nil, orcherr.New(orcherr.KindInvariant,
				"agent %s cannot review its own project %d", agentID, number)
		}
	}

	ticket, project, err := d.store.ClaimProject(ctx, number, store.ClaimRequest{
		WorkspaceID: d.workspaceID,
		AgentID:     agentID,
		Role:        models.ClaimRoleReviewer,
		PodID:       podID,
		Lease:       d.cfg.LeaseDuration,
		Now:         d.clk.Now(),
	})
	if err != nil {
		if orcherr.IsKind(err, orcherr.KindConflict) {
			metrics.ClaimRejections.WithLabelValues("already_claimed").Inc()
		}
		return nil, nil, err
	}

	metrics.ClaimsGranted.WithLabelValues(string(ticket.Role)).Inc()
	d.logger.Info("Reviewer assigned",
		"project", number,
		"agent_id", agentID,
		"fence_token", ticket.FenceToken)
	return ticket, project, nil
}

// ClaimFor grants an executor claim on one specific project, bypassing
// queue order. Operator-pinned assignment goes through here; admission
// and fencing are identical to TryClaim.
func (d *Dispatcher) ClaimFor(ctx context.Context, number int64, agentID, podID string) (*models.ClaimTicket, *models.Project, error) {
	if err := d.admission.MayStart(ctx, agentID, 0); err != nil {
		if orcherr.IsKind(err, orcherr.KindBudget) {
			metrics.ClaimRejections.WithLabelValues("budget").Inc()
		}
		return nil, nil, err
	}

	ticket, project, err := d.store.ClaimProject(ctx, number, store.ClaimRequest{
		WorkspaceID: d.workspaceID,
		AgentID:     agentID,
		Role:        models.ClaimRoleExecutor,
		PodID:       podID,
		Lease:       d.cfg.LeaseDuration,
		Now:         d.clk.Now(),
	})
	if err != nil {
		if orcherr.IsKind(err, orcherr.KindConflict) {
			metrics.ClaimRejections.WithLabelValues("already_claimed").Inc()
		}
		return nil, nil, err
	}

	metrics.ClaimsGranted.WithLabelValues(string(ticket.Role)).Inc()
	d.publish(ctx, models.EventProjectClaimed, projectPayload(project, agentID, ""))
	d.refreshQueueDepth(ctx)
	d.logger.Info("Claim granted",
		"project", ticket.ProjectNumber,
		"agent_id", agentID,
		"fence_token", ticket.FenceToken,
		"pinned", true)
	return ticket, project, nil
}

// ExtendLease pushes the agent's claim lease out by one full lease
// duration. Called on every progress heartbeat.
func (d *Dispatcher) ExtendLease(ctx context.Context, agentID string) error {
	return d.store.RefreshLease(ctx, agentID, d.clk.Now().Add(d.cfg.LeaseDuration))
}

// Advance moves a project to the next state under the caller's fence and
// publishes the matching lifecycle event.
func (d *Dispatcher) Advance(ctx context.Context, number, fenceToken int64, to models.ProjectState, phase string) (*models.Project, error) {
	project, err := d.store.AdvanceProject(ctx, number, fenceToken, to, phase)
	if err != nil {
		if orcherr.IsKind(err, orcherr.KindConflict) {
			metrics.FenceRejections.Inc()
		}
		return nil, err
	}
	d.publish(ctx, eventForState(to), projectPayload(project, project.OwnerAgentID, ""))
	return project, nil
}

// Progress records a phase change without a state transition and
// publishes project.progress.
func (d *Dispatcher) Progress(ctx context.Context, number, fenceToken int64, agentID, phase string) error {
	if err := d.store.SetProjectPhase(ctx, number, fenceToken, phase); err != nil {
		if orcherr.IsKind(err, orcherr.KindConflict) {
			metrics.FenceRejections.Inc()
		}
		return err
	}
	d.publish(ctx, models.EventProjectProgress, bus.ProjectPayload{
		Number:      number,
		WorkspaceID: d.workspaceID,
		State:       models.ProjectExecuting,
		AgentID:     agentID,
		Branch:      models.BranchName(number),
		Phase:       phase,
	})
	return nil
}

// Requeue releases a live claim back to the pool. Executor claims return
// the project to the queue and bump its release count; reviewer claims
// leave the project in review awaiting reassignment. Any verdict the
// departed reviewer had in flight is discarded with the claim.
func (d *Dispatcher) Requeue(ctx context.Context, ticket *models.ClaimTicket, reason string) error {
	rel := store.Release{
		ProjectNumber: ticket.ProjectNumber,
		FenceToken:    ticket.FenceToken,
		Reason:        reason,
		Now:           d.clk.Now(),
	}
	if ticket.Role == models.ClaimRoleReviewer {
		rel.ClearReviewer = true
	} else {
		rel.NextState = models.ProjectQueued
		rel.BumpReleaseCount = true
	}

	if _, err := d.store.ReleaseClaim(ctx, rel); err != nil {
		return err
	}

	project, err := d.store.GetProject(ctx, ticket.ProjectNumber)
	if err != nil {
		return err
	}
	d.publish(ctx, models.EventProjectReleased, projectPayload(project, ticket.AgentID, reason))
	d.refreshQueueDepth(ctx)
	d.logger.Warn("Claim released",
		"project", ticket.ProjectNumber,
		"agent_id", ticket.AgentID,
		"role", string(ticket.Role),
		"reason", reason)
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.ExpiryScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepExpired(ctx)
		}
	}
}

// RecoverOrphans releases every live claim attributed to podID. Runs once
// at startup, before new claims are granted, so work stranded by a crash
// of a previous run of this same pod returns to the pool immediately
// instead of waiting out its lease.
func (d *Dispatcher) RecoverOrphans(ctx context.Context, podID string) (int, error) {
	orphans, err := d.store.ClaimsByPod(ctx, podID)
	if err != nil {
		return 0, fmt.Errorf("failed to scan pod claims: %w", err)
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	d.logger.Warn("Found orphaned claims from previous run",
		"pod_id", podID, "count", len(orphans))

	recovered := 0
	for _, ticket := range orphans {
		if err := d.Requeue(ctx, ticket, "pod restarted while claim was live"); err != nil {
			d.logger.Error("Failed to recover orphaned claim",
				"project", ticket.ProjectNumber,
				"agent_id", ticket.AgentID,
				"error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// sweepExpired releases every lapsed claim. Crash-safe recovery: a dead
// agent's project returns to the queue without its cooperation.
func (d *Dispatcher) sweepExpired(ctx context.Context) {
	expired, err := d.store.ExpiredClaims(ctx, d.clk.Now())
	if err != nil {
		d.logger.Error("Failed to scan for expired leases", "error", err)
		return
	}
	for _, ticket := range expired {
		if err := d.Requeue(ctx, ticket, "lease expired"); err != nil {
			d.logger.Error("Failed to release expired claim",
				"project", ticket.ProjectNumber,
				"agent_id", ticket.AgentID,
				"error", err)
			continue
		}
		metrics.LeaseExpiries.Inc()
	}
}

func (d *Dispatcher) signalWake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// refreshQueueDepth is best-effort gauge upkeep.
func (d *Dispatcher) refreshQueueDepth(ctx context.Context) {
	depth, err := d.store.QueueDepth(ctx, d.workspaceID)
	if err != nil {
		return
	}
	metrics.QueueDepth.WithLabelValues(d.workspaceID).Set(float64(depth))
}

// publish is non-blocking with respect to failures: errors are logged.
func (d *Dispatcher) publish(ctx context.Context, t models.EventType, payload any) {
	if d.bus == nil {
		return
	}
	if _, err := d.bus.Publish(ctx, t, payload); err != nil {
		d.logger.Warn("Failed to publish event", "type", string(t), "error", err)
	}
}

func projectPayload(p *models.Project, agentID, reason string) bus.ProjectPayload {
	return bus.ProjectPayload{
		Number:      p.Number,
		WorkspaceID: p.WorkspaceID,
		Title:       p.Title,
		State:       p.State,
		AgentID:     agentID,
		Branch:      models.BranchName(p.Number),
		Phase:       p.Phase,
		Iteration:   p.ReviewIterations,
		Reason:      reason,
	}
}

// eventForState maps a successful transition onto its bus event.
func eventForState(to models.ProjectState) models.EventType {
	switch to {
	case models.ProjectQueued:
		return models.EventProjectQueued
	case models.ProjectExecuting:
		return models.EventProjectProgress
	case models.ProjectPushed:
		return models.EventProjectPushed
	case models.ProjectInReview:
		return models.EventProjectInReview
	case models.ProjectRework:
		return models.EventProjectRework
	case models.ProjectAccepted:
		return models.EventProjectAccepted
	case models.ProjectFailed:
		return models.EventProjectFailed
	default:
		return models.EventProjectProgress
	}
}
