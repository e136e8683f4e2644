// Package ideation refills the project queue when it drains. A singleton
// loop rotates over the fixed category catalog with weighted round-robin,
// hands a category brief to an idle agent through the supervisor, and
// turns the returned proposal into a queued project. An hour-bucketed
// idempotency key guarantees a retried generation never creates a second
// project.
package ideation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildswarm/orchestrator/pkg/bus"
	"github.com/buildswarm/orchestrator/pkg/clock"
	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/metrics"
	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
	"github.com/buildswarm/orchestrator/pkg/runtime"
	"github.com/buildswarm/orchestrator/pkg/store"
	"github.com/buildswarm/orchestrator/pkg/tracker"
)

// Publisher is the slice of the event bus the loop needs.
type Publisher interface {
	Publish(ctx context.Context, t models.EventType, payload any) (int64, error)
}

// Recorder is the slice of the audit trail the loop needs.
type Recorder interface {
	Record(rec *models.AuditRecord)
}

// Admission decides whether an agent may start billable work.
type Admission interface {
	MayStart(ctx context.Context, agentID string, estimateUSD float64) error
}

// Assigner moves an idle agent into ideating and hands it the category
// brief. The supervisor manager implements it; a Conflict error means
// the agent is no longer idle and the loop should retry on the next
// tick.
type Assigner interface {
	AssignIdeation(ctx context.Context, agentID string, category Category) error
}

// Loop is the singleton queue-refill worker for one workspace.
type Loop struct {
	store       store.Store
	bus         Publisher
	audit       Recorder
	host        tracker.Host
	admission   Admission
	sel         *selector
	cfg         *config.IdeationConfig
	workspaceID string
	clk         clock.Clock
	logger      *slog.Logger

	mu       sync.Mutex
	assigner Assigner

	wake     <-chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLoop creates an ideation loop. The wake channel comes from the
// dispatcher and fires when a claim attempt finds the queue empty; a nil
// channel leaves only the idle-delay ticker. Wire the assigner before
// Start.
func NewLoop(st store.Store, b Publisher, audit Recorder, host tracker.Host, adm Admission,
	cfg *config.IdeationConfig, workspaceID string, wake <-chan struct{}, clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.System{}
	}
	return &Loop{
		store:       st,
		bus:         b,
		audit:       audit,
		host:        host,
		admission:   adm,
		sel:         newSelector(Catalog(), cfg, clk),
		cfg:         cfg,
		workspaceID: workspaceID,
		clk:         clk,
		logger:      slog.With("component", "ideation"),
		wake:        wake,
		stopCh:      make(chan struct{}),
	}
}

// SetAssigner wires the supervisor after construction.
func (l *Loop) SetAssigner(a Assigner) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.assigner = a
}

func (l *Loop) currentAssigner() Assigner {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.assigner
}

// SetCategoryWeight tunes one category's rotation share.
func (l *Loop) SetCategoryWeight(tag string, weight int) error {
	return l.sel.setWeight(tag, weight)
}

// Start launches the refill worker.
func (l *Loop) Start(ctx context.Context) error {
	l.wg.Add(1)
	go l.run(ctx)
	l.logger.Info("Ideation loop started",
		"workspace_id", l.workspaceID,
		"categories", len(Catalog()),
		"idle_delay", l.cfg.IdleDelay)
	return nil
}

// Stop halts the worker and waits for it to exit.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
	l.logger.Info("Ideation loop stopped")
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.IdleDelay)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-l.wake:
		case <-ticker.C:
		}
		l.attempt(ctx)
	}
}

// attempt runs one refill round: verify the queue is actually drained
// and quiet, find an idle agent the governor admits, pick a category,
// and hand the brief over. Every early return yields to the next tick.
func (l *Loop) attempt(ctx context.Context) {
	assigner := l.currentAssigner()
	if assigner == nil {
		return
	}

	depth, err := l.store.QueueDepth(ctx, l.workspaceID)
	if err != nil {
		l.logger.Error("Failed to read queue depth", "error", err)
		return
	}
	if depth > 0 {
		return
	}

	// Pending reviews can still loop work back as rework, so a refill
	// now would overfill the queue.
	inReview, err := l.store.ListProjects(ctx, store.ProjectFilter{
		WorkspaceID: l.workspaceID,
		State:       models.ProjectInReview,
	})
	if err != nil {
		l.logger.Error("Failed to list in-review projects", "error", err)
		return
	}
	if len(inReview) > 0 {
		return
	}

	agents, err := l.store.ListAgents(ctx, l.workspaceID)
	if err != nil {
		l.logger.Error("Failed to list agents", "error", err)
		return
	}
	var idle string
	for _, agent := range agents {
		if agent.Status == models.AgentIdeating {
			// One generation in flight at a time.
			return
		}
		if idle == "" && agent.Status == models.AgentIdle {
			idle = agent.ID
		}
	}
	if idle == "" {
		return
	}

	if err := l.admission.MayStart(ctx, idle, 0); err != nil {
		if orcherr.IsKind(err, orcherr.KindBudget) {
			l.logger.Info("Refill deferred by cost governor", "agent_id", idle)
			return
		}
		l.logger.Error("Admission check failed", "agent_id", idle, "error", err)
		return
	}

	cat, ok := l.sel.next()
	if !ok {
		l.logger.Debug("Every category is cooling down")
		return
	}

	if err := assigner.AssignIdeation(ctx, idle, cat); err != nil {
		if orcherr.IsKind(err, orcherr.KindConflict) {
			return
		}
		l.logger.Warn("Ideation assignment failed",
			"agent_id", idle, "category", cat.Tag, "error", err)
	}
}

// SubmitProposal turns a generated draft into a queued project. The
// proposal is validated, deduplicated by its hour bucket, mirrored to
// the issue host, and promoted into the queue. A nil project with a nil
// error means the draft was a duplicate and was dropped.
func (l *Loop) SubmitProposal(ctx context.Context, agentID, categoryTag string, draft *runtime.Draft) (*models.Project, error) {
	if draft == nil {
		draft = &runtime.Draft{}
	}
	proposal := &models.Proposal{
		ID:                 uuid.NewString(),
		WorkspaceID:        l.workspaceID,
		CategoryTag:        categoryTag,
		GeneratingAgentID:  agentID,
		Title:              draft.Title,
		ProblemStatement:   draft.Summary,
		AcceptanceCriteria: draft.Criteria,
		CreatedAt:          l.clk.Now(),
	}
	if err := proposal.Validate(); err != nil {
		l.sel.fail(categoryTag)
		l.recordAttempt(agentID, categoryTag, nil, "invalid")
		l.logger.Warn("Proposal rejected",
			"agent_id", agentID, "category", categoryTag, "error", err)
		return nil, orcherr.Wrap(orcherr.KindInvariant, err,
			"proposal from %s in category %s rejected", agentID, categoryTag)
	}

	if err := l.store.CreateProposal(ctx, proposal); err != nil {
		if orcherr.IsKind(err, orcherr.KindConflict) {
			metrics.ProposalsDeduplicated.Inc()
			l.sel.succeed(categoryTag)
			l.logger.Info("Duplicate proposal dropped",
				"agent_id", agentID, "category", categoryTag)
			return nil, nil
		}
		return nil, err
	}

	project := &models.Project{
		WorkspaceID:        l.workspaceID,
		Title:              proposal.Title,
		State:              models.ProjectProposed,
		CategoryTag:        categoryTag,
		AcceptanceCriteria: proposal.AcceptanceCriteria,
		QueuedAt:           l.clk.Now(),
	}
	number, err := l.store.CreateProject(ctx, project)
	if err != nil {
		return nil, err
	}
	l.publish(ctx, models.EventProjectCreated, l.projectPayload(project, agentID))

	l.mirrorIssue(ctx, number, proposal)

	project.State = models.ProjectQueued
	project.QueuedAt = l.clk.Now()
	if err := l.store.UpdateProject(ctx, project); err != nil {
		return nil, err
	}
	l.publish(ctx, models.EventProjectQueued, l.projectPayload(project, agentID))

	if err := l.store.BindProposalProject(ctx, proposal.ID, number); err != nil {
		l.logger.Warn("Failed to bind proposal to project",
			"proposal_id", proposal.ID, "project", number, "error", err)
	}
	if err := l.store.DeleteProposal(ctx, proposal.ID); err != nil {
		l.logger.Warn("Failed to dispose proposal",
			"proposal_id", proposal.ID, "error", err)
	}

	l.sel.succeed(categoryTag)
	metrics.ProposalsGenerated.WithLabelValues(categoryTag).Inc()
	l.refreshQueueDepth(ctx)
	l.recordAttempt(agentID, categoryTag, &number, "created")
	l.logger.Info("Proposal became project",
		"project", number, "agent_id", agentID, "category", categoryTag,
		"title", proposal.Title)
	return project, nil
}

// mirrorIssue creates the external issue for a fresh project. The store
// is the source of truth; a mirror failure warns and moves on.
func (l *Loop) mirrorIssue(ctx context.Context, number int64, proposal *models.Proposal) {
	var body strings.Builder
	body.WriteString(proposal.ProblemStatement)
	if len(proposal.AcceptanceCriteria) > 0 {
		body.WriteString("\n\nAcceptance criteria:\n")
		for _, c := range proposal.AcceptanceCriteria {
			fmt.Fprintf(&body, "- %s\n", c)
		}
	}
	_, err := l.host.CreateIssue(ctx, &tracker.Issue{
		Number: number,
		Title:  proposal.Title,
		Body:   body.String(),
		Labels: []string{proposal.CategoryTag},
	})
	if err != nil {
		l.logger.Warn("Failed to mirror project to issue host",
			"project", number, "error", err)
	}
}

func (l *Loop) recordAttempt(agentID, categoryTag string, number *int64, status string) {
	if l.audit == nil {
		return
	}
	l.audit.Record(&models.AuditRecord{
		OperationType:  "ideation.proposal",
		AgentID:        agentID,
		ProjectNumber:  number,
		RequestSummary: categoryTag,
		ResponseStatus: status,
	})
}

func (l *Loop) refreshQueueDepth(ctx context.Context) {
	depth, err := l.store.QueueDepth(ctx, l.workspaceID)
	if err != nil {
		return
	}
	metrics.QueueDepth.WithLabelValues(l.workspaceID).Set(float64(depth))
}

// publish is non-blocking with respect to failures: errors are logged.
func (l *Loop) publish(ctx context.Context, t models.EventType, payload any) {
	if l.bus == nil {
		return
	}
	if _, err := l.bus.Publish(ctx, t, payload); err != nil {
		l.logger.Warn("Failed to publish event", "type", string(t), "error", err)
	}
}

func (l *Loop) projectPayload(p *models.Project, agentID string) bus.ProjectPayload {
	return bus.ProjectPayload{
		Number:      p.Number,
		WorkspaceID: p.WorkspaceID,
		Title:       p.Title,
		State:       p.State,
		AgentID:     agentID,
	}
}
