// Package review runs the acceptance workflow. Pushed work enters an
// in-review wait state, a different idle agent is assigned as reviewer,
// and each verdict either accepts the project, loops it back through
// rework, or fails it once the iteration ceiling is reached.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
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
	"github.com/buildswarm/orchestrator/pkg/store"
	"github.com/buildswarm/orchestrator/pkg/tracker"
)

// Publisher is the slice of the event bus the engine needs.
type Publisher interface {
	Publish(ctx context.Context, t models.EventType, payload any) (int64, error)
}

// Recorder is the slice of the audit trail the engine needs.
type Recorder interface {
	Record(rec *models.AuditRecord)
}

// Assigner hands a review to an idle agent. The supervisor manager
// implements it; a Conflict error means the agent is no longer idle and
// the engine should try another candidate on the next sweep.
type Assigner interface {
	AssignReview(ctx context.Context, agentID string, project *models.Project) error
}

// Outcome is a reviewer's raw assessment of one iteration. The engine
// derives the binding verdict from it; the runtime's own pass or fail
// claim is advisory.
type Outcome struct {
	Findings []models.Finding
	Checks   map[string]bool
	Summary  string
}

// Engine owns review assignment and verdict policy for one workspace.
type Engine struct {
	store       store.Store
	bus         Publisher
	audit       Recorder
	host        tracker.Host
	cfg         *config.ReviewConfig
	workspaceID string
	clk         clock.Clock
	logger      *slog.Logger

	mu       sync.Mutex
	assigner Assigner

	kick     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates a review engine. Wire the assigner before Start.
func NewEngine(st store.Store, b Publisher, audit Recorder, host tracker.Host, cfg *config.ReviewConfig, workspaceID string, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{
		store:       st,
		bus:         b,
		audit:       audit,
		host:        host,
		cfg:         cfg,
		workspaceID: workspaceID,
		clk:         clk,
		logger:      slog.With("component", "review"),
		kick:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// SetAssigner wires the supervisor side after construction; the two
// components reference each other.
func (e *Engine) SetAssigner(a Assigner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assigner = a
}

func (e *Engine) currentAssigner() Assigner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.assigner
}

// Start launches the assignment loop.
func (e *Engine) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.run(ctx)
	e.logger.Info("Review engine started",
		"workspace_id", e.workspaceID,
		"max_iterations", e.cfg.MaxIterations,
		"quality_checks", len(e.cfg.QualityChecks))
	return nil
}

// Stop halts the assignment loop and waits for it to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.logger.Info("Review engine stopped")
}

// EnterReview settles an executor's claim into the in-review wait state.
// The executor's supervisor calls this right after project.pushed; with
// no idle reviewer the project simply waits unassigned.
func (e *Engine) EnterReview(ctx context.Context, ticket *models.ClaimTicket) (*models.Project, error) {
	_, err := e.store.ReleaseClaim(ctx, store.Release{
		ProjectNumber: ticket.ProjectNumber,
		FenceToken:    ticket.FenceToken,
		Reason:        "awaiting review",
		NextState:     models.ProjectInReview,
		Now:           e.clk.Now(),
	})
	if err != nil {
		return nil, err
	}

	project, err := e.store.GetProject(ctx, ticket.ProjectNumber)
	if err != nil {
		return nil, err
	}

	e.publish(ctx, models.EventProjectInReview, projectPayload(project, project.OwnerAgentID, ""))
	e.signalKick()
	e.logger.Info("Project entered review",
		"project", project.Number,
		"executor", project.OwnerAgentID,
		"iteration", project.ReviewIterations+1)
	return project, nil
}

// SubmitVerdict lands a reviewer's outcome. The claim release is the
// fence gate: a reviewer whose lease lapsed gets a conflict and its
// verdict is discarded without trace.
func (e *Engine) SubmitVerdict(ctx context.Context, ticket *models.ClaimTicket, outcome *Outcome) (*models.ReviewRecord, error) {
	project, err := e.store.GetProject(ctx, ticket.ProjectNumber)
	if err != nil {
		return nil, err
	}

	iteration := project.ReviewIterations + 1
	verdict, findings, checks := e.evaluate(project, outcome)

	next := models.ProjectAccepted
	reason := "accepted"
	if verdict == models.VerdictFail {
		if iteration >= e.cfg.MaxIterations {
			next = models.ProjectFailed
			reason = fmt.Sprintf("review iterations exhausted after %d rounds", iteration)
		} else {
			next = models.ProjectRework
			reason = feedback(outcome.Summary, findings, checks)
		}
	}

	if _, err := e.store.ReleaseClaim(ctx, store.Release{
		ProjectNumber: ticket.ProjectNumber,
		FenceToken:    ticket.FenceToken,
		Reason:        reason,
		NextState:     next,
		ClearReviewer: next == models.ProjectRework,
		Now:           e.clk.Now(),
	}); err != nil {
		// Conflict means another claim superseded this one; NotFound
		// means the lease was reaped. Either way the verdict is stale.
		if orcherr.IsKind(err, orcherr.KindConflict) || orcherr.IsKind(err, orcherr.KindNotFound) {
			metrics.FenceRejections.Inc()
			return nil, orcherr.Wrap(orcherr.KindConflict, err,
				"verdict from %s discarded", ticket.AgentID)
		}
		return nil, err
	}

	fresh, err := e.store.GetProject(ctx, ticket.ProjectNumber)
	if err != nil {
		return nil, err
	}
	fresh.ReviewIterations = iteration
	if next == models.ProjectFailed {
		fresh.TerminalReason = reason
	}
	if err := e.store.UpdateProject(ctx, fresh); err != nil {
		return nil, err
	}

	rec := &models.ReviewRecord{
		ID:              uuid.NewString(),
		ProjectNumber:   ticket.ProjectNumber,
		ReviewerAgentID: ticket.AgentID,
		ExecutorAgentID: fresh.OwnerAgentID,
		Iteration:       iteration,
		Findings:        findings,
		Checks:          checks,
		Verdict:         verdict,
		CreatedAt:       e.clk.Now(),
	}
	if err := e.store.AppendReview(ctx, rec); err != nil {
		e.logger.Error("Failed to persist review record",
			"project", rec.ProjectNumber, "iteration", iteration, "error", err)
	}

	e.settle(ctx, fresh, rec, reason)
	return rec, nil
}

// settle publishes, notifies the tracker, and audits one landed verdict.
func (e *Engine) settle(ctx context.Context, project *models.Project, rec *models.ReviewRecord, reason string) {
	wireVerdict := "accepted"
	if rec.Verdict == models.VerdictFail {
		wireVerdict = "rework"
	}
	e.publish(ctx, models.EventReviewVerdict, bus.ReviewVerdictPayload{
		Number:     project.Number,
		ReviewerID: rec.ReviewerAgentID,
		Verdict:    wireVerdict,
		Iteration:  rec.Iteration,
		Summary:    reason,
	})
	e.publish(ctx, eventForProjectState(project.State), projectPayload(project, rec.ReviewerAgentID, reason))

	metrics.ReviewVerdicts.WithLabelValues(string(rec.Verdict)).Inc()

	switch project.State {
	case models.ProjectAccepted:
		metrics.ReviewIterations.Observe(float64(rec.Iteration))
		e.trackerClose(ctx, project.Number, "accepted")
		e.logger.Info("Project accepted",
			"project", project.Number, "reviewer", rec.ReviewerAgentID, "iteration", rec.Iteration)
	case models.ProjectFailed:
		e.trackerClose(ctx, project.Number, "failed")
		e.logger.Warn("Project failed review ceiling",
			"project", project.Number, "iterations", rec.Iteration)
	default:
		e.trackerComment(ctx, project.Number, fmt.Sprintf("Review iteration %d: rework. %s", rec.Iteration, reason))
		e.logger.Info("Project sent to rework",
			"project", project.Number, "reviewer", rec.ReviewerAgentID, "iteration", rec.Iteration)
	}

	number := project.Number
	e.audit.Record(&models.AuditRecord{
		OperationType:  "review.verdict",
		AgentID:        rec.ReviewerAgentID,
		ProjectNumber:  &number,
		RequestSummary: fmt.Sprintf("iteration %d", rec.Iteration),
		ResponseStatus: string(project.State),
	})
}

// evaluate derives the binding verdict. Pass requires every acceptance
// criterion marked satisfied and every configured quality check green;
// criteria and checks the reviewer skipped count as unmet. The returned
// checks map includes every configured gate.
func (e *Engine) evaluate(project *models.Project, outcome *Outcome) (models.Verdict, []models.Finding, map[string]bool) {
	findings := append([]models.Finding(nil), outcome.Findings...)
	byCriterion := make(map[string]*models.Finding, len(findings))
	for i := range findings {
		byCriterion[findings[i].Criterion] = &findings[i]
	}

	pass := true
	for _, criterion := range project.AcceptanceCriteria {
		f, ok := byCriterion[criterion]
		if !ok {
			findings = append(findings, models.Finding{
				Criterion: criterion,
				Satisfied: false,
				Note:      "not addressed by reviewer",
			})
			pass = false
			continue
		}
		if !f.Satisfied {
			pass = false
		}
	}

	checks := make(map[string]bool, len(outcome.Checks))
	for name, ok := range outcome.Checks {
		checks[name] = ok
	}
	for _, check := range e.cfg.QualityChecks {
		if !checks[string(check)] {
			checks[string(check)] = false
			pass = false
		}
	}

	if pass {
		return models.VerdictPass, findings, checks
	}
	return models.VerdictFail, findings, checks
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.AssignInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		case <-e.kick:
			e.sweep(ctx)
		}
	}
}

// sweep matches unassigned in-review projects with idle reviewers.
func (e *Engine) sweep(ctx context.Context) {
	assigner := e.currentAssigner()
	if assigner == nil {
		return
	}

	projects, err := e.store.ListProjects(ctx, store.ProjectFilter{
		WorkspaceID: e.workspaceID,
		State:       models.ProjectInReview,
	})
	if err != nil {
		e.logger.Error("Failed to list in-review projects", "error", err)
		return
	}

	for _, project := range projects {
		if project.ReviewerAgentID != "" {
			continue
		}
		reviewer, err := e.pickReviewer(ctx, project)
		if err != nil {
			e.logger.Error("Failed to pick a reviewer", "project", project.Number, "error", err)
			return
		}
		if reviewer == "" {
			continue
		}
		if err := assigner.AssignReview(ctx, reviewer, project); err != nil {
			if orcherr.IsKind(err, orcherr.KindConflict) {
				continue
			}
			e.logger.Warn("Review assignment failed",
				"project", project.Number, "agent_id", reviewer, "error", err)
		}
	}
}

// pickReviewer returns an idle agent other than the executor. Self-review
// is granted only when the workspace allows it and nobody else is idle.
func (e *Engine) pickReviewer(ctx context.Context, project *models.Project) (string, error) {
	agents, err := e.store.ListAgents(ctx, e.workspaceID)
	if err != nil {
		return "", err
	}

	ownerIdle := false
	for _, agent := range agents {
		if agent.Status != models.AgentIdle {
			continue
		}
		if agent.ID == project.OwnerAgentID {
			ownerIdle = true
			continue
		}
		return agent.ID, nil
	}

	if ownerIdle {
		ws, err := e.store.GetWorkspace(ctx, e.workspaceID)
		if err != nil {
			return "", err
		}
		if ws.AllowSelfReview {
			return project.OwnerAgentID, nil
		}
	}
	return "", nil
}

func (e *Engine) signalKick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) trackerClose(ctx context.Context, number int64, resolution string) {
	if e.host == nil {
		return
	}
	if err := e.host.CloseIssue(ctx, number, resolution); err != nil {
		e.logger.Warn("Failed to close tracker issue", "project", number, "error", err)
	}
}

func (e *Engine) trackerComment(ctx context.Context, number int64, body string) {
	if e.host == nil {
		return
	}
	if err := e.host.CommentIssue(ctx, number, body); err != nil {
		e.logger.Warn("Failed to comment on tracker issue", "project", number, "error", err)
	}
}

// publish is non-blocking with respect to failures: errors are logged.
func (e *Engine) publish(ctx context.Context, t models.EventType, payload any) {
	if e.bus == nil {
		return
	}
	if _, err := e.bus.Publish(ctx, t, payload); err != nil {
		e.logger.Warn("Failed to publish event", "type", string(t), "error", err)
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
		Iteration:   p.ReviewIterations,
		Reason:      reason,
	}
}

func eventForProjectState(s models.ProjectState) models.EventType {
	switch s {
	case models.ProjectAccepted:
		return models.EventProjectAccepted
	case models.ProjectFailed:
		return models.EventProjectFailed
	default:
		return models.EventProjectRework
	}
}

// feedback flattens a fail outcome into the reason string carried on the
// release, the rework event, and the tracker comment.
func feedback(summary string, findings []models.Finding, checks map[string]bool) string {
	var parts []string
	if summary != "" {
		parts = append(parts, summary)
	}
	for _, f := range findings {
		if f.Satisfied {
			continue
		}
		if f.Note != "" {
			parts = append(parts, fmt.Sprintf("unmet: %s (%s)", f.Criterion, f.Note))
		} else {
			parts = append(parts, "unmet: "+f.Criterion)
		}
	}
	var failed []string
	for check, ok := range checks {
		if !ok {
			failed = append(failed, check)
		}
	}
	sort.Strings(failed)
	for _, check := range failed {
		parts = append(parts, "check failed: "+check)
	}
	if len(parts) == 0 {
		return "rework requested"
	}
	return strings.Join(parts, "; ")
}
