// Package supervisor drives the agent fleet. Each agent gets one
// supervisor goroutine running a cooperative tick: apply pending
// operator commands, heartbeat, then advance the current activity a
// single step through the model runtime. A manager owns the set,
// implements the assignment seams for the review engine and the
// ideation loop, and runs the heartbeat staleness scanner.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buildswarm/orchestrator/pkg/bus"
	"github.com/buildswarm/orchestrator/pkg/dispatch"
	"github.com/buildswarm/orchestrator/pkg/ideation"
	"github.com/buildswarm/orchestrator/pkg/metrics"
	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
	"github.com/buildswarm/orchestrator/pkg/review"
	"github.com/buildswarm/orchestrator/pkg/runtime"
	"github.com/buildswarm/orchestrator/pkg/store"
)

type verb string

const (
	verbPause  verb = "pause"
	verbResume verb = "resume"
	verbStop   verb = "stop"
)

// command is an operator verb waiting for the next safe point.
type command struct {
	verb   verb
	reason string
}

// Supervisor owns one agent's state machine. All store writes for the
// agent row go through its tick, so status changes happen at safe
// points only.
type Supervisor struct {
	agentID string
	podID   string
	d       Deps
	logger  *slog.Logger

	mu          sync.Mutex
	commands    []command
	ticket      *models.ClaimTicket
	order       *runtime.Order
	stopAskedAt time.Time

	loopCh   chan struct{}
	loopOnce sync.Once
	wg       sync.WaitGroup
}

func newSupervisor(agentID, podID string, d Deps) *Supervisor {
	return &Supervisor{
		agentID: agentID,
		podID:   podID,
		d:       d,
		logger:  slog.With("component", "supervisor", "agent_id", agentID),
		loopCh:  make(chan struct{}),
	}
}

func (s *Supervisor) start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// shutdown stops the tick loop without touching the agent's status.
func (s *Supervisor) shutdown() {
	s.loopOnce.Do(func() { close(s.loopCh) })
	s.wg.Wait()
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(s.nextTick())
	defer timer.Stop()
	for {
		select {
		case <-s.loopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if s.tick(ctx) {
			return
		}
		timer.Reset(s.nextTick())
	}
}

// nextTick jitters the base interval so idle agents don't poll the
// queue in lockstep.
func (s *Supervisor) nextTick() time.Duration {
	j := s.d.Config.TickJitter
	if j <= 0 {
		return s.d.Config.TickInterval
	}
	return s.d.Config.TickInterval + time.Duration(rand.Int63n(int64(2*j))) - j
}

// tick advances the agent one step. Returns true once the agent is
// stopped and the loop should exit.
func (s *Supervisor) tick(ctx context.Context) bool {
	started := time.Now()
	defer func() {
		metrics.SupervisorTickDuration.Observe(time.Since(started).Seconds())
	}()

	agent, err := s.d.Store.GetAgent(ctx, s.agentID)
	if err != nil {
		s.logger.Error("Failed to load agent", "error", err)
		return false
	}
	if agent.Status == models.AgentStopped {
		return true
	}

	agent = s.applyCommands(ctx, agent)
	if agent.Status == models.AgentStopped {
		return true
	}

	if s.stopPending() {
		if !agent.Status.Busy() {
			s.finalizeStop(ctx, agent, "stopped by operator")
			return true
		}
		if s.graceExpired() {
			s.forceStop(ctx, agent)
			return true
		}
		// Grace still running: keep stepping so the work can land.
	}

	s.heartbeat(ctx, agent)

	switch agent.Status {
	case models.AgentIdle:
		s.tryClaim(ctx, agent)
	case models.AgentWorking:
		s.stepExecution(ctx, agent)
	case models.AgentReviewing:
		s.stepReview(ctx, agent)
	case models.AgentIdeating:
		s.stepIdeation(ctx, agent)
	case models.AgentPaused:
		// Suspended. The heartbeat above keeps the lease alive so a
		// pause never silently loses the claim.
	case models.AgentUnresponsive:
		s.tryRecover(ctx, agent)
	}
	return false
}

// --- commands ---

func (s *Supervisor) enqueue(cmd command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
}

func (s *Supervisor) drainCommands() []command {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmds := s.commands
	s.commands = nil
	return cmds
}

func (s *Supervisor) applyCommands(ctx context.Context, agent *models.Agent) *models.Agent {
	for _, cmd := range s.drainCommands() {
		switch cmd.verb {
		case verbPause:
			agent = s.applyPause(ctx, agent, cmd.reason)
		case verbResume:
			agent = s.applyResume(ctx, agent)
		case verbStop:
			s.mu.Lock()
			if s.stopAskedAt.IsZero() {
				s.stopAskedAt = s.d.Clock.Now()
			}
			s.mu.Unlock()
		}
	}
	return agent
}

func (s *Supervisor) applyPause(ctx context.Context, agent *models.Agent, reason string) *models.Agent {
	if agent.Status == models.AgentPaused {
		return agent
	}
	if err := agent.ValidateTransition(models.AgentPaused); err != nil {
		s.logger.Warn("Pause dropped", "status", agent.Status, "error", err)
		return agent
	}
	agent.ResumeStatus = agent.Status
	agent.Status = models.AgentPaused
	if err := s.d.Store.UpdateAgent(ctx, agent); err != nil {
		s.logger.Error("Failed to pause agent", "error", err)
		return agent
	}
	s.publish(ctx, models.EventAgentPaused, bus.AgentPayload{
		AgentID: s.agentID, Status: models.AgentPaused, Reason: reason,
	})
	s.audit("agent.paused", nil, reason, string(models.AgentPaused))
	s.logger.Info("Agent paused", "reason", reason, "resumes_to", agent.ResumeStatus)
	return agent
}

func (s *Supervisor) applyResume(ctx context.Context, agent *models.Agent) *models.Agent {
	if agent.Status != models.AgentPaused {
		s.logger.Warn("Resume dropped", "status", agent.Status)
		return agent
	}
	previous := agent.ResumeStatus
	if previous == "" {
		previous = models.AgentIdle
	}
	agent.Status = previous
	agent.ResumeStatus = ""
	if err := s.d.Store.UpdateAgent(ctx, agent); err != nil {
		s.logger.Error("Failed to resume agent", "error", err)
		return agent
	}
	s.publish(ctx, models.EventAgentResumed, bus.AgentPayload{
		AgentID: s.agentID, Status: agent.Status,
	})
	s.audit("agent.resumed", nil, "", string(agent.Status))
	s.logger.Info("Agent resumed", "status", agent.Status)
	return agent
}

func (s *Supervisor) stopPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopAskedAt.IsZero()
}

func (s *Supervisor) graceExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.Clock.Now().Sub(s.stopAskedAt) >= s.d.Config.StopGrace
}

func (s *Supervisor) finalizeStop(ctx context.Context, agent *models.Agent, reason string) {
	s.clearAssignment()
	agent.Status = models.AgentStopped
	agent.CurrentProject = nil
	agent.CurrentPhase = ""
	agent.ResumeStatus = ""
	if err := s.d.Store.UpdateAgent(ctx, agent); err != nil {
		s.logger.Error("Failed to stop agent", "error", err)
		return
	}
	s.publish(ctx, models.EventAgentStopped, bus.AgentPayload{
		AgentID: s.agentID, Status: models.AgentStopped, Reason: reason,
	})
	s.audit("agent.stopped", nil, reason, string(models.AgentStopped))
	s.logger.Info("Agent stopped", "reason", reason)
}

func (s *Supervisor) forceStop(ctx context.Context, agent *models.Agent) {
	s.logger.Warn("Stop grace expired, abandoning work", "status", agent.Status)
	if err := s.d.Driver.Halt(ctx, s.agentID, "agent stopped"); err != nil {
		s.logger.Debug("Halt failed during stop", "error", err)
	}
	if ticket := s.currentTicket(); ticket != nil {
		if err := s.d.Dispatcher.Requeue(ctx, ticket, "agent stopped"); err != nil {
			s.logger.Error("Failed to release claim on stop", "error", err)
		}
	}
	s.finalizeStop(ctx, agent, "stop grace expired")
}

// --- heartbeat ---

func (s *Supervisor) heartbeat(ctx context.Context, agent *models.Agent) {
	now := s.d.Clock.Now()
	if now.Sub(agent.LastHeartbeatAt) < s.d.Config.HeartbeatInterval {
		return
	}
	if err := s.d.Store.TouchAgentHeartbeat(ctx, s.agentID, now); err != nil {
		s.logger.Warn("Failed to record heartbeat", "error", err)
		return
	}
	agent.LastHeartbeatAt = now
	if err := s.d.Dispatcher.ExtendLease(ctx, s.agentID); err != nil {
		s.logger.Warn("Failed to extend lease", "error", err)
	}
	s.publish(ctx, models.EventAgentHeartbeat, bus.AgentPayload{
		AgentID: s.agentID, Status: agent.Status, PodID: s.podID,
	})
}

// --- idle: claim work ---

func (s *Supervisor) tryClaim(ctx context.Context, agent *models.Agent) {
	ticket, project, err := s.d.Dispatcher.TryClaim(ctx, s.agentID, s.podID)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrQueueEmpty):
			// The dispatcher woke ideation; nothing to do here.
		case orcherr.IsKind(err, orcherr.KindBudget):
			s.logger.Debug("Claim denied by cost governor")
		case orcherr.IsKind(err, orcherr.KindConflict):
			// Raced another claim attempt; the next tick retries.
		default:
			s.fault(ctx, agent, "claim", 0, err)
		}
		return
	}
	if err := s.beginExecution(ctx, agent, ticket, project); err != nil {
		s.logger.Warn("Execution handoff failed", "project", ticket.ProjectNumber, "error", err)
	}
}

func (s *Supervisor) beginExecution(ctx context.Context, agent *models.Agent, ticket *models.ClaimTicket, project *models.Project) error {
	order := s.executeOrder(ctx, ticket, project)
	if err := s.d.Driver.Begin(ctx, order); err != nil {
		if rerr := s.d.Dispatcher.Requeue(ctx, ticket, "runtime rejected order"); rerr != nil {
			s.logger.Error("Failed to requeue after rejected order",
				"project", ticket.ProjectNumber, "error", rerr)
		}
		s.fault(ctx, agent, "begin", ticket.ProjectNumber, err)
		return orcherr.Wrap(orcherr.KindExternal, err,
			"execution handoff to %s failed", s.agentID)
	}
	s.setAssignment(ticket, order)

	if _, err := s.d.Dispatcher.Advance(ctx, ticket.ProjectNumber, ticket.FenceToken,
		models.ProjectExecuting, "starting"); err != nil {
		s.logger.Warn("Failed to advance into executing",
			"project", ticket.ProjectNumber, "error", err)
	}

	number := ticket.ProjectNumber
	agent.Status = models.AgentWorking
	agent.CurrentProject = &number
	agent.CurrentPhase = "starting"
	if err := s.d.Store.UpdateAgent(ctx, agent); err != nil {
		s.logger.Error("Failed to update agent after claim", "error", err)
	}
	s.logger.Info("Execution started",
		"project", number, "branch", ticket.Branch, "rework", order.Rework != "")
	return nil
}

func (s *Supervisor) executeOrder(ctx context.Context, ticket *models.ClaimTicket, project *models.Project) *runtime.Order {
	order := &runtime.Order{
		AgentID:  s.agentID,
		Kind:     runtime.OrderExecute,
		Project:  project.Number,
		Branch:   ticket.Branch,
		Title:    project.Title,
		Criteria: project.AcceptanceCriteria,
		Category: project.CategoryTag,
	}
	if project.ReviewIterations > 0 {
		order.Rework = s.reworkBrief(ctx, project.Number)
	}
	return order
}

// reworkBrief condenses the latest review round into the feedback the
// original executor works against.
func (s *Supervisor) reworkBrief(ctx context.Context, number int64) string {
	reviews, err := s.d.Store.ListReviews(ctx, number)
	if err != nil || len(reviews) == 0 {
		return ""
	}
	last := reviews[len(reviews)-1]

	var parts []string
	for _, f := range last.Findings {
		if f.Satisfied {
			continue
		}
		if f.Note != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", f.Criterion, f.Note))
		} else {
			parts = append(parts, f.Criterion)
		}
	}
	var failed []string
	for check, ok := range last.Checks {
		if !ok {
			failed = append(failed, check)
		}
	}
	sort.Strings(failed)
	for _, check := range failed {
		parts = append(parts, "fix failing check: "+check)
	}
	if len(parts) == 0 {
		return "address reviewer feedback"
	}
	return strings.Join(parts, "; ")
}

// --- working: step execution ---

func (s *Supervisor) stepExecution(ctx context.Context, agent *models.Agent) {
	ticket := s.recoverTicket(ctx, agent)
	if ticket == nil {
		return
	}

	report, err := s.d.Driver.Step(ctx, s.agentID)
	if err != nil {
		s.stepFailed(ctx, agent, ticket, "execute", err)
		return
	}
	s.recordCost(ctx, ticket, report)

	switch {
	case report.Failed:
		s.stepFailed(ctx, agent, ticket, "execute",
			orcherr.New(orcherr.KindExternal, "agent reported failure: %s", report.Detail))
	case report.Done:
		s.finishExecution(ctx, agent, ticket)
	default:
		s.progress(ctx, agent, ticket, report.Phase)
	}
}

// recoverTicket restores the in-memory claim after a restart, or resets
// the agent when the claim is gone.
func (s *Supervisor) recoverTicket(ctx context.Context, agent *models.Agent) *models.ClaimTicket {
	if ticket := s.currentTicket(); ticket != nil {
		return ticket
	}
	ticket, err := s.d.Store.ActiveClaimByAgent(ctx, s.agentID)
	if err != nil {
		if !orcherr.IsKind(err, orcherr.KindNotFound) {
			s.logger.Error("Failed to recover claim", "error", err)
			return nil
		}
		s.logger.Warn("Claim gone, returning to idle")
		s.resetToIdle(ctx, agent)
		return nil
	}
	s.setAssignment(ticket, nil)
	return ticket
}

func (s *Supervisor) progress(ctx context.Context, agent *models.Agent, ticket *models.ClaimTicket, phase string) {
	if phase == "" || phase == agent.CurrentPhase {
		return
	}
	if err := s.d.Dispatcher.Progress(ctx, ticket.ProjectNumber, ticket.FenceToken, s.agentID, phase); err != nil {
		if orcherr.IsKind(err, orcherr.KindConflict) || orcherr.IsKind(err, orcherr.KindNotFound) {
			s.claimSuperseded(ctx, agent, ticket)
			return
		}
		s.logger.Warn("Failed to record progress", "project", ticket.ProjectNumber, "error", err)
		return
	}
	agent.CurrentPhase = phase
	if err := s.d.Store.UpdateAgent(ctx, agent); err != nil {
		s.logger.Warn("Failed to update agent phase", "error", err)
	}
}

func (s *Supervisor) finishExecution(ctx context.Context, agent *models.Agent, ticket *models.ClaimTicket) {
	project, err := s.d.Dispatcher.Advance(ctx, ticket.ProjectNumber, ticket.FenceToken, models.ProjectPushed, "")
	if err != nil {
		if orcherr.IsKind(err, orcherr.KindConflict) || orcherr.IsKind(err, orcherr.KindNotFound) {
			s.claimSuperseded(ctx, agent, ticket)
			return
		}
		s.stepFailed(ctx, agent, ticket, "push", err)
		return
	}

	// A landed push clears the failure streak.
	if project.FailureStreak != 0 {
		project.FailureStreak = 0
		if uerr := s.d.Store.UpdateProject(ctx, project); uerr != nil {
			s.logger.Warn("Failed to reset failure streak", "error", uerr)
		}
	}

	if _, err := s.d.Reviews.EnterReview(ctx, ticket); err != nil {
		// The claim stays live; the lease scanner will reap it.
		s.logger.Error("Failed to hand project to review",
			"project", ticket.ProjectNumber, "error", err)
	}
	s.completeAssignment(ctx, agent)
	s.logger.Info("Execution finished",
		"project", ticket.ProjectNumber, "tasks_completed", agent.TasksCompleted)
}

// claimSuperseded handles a stale fence: the lease expired and the work
// was requeued or reclaimed while this agent was still stepping.
func (s *Supervisor) claimSuperseded(ctx context.Context, agent *models.Agent, ticket *models.ClaimTicket) {
	s.logger.Warn("Claim superseded, abandoning work", "project", ticket.ProjectNumber)
	if err := s.d.Driver.Halt(ctx, s.agentID, "claim superseded"); err != nil {
		s.logger.Debug("Halt failed", "error", err)
	}
	s.resetToIdle(ctx, agent)
}

func (s *Supervisor) stepFailed(ctx context.Context, agent *models.Agent, ticket *models.ClaimTicket, op string, err error) {
	agent.ErrorCount++
	agent.LastError = err.Error()
	s.reportError(ctx, op, ticket.ProjectNumber, err)

	if herr := s.d.Driver.Halt(ctx, s.agentID, "step failed"); herr != nil {
		s.logger.Debug("Halt failed", "error", herr)
	}
	if orcherr.IsKind(err, orcherr.KindTimeout) {
		s.markSelfUnresponsive(ctx, agent, ticket, "runtime timed out")
		return
	}

	reason := fmt.Sprintf("%s failed: %v", op, err)
	project, gerr := s.d.Store.GetProject(ctx, ticket.ProjectNumber)
	if gerr != nil {
		s.logger.Error("Failed to load project after step failure",
			"project", ticket.ProjectNumber, "error", gerr)
		s.resetToIdle(ctx, agent)
		return
	}

	project.FailureStreak++
	if project.FailureStreak >= s.d.Config.FailureStreakLimit {
		s.failProject(ctx, project, ticket, reason)
	} else {
		if uerr := s.d.Store.UpdateProject(ctx, project); uerr != nil {
			s.logger.Warn("Failed to persist failure streak", "error", uerr)
		}
		if rerr := s.d.Dispatcher.Requeue(ctx, ticket, reason); rerr != nil {
			s.logger.Error("Failed to requeue after step failure",
				"project", ticket.ProjectNumber, "error", rerr)
		}
	}
	s.resetToIdle(ctx, agent)
}

// failProject escalates after the streak limit: the claim settles into
// failed and the terminal reason is recorded.
func (s *Supervisor) failProject(ctx context.Context, project *models.Project, ticket *models.ClaimTicket, reason string) {
	terminal := fmt.Sprintf("%d consecutive failures: %s", project.FailureStreak, reason)
	if _, err := s.d.Store.ReleaseClaim(ctx, store.Release{
		ProjectNumber: project.Number,
		FenceToken:    ticket.FenceToken,
		Reason:        terminal,
		NextState:     models.ProjectFailed,
		Now:           s.d.Clock.Now(),
	}); err != nil {
		s.logger.Error("Failed to fail project", "project", project.Number, "error", err)
		return
	}

	fresh, err := s.d.Store.GetProject(ctx, project.Number)
	if err != nil {
		s.logger.Error("Failed to reload failed project", "project", project.Number, "error", err)
		return
	}
	fresh.FailureStreak = project.FailureStreak
	fresh.TerminalReason = terminal
	if err := s.d.Store.UpdateProject(ctx, fresh); err != nil {
		s.logger.Error("Failed to record terminal reason", "project", project.Number, "error", err)
	}

	number := project.Number
	s.audit("project.failed", &number, reason, string(models.ProjectFailed))
	s.publish(ctx, models.EventProjectFailed, bus.ProjectPayload{
		Number:      number,
		WorkspaceID: s.d.WorkspaceID,
		Title:       fresh.Title,
		State:       models.ProjectFailed,
		AgentID:     s.agentID,
		Reason:      terminal,
	})
	s.logger.Error("Project failed", "project", number, "reason", terminal)
}

func (s *Supervisor) markSelfUnresponsive(ctx context.Context, agent *models.Agent, ticket *models.ClaimTicket, reason string) {
	if ticket != nil {
		if err := s.d.Dispatcher.Requeue(ctx, ticket, reason); err != nil {
			s.logger.Error("Failed to release claim",
				"project", ticket.ProjectNumber, "error", err)
		}
	}
	s.clearAssignment()
	agent.Status = models.AgentUnresponsive
	agent.CurrentProject = nil
	agent.CurrentPhase = ""
	if err := s.d.Store.UpdateAgent(ctx, agent); err != nil {
		s.logger.Error("Failed to mark agent unresponsive", "error", err)
		return
	}
	s.publish(ctx, models.EventAgentUnresponsive, bus.AgentPayload{
		AgentID: s.agentID, Status: models.AgentUnresponsive, Reason: reason,
	})
	s.logger.Error("Agent unresponsive", "reason", reason)
}

// --- reviewing: step review ---

func (s *Supervisor) stepReview(ctx context.Context, agent *models.Agent) {
	ticket := s.recoverTicket(ctx, agent)
	if ticket == nil {
		return
	}

	report, err := s.d.Driver.Step(ctx, s.agentID)
	if err != nil {
		s.reviewFailed(ctx, agent, ticket, err)
		return
	}
	s.recordCost(ctx, ticket, report)

	switch {
	case report.Failed:
		s.reviewFailed(ctx, agent, ticket,
			orcherr.New(orcherr.KindExternal, "reviewer gave up: %s", report.Detail))
	case report.Done:
		s.finishReview(ctx, agent, ticket, report)
	default:
		if report.Phase != "" && report.Phase != agent.CurrentPhase {
			agent.CurrentPhase = report.Phase
			if err := s.d.Store.UpdateAgent(ctx, agent); err != nil {
				s.logger.Warn("Failed to update agent phase", "error", err)
			}
		}
	}
}

func (s *Supervisor) finishReview(ctx context.Context, agent *models.Agent, ticket *models.ClaimTicket, report *runtime.Report) {
	outcome := &review.Outcome{
		Findings: modelFindings(report.Findings),
		Checks:   report.Checks,
		Summary:  report.Detail,
	}
	if _, err := s.d.Reviews.SubmitVerdict(ctx, ticket, outcome); err != nil {
		if orcherr.IsKind(err, orcherr.KindConflict) {
			s.logger.Warn("Verdict discarded", "project", ticket.ProjectNumber, "error", err)
		} else {
			agent.ErrorCount++
			agent.LastError = err.Error()
			s.reportError(ctx, "review", ticket.ProjectNumber, err)
		}
		s.resetToIdle(ctx, agent)
		return
	}
	s.completeAssignment(ctx, agent)
	s.logger.Info("Review submitted", "project", ticket.ProjectNumber)
}

func (s *Supervisor) reviewFailed(ctx context.Context, agent *models.Agent, ticket *models.ClaimTicket, err error) {
	agent.ErrorCount++
	agent.LastError = err.Error()
	s.reportError(ctx, "review", ticket.ProjectNumber, err)

	if herr := s.d.Driver.Halt(ctx, s.agentID, "review failed"); herr != nil {
		s.logger.Debug("Halt failed", "error", herr)
	}
	if orcherr.IsKind(err, orcherr.KindTimeout) {
		s.markSelfUnresponsive(ctx, agent, ticket, "runtime timed out")
		return
	}
	// Reopen the reviewer slot; the engine reassigns on its next sweep.
	if rerr := s.d.Dispatcher.Requeue(ctx, ticket, "reviewer error"); rerr != nil {
		s.logger.Error("Failed to release reviewer claim",
			"project", ticket.ProjectNumber, "error", rerr)
	}
	s.resetToIdle(ctx, agent)
}

func modelFindings(in []runtime.Finding) []models.Finding {
	out := make([]models.Finding, len(in))
	for i, f := range in {
		out[i] = models.Finding{Criterion: f.Criterion, Satisfied: f.Satisfied, Note: f.Note}
	}
	return out
}

// --- ideating: step generation ---

func (s *Supervisor) stepIdeation(ctx context.Context, agent *models.Agent) {
	order := s.currentOrder()
	if order == nil {
		// The brief didn't survive a restart; nothing to finish.
		s.logger.Warn("Ideation brief lost, returning to idle")
		s.resetToIdle(ctx, agent)
		return
	}

	report, err := s.d.Driver.Step(ctx, s.agentID)
	if err != nil {
		agent.ErrorCount++
		agent.LastError = err.Error()
		s.reportError(ctx, "ideate", 0, err)
		if herr := s.d.Driver.Halt(ctx, s.agentID, "ideation failed"); herr != nil {
			s.logger.Debug("Halt failed", "error", herr)
		}
		if orcherr.IsKind(err, orcherr.KindTimeout) {
			s.markSelfUnresponsive(ctx, agent, nil, "runtime timed out")
			return
		}
		s.resetToIdle(ctx, agent)
		return
	}
	s.recordCost(ctx, nil, report)

	switch {
	case report.Failed:
		agent.ErrorCount++
		agent.LastError = report.Detail
		s.reportError(ctx, "ideate",
			0, orcherr.New(orcherr.KindExternal, "generation failed: %s", report.Detail))
		s.resetToIdle(ctx, agent)
	case report.Done:
		if _, err := s.d.Ideation.SubmitProposal(ctx, s.agentID, order.Category, report.Proposal); err != nil {
			agent.ErrorCount++
			agent.LastError = err.Error()
			s.logger.Warn("Proposal rejected", "category", order.Category, "error", err)
			s.resetToIdle(ctx, agent)
			return
		}
		s.completeAssignment(ctx, agent)
		s.logger.Info("Ideation finished", "category", order.Category)
	default:
		if report.Phase != "" && report.Phase != agent.CurrentPhase {
			agent.CurrentPhase = report.Phase
			if err := s.d.Store.UpdateAgent(ctx, agent); err != nil {
				s.logger.Warn("Failed to update agent phase", "error", err)
			}
		}
	}
}

// --- unresponsive: probe for recovery ---

func (s *Supervisor) tryRecover(ctx context.Context, agent *models.Agent) {
	if err := s.d.Driver.Probe(ctx, s.agentID); err != nil {
		return
	}
	agent.Status = models.AgentIdle
	agent.LastError = ""
	if err := s.d.Store.UpdateAgent(ctx, agent); err != nil {
		s.logger.Error("Failed to recover agent", "error", err)
		return
	}
	s.publish(ctx, models.EventAgentResumed, bus.AgentPayload{
		AgentID: s.agentID, Status: models.AgentIdle, Reason: "runtime probe recovered",
	})
	s.logger.Info("Agent recovered")
}

// --- assignment entry points (called through the manager) ---

func (s *Supervisor) assignProject(ctx context.Context, number int64) error {
	agent, err := s.idleAgent(ctx)
	if err != nil {
		return err
	}
	ticket, project, err := s.d.Dispatcher.ClaimFor(ctx, number, s.agentID, s.podID)
	if err != nil {
		return err
	}
	return s.beginExecution(ctx, agent, ticket, project)
}

func (s *Supervisor) assignReview(ctx context.Context, project *models.Project) error {
	agent, err := s.idleAgent(ctx)
	if err != nil {
		return err
	}
	ticket, fresh, err := s.d.Dispatcher.AssignReviewer(ctx, project.Number, s.agentID, s.podID)
	if err != nil {
		return err
	}

	order := &runtime.Order{
		AgentID:  s.agentID,
		Kind:     runtime.OrderReview,
		Project:  fresh.Number,
		Branch:   ticket.Branch,
		Title:    fresh.Title,
		Criteria: fresh.AcceptanceCriteria,
	}
	if err := s.d.Driver.Begin(ctx, order); err != nil {
		if rerr := s.d.Dispatcher.Requeue(ctx, ticket, "runtime rejected review order"); rerr != nil {
			s.logger.Error("Failed to release reviewer claim", "error", rerr)
		}
		return orcherr.Wrap(orcherr.KindExternal, err,
			"review handoff to %s failed", s.agentID)
	}
	s.setAssignment(ticket, order)

	number := fresh.Number
	agent.Status = models.AgentReviewing
	agent.CurrentProject = &number
	agent.CurrentPhase = "reviewing"
	if err := s.d.Store.UpdateAgent(ctx, agent); err != nil {
		s.logger.Error("Failed to update agent after review assignment", "error", err)
	}
	s.logger.Info("Review assigned", "project", number)
	return nil
}

func (s *Supervisor) assignIdeation(ctx context.Context, cat ideation.Category) error {
	agent, err := s.idleAgent(ctx)
	if err != nil {
		return err
	}
	order := &runtime.Order{
		AgentID:  s.agentID,
		Kind:     runtime.OrderIdeate,
		Category: cat.Tag,
		Brief:    cat.Prompt,
	}
	if err := s.d.Driver.Begin(ctx, order); err != nil {
		return orcherr.Wrap(orcherr.KindExternal, err,
			"ideation handoff to %s failed", s.agentID)
	}
	s.setAssignment(nil, order)

	agent.Status = models.AgentIdeating
	agent.CurrentPhase = "ideating"
	if err := s.d.Store.UpdateAgent(ctx, agent); err != nil {
		s.logger.Error("Failed to update agent after ideation assignment", "error", err)
	}
	s.logger.Info("Ideation assigned", "category", cat.Tag)
	return nil
}

// idleAgent loads the agent and rejects assignment unless it is idle.
func (s *Supervisor) idleAgent(ctx context.Context) (*models.Agent, error) {
	agent, err := s.d.Store.GetAgent(ctx, s.agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != models.AgentIdle {
		return nil, orcherr.New(orcherr.KindConflict,
			"agent %s is %s, not idle", s.agentID, agent.Status)
	}
	if s.stopPending() {
		return nil, orcherr.New(orcherr.KindConflict,
			"agent %s is stopping", s.agentID)
	}
	return agent, nil
}

// --- shared plumbing ---

func (s *Supervisor) setAssignment(ticket *models.ClaimTicket, order *runtime.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticket = ticket
	s.order = order
}

func (s *Supervisor) clearAssignment() {
	s.setAssignment(nil, nil)
}

func (s *Supervisor) currentTicket() *models.ClaimTicket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticket
}

func (s *Supervisor) currentOrder() *runtime.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order
}

// resetToIdle abandons the current assignment without touching the
// project; any claim settlement has already happened.
func (s *Supervisor) resetToIdle(ctx context.Context, agent *models.Agent) {
	s.clearAssignment()
	agent.Status = models.AgentIdle
	agent.CurrentProject = nil
	agent.CurrentPhase = ""
	if err := s.d.Store.UpdateAgent(ctx, agent); err != nil {
		s.logger.Error("Failed to reset agent", "error", err)
	}
}

// completeAssignment is resetToIdle plus credit for finished work.
func (s *Supervisor) completeAssignment(ctx context.Context, agent *models.Agent) {
	s.clearAssignment()
	agent.TasksCompleted++
	agent.Status = models.AgentIdle
	agent.CurrentProject = nil
	agent.CurrentPhase = ""
	if err := s.d.Store.UpdateAgent(ctx, agent); err != nil {
		s.logger.Error("Failed to update agent", "error", err)
	}
}

// fault absorbs a supervisor-local error: counted, audited, surfaced.
func (s *Supervisor) fault(ctx context.Context, agent *models.Agent, op string, number int64, err error) {
	agent.ErrorCount++
	agent.LastError = err.Error()
	if uerr := s.d.Store.UpdateAgent(ctx, agent); uerr != nil {
		s.logger.Error("Failed to record fault", "error", uerr)
	}
	s.reportError(ctx, op, number, err)
}

func (s *Supervisor) reportError(ctx context.Context, op string, number int64, err error) {
	var numberPtr *int64
	if number > 0 {
		n := number
		numberPtr = &n
	}
	s.d.Audit.Record(&models.AuditRecord{
		OperationType:  "supervisor.error",
		AgentID:        s.agentID,
		ProjectNumber:  numberPtr,
		RequestSummary: op,
		ResponseStatus: string(orcherr.KindOf(err)),
	})
	s.publish(ctx, models.EventError, bus.ErrorPayload{
		Op:      op,
		Kind:    string(orcherr.KindOf(err)),
		Message: err.Error(),
		Number:  number,
		AgentID: s.agentID,
	})
	s.logger.Error("Step error", "op", op, "project", number, "error", err)
}

func (s *Supervisor) recordCost(ctx context.Context, ticket *models.ClaimTicket, report *runtime.Report) {
	if s.d.Costs == nil || (report.CostUSD <= 0 && report.Tokens <= 0) {
		return
	}
	entry := &models.CostLedgerEntry{
		WorkspaceID: s.d.WorkspaceID,
		AgentID:     s.agentID,
		USD:         report.CostUSD,
		Tokens:      report.Tokens,
		At:          s.d.Clock.Now(),
	}
	if ticket != nil {
		number := ticket.ProjectNumber
		entry.ProjectNumber = &number
	}
	if err := s.d.Costs.Record(ctx, entry); err != nil {
		s.logger.Warn("Failed to record cost", "error", err)
	}
}

func (s *Supervisor) audit(op string, number *int64, summary, status string) {
	if s.d.Audit == nil {
		return
	}
	s.d.Audit.Record(&models.AuditRecord{
		OperationType:  op,
		AgentID:        s.agentID,
		ProjectNumber:  number,
		RequestSummary: summary,
		ResponseStatus: status,
	})
}

// publish is non-blocking with respect to failures: errors are logged.
func (s *Supervisor) publish(ctx context.Context, t models.EventType, payload any) {
	if s.d.Bus == nil {
		return
	}
	if _, err := s.d.Bus.Publish(ctx, t, payload); err != nil {
		s.logger.Warn("Failed to publish event", "type", string(t), "error", err)
	}
}
