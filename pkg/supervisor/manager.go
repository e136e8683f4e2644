package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildswarm/orchestrator/pkg/bus"
	"github.com/buildswarm/orchestrator/pkg/clock"
	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/dispatch"
	"github.com/buildswarm/orchestrator/pkg/ideation"
	"github.com/buildswarm/orchestrator/pkg/metrics"
	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
	"github.com/buildswarm/orchestrator/pkg/review"
	"github.com/buildswarm/orchestrator/pkg/runtime"
	"github.com/buildswarm/orchestrator/pkg/store"
)

// Publisher emits lifecycle events onto the event bus.
type Publisher interface {
	Publish(ctx context.Context, t models.EventType, payload any) (int64, error)
}

// Recorder appends operator-visible audit records.
type Recorder interface {
	Record(rec *models.AuditRecord)
}

// CostSink receives spend reported by runtime steps.
type CostSink interface {
	Record(ctx context.Context, e *models.CostLedgerEntry) error
}

// Deps carries everything a supervisor needs to run its agent.
type Deps struct {
	Store       store.Store
	Dispatcher  *dispatch.Dispatcher
	Reviews     *review.Engine
	Ideation    *ideation.Loop
	Costs       CostSink
	Driver      runtime.Driver
	Bus         Publisher
	Audit       Recorder
	Config      *config.SupervisorConfig
	WorkspaceID string
	Clock       clock.Clock
}

// Manager owns one supervisor per agent and the shared heartbeat
// staleness scanner. It is the assignment seam for the review engine
// (review.Assigner), the ideation loop (ideation.Assigner) and the
// cost governor (cost.Pauser).
type Manager struct {
	d      Deps
	logger *slog.Logger

	mu      sync.Mutex
	sups    map[string]*Supervisor
	runCtx  context.Context
	started bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager wires a manager. Callers register it with the review
// engine, the ideation loop and the cost governor after construction.
func NewManager(d Deps) *Manager {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Config == nil {
		d.Config = config.DefaultSupervisorConfig()
	}
	return &Manager{
		d:      d,
		logger: slog.With("component", "supervisor"),
		sups:   make(map[string]*Supervisor),
		stopCh: make(chan struct{}),
	}
}

// Start spawns supervisors for every non-stopped agent on record and
// begins the staleness scan.
func (m *Manager) Start(ctx context.Context) error {
	agents, err := m.d.Store.ListAgents(ctx, m.d.WorkspaceID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.runCtx = ctx
	m.started = true
	for _, agent := range agents {
		if agent.Status == models.AgentStopped {
			continue
		}
		sup := newSupervisor(agent.ID, "", m.d)
		m.sups[agent.ID] = sup
		sup.start(ctx)
	}
	count := len(m.sups)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.scanLoop(ctx)
	m.logger.Info("Supervisor manager started", "agents", count)
	return nil
}

// Stop halts the scanner and all supervisor loops. Agent status is left
// as-is so a restart resumes where it left off.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.sups))
	for _, sup := range m.sups {
		sups = append(sups, sup)
	}
	m.started = false
	m.mu.Unlock()

	for _, sup := range sups {
		sup.shutdown()
	}
	m.logger.Info("Supervisor manager stopped")
}

// AddAgent registers a new agent, subject to the workspace agent cap,
// and starts supervising it. An empty id gets a generated one.
func (m *Manager) AddAgent(ctx context.Context, id, podID string) (*models.Agent, error) {
	if id == "" {
		id = "agent-" + uuid.NewString()[:8]
	}

	ws, err := m.d.Store.GetWorkspace(ctx, m.d.WorkspaceID)
	if err != nil {
		return nil, err
	}
	live, err := m.d.Store.CountLiveAgents(ctx, m.d.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if live >= ws.MaxConcurrentAgents {
		return nil, orcherr.New(orcherr.KindConflict,
			"workspace %s at agent cap %d", ws.ID, ws.MaxConcurrentAgents)
	}

	now := m.d.Clock.Now()
	agent := &models.Agent{
		ID:              id,
		WorkspaceID:     m.d.WorkspaceID,
		Status:          models.AgentIdle,
		LastHeartbeatAt: now,
		CreatedAt:       now,
	}
	if err := m.d.Store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	m.mu.Lock()
	sup := newSupervisor(id, podID, m.d)
	m.sups[id] = sup
	if m.started {
		sup.start(m.runCtx)
	}
	m.mu.Unlock()

	m.publish(ctx, models.EventAgentAdded, bus.AgentPayload{
		AgentID: id, Status: models.AgentIdle, PodID: podID,
	})
	m.audit("agent.added", id, podID, string(models.AgentIdle))
	m.logger.Info("Agent added", "agent_id", id, "pod_id", podID)
	return agent, nil
}

// PauseAgent suspends the agent at its next safe point. Current work is
// kept; the lease stays alive while paused.
func (m *Manager) PauseAgent(ctx context.Context, id, reason string) error {
	sup, agent, err := m.liveAgent(ctx, id)
	if err != nil {
		return err
	}
	if agent.Status == models.AgentUnresponsive {
		return orcherr.New(orcherr.KindInvariant,
			"agent %s is unresponsive, stop it instead", id)
	}
	if agent.Status == models.AgentPaused {
		return nil
	}
	sup.enqueue(command{verb: verbPause, reason: reason})
	return nil
}

// ResumeAgent lifts a pause, restoring the pre-pause status.
func (m *Manager) ResumeAgent(ctx context.Context, id string) error {
	sup, agent, err := m.liveAgent(ctx, id)
	if err != nil {
		return err
	}
	if agent.Status != models.AgentPaused {
		return orcherr.New(orcherr.KindInvariant,
			"agent %s is %s, not paused", id, agent.Status)
	}
	sup.enqueue(command{verb: verbResume})
	return nil
}

// StopAgent winds the agent down: immediately when idle, after the stop
// grace when busy. Unfinished work is requeued when grace expires.
func (m *Manager) StopAgent(ctx context.Context, id string) error {
	sup, _, err := m.liveAgent(ctx, id)
	if err != nil {
		return err
	}
	sup.enqueue(command{verb: verbStop})
	return nil
}

// Heartbeat records liveness reported by the agent's pod directly,
// outside the supervisor tick.
func (m *Manager) Heartbeat(ctx context.Context, id string) error {
	agent, err := m.d.Store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if agent.Status.IsTerminal() {
		return orcherr.New(orcherr.KindInvariant, "agent %s is stopped", id)
	}
	if err := m.d.Store.TouchAgentHeartbeat(ctx, id, m.d.Clock.Now()); err != nil {
		return err
	}
	if err := m.d.Dispatcher.ExtendLease(ctx, id); err != nil {
		m.logger.Warn("Failed to extend lease on heartbeat", "agent_id", id, "error", err)
	}
	m.publish(ctx, models.EventAgentHeartbeat, bus.AgentPayload{
		AgentID: id, Status: agent.Status,
	})
	return nil
}

// PauseAll suspends every live agent. The cost governor calls this on a
// hard budget stop.
func (m *Manager) PauseAll(ctx context.Context, reason string) error {
	agents, err := m.d.Store.ListAgents(ctx, m.d.WorkspaceID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, agent := range agents {
		switch agent.Status {
		case models.AgentStopped, models.AgentPaused, models.AgentUnresponsive:
			continue
		}
		if sup, ok := m.sups[agent.ID]; ok {
			sup.enqueue(command{verb: verbPause, reason: reason})
		}
	}
	m.logger.Warn("Pausing all agents", "reason", reason)
	return nil
}

// AssignReview hands an in-review project to an idle agent. Implements
// the review engine's assigner seam.
func (m *Manager) AssignReview(ctx context.Context, agentID string, project *models.Project) error {
	sup, err := m.supervisorFor(agentID)
	if err != nil {
		return err
	}
	return sup.assignReview(ctx, project)
}

// AssignIdeation hands a generation brief to an idle agent. Implements
// the ideation loop's assigner seam.
func (m *Manager) AssignIdeation(ctx context.Context, agentID string, cat ideation.Category) error {
	sup, err := m.supervisorFor(agentID)
	if err != nil {
		return err
	}
	return sup.assignIdeation(ctx, cat)
}

// AssignProject pins one specific queued project to an idle agent,
// bypassing queue order.
func (m *Manager) AssignProject(ctx context.Context, agentID string, number int64) error {
	sup, err := m.supervisorFor(agentID)
	if err != nil {
		return err
	}
	return sup.assignProject(ctx, number)
}

func (m *Manager) supervisorFor(agentID string) (*Supervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sup, ok := m.sups[agentID]
	if !ok {
		return nil, orcherr.New(orcherr.KindNotFound, "agent %s is not supervised", agentID)
	}
	return sup, nil
}

func (m *Manager) liveAgent(ctx context.Context, id string) (*Supervisor, *models.Agent, error) {
	sup, err := m.supervisorFor(id)
	if err != nil {
		return nil, nil, err
	}
	agent, err := m.d.Store.GetAgent(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if agent.Status.IsTerminal() {
		return nil, nil, orcherr.New(orcherr.KindInvariant, "agent %s is stopped", id)
	}
	return sup, agent, nil
}

// --- staleness scan ---

func (m *Manager) scanLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.d.Config.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

// scan flags agents whose heartbeat went stale and refreshes the fleet
// gauges. The store filters out stopped, paused and already-flagged
// agents, so everything returned here is a live agent gone quiet.
func (m *Manager) scan(ctx context.Context) {
	cutoff := m.d.Clock.Now().Add(-m.d.Config.StaleThreshold())
	stale, err := m.d.Store.StaleAgents(ctx, m.d.WorkspaceID, cutoff)
	if err != nil {
		m.logger.Error("Staleness scan failed", "error", err)
		return
	}
	for _, agent := range stale {
		m.markUnresponsive(ctx, agent)
	}
	m.refreshGauges(ctx)
}

func (m *Manager) markUnresponsive(ctx context.Context, agent *models.Agent) {
	metrics.HeartbeatsStale.Inc()

	// Release whatever the agent was holding so the work requeues.
	ticket, err := m.d.Store.ActiveClaimByAgent(ctx, agent.ID)
	if err == nil {
		if rerr := m.d.Dispatcher.Requeue(ctx, ticket, "agent unresponsive"); rerr != nil {
			m.logger.Error("Failed to requeue stale agent's claim",
				"agent_id", agent.ID, "project", ticket.ProjectNumber, "error", rerr)
		}
	} else if !orcherr.IsKind(err, orcherr.KindNotFound) {
		m.logger.Error("Failed to look up stale agent's claim",
			"agent_id", agent.ID, "error", err)
	}

	agent.Status = models.AgentUnresponsive
	agent.CurrentProject = nil
	agent.CurrentPhase = ""
	if err := m.d.Store.UpdateAgent(ctx, agent); err != nil {
		m.logger.Error("Failed to flag unresponsive agent", "agent_id", agent.ID, "error", err)
		return
	}

	if sup, serr := m.supervisorFor(agent.ID); serr == nil {
		sup.clearAssignment()
	}
	m.publish(ctx, models.EventAgentUnresponsive, bus.AgentPayload{
		AgentID: agent.ID, Status: models.AgentUnresponsive, Reason: "heartbeat stale",
	})
	m.audit("agent.unresponsive", agent.ID, "heartbeat stale", string(models.AgentUnresponsive))
	m.logger.Error("Agent flagged unresponsive",
		"agent_id", agent.ID, "last_heartbeat", agent.LastHeartbeatAt)
}

var gaugeStatuses = []models.AgentStatus{
	models.AgentIdle, models.AgentWorking, models.AgentReviewing, models.AgentIdeating,
	models.AgentPaused, models.AgentUnresponsive, models.AgentStopped,
}

var gaugeStates = []models.ProjectState{
	models.ProjectProposed, models.ProjectQueued, models.ProjectClaimed,
	models.ProjectExecuting, models.ProjectPushed, models.ProjectInReview,
	models.ProjectRework, models.ProjectAccepted, models.ProjectFailed,
}

func (m *Manager) refreshGauges(ctx context.Context) {
	agents, err := m.d.Store.ListAgents(ctx, m.d.WorkspaceID)
	if err == nil {
		byStatus := make(map[models.AgentStatus]int)
		for _, a := range agents {
			byStatus[a.Status]++
		}
		for _, status := range gaugeStatuses {
			metrics.AgentsByStatus.WithLabelValues(string(status)).Set(float64(byStatus[status]))
		}
	}

	projects, err := m.d.Store.ListProjects(ctx, store.ProjectFilter{WorkspaceID: m.d.WorkspaceID})
	if err == nil {
		byState := make(map[models.ProjectState]int)
		for _, p := range projects {
			byState[p.State]++
		}
		for _, state := range gaugeStates {
			metrics.ProjectsByState.WithLabelValues(string(state)).Set(float64(byState[state]))
		}
	}
}

func (m *Manager) audit(op, agentID, summary, status string) {
	if m.d.Audit == nil {
		return
	}
	m.d.Audit.Record(&models.AuditRecord{
		OperationType:  op,
		AgentID:        agentID,
		RequestSummary: summary,
		ResponseStatus: status,
	})
}

// publish is non-blocking with respect to failures: errors are logged.
func (m *Manager) publish(ctx context.Context, t models.EventType, payload any) {
	if m.d.Bus == nil {
		return
	}
	if _, err := m.d.Bus.Publish(ctx, t, payload); err != nil {
		m.logger.Warn("Failed to publish event", "type", string(t), "error", err)
	}
}
