// Package cost is the budget governor: admission control before work
// starts and book-keeping after it finishes. Spend is durable in the
// ledger; rolling 24 h and 30 d windows are kept in memory so MayStart
// answers without touching the database. Crossing 80% or 95% of a budget
// announces cost.warning once per crossing; 100% announces cost.hardStop
// and pauses every agent in the workspace.
package cost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/buildswarm/orchestrator/pkg/bus"
	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/metrics"
	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
)

const (
	dailySpan   = 24 * time.Hour
	monthlySpan = 30 * 24 * time.Hour

	// WindowDaily and WindowMonthly name the budget windows in events,
	// errors, and the snapshot.
	WindowDaily   = "daily"
	WindowMonthly = "monthly"
)

// Store is the slice of the persistence layer the governor needs.
type Store interface {
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	SetWorkspacePaused(ctx context.Context, id string, paused bool, reason string) error
	AppendCostEntry(ctx context.Context, e *models.CostLedgerEntry) error
	CostEntriesSince(ctx context.Context, workspaceID string, since time.Time) ([]*models.CostLedgerEntry, error)
}

// Publisher publishes governor events on the bus.
type Publisher interface {
	Publish(ctx context.Context, t models.EventType, payload any) (int64, error)
}

// Pauser pauses the whole fleet on a hard stop. The supervisor registers
// itself after construction.
type Pauser interface {
	PauseAll(ctx context.Context, reason string) error
}

// Recorder is the audit hook for hard stops.
type Recorder interface {
	Record(rec *models.AuditRecord)
}

// Snapshot is the in-memory cost view served on GET /cost.
type Snapshot struct {
	WorkspaceID      string             `json:"workspaceId"`
	DailySpentUSD    float64            `json:"dailySpentUsd"`
	DailyBudgetUSD   float64            `json:"dailyBudgetUsd"`
	MonthlySpentUSD  float64            `json:"monthlySpentUsd"`
	MonthlyBudgetUSD float64            `json:"monthlyBudgetUsd"`
	PerAgentCapUSD   float64            `json:"perAgentCapUsd,omitempty"`
	AgentDailyUSD    map[string]float64 `json:"agentDailyUsd"`
	Paused           bool               `json:"paused"`
	PauseReason      string             `json:"pauseReason,omitempty"`
}

// crossing is one threshold announcement pending emission.
type crossing struct {
	window  string
	percent int
	spent   float64
	budget  float64
}

// Governor owns the budget windows for one workspace.
type Governor struct {
	store Store
	bus   Publisher
	audit Recorder
	cfg   *config.CostConfig

	workspaceID string

	mu         sync.Mutex
	ws         *models.Workspace
	daily      *window
	monthly    *window
	agentDaily map[string]*window
	announced  map[string]int // window name -> highest percent already announced
	pauser     Pauser

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewGovernor creates a governor for the given workspace. Call Start to
// warm the windows and begin the sweeper.
func NewGovernor(store Store, bus Publisher, audit Recorder, cfg *config.CostConfig, workspaceID string) *Governor {
	return &Governor{
		store:       store,
		bus:         bus,
		audit:       audit,
		cfg:         cfg,
		workspaceID: workspaceID,
		daily:       newWindow(dailySpan),
		monthly:     newWindow(monthlySpan),
		agentDaily:  make(map[string]*window),
		announced:   make(map[string]int),
		stopCh:      make(chan struct{}),
		logger:      slog.With("component", "cost"),
	}
}

// SetPauser registers the fleet pauser used on hard stops.
func (g *Governor) SetPauser(p Pauser) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pauser = p
}

// Start loads the workspace budgets, warms the windows from the ledger,
// and begins the sweeper.
func (g *Governor) Start(ctx context.Context) error {
	ws, err := g.store.GetWorkspace(ctx, g.workspaceID)
	if err != nil {
		return fmt.Errorf("failed to load workspace %s: %w", g.workspaceID, err)
	}

	now := time.Now().UTC()
	entries, err := g.store.CostEntriesSince(ctx, g.workspaceID, now.Add(-monthlySpan))
	if err != nil {
		return fmt.Errorf("failed to warm cost windows: %w", err)
	}

	g.mu.Lock()
	g.ws = ws
	for _, e := range entries {
		g.daily.add(e.At, e.USD)
		g.monthly.add(e.At, e.USD)
		g.agentWindowLocked(e.AgentID).add(e.At, e.USD)
	}
	g.sweepLocked(now)

	// Budgets may already be past a threshold at startup; arm the
	// announcements without re-emitting old warnings.
	g.announced[WindowDaily] = band(g.daily.sum(), g.ws.DailyBudgetUSD)
	g.announced[WindowMonthly] = band(g.monthly.sum(), g.ws.MonthlyBudgetUSD)
	g.updateGaugesLocked()
	dailySpent, monthlySpent := g.daily.sum(), g.monthly.sum()
	g.mu.Unlock()

	g.wg.Add(1)
	go g.run(ctx)

	g.logger.Info("Cost governor started",
		"workspace_id", g.workspaceID,
		"daily_spent_usd", dailySpent,
		"monthly_spent_usd", monthlySpent)
	return nil
}

// Stop halts the sweeper.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

func (g *Governor) run(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

// MayStart is admission control: it denies when the estimate would push a
// budget window over its ceiling, when the agent's daily cap is spent, or
// when the workspace is paused. A zero estimate uses the configured
// default.
func (g *Governor) MayStart(ctx context.Context, agentID string, estimateUSD float64) error {
	if estimateUSD <= 0 {
		estimateUSD = g.cfg.DefaultEstimateUSD
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ws.Paused {
		return orcherr.New(orcherr.KindBudget, "workspace %s is paused: %s", g.workspaceID, g.ws.PauseReason)
	}
	if b := g.ws.DailyBudgetUSD; b > 0 && g.daily.sum()+estimateUSD > b {
		return orcherr.New(orcherr.KindBudget,
			"daily budget would be exceeded: spent %.2f of %.2f, estimate %.2f", g.daily.sum(), b, estimateUSD)
	}
	if b := g.ws.MonthlyBudgetUSD; b > 0 && g.monthly.sum()+estimateUSD > b {
		return orcherr.New(orcherr.KindBudget,
			"monthly budget would be exceeded: spent %.2f of %.2f, estimate %.2f", g.monthly.sum(), b, estimateUSD)
	}
	if capUSD := g.ws.PerAgentCapUSD; capUSD > 0 {
		spent := 0.0
		if w, ok := g.agentDaily[agentID]; ok {
			spent = w.sum()
		}
		if spent+estimateUSD > capUSD {
			return orcherr.New(orcherr.KindBudget,
				"agent %s daily cap would be exceeded: spent %.2f of %.2f, estimate %.2f", agentID, spent, capUSD, estimateUSD)
		}
	}
	return nil
}

// Record appends a ledger entry and folds it into the rolling windows,
// announcing any threshold the new total crosses. The ledger write is
// durable before the windows move, so a crash never loses spend.
func (g *Governor) Record(ctx context.Context, e *models.CostLedgerEntry) error {
	if e.WorkspaceID == "" {
		e.WorkspaceID = g.workspaceID
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := g.store.AppendCostEntry(ctx, e); err != nil {
		return fmt.Errorf("failed to append cost entry: %w", err)
	}
	metrics.SpendUSD.WithLabelValues(e.WorkspaceID, e.AgentID).Add(e.USD)

	g.mu.Lock()
	g.daily.add(e.At, e.USD)
	g.monthly.add(e.At, e.USD)
	g.agentWindowLocked(e.AgentID).add(e.At, e.USD)
	crossings := g.evaluateLocked()
	g.updateGaugesLocked()
	g.mu.Unlock()

	for _, c := range crossings {
		g.announce(ctx, c)
	}
	return nil
}

// Snapshot reports the current windows. Sums lag the ledger by at most
// one Record call.
func (g *Governor) Snapshot() *Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	agents := make(map[string]float64, len(g.agentDaily))
	for id, w := range g.agentDaily {
		agents[id] = w.sum()
	}
	return &Snapshot{
		WorkspaceID:      g.workspaceID,
		DailySpentUSD:    g.daily.sum(),
		DailyBudgetUSD:   g.ws.DailyBudgetUSD,
		MonthlySpentUSD:  g.monthly.sum(),
		MonthlyBudgetUSD: g.ws.MonthlyBudgetUSD,
		PerAgentCapUSD:   g.ws.PerAgentCapUSD,
		AgentDailyUSD:    agents,
		Paused:           g.ws.Paused,
		PauseReason:      g.ws.PauseReason,
	}
}

// sweep expires window buckets, refreshes the workspace row so budget
// edits and operator resumes take effect, and re-arms announcements for
// windows whose spend has rolled back under a threshold.
func (g *Governor) sweep(ctx context.Context) {
	ws, err := g.store.GetWorkspace(ctx, g.workspaceID)
	if err != nil {
		g.logger.Warn("Failed to refresh workspace, keeping cached budgets", "error", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if ws != nil {
		g.ws = ws
	}
	g.sweepLocked(time.Now().UTC())

	if b := band(g.daily.sum(), g.ws.DailyBudgetUSD); b < g.announced[WindowDaily] {
		g.announced[WindowDaily] = b
	}
	if b := band(g.monthly.sum(), g.ws.MonthlyBudgetUSD); b < g.announced[WindowMonthly] {
		g.announced[WindowMonthly] = b
	}
	g.updateGaugesLocked()
}

func (g *Governor) sweepLocked(now time.Time) {
	g.daily.sweep(now)
	g.monthly.sweep(now)
	for id, w := range g.agentDaily {
		w.sweep(now)
		if w.empty() {
			delete(g.agentDaily, id)
		}
	}
}

func (g *Governor) agentWindowLocked(agentID string) *window {
	w, ok := g.agentDaily[agentID]
	if !ok {
		w = newWindow(dailySpan)
		g.agentDaily[agentID] = w
	}
	return w
}

// evaluateLocked returns the threshold crossings to announce and marks
// them announced, so concurrent records emit each crossing once.
func (g *Governor) evaluateLocked() []crossing {
	var out []crossing
	for _, w := range []struct {
		name   string
		spent  float64
		budget float64
	}{
		{WindowDaily, g.daily.sum(), g.ws.DailyBudgetUSD},
		{WindowMonthly, g.monthly.sum(), g.ws.MonthlyBudgetUSD},
	} {
		b := band(w.spent, w.budget)
		if b > g.announced[w.name] {
			g.announced[w.name] = b
			out = append(out, crossing{window: w.name, percent: b, spent: w.spent, budget: w.budget})
		}
	}
	return out
}

func (g *Governor) updateGaugesLocked() {
	if b := g.ws.DailyBudgetUSD; b > 0 {
		metrics.BudgetConsumption.WithLabelValues(g.workspaceID, WindowDaily).Set(g.daily.sum() / b)
	}
	if b := g.ws.MonthlyBudgetUSD; b > 0 {
		metrics.BudgetConsumption.WithLabelValues(g.workspaceID, WindowMonthly).Set(g.monthly.sum() / b)
	}
}

// announce emits one crossing. Warnings are an event; a hard stop also
// pauses the workspace and every agent in it.
func (g *Governor) announce(ctx context.Context, c crossing) {
	payload := &bus.CostPayload{
		WorkspaceID: g.workspaceID,
		Window:      c.window,
		SpentUSD:    c.spent,
		BudgetUSD:   c.budget,
		Percent:     c.percent,
	}

	if c.percent < 100 {
		g.logger.Warn("Budget threshold crossed",
			"window", c.window, "percent", c.percent, "spent_usd", c.spent, "budget_usd", c.budget)
		if _, err := g.bus.Publish(ctx, models.EventCostWarning, payload); err != nil {
			g.logger.Warn("Failed to publish cost warning", "error", err)
		}
		return
	}

	reason := fmt.Sprintf("%s budget exhausted: %.2f of %.2f USD", c.window, c.spent, c.budget)
	g.logger.Error("Budget exhausted, stopping all work", "window", c.window, "spent_usd", c.spent, "budget_usd", c.budget)
	metrics.HardStops.WithLabelValues(g.workspaceID, c.window).Inc()

	if _, err := g.bus.Publish(ctx, models.EventCostHardStop, payload); err != nil {
		g.logger.Warn("Failed to publish cost hard stop", "error", err)
	}
	if err := g.store.SetWorkspacePaused(ctx, g.workspaceID, true, reason); err != nil {
		g.logger.Error("Failed to persist workspace pause", "error", err)
	}

	g.mu.Lock()
	g.ws.Paused = true
	g.ws.PauseReason = reason
	pauser := g.pauser
	g.mu.Unlock()

	if pauser != nil {
		if err := pauser.PauseAll(ctx, reason); err != nil {
			g.logger.Error("Failed to pause agents on hard stop", "error", err)
		}
	} else {
		g.logger.Warn("No pauser registered; agents keep running until admission denies them")
	}

	if g.audit != nil {
		g.audit.Record(&models.AuditRecord{
			OperationType:  "cost.hardStop",
			RequestSummary: reason,
			ResponseStatus: "paused",
		})
	}
}

// band maps spend against a budget to the highest crossed threshold.
func band(spent, budget float64) int {
	if budget <= 0 {
		return 0
	}
	pct := spent / budget * 100
	switch {
	case pct >= 100:
		return 100
	case pct >= 95:
		return 95
	case pct >= 80:
		return 80
	default:
		return 0
	}
}
