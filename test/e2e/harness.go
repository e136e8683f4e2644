// Package e2e boots the whole orchestrator in one process and drives it the
// way an operator would: through the control API and the WebSocket event
// stream, with a scripted agent runtime and an embedded issue tracker
// standing in for the real integrations.
package e2e

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildswarm/orchestrator/pkg/api"
	"github.com/buildswarm/orchestrator/pkg/audit"
	"github.com/buildswarm/orchestrator/pkg/bus"
	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/cost"
	"github.com/buildswarm/orchestrator/pkg/dispatch"
	"github.com/buildswarm/orchestrator/pkg/ideation"
	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/review"
	"github.com/buildswarm/orchestrator/pkg/runtime"
	"github.com/buildswarm/orchestrator/pkg/services"
	"github.com/buildswarm/orchestrator/pkg/store"
	"github.com/buildswarm/orchestrator/pkg/supervisor"
	"github.com/buildswarm/orchestrator/pkg/tracker"
)

// testAPIKey authenticates every request the harness helpers make.
const testAPIKey = "e2e-test-key"

// TestApp is a fully wired orchestrator instance listening on a random
// localhost port. Construct one per test with NewTestApp; shutdown is
// registered on t.Cleanup.
type TestApp struct {
	// Core
	Config *config.Config
	Store  store.Store

	// Test doubles
	Driver *runtime.ScriptedDriver
	Host   *tracker.EmbeddedHost

	// Real components
	Bus        *bus.Bus
	Trail      *audit.Trail
	Governor   *cost.Governor
	Dispatcher *dispatch.Dispatcher
	Reviews    *review.Engine
	Ideas      *ideation.Loop
	Manager    *supervisor.Manager
	Server     *api.Server

	// Runtime
	PodID   string
	BaseURL string // e.g. "http://127.0.0.1:53412"
	WSURL   string // e.g. "ws://127.0.0.1:53412/events"

	t *testing.T
}

// testAppConfig accumulates options before the app is built.
type testAppConfig struct {
	cfg           *config.Config
	st            store.Store
	relayDSN      string
	podID         string
	startIdeation bool
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig replaces the default FastConfig. Start from FastConfig and
// adjust only the knob under test so the rest stays test-sized.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithStore injects a pre-built store instead of a fresh in-memory one.
// Multi-replica tests use this to point several apps at one PostgreSQL
// schema.
func WithStore(st store.Store) TestAppOption {
	return func(c *testAppConfig) { c.st = st }
}

// WithRelay starts the LISTEN/NOTIFY relay against the given DSN so this
// instance exchanges events with other replicas on the same database.
func WithRelay(dsn string) TestAppOption {
	return func(c *testAppConfig) { c.relayDSN = dsn }
}

// WithPodID overrides the generated pod identity. Multi-replica tests need
// distinct pod IDs so claims and orphan recovery attribute correctly.
func WithPodID(id string) TestAppOption {
	return func(c *testAppConfig) { c.podID = id }
}

// WithIdeation starts the queue-refill loop, which is off by default so
// scenarios that drain the queue do not receive surprise projects.
func WithIdeation() TestAppOption {
	return func(c *testAppConfig) { c.startIdeation = true }
}

// NewTestApp builds and starts a complete orchestrator. The wiring mirrors
// the server's start command, with the gRPC runtime and external tracker
// swapped for their in-process doubles.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	cfg := tc.cfg
	if cfg == nil {
		cfg = FastConfig()
	}
	cfg.Server.APIKey = testAPIKey
	workspaceID := cfg.Workspace.ID

	podID := tc.podID
	if podID == "" {
		podID = "e2e-" + t.Name()
	}

	ctx, cancel := context.WithCancel(context.Background())

	// 1. Storage: injected shared store, or a fresh in-memory one.
	st := tc.st
	if st == nil {
		st = store.NewMemoryStore()
	}

	// 2. Workspace bootstrap, create-if-absent like the server.
	require.NoError(t, st.EnsureWorkspace(ctx, &models.Workspace{
		ID:                  workspaceID,
		MaxConcurrentAgents: cfg.Workspace.MaxConcurrentAgents,
		AllowSelfReview:     cfg.Workspace.AllowSelfReview,
		DailyBudgetUSD:      cfg.Cost.DailyBudgetUSD,
		MonthlyBudgetUSD:    cfg.Cost.MonthlyBudgetUSD,
		PerAgentCapUSD:      cfg.Cost.PerAgentCapUSD,
	}))

	// 3. Event bus, plus the relay when replicas share a database.
	eventBus := bus.New(st, cfg.Events)
	require.NoError(t, eventBus.Start(ctx))

	var relay *bus.Relay
	if tc.relayDSN != "" {
		relay = bus.NewRelay(tc.relayDSN, eventBus, st)
		require.NoError(t, relay.Start(ctx))
	}

	// 4. Audit trail and cost governor.
	trail := audit.NewTrail(st, cfg.Audit)
	trail.Start(ctx)

	governor := cost.NewGovernor(st, eventBus, trail, cfg.Cost, workspaceID)
	require.NoError(t, governor.Start(ctx))

	// 5. Test doubles for the agent runtime and the issue tracker.
	driver := runtime.NewScriptedDriver()
	host := tracker.NewEmbeddedHost()

	// 6. Work pipeline, cross-wired after construction.
	dispatcher := dispatch.NewDispatcher(st, eventBus, governor, cfg.Dispatch, workspaceID, nil)
	engine := review.NewEngine(st, eventBus, trail, host, cfg.Review, workspaceID, nil)
	loop := ideation.NewLoop(st, eventBus, trail, host, governor,
		cfg.Ideation, workspaceID, dispatcher.Wake(), nil)

	manager := supervisor.NewManager(supervisor.Deps{
		Store:       st,
		Dispatcher:  dispatcher,
		Reviews:     engine,
		Ideation:    loop,
		Costs:       governor,
		Driver:      driver,
		Bus:         eventBus,
		Audit:       trail,
		Config:      cfg.Supervisor,
		WorkspaceID: workspaceID,
	})
	engine.SetAssigner(manager)
	loop.SetAssigner(manager)
	governor.SetPauser(manager)

	// 7. Orphan recovery before anything can claim, then the starts.
	_, err := dispatcher.RecoverOrphans(ctx, podID)
	require.NoError(t, err)

	require.NoError(t, dispatcher.Start(ctx))
	require.NoError(t, engine.Start(ctx))
	if tc.startIdeation {
		require.NoError(t, loop.Start(ctx))
	}
	require.NoError(t, manager.Start(ctx))

	// 8. Control API on a random port.
	server, err := api.NewServer(cfg.Server, api.Deps{
		Agents:   services.NewAgentService(st, manager, workspaceID),
		Projects: services.NewProjectService(st, eventBus, host, workspaceID, nil),
		Events:   services.NewEventService(eventBus),
		Costs:    services.NewCostService(governor),
		Audits:   services.NewAuditService(st),
		Bus:      eventBus,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.StartWithListener(ln) }()

	addr := ln.Addr().String()
	app := &TestApp{
		Config:     cfg,
		Store:      st,
		Driver:     driver,
		Host:       host,
		Bus:        eventBus,
		Trail:      trail,
		Governor:   governor,
		Dispatcher: dispatcher,
		Reviews:    engine,
		Ideas:      loop,
		Manager:    manager,
		Server:     server,
		PodID:      podID,
		BaseURL:    "http://" + addr,
		WSURL:      "ws://" + addr + "/events",
		t:          t,
	}

	// Shutdown follows the server's order, except the app context is
	// canceled first: a parked or mid-flight runtime call has to return
	// before the supervisors can be joined.
	t.Cleanup(func() {
		cancel()
		manager.Stop()
		loop.Stop()
		engine.Stop()
		dispatcher.Stop()
		governor.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)

		if relay != nil {
			relay.Stop(shutdownCtx)
		}
		eventBus.Stop()
		trail.Stop()
	})

	return app
}

// FastConfig rescales the defaults so a full project lifecycle settles in
// tens of milliseconds instead of minutes. Tests that exercise a specific
// timing (staleness, lease expiry) override the relevant field.
func FastConfig() *config.Config {
	cfg := config.Default()
	cfg.Supervisor.TickInterval = 25 * time.Millisecond
	cfg.Supervisor.TickJitter = 5 * time.Millisecond
	cfg.Supervisor.HeartbeatInterval = 50 * time.Millisecond
	cfg.Supervisor.StaleMultiplier = 5
	cfg.Supervisor.ScanInterval = 50 * time.Millisecond
	cfg.Supervisor.StopGrace = time.Second
	cfg.Dispatch.LeaseDuration = 30 * time.Second
	cfg.Dispatch.ExpiryScanInterval = 100 * time.Millisecond
	cfg.Review.AssignInterval = 25 * time.Millisecond
	cfg.Ideation.IdleDelay = 100 * time.Millisecond
	cfg.Events.BatchWindow = 10 * time.Millisecond
	cfg.Audit.FlushInterval = 100 * time.Millisecond
	cfg.Cost.SweepInterval = time.Second
	return cfg
}
