package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/buildswarm/orchestrator/pkg/api"
	"github.com/buildswarm/orchestrator/pkg/audit"
	"github.com/buildswarm/orchestrator/pkg/bus"
	"github.com/buildswarm/orchestrator/pkg/cleanup"
	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/cost"
	"github.com/buildswarm/orchestrator/pkg/database"
	"github.com/buildswarm/orchestrator/pkg/dispatch"
	"github.com/buildswarm/orchestrator/pkg/ideation"
	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/notify"
	"github.com/buildswarm/orchestrator/pkg/review"
	"github.com/buildswarm/orchestrator/pkg/runtime"
	"github.com/buildswarm/orchestrator/pkg/services"
	"github.com/buildswarm/orchestrator/pkg/store"
	"github.com/buildswarm/orchestrator/pkg/supervisor"
	"github.com/buildswarm/orchestrator/pkg/tracker"
)

var (
	startConfig  string
	startEnvFile string
	startPidFile string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the orchestrator server in the foreground",
	Long: `Runs the full orchestrator: the dispatcher, the review engine, the
ideation loop, the cost governor, per-agent supervisors, and the control
API. With ORCH_DB_URL (or DB_HOST) set, state lives in PostgreSQL and
multiple replicas share one queue; without it a single process runs on an
in-memory store.

SIGTERM or SIGINT triggers a graceful shutdown: agents finish their
current step, the API drains, and buffered audit records are flushed.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startConfig, "config",
		getEnv("ORCH_CONFIG", "orchestrator.yaml"),
		"Path to the YAML config file (optional)")
	startCmd.Flags().StringVar(&startEnvFile, "env-file", ".env",
		"Path to a .env file loaded before config")
	startCmd.Flags().StringVar(&startPidFile, "pid-file", defaultPidFile(),
		"Where to record this server's pid for 'orchestrator stop'")
	rootCmd.AddCommand(startCmd)
}

func runStart(_ *cobra.Command, _ []string) error {
	// Load .env before config so ORCH_* overrides from it apply.
	if err := godotenv.Load(startEnvFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", startEnvFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", startEnvFile)
	}

	podID := resolvePodID()
	slog.Info("Starting orchestrator", "pod_id", podID, "config", startConfig)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load(startConfig)
	if err != nil {
		return fail(fmt.Errorf("loading configuration: %w", err))
	}
	workspaceID := cfg.Workspace.ID

	// 2. Storage: PostgreSQL when a database is configured, otherwise a
	// single-process in-memory store.
	var (
		st       store.Store
		dbClient *database.Client
	)
	if os.Getenv(config.EnvDBURL) != "" || os.Getenv("DB_HOST") != "" {
		dbCfg, err := database.LoadConfigFromEnv()
		if err != nil {
			return fail(fmt.Errorf("loading database config: %w", err))
		}
		dbClient, err = database.NewClient(ctx, dbCfg)
		if err != nil {
			return fail(fmt.Errorf("connecting to database: %w", err))
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		st = store.NewPostgresStore(dbClient.DB())
		slog.Info("Connected to PostgreSQL database")
	} else {
		st = store.NewMemoryStore()
		slog.Warn("No database configured, using in-memory store (state is lost on restart)")
	}

	// 3. Workspace bootstrap. EnsureWorkspace is create-if-absent, so a
	// workspace paused by the cost governor stays paused across restarts.
	ws := &models.Workspace{
		ID:                  workspaceID,
		MaxConcurrentAgents: cfg.Workspace.MaxConcurrentAgents,
		AllowSelfReview:     cfg.Workspace.AllowSelfReview,
		DailyBudgetUSD:      cfg.Cost.DailyBudgetUSD,
		MonthlyBudgetUSD:    cfg.Cost.MonthlyBudgetUSD,
		PerAgentCapUSD:      cfg.Cost.PerAgentCapUSD,
	}
	if err := st.EnsureWorkspace(ctx, ws); err != nil {
		return fail(fmt.Errorf("bootstrapping workspace: %w", err))
	}

	// 4. Event bus, with the PostgreSQL relay when replicas share a store.
	eventBus := bus.New(st, cfg.Events)
	if err := eventBus.Start(ctx); err != nil {
		return fail(fmt.Errorf("starting event bus: %w", err))
	}

	var relay *bus.Relay
	if dbClient != nil {
		dbCfg, _ := database.LoadConfigFromEnv()
		relay = bus.NewRelay(dbCfg.DSN(), eventBus, st)
		if err := relay.Start(ctx); err != nil {
			return fail(fmt.Errorf("starting event relay: %w", err))
		}
		slog.Info("Event relay listening for replica events")
	}

	// 5. Audit trail and cost governor
	trail := audit.NewTrail(st, cfg.Audit)
	trail.Start(ctx)

	governor := cost.NewGovernor(st, eventBus, trail, cfg.Cost, workspaceID)
	if err := governor.Start(ctx); err != nil {
		return fail(fmt.Errorf("starting cost governor: %w", err))
	}

	// 6. Issue tracker and agent runtime
	host := tracker.NewHost(cfg.Tracker)
	driver, err := runtime.NewGRPCDriver(cfg.Runtime)
	if err != nil {
		return fail(fmt.Errorf("initializing agent runtime client: %w", err))
	}
	defer func() {
		if err := driver.Close(); err != nil {
			slog.Error("Error closing runtime client", "error", err)
		}
	}()
	slog.Info("Agent runtime client initialized", "addr", cfg.Runtime.Addr)

	// 7. Work pipeline: dispatcher, review engine, ideation loop,
	// supervisor manager, wired into each other after construction.
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

	// 8. Startup orphan recovery: claims this pod held before a crash
	// return to the pool before anything can claim on top of them.
	if recovered, err := dispatcher.RecoverOrphans(ctx, podID); err != nil {
		slog.Error("Failed to recover orphaned claims", "error", err)
		// Non-fatal: the lease scanner reaps them when they expire.
	} else if recovered > 0 {
		slog.Info("Recovered orphaned claims", "count", recovered)
	}

	if err := dispatcher.Start(ctx); err != nil {
		return fail(fmt.Errorf("starting dispatcher: %w", err))
	}
	if err := engine.Start(ctx); err != nil {
		return fail(fmt.Errorf("starting review engine: %w", err))
	}
	if err := loop.Start(ctx); err != nil {
		return fail(fmt.Errorf("starting ideation loop: %w", err))
	}
	if err := manager.Start(ctx); err != nil {
		return fail(fmt.Errorf("starting supervisor manager: %w", err))
	}

	// 9. Operator notifications and retention sweeps
	notifier := notify.NewNotifier(cfg.Slack, eventBus)
	notifier.Start(ctx)

	cleaner := cleanup.NewService(cfg.Retention, cfg.Events, cfg.Cost, st, nil)
	cleaner.Start(ctx)

	// 10. Control API
	httpServer, err := api.NewServer(cfg.Server, api.Deps{
		Agents:   services.NewAgentService(st, manager, workspaceID),
		Projects: services.NewProjectService(st, eventBus, host, workspaceID, nil),
		Events:   services.NewEventService(eventBus),
		Costs:    services.NewCostService(governor),
		Audits:   services.NewAuditService(st),
		Bus:      eventBus,
		DB:       dbClient,
	})
	if err != nil {
		return fail(err)
	}

	if err := writePidFile(startPidFile); err != nil {
		return fail(err)
	}
	defer func() { _ = os.Remove(startPidFile) }()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Orchestrator started",
		"pod_id", podID,
		"workspace", workspaceID,
		"addr", cfg.Server.Addr())

	// 11. Wait for a shutdown signal or a server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown. Agents first, bounded by the stop grace
	// window plus slack; then the singleton loops; the API drains on its
	// own budget; the bus closes subscriptions; the audit trail flushes
	// last so shutdown's own records land.
	agentsDone := make(chan struct{})
	go func() {
		manager.Stop()
		close(agentsDone)
	}()
	select {
	case <-agentsDone:
		slog.Info("Supervisors stopped gracefully")
	case <-time.After(cfg.Supervisor.StopGrace + 10*time.Second):
		slog.Warn("Supervisor shutdown exceeded the stop grace window, abandoning",
			"grace", cfg.Supervisor.StopGrace)
	}

	loop.Stop()
	engine.Stop()
	dispatcher.Stop()
	governor.Stop()
	cleaner.Stop()
	notifier.Stop()

	httpCtx, httpCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if relay != nil {
		relayCtx, relayCancel := context.WithTimeout(ctx, 5*time.Second)
		relay.Stop(relayCtx)
		relayCancel()
	}
	eventBus.Stop()
	trail.Stop()

	slog.Info("Shutdown complete")
	return nil
}

// writePidFile records this process for 'orchestrator stop', refusing to
// clobber a live server's file.
func writePidFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(bytesTrim(data))); err == nil {
			if proc, err := os.FindProcess(pid); err == nil {
				if proc.Signal(syscall.Signal(0)) == nil {
					return fmt.Errorf("another server is already running (pid %d, %s)", pid, path)
				}
			}
		}
		slog.Warn("Removing stale pid file", "path", path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func bytesTrim(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
