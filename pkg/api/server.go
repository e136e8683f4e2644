// Package api is the control surface: the authenticated REST routes, the
// WebSocket event stream, and the unauthenticated health and metrics
// endpoints. Handlers validate input, call a service, and translate
// service errors into the structured error body every client sees.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buildswarm/orchestrator/pkg/bus"
	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/database"
	"github.com/buildswarm/orchestrator/pkg/services"
)

// Deps carries everything the server serves. DB may be nil when running on
// the in-memory store; the health endpoint then skips the database probe.
type Deps struct {
	Agents   *services.AgentService
	Projects *services.ProjectService
	Events   *services.EventService
	Costs    *services.CostService
	Audits   *services.AuditService
	Bus      *bus.Bus
	DB       *database.Client
}

// Server is the HTTP control plane.
type Server struct {
	cfg    *config.ServerConfig
	echo   *echo.Echo
	http   *http.Server
	logger *slog.Logger

	agents   *services.AgentService
	projects *services.ProjectService
	events   *services.EventService
	costs    *services.CostService
	audits   *services.AuditService
	bus      *bus.Bus
	db       *database.Client
}

// NewServer wires routes and middleware. It does not listen yet.
func NewServer(cfg *config.ServerConfig, deps Deps) (*Server, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api: an API key is required, set ORCH_API_KEY")
	}

	s := &Server{
		cfg:      cfg,
		echo:     echo.New(),
		logger:   slog.Default().With("component", "api"),
		agents:   deps.Agents,
		projects: deps.Projects,
		events:   deps.Events,
		costs:    deps.Costs,
		audits:   deps.Audits,
		bus:      deps.Bus,
		db:       deps.DB,
	}
	s.routes()

	s.http = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.echo,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

func (s *Server) routes() {
	e := s.echo
	e.Use(securityHeaders())

	// Probes stay outside auth so load balancers and scrapers work
	// without credentials.
	e.GET("/healthz", s.healthHandler)
	metricsHandler := promhttp.Handler()
	e.GET("/metrics", func(c *echo.Context) error {
		metricsHandler.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	g := e.Group("", requireAPIKey(s.cfg.APIKey))

	g.GET("/agents", s.listAgentsHandler)
	g.POST("/agents", s.addAgentHandler)
	g.GET("/agents/:id", s.getAgentHandler)
	g.POST("/agents/:id/pause", s.pauseAgentHandler)
	g.POST("/agents/:id/resume", s.resumeAgentHandler)
	g.POST("/agents/:id/stop", s.stopAgentHandler)
	g.POST("/agents/:id/heartbeat", s.heartbeatHandler)

	g.GET("/projects", s.listProjectsHandler)
	g.POST("/projects", s.createProjectHandler)
	g.GET("/projects/:number", s.getProjectHandler)

	g.POST("/events/project", s.ingestEventHandler)
	g.GET("/events/replay", s.replayHandler)
	g.GET("/events", s.wsHandler)

	g.GET("/audit-history", s.auditHistoryHandler)
	g.GET("/cost", s.costHandler)
}

// Start serves until the listener fails or Shutdown is called.
// http.ErrServerClosed is swallowed: a clean shutdown is not an error.
func (s *Server) Start() error {
	s.logger.Info("Control API listening", "addr", s.cfg.Addr())
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// StartWithListener serves on a caller-provided listener. Tests use this
// to bind port 0 and read the assigned address back.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.logger.Info("Control API listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
// Open WebSocket subscriptions end when the bus stops.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
