package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/buildswarm/orchestrator/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"

	healthProbeTimeout = 2 * time.Second
)

// healthHandler handles GET /healthz. Unauthenticated and minimal: only the
// orchestrator's own persistence is probed, so a flapping external tracker
// or model runtime cannot get the process restarted.
func (s *Server) healthHandler(c *echo.Context) error {
	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.db != nil {
		probeCtx, cancel := context.WithTimeout(c.Request().Context(), healthProbeTimeout)
		defer cancel()

		if _, err := s.db.Health(probeCtx); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	} else {
		checks["store"] = HealthCheck{Status: healthStatusHealthy, Message: "in-memory"}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
