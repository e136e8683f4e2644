package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/buildswarm/orchestrator/pkg/store"
)

// auditHistoryHandler handles GET /audit-history. Filters combine with AND;
// results come back newest first.
func (s *Server) auditHistoryHandler(c *echo.Context) error {
	q := store.AuditQuery{
		AgentID:       c.QueryParam("agent_id"),
		OperationType: c.QueryParam("operation_type"),
	}

	if v := c.QueryParam("project_number"); v != "" {
		number, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return writeError(c, http.StatusBadRequest, "validation", "project_number must be an integer")
		}
		q.ProjectNumber = &number
	}
	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return writeError(c, http.StatusBadRequest, "validation", "invalid since: must be RFC3339")
		}
		q.Since = t
	}
	if v := c.QueryParam("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return writeError(c, http.StatusBadRequest, "validation", "invalid until: must be RFC3339")
		}
		q.Until = t
	}
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return writeError(c, http.StatusBadRequest, "validation", "limit must be a positive integer")
		}
		q.Limit = limit
	}

	records, err := s.audits.History(c.Request().Context(), q)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, records)
}
