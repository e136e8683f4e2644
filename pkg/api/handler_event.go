package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/buildswarm/orchestrator/pkg/models"
)

// ingestEventHandler handles POST /events/project. The event is sequenced
// and persisted before the 202 so the returned seq is authoritative.
func (s *Server) ingestEventHandler(c *echo.Context) error {
	var req models.ProjectEventRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "validation", "invalid request body")
	}
	seq, err := s.events.IngestProjectEvent(c.Request().Context(), req)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusAccepted, &AcceptedResponse{Seq: seq})
}

// replayHandler handles GET /events/replay?since={seq}. A cursor the log no
// longer covers returns 410 so the client resyncs from current state.
func (s *Server) replayHandler(c *echo.Context) error {
	var since int64
	if v := c.QueryParam("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return writeError(c, http.StatusBadRequest, "validation", "since must be an integer sequence number")
		}
		since = parsed
	}
	var limit int
	if v := c.QueryParam("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return writeError(c, http.StatusBadRequest, "validation", "limit must be a positive integer")
		}
		limit = parsed
	}

	events, err := s.events.Replay(c.Request().Context(), since, limit)
	if err != nil {
		return serviceError(c, err)
	}
	if events == nil {
		events = []*models.Event{}
	}
	return c.JSON(http.StatusOK, &ReplayResponse{Events: events, Head: s.bus.Seq()})
}
