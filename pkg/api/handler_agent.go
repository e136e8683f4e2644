package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/buildswarm/orchestrator/pkg/models"
)

// listAgentsHandler handles GET /agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	agents, err := s.agents.ListAgents(c.Request().Context())
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, agents)
}

// getAgentHandler handles GET /agents/:id.
func (s *Server) getAgentHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return writeError(c, http.StatusBadRequest, "validation", "agent id is required")
	}
	agent, err := s.agents.GetAgent(c.Request().Context(), id)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// addAgentHandler handles POST /agents.
func (s *Server) addAgentHandler(c *echo.Context) error {
	var req models.AddAgentRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "validation", "invalid request body")
	}
	agent, err := s.agents.AddAgent(c.Request().Context(), req)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusCreated, agent)
}

// pauseRequest is the optional body for POST /agents/:id/pause.
type pauseRequest struct {
	Reason string `json:"reason,omitempty"`
}

// pauseAgentHandler handles POST /agents/:id/pause. The pause lands at the
// agent's next safe point, not synchronously.
func (s *Server) pauseAgentHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return writeError(c, http.StatusBadRequest, "validation", "agent id is required")
	}
	var req pauseRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "validation", "invalid request body")
	}
	if err := s.agents.PauseAgent(c.Request().Context(), id, req.Reason); err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, &ControlResponse{AgentID: id, Message: "pause requested"})
}

// resumeAgentHandler handles POST /agents/:id/resume.
func (s *Server) resumeAgentHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return writeError(c, http.StatusBadRequest, "validation", "agent id is required")
	}
	if err := s.agents.ResumeAgent(c.Request().Context(), id); err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, &ControlResponse{AgentID: id, Message: "resume requested"})
}

// stopAgentHandler handles POST /agents/:id/stop.
func (s *Server) stopAgentHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return writeError(c, http.StatusBadRequest, "validation", "agent id is required")
	}
	if err := s.agents.StopAgent(c.Request().Context(), id); err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, &ControlResponse{AgentID: id, Message: "stop requested"})
}

// heartbeatHandler handles POST /agents/:id/heartbeat.
func (s *Server) heartbeatHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return writeError(c, http.StatusBadRequest, "validation", "agent id is required")
	}
	if err := s.agents.Heartbeat(c.Request().Context(), id); err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, &ControlResponse{AgentID: id, Message: "heartbeat recorded"})
}
