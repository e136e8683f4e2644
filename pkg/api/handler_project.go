package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/buildswarm/orchestrator/pkg/models"
)

// listProjectsHandler handles GET /projects. The state query parameter
// filters by lifecycle state; an unknown state is a 400, not an empty list.
func (s *Server) listProjectsHandler(c *echo.Context) error {
	projects, err := s.projects.ListProjects(c.Request().Context(), c.QueryParam("state"))
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, projects)
}

// getProjectHandler handles GET /projects/:number.
func (s *Server) getProjectHandler(c *echo.Context) error {
	number, err := strconv.ParseInt(c.Param("number"), 10, 64)
	if err != nil || number < 1 {
		return writeError(c, http.StatusBadRequest, "validation", "project number must be a positive integer")
	}
	project, err := s.projects.GetProject(c.Request().Context(), number)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, project)
}

// createProjectHandler handles POST /projects.
func (s *Server) createProjectHandler(c *echo.Context) error {
	var req models.CreateProjectRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "validation", "invalid request body")
	}
	project, err := s.projects.CreateProject(c.Request().Context(), req)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusCreated, project)
}
