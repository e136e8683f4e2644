package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// costHandler handles GET /cost: the live windowed spend against budgets.
func (s *Server) costHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.costs.Snapshot())
}
