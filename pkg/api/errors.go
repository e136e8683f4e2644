package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/buildswarm/orchestrator/pkg/bus"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
	"github.com/buildswarm/orchestrator/pkg/services"
)

// writeError renders the structured error body. Handlers return its result
// so the response is written exactly once.
func writeError(c *echo.Context, status int, code, message string) error {
	return c.JSON(status, &ErrorBody{Code: code, Message: message})
}

// serviceError maps service-layer errors to HTTP error responses. Sentinels
// and validation errors come from the services package; everything else is
// classified by its orcherr kind, whose string doubles as the body code.
func serviceError(c *echo.Context, err error) error {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return writeError(c, http.StatusBadRequest, "validation", validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return c.JSON(http.StatusNotFound, &ErrorBody{
			Code: "not_found", Message: "resource not found", Detail: err.Error(),
		})
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return c.JSON(http.StatusConflict, &ErrorBody{
			Code: "conflict", Message: "resource already exists", Detail: err.Error(),
		})
	}
	if errors.Is(err, bus.ErrGapTooLarge) {
		return writeError(c, http.StatusGone, "gap-too-large",
			"resume point no longer retained, resync from current state")
	}

	var oe *orcherr.Error
	if errors.As(err, &oe) {
		switch oe.Kind {
		case orcherr.KindNotFound:
			return writeError(c, http.StatusNotFound, "not_found", err.Error())
		case orcherr.KindConflict:
			return c.JSON(http.StatusConflict, &ErrorBody{
				Code: "conflict", Message: err.Error(), FenceToken: oe.FenceToken,
			})
		case orcherr.KindInvariant:
			return writeError(c, http.StatusBadRequest, "invariant", err.Error())
		case orcherr.KindBudget:
			return writeError(c, http.StatusPaymentRequired, "budget", err.Error())
		case orcherr.KindTimeout:
			return writeError(c, http.StatusGatewayTimeout, "timeout", err.Error())
		case orcherr.KindExternal:
			return writeError(c, http.StatusBadGateway, "external", err.Error())
		case orcherr.KindTransient:
			return writeError(c, http.StatusServiceUnavailable, "transient", err.Error())
		}
	}

	slog.Error("Unexpected service error", "error", err)
	return writeError(c, http.StatusInternalServerError, "internal", "internal server error")
}
