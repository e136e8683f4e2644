package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.NotEmpty(t, resp.Version)

	// Without a database client the in-memory store reports instead.
	check, ok := resp.Checks["store"]
	require.True(t, ok)
	assert.Equal(t, "healthy", check.Status)
	assert.Equal(t, "in-memory", check.Message)
}
