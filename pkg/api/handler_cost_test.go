package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildswarm/orchestrator/pkg/cost"
)

func TestCostEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/cost", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap cost.Snapshot
	decodeBody(t, rec, &snap)
	assert.Equal(t, "ws-1", snap.WorkspaceID)
	assert.Equal(t, 12.5, snap.DailySpentUSD)
	assert.Equal(t, float64(100), snap.DailyBudgetUSD)
	assert.Equal(t, 12.5, snap.AgentDailyUSD["agent-1"])
}
