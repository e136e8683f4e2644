package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildswarm/orchestrator/pkg/models"
)

func seedAuditRecords(t *testing.T, f *apiFixture) time.Time {
	t.Helper()
	base := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	seven := int64(7)
	for i := 0; i < 4; i++ {
		rec := &models.AuditRecord{
			AuditID:        fmt.Sprintf("audit-%d", i),
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			OperationType:  "dispatch.claim",
			AgentID:        "agent-1",
			ResponseStatus: "ok",
		}
		if i%2 == 1 {
			rec.OperationType = "supervisor.error"
			rec.AgentID = "agent-2"
			rec.ProjectNumber = &seven
		}
		require.NoError(t, f.store.AppendAudit(context.Background(), rec))
	}
	return base
}

func TestAuditHistoryEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	base := seedAuditRecords(t, f)

	t.Run("newest first", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/audit-history", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var records []*models.AuditRecord
		decodeBody(t, rec, &records)
		require.Len(t, records, 4)
		assert.Equal(t, "audit-3", records[0].AuditID)
	})

	t.Run("filters combine", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/audit-history?agent_id=agent-2&operation_type=supervisor.error", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var records []*models.AuditRecord
		decodeBody(t, rec, &records)
		assert.Len(t, records, 2)
	})

	t.Run("project filter", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/audit-history?project_number=7", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var records []*models.AuditRecord
		decodeBody(t, rec, &records)
		assert.Len(t, records, 2)
	})

	t.Run("time window", func(t *testing.T) {
		since := base.Add(time.Minute).Format(time.RFC3339)
		until := base.Add(3 * time.Minute).Format(time.RFC3339)
		rec := f.do(t, http.MethodGet, "/audit-history?since="+since+"&until="+until, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var records []*models.AuditRecord
		decodeBody(t, rec, &records)
		require.Len(t, records, 2)
		assert.Equal(t, "audit-2", records[0].AuditID)
		assert.Equal(t, "audit-1", records[1].AuditID)
	})

	t.Run("limit applies", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/audit-history?limit=1", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var records []*models.AuditRecord
		decodeBody(t, rec, &records)
		assert.Len(t, records, 1)
	})

	t.Run("malformed parameters are rejected", func(t *testing.T) {
		for _, query := range []string{
			"?project_number=abc",
			"?since=yesterday",
			"?until=2026-03-05",
			"?limit=0",
			"?limit=many",
		} {
			rec := f.do(t, http.MethodGet, "/audit-history"+query, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, "query %s", query)
		}
	})
}
