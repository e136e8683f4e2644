package cleanup

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildswarm/orchestrator/pkg/clock"
	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/store"
)

func newRetentionService(st store.Store, clk clock.Clock, events *config.EventsConfig) *Service {
	retention := config.DefaultRetentionConfig()
	retention.Interval = time.Hour
	if events == nil {
		events = config.DefaultEventsConfig()
	}
	return NewService(retention, events, config.DefaultCostConfig(), st, clk)
}

func seedEvent(t *testing.T, st store.Store, seq int64, at time.Time) {
	t.Helper()
	err := st.AppendEvent(context.Background(), &models.Event{
		Seq:     seq,
		Type:    models.EventProjectProgress,
		Payload: json.RawMessage(`{}`),
		At:      at,
	})
	require.NoError(t, err)
}

func eventSeqs(t *testing.T, st store.Store) []int64 {
	t.Helper()
	events, err := st.EventsSince(context.Background(), 0, 0)
	require.NoError(t, err)
	seqs := make([]int64, 0, len(events))
	for _, ev := range events {
		seqs = append(seqs, ev.Seq)
	}
	return seqs
}

func TestService_PrunesExpiredEvents(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)

	for seq := int64(1); seq <= 3; seq++ {
		seedEvent(t, st, seq, now.Add(-2*time.Hour))
	}
	seedEvent(t, st, 4, now.Add(-time.Minute))
	seedEvent(t, st, 5, now)

	svc := newRetentionService(st, clk, &config.EventsConfig{
		RetentionCount: 2,
		RetentionAge:   time.Hour,
	})
	svc.runAll(context.Background())

	assert.Equal(t, []int64{4, 5}, eventSeqs(t, st))
}

func TestService_CountWindowOutlivesAge(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)

	// Every event is past the age window, but the last two stay because
	// the count window is the larger of the two.
	for seq := int64(1); seq <= 3; seq++ {
		seedEvent(t, st, seq, now.Add(-2*time.Hour))
	}

	svc := newRetentionService(st, clk, &config.EventsConfig{
		RetentionCount: 2,
		RetentionAge:   time.Hour,
	})
	svc.runAll(context.Background())

	assert.Equal(t, []int64{2, 3}, eventSeqs(t, st))
}

func TestService_PrunesOldAuditRecords(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	ctx := context.Background()

	err := st.AppendAudit(ctx, &models.AuditRecord{
		AuditID:       "audit-old",
		Timestamp:     now.Add(-401 * 24 * time.Hour),
		OperationType: "project.create",
	})
	require.NoError(t, err)
	err = st.AppendAudit(ctx, &models.AuditRecord{
		AuditID:       "audit-fresh",
		Timestamp:     now.Add(-time.Hour),
		OperationType: "project.create",
	})
	require.NoError(t, err)

	svc := newRetentionService(st, clk, nil)
	svc.runAll(ctx)

	records, err := st.QueryAudit(ctx, store.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "audit-fresh", records[0].AuditID)
}

func TestService_PrunesOldLedgerEntries(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	ctx := context.Background()

	err := st.AppendCostEntry(ctx, &models.CostLedgerEntry{
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		USD:         1.25,
		At:          now.Add(-401 * 24 * time.Hour),
	})
	require.NoError(t, err)
	err = st.AppendCostEntry(ctx, &models.CostLedgerEntry{
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		USD:         0.50,
		At:          now.Add(-time.Hour),
	})
	require.NoError(t, err)

	svc := newRetentionService(st, clk, nil)
	svc.runAll(ctx)

	entries, err := st.CostEntriesSince(ctx, "ws-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.InDelta(t, 0.50, entries[0].USD, 1e-9)
}

func TestService_StartRunsImmediateSweep(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	ctx := context.Background()

	err := st.AppendAudit(ctx, &models.AuditRecord{
		AuditID:       "audit-old",
		Timestamp:     now.Add(-401 * 24 * time.Hour),
		OperationType: "project.create",
	})
	require.NoError(t, err)

	svc := newRetentionService(st, clk, nil)
	svc.Start(ctx)
	defer svc.Stop()

	require.Eventually(t, func() bool {
		records, err := st.QueryAudit(ctx, store.AuditQuery{})
		return err == nil && len(records) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestService_StartStopIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newRetentionService(st, nil, nil)

	svc.Start(context.Background())
	svc.Start(context.Background())
	svc.Stop()
	svc.Stop()
}
