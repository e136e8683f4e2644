package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildswarm/orchestrator/pkg/bus"
	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/store"
)

func newEventFixture(t *testing.T) (*EventService, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	b := bus.New(st, config.DefaultEventsConfig())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return NewEventService(b), st
}

func TestEventServiceIngestProjectEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("sequences and persists the event", func(t *testing.T) {
		svc, st := newEventFixture(t)

		seq, err := svc.IngestProjectEvent(ctx, models.ProjectEventRequest{
			Type: models.EventProjectProgress,
			Data: json.RawMessage(`{"number":7,"phase":"coding"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), seq)

		seq, err = svc.IngestProjectEvent(ctx, models.ProjectEventRequest{
			Type: models.EventProjectPushed,
			Data: json.RawMessage(`{"number":7}`),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), seq)

		events, err := st.EventsSince(ctx, 0, 10)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, models.EventProjectProgress, events[0].Type)
		assert.JSONEq(t, `{"number":7,"phase":"coding"}`, string(events[0].Payload))
	})

	t.Run("review verdicts may be submitted", func(t *testing.T) {
		svc, _ := newEventFixture(t)

		_, err := svc.IngestProjectEvent(ctx, models.ProjectEventRequest{
			Type: models.EventReviewVerdict,
			Data: json.RawMessage(`{"number":3,"verdict":"accepted"}`),
		})
		assert.NoError(t, err)
	})

	t.Run("rejects missing and unknown types", func(t *testing.T) {
		svc, _ := newEventFixture(t)

		_, err := svc.IngestProjectEvent(ctx, models.ProjectEventRequest{})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))

		_, err = svc.IngestProjectEvent(ctx, models.ProjectEventRequest{Type: "project.exploded"})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("rejects orchestrator-owned families", func(t *testing.T) {
		svc, _ := newEventFixture(t)

		for _, typ := range []models.EventType{
			models.EventAgentHeartbeat,
			models.EventAgentStopped,
			models.EventCostWarning,
			models.EventError,
		} {
			_, err := svc.IngestProjectEvent(ctx, models.ProjectEventRequest{Type: typ})
			require.Error(t, err, "type %s should be rejected", typ)
			assert.True(t, IsValidationError(err))
		}
	})
}

func TestEventServiceReplay(t *testing.T) {
	ctx := context.Background()
	svc, st := newEventFixture(t)

	for i := 0; i < 5; i++ {
		_, err := svc.IngestProjectEvent(ctx, models.ProjectEventRequest{
			Type: models.EventProjectProgress,
			Data: json.RawMessage(`{"number":1}`),
		})
		require.NoError(t, err)
	}

	t.Run("returns events after the cursor", func(t *testing.T) {
		events, err := svc.Replay(ctx, 2, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, int64(3), events[0].Seq)
		assert.Equal(t, int64(5), events[2].Seq)
	})

	t.Run("honors the limit", func(t *testing.T) {
		events, err := svc.Replay(ctx, 0, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(1), events[0].Seq)
	})

	t.Run("caught-up cursor yields nothing", func(t *testing.T) {
		events, err := svc.Replay(ctx, 5, 0)
		require.NoError(t, err)
		assert.Empty(t, events)

		events, err = svc.Replay(ctx, 9, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("negative cursor is rejected", func(t *testing.T) {
		_, err := svc.Replay(ctx, -1, 0)
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("pruned history surfaces the gap", func(t *testing.T) {
		pruned, err := st.PruneEvents(ctx, time.Now().Add(time.Hour), 2)
		require.NoError(t, err)
		require.Equal(t, int64(3), pruned)

		_, err = svc.Replay(ctx, 1, 0)
		assert.ErrorIs(t, err, bus.ErrGapTooLarge)
	})
}
