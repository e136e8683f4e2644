package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildswarm/orchestrator/pkg/models"
)

func TestIngestProjectEvent(t *testing.T) {
	t.Run("event is sequenced and accepted", func(t *testing.T) {
		f := newAPIFixture(t)

		rec := f.do(t, http.MethodPost, "/events/project", models.ProjectEventRequest{
			Type: models.EventProjectProgress,
			Data: json.RawMessage(`{"number":1,"phase":"implement"}`),
		})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		var resp AcceptedResponse
		decodeBody(t, rec, &resp)
		assert.Equal(t, int64(1), resp.Seq)

		events, err := f.store.EventsSince(context.Background(), 0, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, models.EventProjectProgress, events[0].Type)
	})

	t.Run("unknown type is rejected", func(t *testing.T) {
		f := newAPIFixture(t)

		rec := f.do(t, http.MethodPost, "/events/project", map[string]any{"type": "project.imploded"})
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var body ErrorBody
		decodeBody(t, rec, &body)
		assert.Equal(t, "validation", body.Code)
	})

	t.Run("missing type is rejected", func(t *testing.T) {
		f := newAPIFixture(t)

		rec := f.do(t, http.MethodPost, "/events/project", map[string]any{"data": map[string]int{"number": 1}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("non-project families cannot be injected", func(t *testing.T) {
		f := newAPIFixture(t)

		for _, typ := range []string{"agent.heartbeat", "agent.stopped", "cost.warning", "error"} {
			rec := f.do(t, http.MethodPost, "/events/project", map[string]any{"type": typ})
			assert.Equal(t, http.StatusBadRequest, rec.Code, "type %s", typ)
		}
		assert.Equal(t, int64(0), f.bus.Seq())
	})
}

func TestReplayEvents(t *testing.T) {
	seedEvents := func(t *testing.T, f *apiFixture, n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			rec := f.do(t, http.MethodPost, "/events/project", models.ProjectEventRequest{
				Type: models.EventProjectProgress,
				Data: json.RawMessage(`{"number":1}`),
			})
			require.Equal(t, http.StatusAccepted, rec.Code)
		}
	}

	t.Run("returns events after the cursor", func(t *testing.T) {
		f := newAPIFixture(t)
		seedEvents(t, f, 3)

		rec := f.do(t, http.MethodGet, "/events/replay?since=1", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp ReplayResponse
		decodeBody(t, rec, &resp)
		require.Len(t, resp.Events, 2)
		assert.Equal(t, int64(2), resp.Events[0].Seq)
		assert.Equal(t, int64(3), resp.Events[1].Seq)
		assert.Equal(t, int64(3), resp.Head)
	})

	t.Run("defaults to the beginning", func(t *testing.T) {
		f := newAPIFixture(t)
		seedEvents(t, f, 2)

		rec := f.do(t, http.MethodGet, "/events/replay", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ReplayResponse
		decodeBody(t, rec, &resp)
		assert.Len(t, resp.Events, 2)
	})

	t.Run("caught up returns an empty list", func(t *testing.T) {
		f := newAPIFixture(t)
		seedEvents(t, f, 2)

		rec := f.do(t, http.MethodGet, "/events/replay?since=2", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ReplayResponse
		decodeBody(t, rec, &resp)
		assert.NotNil(t, resp.Events)
		assert.Empty(t, resp.Events)
		assert.Equal(t, int64(2), resp.Head)
	})

	t.Run("limit applies", func(t *testing.T) {
		f := newAPIFixture(t)
		seedEvents(t, f, 4)

		rec := f.do(t, http.MethodGet, "/events/replay?since=0&limit=2", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ReplayResponse
		decodeBody(t, rec, &resp)
		assert.Len(t, resp.Events, 2)
	})

	t.Run("malformed cursor is 400", func(t *testing.T) {
		f := newAPIFixture(t)

		rec := f.do(t, http.MethodGet, "/events/replay?since=abc", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = f.do(t, http.MethodGet, "/events/replay?limit=0", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("pruned cursor is 410", func(t *testing.T) {
		f := newAPIFixture(t)
		seedEvents(t, f, 5)

		pruned, err := f.store.PruneEvents(context.Background(), time.Now().Add(time.Hour), 2)
		require.NoError(t, err)
		require.Equal(t, int64(3), pruned)

		rec := f.do(t, http.MethodGet, "/events/replay?since=1", nil)
		require.Equal(t, http.StatusGone, rec.Code, rec.Body.String())

		var body ErrorBody
		decodeBody(t, rec, &body)
		assert.Equal(t, "gap-too-large", body.Code)
	})
}
