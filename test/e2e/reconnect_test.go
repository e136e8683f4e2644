package e2e

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

// TestEventStreamResumeAndReplay exercises the sequenced stream contract
// without any agents: a cursor resumes mid-log, the replay frame re-streams
// history over a live connection, a cursor behind the ring is refused with
// gap-too-large, and the REST replay covers what the ring no longer does.
func TestEventStreamResumeAndReplay(t *testing.T) {
	cfg := FastConfig()
	cfg.Events.RetentionCount = 20 // small ring so cursors can fall behind it
	app := NewTestApp(t, WithConfig(cfg))

	// Seed the log through the ingestion endpoint: seqs 1 through 25.
	for i := 1; i <= 25; i++ {
		seq := app.IngestEvent(models.EventProjectProgress, map[string]any{
			"number": 1, "phase": fmt.Sprintf("step-%d", i),
		})
		require.Equal(t, int64(i), seq)
	}

	// A consumer resuming from seq 10 gets the retained backlog 11..25.
	resumed, err := WSConnect(context.Background(), app.WSURL)
	require.NoError(t, err)
	t.Cleanup(resumed.Close)
	require.NoError(t, resumed.Subscribe(10))
	sub, err := resumed.WaitForType("subscribed", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(25), sub.Seq)

	_, err = resumed.WaitForSeq(25, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, seqRange(11, 25), resumed.EventSeqs())

	// A live publish lands on the same connection, in order.
	seq := app.IngestEvent(models.EventProjectProgress, map[string]any{
		"number": 1, "phase": "step-26",
	})
	require.Equal(t, int64(26), seq)
	_, err = resumed.WaitForSeq(26, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, seqRange(11, 26), resumed.EventSeqs())

	// The replay frame re-streams log history over a live connection. A
	// fresh client subscribed at the head sees exactly what it asked for.
	replayer := app.OpenStream(26)
	require.NoError(t, replayer.RequestReplay(5))
	_, err = replayer.WaitForSeq(26, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, seqRange(6, 26), replayer.EventSeqs())

	// A cursor the ring no longer covers is refused before any event flows.
	stale, err := WSConnect(context.Background(), app.WSURL)
	require.NoError(t, err)
	t.Cleanup(stale.Close)
	require.NoError(t, stale.Subscribe(2))
	gap, err := stale.WaitForEvent(func(ev WSEvent) bool {
		return ev.Code == "gap-too-large"
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "error", gap.Type)
	assert.Empty(t, stale.EventSeqs())

	// The same stale cursor as a query parameter is rejected before the
	// upgrade even happens.
	status, err := wsDialStatus(context.Background(),
		fmt.Sprintf("%s?since=2&token=%s", app.WSURL, testAPIKey))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, status)

	// The REST replay reads the log, which still covers the whole gap.
	page := app.ReplayEvents(2, 0)
	require.Len(t, page.Events, 24)
	assert.Equal(t, int64(3), page.Events[0].Seq)
	assert.Equal(t, int64(26), page.Events[len(page.Events)-1].Seq)
	assert.Equal(t, int64(26), page.Head)

	// An explicit limit pages from the cursor forward.
	page = app.ReplayEvents(2, 5)
	require.Len(t, page.Events, 5)
	assert.Equal(t, int64(3), page.Events[0].Seq)
	assert.Equal(t, int64(7), page.Events[len(page.Events)-1].Seq)
}

// seqRange returns the inclusive sequence numbers from lo to hi.
func seqRange(lo, hi int64) []int64 {
	out := make([]int64, 0, hi-lo+1)
	for s := lo; s <= hi; s++ {
		out = append(out, s)
	}
	return out
}
