package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/models"
)

// memLog is an in-memory EventLog with switchable failure so tests can
// exercise publish error paths and log pruning.
type memLog struct {
	mu      sync.Mutex
	events  []*models.Event
	failErr error
}

func (l *memLog) setFail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failErr = err
}

func (l *memLog) AppendEvent(_ context.Context, ev *models.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return l.failErr
	}
	for _, e := range l.events {
		if e.Seq == ev.Seq {
			return nil
		}
	}
	l.events = append(l.events, ev)
	return nil
}

func (l *memLog) LastEventSeq(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return 0, nil
	}
	return l.events[len(l.events)-1].Seq, nil
}

func (l *memLog) EventsSince(_ context.Context, sinceSeq int64, limit int) ([]*models.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.Event
	for _, e := range l.events {
		if e.Seq <= sinceSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// dropThrough discards log entries at or below seq, simulating retention
// pruning.
func (l *memLog) dropThrough(seq int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.events[:0]
	for _, e := range l.events {
		if e.Seq > seq {
			kept = append(kept, e)
		}
	}
	l.events = kept
}

func testBus(t *testing.T, mutate func(*config.EventsConfig)) (*Bus, *memLog) {
	t.Helper()

	log := &memLog{}
	cfg := config.DefaultEventsConfig()
	cfg.BatchWindow = 5 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	b := New(log, cfg)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return b, log
}

// collect reads batches from sub until n events have arrived.
func collect(t *testing.T, sub *Subscription, n int) []*models.Event {
	t.Helper()

	var got []*models.Event
	deadline := time.After(3 * time.Second)
	for len(got) < n {
		select {
		case batch, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription closed after %d of %d events: %v", len(got), n, sub.Err())
			}
			got = append(got, batch...)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, have %d", n, len(got))
		}
	}
	return got
}

func seqsOf(events []*models.Event) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.Seq
	}
	return out
}

func TestBusPublishAssignsContiguousSeqs(t *testing.T) {
	b, log := testBus(t, nil)
	ctx := context.Background()

	sub, err := b.Subscribe(0)
	require.NoError(t, err)

	seq, err := b.Publish(ctx, models.EventProjectCreated, &ProjectPayload{
		Number:      7,
		WorkspaceID: "ws-test",
		Title:       "add retry to fetcher",
		State:       models.ProjectProposed,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	for i := 0; i < 9; i++ {
		_, err := b.Publish(ctx, models.EventProjectProgress, &ProjectPayload{Number: 7, Phase: "editing"})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(10), b.Seq())

	got := collect(t, sub, 10)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq, "delivery must be gapless and ordered")
	}
	assert.Equal(t, models.EventProjectCreated, got[0].Type)
	assert.False(t, got[0].At.IsZero())

	var payload ProjectPayload
	require.NoError(t, json.Unmarshal(got[0].Payload, &payload))
	assert.Equal(t, int64(7), payload.Number)
	assert.Equal(t, "add retry to fetcher", payload.Title)

	// Every delivered event is also in the durable log.
	last, err := log.LastEventSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), last)
}

func TestBusSubscribeTailReplay(t *testing.T) {
	b, _ := testBus(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, models.EventAgentHeartbeat, &AgentPayload{AgentID: "agent-1", Status: models.AgentWorking})
		require.NoError(t, err)
	}

	// A reconnect that saw through seq 2 gets 3..5 from the ring before
	// anything live.
	sub, err := b.Subscribe(2)
	require.NoError(t, err)

	_, err = b.Publish(ctx, models.EventProjectQueued, &ProjectPayload{Number: 1, State: models.ProjectQueued})
	require.NoError(t, err)

	got := collect(t, sub, 4)
	assert.Equal(t, []int64{3, 4, 5, 6}, seqsOf(got))
}

func TestBusSubscribeGapTooLarge(t *testing.T) {
	b, _ := testBus(t, func(cfg *config.EventsConfig) {
		cfg.RetentionCount = 3
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := b.Publish(ctx, models.EventAgentHeartbeat, &AgentPayload{AgentID: "agent-1", Status: models.AgentIdle})
		require.NoError(t, err)
	}

	// The ring holds 8..10; a client resuming from 2 cannot be bridged.
	_, err := b.Subscribe(2)
	require.ErrorIs(t, err, ErrGapTooLarge)

	// Still coverable from the ring.
	sub, err := b.Subscribe(7)
	require.NoError(t, err)
	got := collect(t, sub, 3)
	assert.Equal(t, []int64{8, 9, 10}, seqsOf(got))

	// Resuming from the future is a client bug, not a gap.
	_, err = b.Subscribe(99)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrGapTooLarge)
	assert.Contains(t, err.Error(), "ahead of log head")
}

func TestBusSubscriberOverflowDropsSubscriber(t *testing.T) {
	b, _ := testBus(t, func(cfg *config.EventsConfig) {
		cfg.SubscriberQueueCap = 5
		cfg.BatchWindow = time.Hour // no flushes; the backlog only grows
	})
	ctx := context.Background()

	sub, err := b.Subscribe(0)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := b.Publish(ctx, models.EventAgentHeartbeat, &AgentPayload{AgentID: "agent-1", Status: models.AgentWorking})
		require.NoError(t, err)
	}

	select {
	case batch, ok := <-sub.C():
		require.False(t, ok, "expected close, got a batch of %d", len(batch))
	case <-time.After(2 * time.Second):
		t.Fatal("overflowing subscriber was not dropped")
	}
	assert.ErrorIs(t, sub.Err(), ErrGapTooLarge)

	// The bus itself keeps going.
	_, err = b.Publish(ctx, models.EventAgentHeartbeat, &AgentPayload{AgentID: "agent-1", Status: models.AgentWorking})
	require.NoError(t, err)
	assert.Equal(t, int64(7), b.Seq())
}

func TestBusPublishFailureLeavesNoHole(t *testing.T) {
	b, log := testBus(t, nil)
	ctx := context.Background()

	sub, err := b.Subscribe(0)
	require.NoError(t, err)

	log.setFail(errors.New("connection refused"))
	_, err = b.Publish(ctx, models.EventProjectCreated, &ProjectPayload{Number: 1})
	require.ErrorContains(t, err, "failed to persist")
	assert.Equal(t, int64(0), b.Seq(), "a failed publish must not consume a sequence number")

	log.setFail(nil)
	seq, err := b.Publish(ctx, models.EventProjectCreated, &ProjectPayload{Number: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq, "the next publish reuses the unconsumed number")

	got := collect(t, sub, 1)
	assert.Equal(t, []int64{1}, seqsOf(got))

	last, err := log.LastEventSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)
}

func TestBusInject(t *testing.T) {
	b, log := testBus(t, nil)
	ctx := context.Background()

	sub, err := b.Subscribe(0)
	require.NoError(t, err)

	_, err = b.Publish(ctx, models.EventProjectCreated, &ProjectPayload{Number: 1})
	require.NoError(t, err)
	_, err = b.Publish(ctx, models.EventProjectQueued, &ProjectPayload{Number: 1, State: models.ProjectQueued})
	require.NoError(t, err)
	collect(t, sub, 2)

	// A replayed publish from another replica changes nothing.
	require.NoError(t, b.Inject(&models.Event{Seq: 2, Type: models.EventProjectQueued, At: time.Now().UTC()}))
	assert.Equal(t, int64(2), b.Seq())

	// The contiguous next event is taken and fanned out.
	require.NoError(t, b.Inject(&models.Event{Seq: 3, Type: models.EventProjectClaimed, At: time.Now().UTC()}))
	assert.Equal(t, int64(3), b.Seq())

	// Anything further ahead means we missed traffic.
	err = b.Inject(&models.Event{Seq: 5, Type: models.EventProjectPushed, At: time.Now().UTC()})
	require.ErrorIs(t, err, ErrSequenceGap)
	assert.Equal(t, int64(3), b.Seq())

	_, err = b.Publish(ctx, models.EventProjectProgress, &ProjectPayload{Number: 1, Phase: "editing"})
	require.NoError(t, err)

	// Had the duplicate been re-delivered it would sit between 2 and 3.
	got := collect(t, sub, 2)
	assert.Equal(t, []int64{3, 4}, seqsOf(got))

	// Injected events were sequenced and persisted by their origin; the
	// local log only holds local publishes.
	last, err := log.LastEventSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestBusReplay(t *testing.T) {
	b, log := testBus(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, models.EventAgentHeartbeat, &AgentPayload{AgentID: "agent-1", Status: models.AgentIdle})
		require.NoError(t, err)
	}

	events, err := b.Replay(ctx, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, seqsOf(events))

	events, err = b.Replay(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, seqsOf(events))

	// Caught up: nothing to send.
	events, err = b.Replay(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	// After pruning, a cursor before the log floor cannot be resumed.
	log.dropThrough(3)
	_, err = b.Replay(ctx, 1, 10)
	require.ErrorIs(t, err, ErrGapTooLarge)
	_, err = b.Replay(ctx, 0, 10)
	require.ErrorIs(t, err, ErrGapTooLarge)

	events, err = b.Replay(ctx, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, seqsOf(events))
}

func TestBusAckDropsPendingAndStopFlushes(t *testing.T) {
	b, _ := testBus(t, func(cfg *config.EventsConfig) {
		cfg.BatchWindow = time.Hour // only shutdown may deliver
	})
	ctx := context.Background()

	sub, err := b.Subscribe(0)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := b.Publish(ctx, models.EventAgentHeartbeat, &AgentPayload{AgentID: "agent-1", Status: models.AgentWorking})
		require.NoError(t, err)
	}

	// The client fetched 1..2 over REST replay while connecting.
	sub.Ack(2)

	b.Stop()

	batch, ok := <-sub.C()
	require.True(t, ok, "shutdown should deliver the pending batch")
	assert.Equal(t, []int64{3, 4}, seqsOf(batch))

	_, ok = <-sub.C()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())
}

func TestBusStartRecoversFromLog(t *testing.T) {
	log := &memLog{}
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, log.AppendEvent(ctx, &models.Event{
			Seq:     int64(i),
			Type:    models.EventProjectProgress,
			Payload: json.RawMessage(fmt.Sprintf(`{"number":%d}`, i)),
			At:      time.Now().UTC(),
		}))
	}

	cfg := config.DefaultEventsConfig()
	cfg.BatchWindow = 5 * time.Millisecond
	b := New(log, cfg)
	require.NoError(t, b.Start(ctx))
	t.Cleanup(b.Stop)

	assert.Equal(t, int64(5), b.Seq(), "sequence counter survives a restart")

	// The warmed ring bridges reconnects across the restart.
	sub, err := b.Subscribe(3)
	require.NoError(t, err)

	seq, err := b.Publish(ctx, models.EventProjectPushed, &ProjectPayload{Number: 9, State: models.ProjectPushed})
	require.NoError(t, err)
	assert.Equal(t, int64(6), seq)

	got := collect(t, sub, 3)
	assert.Equal(t, []int64{4, 5, 6}, seqsOf(got))
}

func TestBusSubscribeAfterStop(t *testing.T) {
	b, _ := testBus(t, nil)
	b.Stop()

	_, err := b.Subscribe(0)
	require.ErrorIs(t, err, ErrClosed)

	_, err = b.Publish(context.Background(), models.EventError, nil)
	require.ErrorIs(t, err, ErrClosed)
}
