// Package bus is the sequenced in-process event bus. Every published event
// gets the next global sequence number, is persisted to the event log, kept
// in a bounded in-memory ring for reconnect replay, and fanned out to
// subscribers in batches. Subscribers see strictly increasing, contiguous
// sequence numbers; a subscriber that falls too far behind is closed with
// ErrGapTooLarge and must resync from the log.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/metrics"
	"github.com/buildswarm/orchestrator/pkg/models"
)

var (
	// ErrGapTooLarge means the requested resume point is no longer covered
	// by the retention ring (or the subscriber's backlog overflowed) and the
	// client must resync from the event log.
	ErrGapTooLarge = errors.New("bus: gap too large, resync from the event log")

	// ErrClosed means the bus has shut down.
	ErrClosed = errors.New("bus: closed")

	// ErrSequenceGap is returned by Inject when the event does not extend
	// the local sequence contiguously; the relay catches up from the log.
	ErrSequenceGap = errors.New("bus: sequence gap")
)

// EventLog is the slice of the store the bus persists and replays through.
type EventLog interface {
	AppendEvent(ctx context.Context, ev *models.Event) error
	LastEventSeq(ctx context.Context) (int64, error)
	EventsSince(ctx context.Context, sinceSeq int64, limit int) ([]*models.Event, error)
}

// Bus owns sequence assignment. All state below the command channel is
// touched only by the run goroutine, so publishes serialize through a
// single writer lane and the log stays gapless.
type Bus struct {
	log EventLog
	cfg *config.EventsConfig

	cmdCh    chan func()
	stopCh   chan struct{}
	laneDone chan struct{}
	stopOnce sync.Once

	// Lane-owned state.
	seq       int64
	ring      []*models.Event
	subs      map[int64]*Subscription
	nextSubID int64
	mirror    func(*models.Event)
}

// Subscription is one consumer's view of the bus. Events arrive on C in
// batches; after C closes, Err reports why.
type Subscription struct {
	id  int64
	bus *Bus
	ch  chan []*models.Event

	// Lane-owned.
	pending   []*models.Event
	lastAcked int64

	// Written by the lane before ch is closed; the close is the barrier.
	err error
}

// New creates a bus over the given event log. Call Start before publishing.
func New(log EventLog, cfg *config.EventsConfig) *Bus {
	return &Bus{
		log:      log,
		cfg:      cfg,
		cmdCh:    make(chan func(), 64),
		stopCh:   make(chan struct{}),
		laneDone: make(chan struct{}),
		subs:     make(map[int64]*Subscription),
	}
}

// Start recovers the sequence counter and retention ring from the log and
// begins the dispatch lane.
func (b *Bus) Start(ctx context.Context) error {
	last, err := b.log.LastEventSeq(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover event seq: %w", err)
	}
	b.seq = last

	// Warm the ring so reconnects right after a restart can still tail.
	since := last - int64(b.cfg.RetentionCount)
	if since < 0 {
		since = 0
	}
	tail, err := b.log.EventsSince(ctx, since, b.cfg.RetentionCount)
	if err != nil {
		return fmt.Errorf("failed to warm retention ring: %w", err)
	}
	b.ring = tail

	go b.run(ctx)
	slog.Info("Event bus started", "seq", b.seq, "ring", len(b.ring))
	return nil
}

// Stop shuts the lane down and closes every subscription. Safe to call
// multiple times.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.laneDone
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.laneDone)

	ticker := time.NewTicker(b.cfg.BatchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			b.shutdown()
			return
		case <-ctx.Done():
			b.shutdown()
			return
		case fn := <-b.cmdCh:
			fn()
		case <-ticker.C:
			b.flushAll()
		}
	}
}

// shutdown drains queued commands, delivers what is pending, and closes
// every subscription without an error.
func (b *Bus) shutdown() {
	for {
		select {
		case fn := <-b.cmdCh:
			fn()
		default:
			b.flushAll()
			for _, sub := range b.subs {
				b.closeSub(sub, nil)
			}
			return
		}
	}
}

// do runs fn on the lane and waits for it.
func (b *Bus) do(fn func()) error {
	done := make(chan struct{})
	select {
	case b.cmdCh <- func() { fn(); close(done) }:
	case <-b.laneDone:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-b.laneDone:
		// The lane drains its queue on shutdown, so a command that was
		// accepted above has still run unless shutdown raced the send.
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Publish assigns the next sequence number, persists the event, and stages
// it for every subscriber. The sequence advances only if the log write
// succeeds, so the persisted log never has holes.
func (b *Bus) Publish(ctx context.Context, t models.EventType, payload any) (int64, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}

	var seq int64
	var pubErr error
	err = b.do(func() {
		ev := &models.Event{
			Seq:     b.seq + 1,
			Type:    t,
			Payload: data,
			At:      time.Now().UTC(),
		}

		wctx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
		defer cancel()
		if err := b.log.AppendEvent(wctx, ev); err != nil {
			pubErr = fmt.Errorf("failed to persist event %d: %w", ev.Seq, err)
			metrics.EventPublishFailures.WithLabelValues(string(t)).Inc()
			return
		}

		b.seq = ev.Seq
		b.retain(ev)
		b.fanout(ev)
		if b.mirror != nil {
			b.mirror(ev)
		}
		metrics.EventSeq.Set(float64(ev.Seq))
		seq = ev.Seq
	})
	if err != nil {
		return 0, err
	}
	return seq, pubErr
}

// SetMirror installs a hook that sees every locally published event after
// fanout. The relay uses it to NOTIFY other replicas; the hook must not
// block. A nil fn removes the mirror.
func (b *Bus) SetMirror(fn func(*models.Event)) {
	_ = b.do(func() { b.mirror = fn })
}

// Inject feeds an event sequenced elsewhere (another replica) into the
// local ring and subscribers. Duplicates are ignored; an event that does
// not extend the sequence contiguously returns ErrSequenceGap so the
// caller can catch up from the log first.
func (b *Bus) Inject(ev *models.Event) error {
	var injErr error
	err := b.do(func() {
		switch {
		case ev.Seq <= b.seq:
			// Already seen; a replayed publish changes nothing.
		case ev.Seq == b.seq+1:
			b.seq = ev.Seq
			b.retain(ev)
			b.fanout(ev)
			metrics.EventSeq.Set(float64(ev.Seq))
		default:
			injErr = fmt.Errorf("%w: have %d, got %d", ErrSequenceGap, b.seq, ev.Seq)
		}
	})
	if err != nil {
		return err
	}
	return injErr
}

// Seq returns the last assigned sequence number.
func (b *Bus) Seq() int64 {
	var seq int64
	if err := b.do(func() { seq = b.seq }); err != nil {
		return 0
	}
	return seq
}

// Subscribe registers a consumer resuming after lastReceivedSeq. A zero
// lastReceivedSeq starts from the live edge. If the ring still covers the
// span, the missed tail is staged for delivery before any live event; if
// not, ErrGapTooLarge tells the client to resync from the log.
func (b *Bus) Subscribe(lastReceivedSeq int64) (*Subscription, error) {
	var sub *Subscription
	var subErr error
	err := b.do(func() {
		if lastReceivedSeq > b.seq {
			subErr = fmt.Errorf("bus: subscribe seq %d is ahead of log head %d", lastReceivedSeq, b.seq)
			return
		}

		var backlog []*models.Event
		if lastReceivedSeq > 0 && lastReceivedSeq < b.seq {
			if len(b.ring) == 0 || b.ring[0].Seq > lastReceivedSeq+1 {
				subErr = ErrGapTooLarge
				return
			}
			for _, ev := range b.ring {
				if ev.Seq > lastReceivedSeq {
					backlog = append(backlog, ev)
				}
			}
		}

		b.nextSubID++
		sub = &Subscription{
			id:        b.nextSubID,
			bus:       b,
			ch:        make(chan []*models.Event, 1),
			pending:   backlog,
			lastAcked: lastReceivedSeq,
		}
		b.subs[sub.id] = sub
	})
	if err != nil {
		return nil, err
	}
	return sub, subErr
}

// retain appends to the ring and trims it to the retention count.
func (b *Bus) retain(ev *models.Event) {
	b.ring = append(b.ring, ev)
	if over := len(b.ring) - b.cfg.RetentionCount; over > 0 {
		b.ring = b.ring[over:]
	}
}

// fanout stages the event for every live subscriber and drops any
// subscriber whose backlog is past the cap.
func (b *Bus) fanout(ev *models.Event) {
	for _, sub := range b.subs {
		sub.pending = append(sub.pending, ev)
		if len(sub.pending) > b.cfg.SubscriberQueueCap {
			slog.Warn("Subscriber backlog overflow, dropping subscriber",
				"subscription_id", sub.id, "backlog", len(sub.pending))
			metrics.SubscribersDropped.Inc()
			b.closeSub(sub, ErrGapTooLarge)
		}
	}
}

// flushAll delivers each subscriber's pending batch. A consumer that has
// not drained the previous batch keeps accumulating until the cap drops it.
func (b *Bus) flushAll() {
	for _, sub := range b.subs {
		if len(sub.pending) == 0 {
			continue
		}
		batch := sub.pending
		select {
		case sub.ch <- batch:
			sub.pending = nil
		default:
		}
	}
}

func (b *Bus) closeSub(sub *Subscription, reason error) {
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	sub.err = reason
	close(sub.ch)
}

// Replay reads events after sinceSeq from the log for REST replay and the
// CLI. If the log no longer covers sinceSeq+1 the caller gets
// ErrGapTooLarge: the client must restart from current state instead.
func (b *Bus) Replay(ctx context.Context, sinceSeq int64, limit int) ([]*models.Event, error) {
	events, err := b.log.EventsSince(ctx, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	head := b.Seq()
	if len(events) == 0 {
		if sinceSeq >= head {
			return nil, nil
		}
		return nil, ErrGapTooLarge
	}
	if events[0].Seq != sinceSeq+1 {
		return nil, ErrGapTooLarge
	}
	return events, nil
}

// marshalPayload accepts pre-encoded JSON or any marshalable value.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}

// C is the delivery channel. Batches preserve publish order; the channel
// closes when the subscription ends.
func (s *Subscription) C() <-chan []*models.Event { return s.ch }

// Err reports why the subscription ended. It is meaningful only after C
// is closed; ErrGapTooLarge means the consumer fell too far behind.
func (s *Subscription) Err() error { return s.err }

// Ack acknowledges receipt through seq. Pending events at or below seq are
// dropped, so a client that resynced out of band can skip what it already
// has.
func (s *Subscription) Ack(seq int64) {
	_ = s.bus.do(func() {
		if seq <= s.lastAcked {
			return
		}
		s.lastAcked = seq
		kept := s.pending[:0]
		for _, ev := range s.pending {
			if ev.Seq > seq {
				kept = append(kept, ev)
			}
		}
		s.pending = kept
	})
}

// Close unsubscribes. The delivery channel is closed with a nil Err.
func (s *Subscription) Close() {
	_ = s.bus.do(func() {
		s.bus.closeSub(s, nil)
	})
}
