package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/buildswarm/orchestrator/pkg/models"
)

// NotifyChannel is the PostgreSQL NOTIFY channel replicas share.
const NotifyChannel = "orchestrator_events"

// notifyLimit is PostgreSQL's NOTIFY payload ceiling, minus headroom. An
// event bigger than this travels as a slim envelope and the receiver
// re-reads the row from the log.
const notifyLimit = 7900

// catchupBatch bounds one log read while healing a sequence gap.
const catchupBatch = 500

// relayFrame is the NOTIFY wire form. Truncated frames omit the payload.
type relayFrame struct {
	Seq       int64            `json:"seq"`
	Type      models.EventType `json:"type"`
	At        time.Time        `json:"at"`
	Data      json.RawMessage  `json:"data,omitempty"`
	Truncated bool             `json:"truncated,omitempty"`
}

// Relay mirrors locally published events to other replicas over
// LISTEN/NOTIFY and injects remotely published events into the local bus.
// NOTIFY is lossy across reconnects; the sequence numbers make that safe,
// because any gap is healed from the event log before injecting.
type Relay struct {
	connString string
	bus        *Bus
	log        EventLog

	conn   *pgx.Conn
	connMu sync.Mutex

	sendCh     chan *models.Event
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
	stopOnce   sync.Once
}

// NewRelay creates a relay for the given bus and log. Call Start to
// connect; the relay installs itself as the bus mirror.
func NewRelay(connString string, b *Bus, log EventLog) *Relay {
	return &Relay{
		connString: connString,
		bus:        b,
		log:        log,
		sendCh:     make(chan *models.Event, 256),
	}
}

// Start opens the dedicated LISTEN connection and begins both loops.
func (r *Relay) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, r.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("failed to LISTEN: %w", err)
	}

	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	r.loopDone = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.receiveLoop(loopCtx)
	}()
	go func() {
		defer wg.Done()
		r.sendLoop(loopCtx)
	}()
	go func() {
		wg.Wait()
		close(r.loopDone)
	}()

	r.bus.SetMirror(r.enqueue)
	slog.Info("Event relay started", "channel", NotifyChannel)
	return nil
}

// Stop detaches from the bus, stops both loops, and closes the connection.
func (r *Relay) Stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		r.bus.SetMirror(nil)
		if r.cancelLoop != nil {
			r.cancelLoop()
		}
		if r.loopDone != nil {
			<-r.loopDone
		}
		r.connMu.Lock()
		defer r.connMu.Unlock()
		if r.conn != nil {
			_ = r.conn.Close(ctx)
			r.conn = nil
		}
	})
}

// enqueue hands a locally published event to the send loop without ever
// blocking the bus lane. If the buffer is full the oldest mirror is
// dropped; receivers heal the gap from the log.
func (r *Relay) enqueue(ev *models.Event) {
	for {
		select {
		case r.sendCh <- ev:
			return
		default:
			select {
			case dropped := <-r.sendCh:
				slog.Warn("Relay send buffer full, dropping mirror", "seq", dropped.Seq)
			default:
			}
		}
	}
}

// sendLoop owns its own connection so NOTIFY never contends with the
// receive loop's WaitForNotification. The connection is dialed lazily and
// re-dialed after an error.
func (r *Relay) sendLoop(ctx context.Context) {
	var conn *pgx.Conn
	defer func() {
		if conn != nil {
			_ = conn.Close(context.Background())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.sendCh:
			if conn == nil {
				var err error
				if conn, err = pgx.Connect(ctx, r.connString); err != nil {
					slog.Warn("Relay NOTIFY connect failed", "seq", ev.Seq, "error", err)
					continue
				}
			}
			if err := notify(ctx, conn, ev); err != nil {
				slog.Warn("Relay NOTIFY failed", "seq", ev.Seq, "error", err)
				_ = conn.Close(ctx)
				conn = nil
			}
		}
	}
}

// notify publishes one event frame.
func notify(ctx context.Context, conn *pgx.Conn, ev *models.Event) error {
	data, err := buildFrame(ev)
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(data))
	return err
}

// buildFrame encodes an event for NOTIFY, shrinking to a slim envelope when
// the payload would not fit a NOTIFY message.
func buildFrame(ev *models.Event) ([]byte, error) {
	frame := relayFrame{Seq: ev.Seq, Type: ev.Type, At: ev.At, Data: ev.Payload}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if len(data) > notifyLimit {
		frame.Data = nil
		frame.Truncated = true
		if data, err = json.Marshal(frame); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// receiveLoop waits for notifications and feeds them into the local bus.
func (r *Relay) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r.connMu.Lock()
		conn := r.conn
		r.connMu.Unlock()
		if conn == nil {
			r.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("NOTIFY receive error", "error", err)
			r.reconnect(ctx)
			continue
		}

		r.handleFrame(ctx, []byte(notification.Payload))
	}
}

// handleFrame decodes a frame, resolves truncated payloads from the log,
// and injects. A sequence gap pulls the missing span from the log first.
func (r *Relay) handleFrame(ctx context.Context, payload []byte) {
	var frame relayFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		slog.Warn("Invalid relay frame", "error", err)
		return
	}

	ev := &models.Event{Seq: frame.Seq, Type: frame.Type, Payload: frame.Data, At: frame.At}
	if frame.Truncated {
		full, err := r.log.EventsSince(ctx, frame.Seq-1, 1)
		if err != nil || len(full) == 0 || full[0].Seq != frame.Seq {
			slog.Warn("Failed to resolve truncated relay frame", "seq", frame.Seq, "error", err)
			return
		}
		ev = full[0]
	}

	err := r.bus.Inject(ev)
	if err == nil || !isSequenceGap(err) {
		if err != nil {
			slog.Warn("Relay inject failed", "seq", ev.Seq, "error", err)
		}
		return
	}

	// A gap means we missed notifications; replay the span from the log
	// and then the frame itself lands contiguously (or as a duplicate).
	r.catchup(ctx, ev.Seq)
	if err := r.bus.Inject(ev); err != nil && !isSequenceGap(err) {
		slog.Warn("Relay inject failed after catchup", "seq", ev.Seq, "error", err)
	}
}

// catchup injects everything the log has between the local head and seq.
func (r *Relay) catchup(ctx context.Context, upto int64) {
	for {
		head := r.bus.Seq()
		if head >= upto-1 {
			return
		}
		events, err := r.log.EventsSince(ctx, head, catchupBatch)
		if err != nil {
			slog.Warn("Relay catchup read failed", "since", head, "error", err)
			return
		}
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			if err := r.bus.Inject(ev); err != nil {
				slog.Warn("Relay catchup inject failed", "seq", ev.Seq, "error", err)
				return
			}
		}
	}
}

// reconnect re-establishes the LISTEN connection with backoff.
func (r *Relay) reconnect(ctx context.Context) {
	r.connMu.Lock()
	if r.conn != nil {
		_ = r.conn.Close(ctx)
		r.conn = nil
	}
	r.connMu.Unlock()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, r.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
			slog.Error("Re-LISTEN failed", "error", err)
			_ = conn.Close(ctx)
			continue
		}

		r.connMu.Lock()
		r.conn = conn
		r.connMu.Unlock()

		slog.Info("Event relay reconnected")
		return
	}
}

func isSequenceGap(err error) bool {
	return errors.Is(err, ErrSequenceGap)
}
