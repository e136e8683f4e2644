package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/buildswarm/orchestrator/pkg/bus"
	"github.com/buildswarm/orchestrator/pkg/metrics"
	"github.com/buildswarm/orchestrator/pkg/models"
)

const (
	// wsWriteTimeout bounds a single WebSocket send.
	wsWriteTimeout = 10 * time.Second

	// wsSubscribeTimeout bounds how long a fresh connection may sit without
	// sending its subscribe frame.
	wsSubscribeTimeout = 10 * time.Second

	// wsReplayLimit caps one replay frame's response.
	wsReplayLimit = 500
)

// clientFrame is a client -> server control frame: subscribe, ack, or replay.
type clientFrame struct {
	Type            string `json:"type"`
	LastReceivedSeq int64  `json:"lastReceivedSeq,omitempty"`
	Seq             int64  `json:"seq,omitempty"`
	SinceSeq        int64  `json:"sinceSeq,omitempty"`
}

// serverFrame is a server -> client control frame: subscribed or error.
// Live and replayed events are sent as bare models.Event JSON. An error
// control frame always carries a code and never a sequence number, which is
// how clients tell it apart from the error event type.
type serverFrame struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// wsHandler handles WS /events. The client subscribes either with a since
// query parameter (validated before the upgrade, so an uncovered cursor is
// an HTTP 409) or with a subscribe frame after it.
func (s *Server) wsHandler(c *echo.Context) error {
	var sub *bus.Subscription
	if v := c.QueryParam("since"); v != "" {
		since, err := strconv.ParseInt(v, 10, 64)
		if err != nil || since < 0 {
			return writeError(c, http.StatusBadRequest, "validation", "since must be a non-negative sequence number")
		}
		sub, err = s.bus.Subscribe(since)
		if err != nil {
			if errors.Is(err, bus.ErrGapTooLarge) {
				return writeError(c, http.StatusConflict, "gap-too-large",
					"resume point no longer retained, resync from current state")
			}
			return writeError(c, http.StatusConflict, "conflict", err.Error())
		}
	}

	// Origin checks are not needed: auth is an explicit API key, never an
	// ambient browser credential.
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		if sub != nil {
			sub.Close()
		}
		return err
	}

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	sess := &wsSession{
		conn: conn,
		bus:  s.bus,
		sub:  sub,
		head: s.bus.Seq(),
	}
	sess.run(c.Request().Context())
	return nil
}

// wsSession is one subscriber connection. The read loop runs on the handler
// goroutine and the delivery pump on a second one; sends from both sides
// serialize through mu.
type wsSession struct {
	conn *websocket.Conn
	bus  *bus.Bus
	sub  *bus.Subscription
	head int64

	mu sync.Mutex
}

func (w *wsSession) run(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	defer w.conn.Close(websocket.StatusNormalClosure, "")

	// A connection without a query-parameter cursor must open with a
	// subscribe frame.
	if w.sub == nil {
		if !w.awaitSubscribe(ctx) {
			return
		}
	}
	w.sendControl(ctx, &serverFrame{Type: "subscribed", Seq: w.head})

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		w.pump(ctx)
	}()

	w.readLoop(ctx)

	// Reader is done: tear the subscription down so the pump drains out.
	w.sub.Close()
	cancel()
	<-pumpDone
}

// awaitSubscribe reads the opening subscribe frame and binds the
// subscription. Returns false if the connection should be dropped.
func (w *wsSession) awaitSubscribe(ctx context.Context) bool {
	readCtx, cancel := context.WithTimeout(ctx, wsSubscribeTimeout)
	defer cancel()

	_, data, err := w.conn.Read(readCtx)
	if err != nil {
		return false
	}
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "subscribe" {
		w.sendControl(ctx, &serverFrame{Type: "error", Code: "validation",
			Message: "expected a subscribe frame"})
		w.conn.Close(websocket.StatusPolicyViolation, "subscribe required")
		return false
	}

	sub, err := w.bus.Subscribe(frame.LastReceivedSeq)
	if err != nil {
		if errors.Is(err, bus.ErrGapTooLarge) {
			w.sendControl(ctx, &serverFrame{Type: "error", Code: "gap-too-large",
				Message: "resume point no longer retained, resync from current state"})
		} else {
			w.sendControl(ctx, &serverFrame{Type: "error", Code: "validation", Message: err.Error()})
		}
		w.conn.Close(websocket.StatusPolicyViolation, "subscribe rejected")
		return false
	}
	w.sub = sub
	return true
}

// pump delivers subscription batches until the subscription closes. A
// gap-too-large close (subscriber overflow) is announced before the
// connection drops so the client knows to resync rather than retry.
func (w *wsSession) pump(ctx context.Context) {
	for batch := range w.sub.C() {
		for _, ev := range batch {
			if err := w.sendEvent(ctx, ev); err != nil {
				w.sub.Close()
				return
			}
		}
	}
	if errors.Is(w.sub.Err(), bus.ErrGapTooLarge) {
		w.sendControl(ctx, &serverFrame{Type: "error", Code: "gap-too-large",
			Message: "subscriber fell too far behind, resync from current state"})
		w.conn.Close(websocket.StatusPolicyViolation, "gap-too-large")
		return
	}
	// Bus shut down or subscription closed: unblock the read loop.
	w.conn.Close(websocket.StatusGoingAway, "stream closed")
}

// readLoop processes ack and replay frames until the connection drops.
func (w *wsSession) readLoop(ctx context.Context) {
	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.sendControl(ctx, &serverFrame{Type: "error", Code: "validation",
				Message: "malformed frame"})
			continue
		}
		switch frame.Type {
		case "ack":
			w.sub.Ack(frame.Seq)
		case "replay":
			w.replay(ctx, frame.SinceSeq)
		case "subscribe":
			w.sendControl(ctx, &serverFrame{Type: "error", Code: "validation",
				Message: "already subscribed"})
		default:
			w.sendControl(ctx, &serverFrame{Type: "error", Code: "validation",
				Message: "unknown frame type " + frame.Type})
		}
	}
}

// replay streams log history after sinceSeq down the same connection. The
// client asked for it, so interleaving with live events is its own to
// handle; dedup by seq is cheap on its side.
func (w *wsSession) replay(ctx context.Context, sinceSeq int64) {
	events, err := w.bus.Replay(ctx, sinceSeq, wsReplayLimit)
	if err != nil {
		if errors.Is(err, bus.ErrGapTooLarge) {
			w.sendControl(ctx, &serverFrame{Type: "error", Code: "gap-too-large",
				Message: "resume point no longer retained, resync from current state"})
			return
		}
		w.sendControl(ctx, &serverFrame{Type: "error", Code: "internal",
			Message: "replay failed"})
		return
	}
	for _, ev := range events {
		if err := w.sendEvent(ctx, ev); err != nil {
			return
		}
	}
}

func (w *wsSession) sendEvent(ctx context.Context, ev *models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return w.send(ctx, data)
}

// sendControl is non-blocking with respect to failures: an undeliverable
// control frame just means the connection is already going away.
func (w *wsSession) sendControl(ctx context.Context, frame *serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = w.send(ctx, data)
}

func (w *wsSession) send(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return w.conn.Write(writeCtx, websocket.MessageText, data)
}
