package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

// WSEvent is one frame received on the event stream: a sequenced bus event
// (Seq > 0, Type from the event taxonomy) or a server control frame
// ("subscribed", "error" with a Code).
type WSEvent struct {
	Seq      int64
	Type     string
	Code     string
	Message  string
	Raw      json.RawMessage
	Data     map[string]any
	Received time.Time
}

// control reports whether this frame is a server control frame rather than
// a bus event. Error events from the bus carry a seq and no code.
func (e WSEvent) control() bool {
	return e.Type == "subscribed" || e.Code != ""
}

// WSClient collects frames from /events in the background so tests can
// assert on them after the fact.
type WSClient struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	mu     sync.Mutex
	events []WSEvent
}

// WSConnect dials the event stream with header auth and starts collecting
// frames. The caller still has to send a subscribe frame (or dial with a
// since query parameter) before the server streams anything.
func WSConnect(ctx context.Context, wsURL string) (*WSClient, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+testAPIKey)

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// wsDialStatus dials expecting the handshake to be refused and returns the
// HTTP status of the refusal. Used for cursor validation rejected before
// the upgrade.
func wsDialStatus(ctx context.Context, wsURL string) (int, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return 0, errors.New("handshake unexpectedly succeeded")
	}
	if resp == nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		var probe struct {
			Seq     int64           `json:"seq"`
			Type    string          `json:"type"`
			Code    string          `json:"code"`
			Message string          `json:"message"`
			Data    json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}
		ev := WSEvent{
			Seq:      probe.Seq,
			Type:     probe.Type,
			Code:     probe.Code,
			Message:  probe.Message,
			Raw:      append(json.RawMessage(nil), data...),
			Received: time.Now(),
		}
		if len(probe.Data) > 0 {
			_ = json.Unmarshal(probe.Data, &ev.Data)
		}
		c.mu.Lock()
		c.events = append(c.events, ev)
		c.mu.Unlock()
	}
}

func (c *WSClient) send(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

// Subscribe binds the stream starting after lastReceivedSeq. The server
// answers with a "subscribed" frame carrying the current head.
func (c *WSClient) Subscribe(lastReceivedSeq int64) error {
	return c.send(map[string]any{"type": "subscribe", "lastReceivedSeq": lastReceivedSeq})
}

// Ack reports consumption progress through seq.
func (c *WSClient) Ack(seq int64) error {
	return c.send(map[string]any{"type": "ack", "seq": seq})
}

// RequestReplay asks the server to re-stream log history after sinceSeq on
// this same connection.
func (c *WSClient) RequestReplay(sinceSeq int64) error {
	return c.send(map[string]any{"type": "replay", "sinceSeq": sinceSeq})
}

// Events returns a snapshot of everything received so far.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WSEvent, len(c.events))
	copy(out, c.events)
	return out
}

// EventsOfType returns received frames with the given type.
func (c *WSClient) EventsOfType(eventType string) []WSEvent {
	var out []WSEvent
	for _, ev := range c.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// EventSeqs returns the sequence numbers of received bus events, in arrival
// order, excluding control frames.
func (c *WSClient) EventSeqs() []int64 {
	var out []int64
	for _, ev := range c.Events() {
		if !ev.control() && ev.Seq > 0 {
			out = append(out, ev.Seq)
		}
	}
	return out
}

// WaitForEvent polls until some received frame satisfies the predicate and
// returns the first match.
func (c *WSClient) WaitForEvent(pred func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.Now().Add(timeout)
	for {
		for _, ev := range c.Events() {
			if pred(ev) {
				return &ev, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for event (collected %d frames)", len(c.Events()))
		}
		time.Sleep(pollInterval)
	}
}

// WaitForType waits for the first frame of the given type.
func (c *WSClient) WaitForType(eventType string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(ev WSEvent) bool { return ev.Type == eventType }, timeout)
}

// WaitForSeq waits until the event with the given sequence number arrives.
func (c *WSClient) WaitForSeq(seq int64, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(ev WSEvent) bool { return !ev.control() && ev.Seq == seq }, timeout)
}

// Close tears the connection down and waits for the read loop to exit.
func (c *WSClient) Close() {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
}

// OpenStream dials the event stream, subscribes from lastReceivedSeq, and
// waits for the server's acknowledgment so no event published afterwards
// can be missed.
func (app *TestApp) OpenStream(lastReceivedSeq int64) *WSClient {
	app.t.Helper()
	client, err := WSConnect(context.Background(), app.WSURL)
	require.NoError(app.t, err)
	app.t.Cleanup(client.Close)
	require.NoError(app.t, client.Subscribe(lastReceivedSeq))
	_, err = client.WaitForType("subscribed", 5*time.Second)
	require.NoError(app.t, err, "no subscribed acknowledgment")
	return client
}
