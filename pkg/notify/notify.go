// Package notify delivers operator notifications to Slack: budget
// threshold crossings, unresponsive agents, and terminal project states.
// Notifications about the same project thread under the first message for
// that project, found again after a restart by its fingerprint text.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	goslack "github.com/slack-go/slack"

	"github.com/buildswarm/orchestrator/pkg/bus"
	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/models"
)

// Notifier consumes the event bus and posts the operator-significant
// subset to Slack. Nil-safe: all methods are no-ops when the notifier is
// nil, so callers never gate on configuration.
type Notifier struct {
	client *Client
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	threads map[int64]string // project number -> root message ts

	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier creates the Slack notifier. Returns nil when notifications
// are disabled or not configured.
func NewNotifier(cfg *config.SlackConfig, b *bus.Bus) *Notifier {
	if cfg == nil || !cfg.Enabled || cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Notifier{
		client:  NewClient(cfg.Token, cfg.Channel, cfg.PostTimeout),
		bus:     b,
		logger:  slog.Default().With("component", "notify"),
		threads: make(map[int64]string),
	}
}

// newNotifierWithClient wires a pre-built client, for tests against a mock
// API server.
func newNotifierWithClient(client *Client, b *bus.Bus) *Notifier {
	return &Notifier{
		client:  client,
		bus:     b,
		logger:  slog.Default().With("component", "notify"),
		threads: make(map[int64]string),
	}
}

// Start attaches to the bus at the live edge and delivers until Stop.
func (n *Notifier) Start(ctx context.Context) {
	if n == nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.done = make(chan struct{})
	go n.run(runCtx)
}

// Stop detaches from the bus and waits for in-flight posts to finish.
func (n *Notifier) Stop() {
	if n == nil {
		return
	}
	n.cancel()
	<-n.done
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)

	for {
		sub, err := n.bus.Subscribe(0)
		if err != nil {
			if !errors.Is(err, bus.ErrClosed) {
				n.logger.Error("Failed to attach notifier to event bus", "error", err)
			}
			return
		}
		stop := context.AfterFunc(ctx, sub.Close)
		n.logger.Info("Slack notifier attached")

		for batch := range sub.C() {
			for _, ev := range batch {
				n.handle(ctx, ev)
				sub.Ack(ev.Seq)
			}
		}
		stop()

		if ctx.Err() != nil {
			return
		}
		if errors.Is(sub.Err(), bus.ErrGapTooLarge) {
			// Notifications are advisory; skip the backlog and rejoin live.
			n.logger.Warn("Notifier fell behind the event bus, reattaching at live edge")
			continue
		}
		return
	}
}

func (n *Notifier) handle(ctx context.Context, ev *models.Event) {
	switch ev.Type {
	case models.EventProjectAccepted, models.EventProjectFailed, models.EventProjectReleased:
		var p bus.ProjectPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			n.logger.Warn("Malformed project payload", "seq", ev.Seq, "error", err)
			return
		}
		n.postProject(ctx, ev.Type, p)
	case models.EventAgentUnresponsive:
		var p bus.AgentPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			n.logger.Warn("Malformed agent payload", "seq", ev.Seq, "error", err)
			return
		}
		n.post(ctx, BuildAgentMessage(p), "")
	case models.EventCostWarning, models.EventCostHardStop:
		var p bus.CostPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			n.logger.Warn("Malformed cost payload", "seq", ev.Seq, "error", err)
			return
		}
		n.post(ctx, BuildCostMessage(ev.Type, p), "")
	}
}

// postProject threads notifications about one project under its first
// message. The first post becomes the thread root; its ts is cached and,
// across restarts, recovered by fingerprint search.
func (n *Notifier) postProject(ctx context.Context, t models.EventType, p bus.ProjectPayload) {
	threadTS := n.threadFor(ctx, p.Number)

	ts, err := n.client.PostMessage(ctx, BuildProjectMessage(t, p), threadTS)
	if err != nil {
		n.logger.Error("Failed to send Slack notification",
			"event", t, "number", p.Number, "error", err)
		return
	}
	if threadTS == "" && ts != "" {
		n.mu.Lock()
		n.threads[p.Number] = ts
		n.mu.Unlock()
	}
}

func (n *Notifier) threadFor(ctx context.Context, number int64) string {
	n.mu.Lock()
	ts, ok := n.threads[number]
	n.mu.Unlock()
	if ok {
		return ts
	}

	ts, err := n.client.FindMessageByFingerprint(ctx, projectFingerprint(number))
	if err != nil {
		n.logger.Warn("Failed to find Slack thread for project",
			"number", number, "error", err)
		return ""
	}
	if ts != "" {
		n.mu.Lock()
		n.threads[number] = ts
		n.mu.Unlock()
	}
	return ts
}

// post delivers blocks fail-open: errors are logged, never returned.
func (n *Notifier) post(ctx context.Context, blocks []goslack.Block, threadTS string) {
	if _, err := n.client.PostMessage(ctx, blocks, threadTS); err != nil {
		n.logger.Error("Failed to send Slack notification", "error", err)
	}
}
