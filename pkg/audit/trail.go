// Package audit maintains the operation audit trail. Writes are
// fire-and-forget: Record enqueues and returns, a background flusher
// persists with retry, and a full buffer drops its oldest record with a
// warning. An audit failure never surfaces to the operation being audited.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/metrics"
	"github.com/buildswarm/orchestrator/pkg/models"
)

// writeTimeout bounds a single persistence attempt so a wedged database
// cannot stall the flusher forever.
const writeTimeout = 5 * time.Second

// Appender is the slice of the store the trail writes through.
type Appender interface {
	AppendAudit(ctx context.Context, rec *models.AuditRecord) error
}

// Trail buffers audit records and persists them in the background.
type Trail struct {
	store Appender
	cfg   *config.AuditConfig

	mu      sync.Mutex
	pending []*models.AuditRecord
	dropped uint64

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTrail creates an audit trail writer. Call Start to begin flushing.
func NewTrail(store Appender, cfg *config.AuditConfig) *Trail {
	return &Trail{
		store:  store,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Start begins the flusher loop in a goroutine.
func (t *Trail) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.run(ctx)
}

// Stop drains what it can and waits for the flusher to finish. It is safe
// to call Stop multiple times.
func (t *Trail) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

// Record enqueues one audit record and returns immediately. A zero ID or
// timestamp is filled in. When the buffer is full the oldest record is
// dropped so recent history survives a persistence outage.
func (t *Trail) Record(rec *models.AuditRecord) {
	if rec.AuditID == "" {
		rec.AuditID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	if len(t.pending) >= t.cfg.RetryBufferSize {
		t.pending = t.pending[1:]
		t.dropped++
		metrics.AuditDropped.Inc()
		slog.Warn("Audit buffer full, dropping oldest record",
			"dropped_total", t.dropped, "buffer_size", t.cfg.RetryBufferSize)
	}
	t.pending = append(t.pending, rec)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Dropped returns how many records were lost to buffer overflow.
func (t *Trail) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Pending returns the number of records awaiting persistence.
func (t *Trail) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Trail) run(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			// Final drain on a fresh context: the caller's context is
			// likely cancelled during shutdown.
			t.flush(context.Background())
			return
		case <-ctx.Done():
			t.flush(context.Background())
			return
		case <-t.wake:
			t.flush(ctx)
		case <-ticker.C:
			t.flush(ctx)
		}
	}
}

// flush attempts to persist every buffered record in order. On the first
// failure the unwritten tail goes back to the front of the buffer and the
// pass ends; the next tick retries.
func (t *Trail) flush(ctx context.Context) {
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()

	for i, rec := range batch {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := t.store.AppendAudit(wctx, rec)
		cancel()
		if err == nil {
			continue
		}
		slog.Warn("Audit write failed, will retry",
			"audit_id", rec.AuditID, "operation", rec.OperationType, "error", err)
		t.requeue(batch[i:])
		return
	}
}

// requeue puts unwritten records back at the front, preserving order and
// the buffer bound.
func (t *Trail) requeue(records []*models.AuditRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = append(records, t.pending...)
	if over := len(t.pending) - t.cfg.RetryBufferSize; over > 0 {
		t.pending = t.pending[over:]
		t.dropped += uint64(over)
		metrics.AuditDropped.Add(float64(over))
		slog.Warn("Audit buffer full on requeue, dropping oldest records",
			"dropped", over, "dropped_total", t.dropped)
	}
}
