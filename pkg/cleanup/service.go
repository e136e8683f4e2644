// Package cleanup enforces the orchestrator's retention policies.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/buildswarm/orchestrator/pkg/clock"
	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/store"
)

// Service periodically enforces retention policies:
//   - Prunes event-log rows outside both the age and count windows
//   - Removes audit records past the audit retention window
//   - Removes raw cost ledger entries past the ledger retention window
//
// All sweeps are idempotent and safe to run from multiple replicas.
type Service struct {
	retention *config.RetentionConfig
	events    *config.EventsConfig
	cost      *config.CostConfig
	store     store.Store
	clk       clock.Clock

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. A nil clk uses the system clock.
func NewService(
	retention *config.RetentionConfig,
	events *config.EventsConfig,
	cost *config.CostConfig,
	st store.Store,
	clk clock.Clock,
) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		retention: retention,
		events:    events,
		cost:      cost,
		store:     st,
		clk:       clk,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"event_retention_age", s.events.RetentionAge,
		"event_retention_count", s.events.RetentionCount,
		"audit_retention", s.retention.AuditRetention,
		"ledger_retention", s.cost.LedgerRetention,
		"interval", s.retention.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.retention.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneEvents(ctx)
	s.pruneAudit(ctx)
	s.pruneCostEntries(ctx)
}

// pruneEvents trims the event log to whichever window is larger: the last
// RetentionCount events or everything younger than RetentionAge. Subscribers
// reconnecting inside either window can still backfill.
func (s *Service) pruneEvents(ctx context.Context) {
	cutoff := s.clk.Now().Add(-s.events.RetentionAge)
	count, err := s.store.PruneEvents(ctx, cutoff, s.events.RetentionCount)
	if err != nil {
		slog.Error("Retention: event prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned events", "count", count)
	}
}

func (s *Service) pruneAudit(ctx context.Context) {
	cutoff := s.clk.Now().Add(-s.retention.AuditRetention)
	count, err := s.store.PruneAudit(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: audit prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned audit records", "count", count)
	}
}

func (s *Service) pruneCostEntries(ctx context.Context) {
	cutoff := s.clk.Now().Add(-s.cost.LedgerRetention)
	count, err := s.store.PruneCostEntries(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: cost ledger prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned cost ledger entries", "count", count)
	}
}
