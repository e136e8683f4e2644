// Package metrics holds the Prometheus collectors for the orchestrator.
// Collectors register themselves via promauto; the API server exposes them
// on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AgentsByStatus tracks the fleet by lifecycle status.
	AgentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orch_agents",
		Help: "Current number of agents by status",
	}, []string{"status"})

	// ProjectsByState tracks the board by project state.
	ProjectsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orch_projects",
		Help: "Current number of projects by state",
	}, []string{"state"})

	// QueueDepth tracks how many projects are waiting for an executor.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orch_queue_depth",
		Help: "Projects waiting to be claimed (queued plus rework)",
	}, []string{"workspace"})

	// ClaimsGranted counts successful claims by role.
	ClaimsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_claims_granted_total",
		Help: "Claims granted to agents",
	}, []string{"role"})

	// ClaimRejections counts refused work requests.
	ClaimRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_claim_rejections_total",
		Help: "Work requests refused by the dispatcher",
	}, []string{"reason"}) // queue_empty, budget, already_claimed

	// FenceRejections counts writes bounced for carrying a stale fence token.
	FenceRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_fence_rejections_total",
		Help: "State writes rejected because the fence token was stale",
	})

	// LeaseExpiries counts claims reaped by the expiry scanner.
	LeaseExpiries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_lease_expiries_total",
		Help: "Claims released because their lease expired",
	})

	// ReviewVerdicts counts review outcomes.
	ReviewVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_review_verdicts_total",
		Help: "Review verdicts by outcome",
	}, []string{"verdict"}) // accepted, rework

	// ReviewIterations tracks how many rounds projects take to land.
	ReviewIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_review_iterations",
		Help:    "Review iterations per project at terminal state",
		Buckets: prometheus.LinearBuckets(1, 1, 5),
	})

	// ProposalsGenerated counts ideation output by category.
	ProposalsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_proposals_generated_total",
		Help: "Proposals produced by ideation",
	}, []string{"category"})

	// ProposalsDeduplicated counts proposals dropped by the idempotency key.
	ProposalsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_proposals_deduplicated_total",
		Help: "Proposals dropped as duplicates within their hour bucket",
	})

	// SpendUSD accumulates recorded cost.
	SpendUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_spend_usd_total",
		Help: "Recorded spend in USD",
	}, []string{"workspace", "agent"})

	// BudgetConsumption tracks spend against each budget window.
	BudgetConsumption = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orch_budget_consumption_ratio",
		Help: "Spend over budget per window (0-1, above 1 means exceeded)",
	}, []string{"workspace", "window"}) // daily, monthly

	// HardStops counts budget hard stops.
	HardStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_cost_hard_stops_total",
		Help: "Budget exhaustion events that paused the workspace",
	}, []string{"workspace", "window"})

	// EventSeq tracks the head of the event log.
	EventSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orch_event_seq",
		Help: "Last assigned event sequence number",
	})

	// EventPublishFailures counts failed event publish attempts.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"event_type"})

	// SubscribersDropped counts subscribers closed for falling behind.
	SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_subscribers_dropped_total",
		Help: "Subscribers dropped with gap-too-large for overflowing their queue",
	})

	// WSConnections tracks live WebSocket subscribers.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orch_ws_connections",
		Help: "Current number of WebSocket subscribers",
	})

	// AuditDropped counts audit records lost to a full retry buffer.
	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_audit_dropped_total",
		Help: "Audit records dropped because the retry buffer was full",
	})

	// SupervisorTickDuration tracks the supervision loop.
	SupervisorTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_supervisor_tick_duration_seconds",
		Help:    "Duration of one supervisor tick",
		Buckets: prometheus.DefBuckets,
	})

	// HeartbeatsStale counts agents marked unresponsive.
	HeartbeatsStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_heartbeats_stale_total",
		Help: "Agents marked unresponsive after missing heartbeats",
	})
)
