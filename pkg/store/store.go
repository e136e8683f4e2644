// Package store persists orchestrator state: workspaces, agents, projects,
// claims, reviews, proposals, the cost ledger, the event log, and audit
// records. Two implementations exist: PostgresStore for production and
// MemoryStore for tests. Both enforce the same claim semantics: at most one
// live claim per project and per agent, fence tokens monotonic per project,
// stale-fenced writes rejected with a conflict carrying the current token.
package store

import (
	"context"
	"time"

	"github.com/buildswarm/orchestrator/pkg/models"
)

// ClaimRequest asks for an exclusive claim on behalf of an agent.
type ClaimRequest struct {
	WorkspaceID string
	AgentID     string
	Role        models.ClaimRole
	PodID       string
	Lease       time.Duration
	Now         time.Time
}

// Release ends a live claim and settles the project row in the same
// transaction. A zero FenceToken releases whichever claim is live; a
// non-zero token must match or the release is rejected. The phase is
// always cleared: between holders no phase is meaningful.
type Release struct {
	ProjectNumber    int64
	FenceToken       int64
	Reason           string
	NextState        models.ProjectState // empty keeps the current state
	ClearOwner       bool
	ClearReviewer    bool
	BumpReleaseCount bool
	Now              time.Time
}

// AuditQuery filters the audit trail. Zero values match everything.
type AuditQuery struct {
	AgentID       string
	OperationType string
	ProjectNumber *int64
	Since         time.Time
	Until         time.Time
	Limit         int
}

// ProjectFilter narrows ListProjects. Zero values match everything.
type ProjectFilter struct {
	WorkspaceID string
	State       models.ProjectState
	Limit       int
}

// Store is the persistence boundary. Implementations must be safe for
// concurrent use.
type Store interface {
	// Workspaces
	EnsureWorkspace(ctx context.Context, ws *models.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	UpdateWorkspace(ctx context.Context, ws *models.Workspace) error
	SetWorkspacePaused(ctx context.Context, id string, paused bool, reason string) error

	// Agents
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, workspaceID string) ([]*models.Agent, error)
	CountLiveAgents(ctx context.Context, workspaceID string) (int, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	TouchAgentHeartbeat(ctx context.Context, id string, at time.Time) error
	StaleAgents(ctx context.Context, workspaceID string, cutoff time.Time) ([]*models.Agent, error)

	// Projects
	CreateProject(ctx context.Context, p *models.Project) (int64, error)
	GetProject(ctx context.Context, number int64) (*models.Project, error)
	ListProjects(ctx context.Context, f ProjectFilter) ([]*models.Project, error)
	UpdateProject(ctx context.Context, p *models.Project) error
	QueueDepth(ctx context.Context, workspaceID string) (int, error)
	CountProjectsInStates(ctx context.Context, workspaceID string, states ...models.ProjectState) (int, error)

	// Claims. ClaimNext pops the queue head under the dispatch ordering;
	// ClaimProject grants a claim on a specific project (review assignment,
	// rework preference). AdvanceProject and SetProjectPhase are the
	// fence-guarded writes available to the claim holder.
	ClaimNext(ctx context.Context, req ClaimRequest) (*models.ClaimTicket, *models.Project, error)
	ClaimProject(ctx context.Context, number int64, req ClaimRequest) (*models.ClaimTicket, *models.Project, error)
	ActiveClaimByAgent(ctx context.Context, agentID string) (*models.ClaimTicket, error)
	ActiveClaimByProject(ctx context.Context, number int64) (*models.ClaimTicket, error)
	RefreshLease(ctx context.Context, agentID string, until time.Time) error
	ReleaseClaim(ctx context.Context, rel Release) (*models.ClaimTicket, error)
	ExpiredClaims(ctx context.Context, now time.Time) ([]*models.ClaimTicket, error)
	ClaimsByPod(ctx context.Context, podID string) ([]*models.ClaimTicket, error)
	AdvanceProject(ctx context.Context, number, fenceToken int64, to models.ProjectState, phase string) (*models.Project, error)
	SetProjectPhase(ctx context.Context, number, fenceToken int64, phase string) error

	// Reviews
	AppendReview(ctx context.Context, rec *models.ReviewRecord) error
	ListReviews(ctx context.Context, projectNumber int64) ([]*models.ReviewRecord, error)

	// Proposals. CreateProposal rejects a duplicate idempotency key so a
	// retried generation can never create a second project.
	CreateProposal(ctx context.Context, p *models.Proposal) error
	BindProposalProject(ctx context.Context, proposalID string, number int64) error
	DeleteProposal(ctx context.Context, proposalID string) error

	// Cost ledger
	AppendCostEntry(ctx context.Context, e *models.CostLedgerEntry) error
	SumCost(ctx context.Context, workspaceID string, since time.Time) (float64, error)
	SumAgentCost(ctx context.Context, agentID string, since time.Time) (float64, error)
	CostEntriesSince(ctx context.Context, workspaceID string, since time.Time) ([]*models.CostLedgerEntry, error)

	// Event log
	AppendEvent(ctx context.Context, ev *models.Event) error
	LastEventSeq(ctx context.Context) (int64, error)
	EventsSince(ctx context.Context, sinceSeq int64, limit int) ([]*models.Event, error)
	PruneEvents(ctx context.Context, olderThan time.Time, keepLast int) (int64, error)

	// Audit
	AppendAudit(ctx context.Context, rec *models.AuditRecord) error
	QueryAudit(ctx context.Context, q AuditQuery) ([]*models.AuditRecord, error)
	PruneAudit(ctx context.Context, olderThan time.Time) (int64, error)
	PruneCostEntries(ctx context.Context, olderThan time.Time) (int64, error)
}
