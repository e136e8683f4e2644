package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
)

// MemoryStore is an in-memory Store for unit tests and the embedded board.
// A single mutex guards everything; the claim paths therefore provide the
// same at-most-once semantics as the PostgreSQL implementation.
type MemoryStore struct {
	mu sync.Mutex

	workspaces map[string]*models.Workspace
	agents     map[string]*models.Agent
	projects   map[int64]*models.Project
	fences     map[int64]int64
	claims     []*memClaim
	reviews    []*models.ReviewRecord
	proposals  map[string]*models.Proposal
	propKeys   map[string]string
	ledger     []*models.CostLedgerEntry
	events     []*models.Event
	eventSeqs  map[int64]bool
	audit      []*models.AuditRecord

	nextProject int64
	nextEntry   int64
}

type memClaim struct {
	ticket   models.ClaimTicket
	released bool
	reason   string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces: make(map[string]*models.Workspace),
		agents:     make(map[string]*models.Agent),
		projects:   make(map[int64]*models.Project),
		fences:     make(map[int64]int64),
		proposals:  make(map[string]*models.Proposal),
		propKeys:   make(map[string]string),
		eventSeqs:  make(map[int64]bool),
	}
}

func cloneAgent(a *models.Agent) *models.Agent {
	c := *a
	if a.CurrentProject != nil {
		n := *a.CurrentProject
		c.CurrentProject = &n
	}
	return &c
}

func cloneProject(p *models.Project) *models.Project {
	c := *p
	c.AcceptanceCriteria = append([]string(nil), p.AcceptanceCriteria...)
	return &c
}

// --- Workspaces ---

func (s *MemoryStore) EnsureWorkspace(_ context.Context, ws *models.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[ws.ID]; ok {
		return nil
	}
	c := *ws
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	s.workspaces[ws.ID] = &c
	return nil
}

func (s *MemoryStore) GetWorkspace(_ context.Context, id string) (*models.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, orcherr.New(orcherr.KindNotFound, "workspace %s not found", id)
	}
	c := *ws
	return &c, nil
}

func (s *MemoryStore) UpdateWorkspace(_ context.Context, ws *models.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.workspaces[ws.ID]
	if !ok {
		return orcherr.New(orcherr.KindNotFound, "workspace %s not found", ws.ID)
	}
	c := *ws
	c.CreatedAt = cur.CreatedAt
	c.Paused = cur.Paused
	c.PauseReason = cur.PauseReason
	c.UpdatedAt = time.Now().UTC()
	s.workspaces[ws.ID] = &c
	return nil
}

func (s *MemoryStore) SetWorkspacePaused(_ context.Context, id string, paused bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return orcherr.New(orcherr.KindNotFound, "workspace %s not found", id)
	}
	ws.Paused = paused
	ws.PauseReason = reason
	ws.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Agents ---

func (s *MemoryStore) CreateAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agent.ID]; ok {
		return orcherr.New(orcherr.KindConflict, "agent %s already exists", agent.ID)
	}
	c := cloneAgent(agent)
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.agents[agent.ID] = c
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, orcherr.New(orcherr.KindNotFound, "agent %s not found", id)
	}
	return cloneAgent(a), nil
}

func (s *MemoryStore) ListAgents(_ context.Context, workspaceID string) ([]*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var agents []*models.Agent
	for _, a := range s.agents {
		if a.WorkspaceID == workspaceID {
			agents = append(agents, cloneAgent(a))
		}
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return agents, nil
}

func (s *MemoryStore) CountLiveAgents(_ context.Context, workspaceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.agents {
		if a.WorkspaceID == workspaceID && a.Status != models.AgentStopped {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpdateAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.agents[agent.ID]
	if !ok {
		return orcherr.New(orcherr.KindNotFound, "agent %s not found", agent.ID)
	}
	c := cloneAgent(agent)
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	s.agents[agent.ID] = c
	return nil
}

func (s *MemoryStore) TouchAgentHeartbeat(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return orcherr.New(orcherr.KindNotFound, "agent %s not found", id)
	}
	a.LastHeartbeatAt = at
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) StaleAgents(_ context.Context, workspaceID string, cutoff time.Time) ([]*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []*models.Agent
	for _, a := range s.agents {
		if a.WorkspaceID != workspaceID {
			continue
		}
		switch a.Status {
		case models.AgentStopped, models.AgentPaused, models.AgentUnresponsive:
			continue
		}
		if a.LastHeartbeatAt.Before(cutoff) {
			stale = append(stale, cloneAgent(a))
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LastHeartbeatAt.Before(stale[j].LastHeartbeatAt)
	})
	return stale, nil
}

// --- Projects ---

func (s *MemoryStore) CreateProject(_ context.Context, p *models.Project) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProject++
	number := s.nextProject
	c := cloneProject(p)
	c.Number = number
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.QueuedAt.IsZero() {
		c.QueuedAt = c.CreatedAt
	}
	c.UpdatedAt = now
	s.projects[number] = c
	s.fences[number] = 0
	p.Number = number
	return number, nil
}

func (s *MemoryStore) GetProject(_ context.Context, number int64) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[number]
	if !ok {
		return nil, orcherr.New(orcherr.KindNotFound, "project %d not found", number)
	}
	return cloneProject(p), nil
}

func (s *MemoryStore) ListProjects(_ context.Context, f ProjectFilter) ([]*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var projects []*models.Project
	for _, p := range s.projects {
		if f.WorkspaceID != "" && p.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.State != "" && p.State != f.State {
			continue
		}
		projects = append(projects, cloneProject(p))
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Number < projects[j].Number })
	if f.Limit > 0 && len(projects) > f.Limit {
		projects = projects[:f.Limit]
	}
	return projects, nil
}

func (s *MemoryStore) UpdateProject(_ context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.projects[p.Number]
	if !ok {
		return orcherr.New(orcherr.KindNotFound, "project %d not found", p.Number)
	}
	c := cloneProject(p)
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	s.projects[p.Number] = c
	return nil
}

func (s *MemoryStore) QueueDepth(ctx context.Context, workspaceID string) (int, error) {
	return s.CountProjectsInStates(ctx, workspaceID, models.ProjectQueued, models.ProjectRework)
}

func (s *MemoryStore) CountProjectsInStates(_ context.Context, workspaceID string, states ...models.ProjectState) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.projects {
		if p.WorkspaceID != workspaceID {
			continue
		}
		for _, st := range states {
			if p.State == st {
				n++
				break
			}
		}
	}
	return n, nil
}

// --- Claims ---

func (s *MemoryStore) liveClaimByProject(number int64) *memClaim {
	for _, c := range s.claims {
		if !c.released && c.ticket.ProjectNumber == number {
			return c
		}
	}
	return nil
}

func (s *MemoryStore) liveClaimByAgent(agentID string) *memClaim {
	for _, c := range s.claims {
		if !c.released && c.ticket.AgentID == agentID {
			return c
		}
	}
	return nil
}

func (s *MemoryStore) eligibleForAgent(p *models.Project, agentID string) bool {
	if !p.State.Claimable() {
		return false
	}
	if p.State == models.ProjectQueued || p.OwnerAgentID == "" || p.OwnerAgentID == agentID {
		return true
	}
	owner, ok := s.agents[p.OwnerAgentID]
	return !ok || owner.Status != models.AgentIdle
}

func (s *MemoryStore) grant(p *models.Project, req ClaimRequest, nextState models.ProjectState) (*models.ClaimTicket, error) {
	if s.liveClaimByProject(p.Number) != nil {
		return nil, orcherr.New(orcherr.KindConflict, "project %d already claimed", p.Number)
	}
	if s.liveClaimByAgent(req.AgentID) != nil {
		return nil, orcherr.New(orcherr.KindConflict, "agent %s already holds a claim", req.AgentID)
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	s.fences[p.Number]++
	ticket := models.ClaimTicket{
		ProjectNumber:  p.Number,
		AgentID:        req.AgentID,
		Role:           req.Role,
		Branch:         models.BranchName(p.Number),
		PodID:          req.PodID,
		FenceToken:     s.fences[p.Number],
		AcquiredAt:     now,
		LeaseExpiresAt: now.Add(req.Lease),
	}
	s.claims = append(s.claims, &memClaim{ticket: ticket})

	p.State = nextState
	if req.Role == models.ClaimRoleExecutor {
		p.OwnerAgentID = req.AgentID
		p.Phase = ""
	} else {
		p.ReviewerAgentID = req.AgentID
	}
	p.UpdatedAt = now
	t := ticket
	return &t, nil
}

func (s *MemoryStore) ClaimNext(_ context.Context, req ClaimRequest) (*models.ClaimTicket, *models.Project, error) {
	if req.Role != models.ClaimRoleExecutor {
		return nil, nil, orcherr.New(orcherr.KindInvariant, "ClaimNext grants executor claims only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*models.Project
	for _, p := range s.projects {
		if p.WorkspaceID != req.WorkspaceID {
			continue
		}
		if s.eligibleForAgent(p, req.AgentID) && s.liveClaimByProject(p.Number) == nil {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil, nil, nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if (a.State == models.ProjectRework) != (b.State == models.ProjectRework) {
			return a.State == models.ProjectRework
		}
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.Before(b.QueuedAt)
		}
		return a.Number < b.Number
	})

	head := eligible[0]
	ticket, err := s.grant(head, req, models.ProjectClaimed)
	if err != nil {
		return nil, nil, err
	}
	return ticket, cloneProject(head), nil
}

func (s *MemoryStore) ClaimProject(_ context.Context, number int64, req ClaimRequest) (*models.ClaimTicket, *models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[number]
	if !ok {
		return nil, nil, orcherr.New(orcherr.KindNotFound, "project %d not found", number)
	}

	var nextState models.ProjectState
	switch req.Role {
	case models.ClaimRoleExecutor:
		if !p.State.Claimable() {
			return nil, nil, orcherr.New(orcherr.KindConflict,
				"project %d not claimable in state %s", number, p.State)
		}
		nextState = models.ProjectClaimed
	case models.ClaimRoleReviewer:
		if p.State != models.ProjectInReview {
			return nil, nil, orcherr.New(orcherr.KindConflict,
				"project %d not reviewable in state %s", number, p.State)
		}
		if p.ReviewerAgentID != "" && p.ReviewerAgentID != req.AgentID {
			return nil, nil, orcherr.New(orcherr.KindConflict,
				"project %d already has reviewer %s", number, p.ReviewerAgentID)
		}
		nextState = models.ProjectInReview
	default:
		return nil, nil, orcherr.New(orcherr.KindInvariant, "unknown claim role %q", req.Role)
	}

	ticket, err := s.grant(p, req, nextState)
	if err != nil {
		return nil, nil, err
	}
	return ticket, cloneProject(p), nil
}

func (s *MemoryStore) ActiveClaimByAgent(_ context.Context, agentID string) (*models.ClaimTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.liveClaimByAgent(agentID)
	if c == nil {
		return nil, orcherr.New(orcherr.KindNotFound, "agent %s holds no claim", agentID)
	}
	t := c.ticket
	return &t, nil
}

func (s *MemoryStore) ActiveClaimByProject(_ context.Context, number int64) (*models.ClaimTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.liveClaimByProject(number)
	if c == nil {
		return nil, orcherr.New(orcherr.KindNotFound, "project %d has no live claim", number)
	}
	t := c.ticket
	return &t, nil
}

func (s *MemoryStore) RefreshLease(_ context.Context, agentID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.liveClaimByAgent(agentID); c != nil {
		c.ticket.LeaseExpiresAt = until
	}
	return nil
}

func (s *MemoryStore) ReleaseClaim(_ context.Context, rel Release) (*models.ClaimTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.liveClaimByProject(rel.ProjectNumber)
	if c == nil {
		return nil, orcherr.New(orcherr.KindNotFound, "project %d has no live claim", rel.ProjectNumber)
	}
	if rel.FenceToken != 0 && c.ticket.FenceToken != rel.FenceToken {
		return nil, orcherr.Conflict(c.ticket.FenceToken,
			"stale fence %d releasing project %d", rel.FenceToken, rel.ProjectNumber)
	}

	p := s.projects[rel.ProjectNumber]
	if rel.NextState != "" && rel.NextState != p.State {
		if !p.State.CanTransition(rel.NextState) {
			return nil, orcherr.New(orcherr.KindInvariant,
				"project %d: illegal transition %s -> %s on release", p.Number, p.State, rel.NextState)
		}
		p.State = rel.NextState
	}

	now := rel.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	c.released = true
	c.reason = rel.Reason
	if rel.ClearOwner {
		p.OwnerAgentID = ""
	}
	if rel.ClearReviewer {
		p.ReviewerAgentID = ""
	}
	if rel.BumpReleaseCount {
		p.ReleaseCount++
	}
	p.Phase = ""
	p.UpdatedAt = now

	t := c.ticket
	return &t, nil
}

func (s *MemoryStore) ExpiredClaims(_ context.Context, now time.Time) ([]*models.ClaimTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*models.ClaimTicket
	for _, c := range s.claims {
		if !c.released && c.ticket.Expired(now) {
			t := c.ticket
			expired = append(expired, &t)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].LeaseExpiresAt.Before(expired[j].LeaseExpiresAt)
	})
	return expired, nil
}

func (s *MemoryStore) ClaimsByPod(_ context.Context, podID string) ([]*models.ClaimTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claims []*models.ClaimTicket
	for _, c := range s.claims {
		if !c.released && c.ticket.PodID == podID {
			t := c.ticket
			claims = append(claims, &t)
		}
	}
	sort.Slice(claims, func(i, j int) bool {
		return claims[i].ProjectNumber < claims[j].ProjectNumber
	})
	return claims, nil
}

func (s *MemoryStore) AdvanceProject(_ context.Context, number, fenceToken int64, to models.ProjectState, phase string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[number]
	if !ok {
		return nil, orcherr.New(orcherr.KindNotFound, "project %d not found", number)
	}
	if err := s.checkFenceLocked(number, fenceToken); err != nil {
		return nil, err
	}
	if to != p.State {
		if err := p.ValidateTransition(to); err != nil {
			return nil, orcherr.Wrap(orcherr.KindInvariant, err, "advance rejected")
		}
	}
	p.State = to
	p.Phase = phase
	p.UpdatedAt = time.Now().UTC()
	return cloneProject(p), nil
}

func (s *MemoryStore) SetProjectPhase(_ context.Context, number, fenceToken int64, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[number]
	if !ok {
		return orcherr.New(orcherr.KindNotFound, "project %d not found", number)
	}
	if err := s.checkFenceLocked(number, fenceToken); err != nil {
		return err
	}
	p.Phase = phase
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) checkFenceLocked(number, fenceToken int64) error {
	c := s.liveClaimByProject(number)
	if c == nil {
		return orcherr.Conflict(s.fences[number], "project %d has no live claim", number)
	}
	if c.ticket.FenceToken != fenceToken {
		return orcherr.Conflict(c.ticket.FenceToken,
			"stale fence %d for project %d", fenceToken, number)
	}
	return nil
}

// --- Reviews ---

func (s *MemoryStore) AppendReview(_ context.Context, rec *models.ReviewRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	c.Findings = append([]models.Finding(nil), rec.Findings...)
	s.reviews = append(s.reviews, &c)
	return nil
}

func (s *MemoryStore) ListReviews(_ context.Context, projectNumber int64) ([]*models.ReviewRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []*models.ReviewRecord
	for _, r := range s.reviews {
		if r.ProjectNumber == projectNumber {
			c := *r
			records = append(records, &c)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Iteration < records[j].Iteration })
	return records, nil
}

// --- Proposals ---

func (s *MemoryStore) CreateProposal(_ context.Context, p *models.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := p.IdempotencyKey()
	if _, ok := s.propKeys[key]; ok {
		return orcherr.New(orcherr.KindConflict, "duplicate proposal %s", key)
	}
	c := *p
	s.proposals[p.ID] = &c
	s.propKeys[key] = p.ID
	return nil
}

func (s *MemoryStore) BindProposalProject(_ context.Context, proposalID string, number int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[proposalID]; !ok {
		return orcherr.New(orcherr.KindNotFound, "proposal %s not found", proposalID)
	}
	return nil
}

func (s *MemoryStore) DeleteProposal(_ context.Context, proposalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Keep the idempotency key so dedup survives proposal disposal.
	delete(s.proposals, proposalID)
	return nil
}

// --- Cost ledger ---

func (s *MemoryStore) AppendCostEntry(_ context.Context, e *models.CostLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEntry++
	c := *e
	c.ID = s.nextEntry
	s.ledger = append(s.ledger, &c)
	return nil
}

func (s *MemoryStore) SumCost(_ context.Context, workspaceID string, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := 0.0
	for _, e := range s.ledger {
		if e.WorkspaceID == workspaceID && !e.At.Before(since) {
			sum += e.USD
		}
	}
	return sum, nil
}

func (s *MemoryStore) SumAgentCost(_ context.Context, agentID string, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := 0.0
	for _, e := range s.ledger {
		if e.AgentID == agentID && !e.At.Before(since) {
			sum += e.USD
		}
	}
	return sum, nil
}

func (s *MemoryStore) CostEntriesSince(_ context.Context, workspaceID string, since time.Time) ([]*models.CostLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []*models.CostLedgerEntry
	for _, e := range s.ledger {
		if e.WorkspaceID == workspaceID && !e.At.Before(since) {
			c := *e
			entries = append(entries, &c)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })
	return entries, nil
}

// --- Event log ---

func (s *MemoryStore) AppendEvent(_ context.Context, ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventSeqs[ev.Seq] {
		return nil
	}
	c := *ev
	c.Payload = append([]byte(nil), ev.Payload...)
	s.events = append(s.events, &c)
	s.eventSeqs[ev.Seq] = true
	return nil
}

func (s *MemoryStore) LastEventSeq(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last int64
	for _, ev := range s.events {
		if ev.Seq > last {
			last = ev.Seq
		}
	}
	return last, nil
}

func (s *MemoryStore) EventsSince(_ context.Context, sinceSeq int64, limit int) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []*models.Event
	for _, ev := range s.events {
		if ev.Seq > sinceSeq {
			c := *ev
			events = append(events, &c)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *MemoryStore) PruneEvents(_ context.Context, olderThan time.Time, keepLast int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last int64
	for _, ev := range s.events {
		if ev.Seq > last {
			last = ev.Seq
		}
	}
	kept := s.events[:0]
	var pruned int64
	for _, ev := range s.events {
		if ev.At.Before(olderThan) && ev.Seq <= last-int64(keepLast) {
			delete(s.eventSeqs, ev.Seq)
			pruned++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return pruned, nil
}

// --- Audit ---

func (s *MemoryStore) AppendAudit(_ context.Context, rec *models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	s.audit = append(s.audit, &c)
	return nil
}

func (s *MemoryStore) QueryAudit(_ context.Context, q AuditQuery) ([]*models.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []*models.AuditRecord
	for _, r := range s.audit {
		if q.AgentID != "" && r.AgentID != q.AgentID {
			continue
		}
		if q.OperationType != "" && !strings.EqualFold(r.OperationType, q.OperationType) {
			continue
		}
		if q.ProjectNumber != nil && (r.ProjectNumber == nil || *r.ProjectNumber != *q.ProjectNumber) {
			continue
		}
		if !q.Since.IsZero() && r.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && !r.Timestamp.Before(q.Until) {
			continue
		}
		c := *r
		records = append(records, &c)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.After(records[j].Timestamp) })
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *MemoryStore) PruneAudit(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	var pruned int64
	for _, r := range s.audit {
		if r.Timestamp.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	s.audit = kept
	return pruned, nil
}

func (s *MemoryStore) PruneCostEntries(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.ledger[:0]
	var pruned int64
	for _, e := range s.ledger {
		if e.At.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	s.ledger = kept
	return pruned, nil
}
