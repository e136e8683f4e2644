package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
	"github.com/buildswarm/orchestrator/test/util"
)

// newTestStore creates a migrated PostgresStore isolated in its own schema.
func newTestStore(t *testing.T) *PostgresStore {
	return NewPostgresStore(util.SetupTestDatabase(t))
}

// testID namespaces an entity ID by test name so failed assertions read
// unambiguously when several tests exercise similar fixtures.
func testID(t *testing.T, name string) string {
	return t.Name() + "/" + name
}

type pgFixture struct {
	s  *PostgresStore
	ws string
}

func newPGFixture(t *testing.T) *pgFixture {
	s := newTestStore(t)
	ws := testID(t, "ws")
	require.NoError(t, s.EnsureWorkspace(context.Background(), &models.Workspace{
		ID:                  ws,
		MaxConcurrentAgents: 5,
		DailyBudgetUSD:      100,
		MonthlyBudgetUSD:    1000,
	}))
	return &pgFixture{s: s, ws: ws}
}

func (f *pgFixture) agent(t *testing.T, name string) string {
	t.Helper()
	id := testID(t, name)
	require.NoError(t, f.s.CreateAgent(context.Background(), &models.Agent{
		ID:              id,
		WorkspaceID:     f.ws,
		Status:          models.AgentIdle,
		LastHeartbeatAt: time.Now().UTC(),
	}))
	return id
}

func (f *pgFixture) project(t *testing.T, title string, queuedAt time.Time) int64 {
	t.Helper()
	number, err := f.s.CreateProject(context.Background(), &models.Project{
		WorkspaceID:        f.ws,
		Title:              title,
		State:              models.ProjectQueued,
		AcceptanceCriteria: []string{"does the thing"},
		QueuedAt:           queuedAt,
	})
	require.NoError(t, err)
	return number
}

func (f *pgFixture) claim(agentID string) ClaimRequest {
	return ClaimRequest{
		WorkspaceID: f.ws,
		AgentID:     agentID,
		Role:        models.ClaimRoleExecutor,
		PodID:       "pod-test",
		Lease:       10 * time.Minute,
	}
}

func TestPostgresStore_ClaimOrdering(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)
	base := time.Now().UTC().Add(-time.Hour)

	oldest := f.project(t, "oldest", base)
	pinned := f.project(t, "pinned", base.Add(10*time.Minute))
	rework := f.project(t, "rework", base.Add(20*time.Minute))

	p, err := f.s.GetProject(ctx, pinned)
	require.NoError(t, err)
	p.Pinned = true
	require.NoError(t, f.s.UpdateProject(ctx, p))

	// Walk the rework project through a failed review so it carries the
	// rework state with no owner left behind.
	seed := f.agent(t, "seed")
	ticket, _, err := f.s.ClaimProject(ctx, rework, f.claim(seed))
	require.NoError(t, err)
	for _, next := range []models.ProjectState{
		models.ProjectExecuting, models.ProjectPushed, models.ProjectInReview, models.ProjectRework,
	} {
		_, err = f.s.AdvanceProject(ctx, rework, ticket.FenceToken, next, "")
		require.NoError(t, err)
	}
	_, err = f.s.ReleaseClaim(ctx, Release{
		ProjectNumber: rework,
		FenceToken:    ticket.FenceToken,
		Reason:        "review failed",
		ClearOwner:    true,
	})
	require.NoError(t, err)

	var order []int64
	for i := 0; i < 3; i++ {
		agent := f.agent(t, fmt.Sprintf("claimer-%d", i))
		tk, project, err := f.s.ClaimNext(ctx, f.claim(agent))
		require.NoError(t, err)
		require.NotNil(t, tk, "claim %d came back empty", i)
		order = append(order, project.Number)
	}
	assert.Equal(t, []int64{rework, pinned, oldest}, order)

	tk, _, err := f.s.ClaimNext(ctx, f.claim(f.agent(t, "late")))
	require.NoError(t, err)
	assert.Nil(t, tk, "drained queue yields no ticket")
}

func TestPostgresStore_ConcurrentClaimNext(t *testing.T) {
	const projects = 3
	const claimers = 8

	ctx := context.Background()
	f := newPGFixture(t)
	for i := 0; i < projects; i++ {
		f.project(t, fmt.Sprintf("p%d", i), time.Now().UTC().Add(-time.Hour))
	}
	agents := make([]string, claimers)
	for i := range agents {
		agents[i] = f.agent(t, fmt.Sprintf("racer-%d", i))
	}

	var mu sync.Mutex
	claimed := make(map[int64]string)

	var wg sync.WaitGroup
	for _, agent := range agents {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			ticket, _, err := f.s.ClaimNext(ctx, f.claim(agent))
			require.NoError(t, err)
			if ticket == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			prev, dup := claimed[ticket.ProjectNumber]
			require.False(t, dup, "project %d double-claimed by %s and %s", ticket.ProjectNumber, prev, agent)
			claimed[ticket.ProjectNumber] = agent
		}(agent)
	}
	wg.Wait()

	assert.Len(t, claimed, projects, "every project claimed exactly once")
}

func TestPostgresStore_FenceRejection(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)
	agent1 := f.agent(t, "holder")
	agent2 := f.agent(t, "successor")
	number := f.project(t, "fenced", time.Now().UTC())

	ticket, _, err := f.s.ClaimNext(ctx, f.claim(agent1))
	require.NoError(t, err)

	_, err = f.s.AdvanceProject(ctx, number, ticket.FenceToken, models.ProjectExecuting, "implementing")
	require.NoError(t, err)

	// Expire the holder: release back to the queue, hand to a new agent.
	_, err = f.s.ReleaseClaim(ctx, Release{
		ProjectNumber:    number,
		FenceToken:       ticket.FenceToken,
		Reason:           "lease expired",
		NextState:        models.ProjectQueued,
		ClearOwner:       true,
		BumpReleaseCount: true,
	})
	require.NoError(t, err)

	ticket2, _, err := f.s.ClaimNext(ctx, f.claim(agent2))
	require.NoError(t, err)
	require.NotNil(t, ticket2)
	assert.Greater(t, ticket2.FenceToken, ticket.FenceToken)

	// The zombie's writes bounce with the current token attached.
	_, err = f.s.AdvanceProject(ctx, number, ticket.FenceToken, models.ProjectExecuting, "")
	require.Error(t, err)
	var oe *orcherr.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, orcherr.KindConflict, oe.Kind)
	assert.Equal(t, ticket2.FenceToken, oe.FenceToken)

	// So do stale releases.
	_, err = f.s.ReleaseClaim(ctx, Release{ProjectNumber: number, FenceToken: ticket.FenceToken})
	require.Error(t, err)
	assert.Equal(t, orcherr.KindConflict, orcherr.KindOf(err))
}

func TestPostgresStore_SingleClaimPerAgent(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)
	agent := f.agent(t, "greedy")
	f.project(t, "first", time.Now().UTC().Add(-2*time.Minute))
	second := f.project(t, "second", time.Now().UTC().Add(-time.Minute))

	_, _, err := f.s.ClaimNext(ctx, f.claim(agent))
	require.NoError(t, err)

	// The partial unique index on live claims stops the second grant even
	// though the project itself is claimable.
	_, _, err = f.s.ClaimProject(ctx, second, f.claim(agent))
	require.Error(t, err)
	assert.Equal(t, orcherr.KindConflict, orcherr.KindOf(err))
}

func TestPostgresStore_ExpiredClaimsAndRefresh(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)
	agent1 := f.agent(t, "expiring")
	agent2 := f.agent(t, "refreshing")
	f.project(t, "first", time.Now().UTC().Add(-2*time.Minute))
	f.project(t, "second", time.Now().UTC().Add(-time.Minute))

	short := f.claim(agent1)
	short.Lease = time.Second
	_, _, err := f.s.ClaimNext(ctx, short)
	require.NoError(t, err)
	_, _, err = f.s.ClaimNext(ctx, f.claim(agent2))
	require.NoError(t, err)

	require.NoError(t, f.s.RefreshLease(ctx, agent2, time.Now().UTC().Add(time.Hour)))

	expired, err := f.s.ExpiredClaims(ctx, time.Now().UTC().Add(30*time.Minute))
	require.NoError(t, err)

	var mine []*models.ClaimTicket
	for _, c := range expired {
		if c.AgentID == agent1 || c.AgentID == agent2 {
			mine = append(mine, c)
		}
	}
	require.Len(t, mine, 1)
	assert.Equal(t, agent1, mine[0].AgentID)
}

func TestPostgresStore_ProposalIdempotency(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	p := &models.Proposal{
		ID:                testID(t, "prop-1"),
		WorkspaceID:       f.ws,
		CategoryTag:       "test-coverage",
		GeneratingAgentID: testID(t, "ideator"),
		Title:             "Cover the retry path",
		ProblemStatement:  "The retry path has no tests.",
		CreatedAt:         at,
	}
	require.NoError(t, f.s.CreateProposal(ctx, p))

	dup := *p
	dup.ID = testID(t, "prop-2")
	dup.CreatedAt = at.Add(45 * time.Minute)
	err := f.s.CreateProposal(ctx, &dup)
	require.Error(t, err)
	assert.Equal(t, orcherr.KindConflict, orcherr.KindOf(err))

	// Binding and disposal leave the key behind for dedup.
	number := f.project(t, "from proposal", time.Now().UTC())
	require.NoError(t, f.s.BindProposalProject(ctx, p.ID, number))
	require.NoError(t, f.s.DeleteProposal(ctx, p.ID))
}

func TestPostgresStore_EventAppendIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)

	base, err := f.s.LastEventSeq(ctx)
	require.NoError(t, err)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, f.s.AppendEvent(ctx, &models.Event{
			Seq:  base + i,
			Type: models.EventProjectCreated,
			At:   time.Now().UTC(),
		}))
	}
	// Replaying a seq is swallowed, not an error and not a second row.
	require.NoError(t, f.s.AppendEvent(ctx, &models.Event{
		Seq:  base + 3,
		Type: models.EventProjectFailed,
		At:   time.Now().UTC(),
	}))

	last, err := f.s.LastEventSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, base+5, last)

	events, err := f.s.EventsSince(ctx, base+2, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, base+3, events[0].Seq)
	assert.Equal(t, models.EventProjectCreated, events[0].Type, "replayed seq kept the original row")
}

func TestPostgresStore_CostSums(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)
	agent := testID(t, "spender")
	now := time.Now().UTC()

	for _, e := range []struct {
		usd float64
		at  time.Time
	}{
		{0.25, now.Add(-2 * time.Hour)},
		{0.50, now.Add(-10 * time.Minute)},
		{0.10, now.Add(-40 * 24 * time.Hour)},
	} {
		require.NoError(t, f.s.AppendCostEntry(ctx, &models.CostLedgerEntry{
			WorkspaceID: f.ws,
			AgentID:     agent,
			USD:         e.usd,
			Tokens:      1000,
			At:          e.at,
		}))
	}

	day, err := f.s.SumCost(ctx, f.ws, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.75, day, 1e-6)

	month, err := f.s.SumAgentCost(ctx, agent, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.75, month, 1e-6)

	entries, err := f.s.CostEntriesSince(ctx, f.ws, now.Add(-45*24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
