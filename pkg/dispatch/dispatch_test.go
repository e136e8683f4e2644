package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildswarm/orchestrator/pkg/bus"
	"github.com/buildswarm/orchestrator/pkg/clock"
	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
	"github.com/buildswarm/orchestrator/pkg/store"
)

type published struct {
	t       models.EventType
	payload any
}

type fakeBus struct {
	mu     sync.Mutex
	events []published
}

func (b *fakeBus) Publish(_ context.Context, t models.EventType, payload any) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, published{t: t, payload: payload})
	return int64(len(b.events)), nil
}

func (b *fakeBus) types() []models.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.t
	}
	return out
}

func (b *fakeBus) last() published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[len(b.events)-1]
}

type allowAll struct{}

func (allowAll) MayStart(context.Context, string, float64) error { return nil }

type denyAdmission struct{ err error }

func (d denyAdmission) MayStart(context.Context, string, float64) error { return d.err }

type fixture struct {
	store *store.MemoryStore
	bus   *fakeBus
	clk   *clock.Fake
	d     *Dispatcher
}

func newFixture(t *testing.T, adm Admission) *fixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore()
	require.NoError(t, st.EnsureWorkspace(ctx, &models.Workspace{ID: "ws-1", MaxConcurrentAgents: 8}))

	if adm == nil {
		adm = allowAll{}
	}
	fb := &fakeBus{}
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	d := NewDispatcher(st, fb, adm, config.DefaultDispatchConfig(), "ws-1", clk)
	return &fixture{store: st, bus: fb, clk: clk, d: d}
}

func (f *fixture) addAgent(t *testing.T, id string, status models.AgentStatus) {
	t.Helper()
	require.NoError(t, f.store.CreateAgent(context.Background(), &models.Agent{
		ID:          id,
		WorkspaceID: "ws-1",
		Status:      status,
	}))
}

func (f *fixture) seedProject(t *testing.T, state models.ProjectState, queuedAt time.Time, pinned bool) int64 {
	t.Helper()
	p := &models.Project{
		WorkspaceID: "ws-1",
		Title:       "seeded",
		State:       state,
		QueuedAt:    queuedAt,
		Pinned:      pinned,
	}
	number, err := f.store.CreateProject(context.Background(), p)
	require.NoError(t, err)
	return number
}

func TestDispatcherClaimOrdering(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	base := f.clk.Now()

	plain := f.seedProject(t, models.ProjectQueued, base.Add(-30*time.Minute), false)
	older := f.seedProject(t, models.ProjectQueued, base.Add(-2*time.Hour), false)
	rework := f.seedProject(t, models.ProjectRework, base.Add(-5*time.Minute), false)
	pinned := f.seedProject(t, models.ProjectQueued, base.Add(-time.Minute), true)

	var got []int64
	for _, agent := range []string{"agent-1", "agent-2", "agent-3", "agent-4"} {
		ticket, project, err := f.d.TryClaim(ctx, agent, "pod-"+agent)
		require.NoError(t, err)
		require.NotNil(t, ticket)
		assert.Equal(t, models.BranchName(project.Number), ticket.Branch)
		assert.Equal(t, models.ProjectClaimed, project.State)
		got = append(got, ticket.ProjectNumber)
	}

	assert.Equal(t, []int64{rework, pinned, older, plain}, got,
		"rework first, then pinned, then FIFO by queuedAt")

	types := f.bus.types()
	require.Len(t, types, 4)
	for _, typ := range types {
		assert.Equal(t, models.EventProjectClaimed, typ)
	}
}

func TestDispatcherEmptyQueueWakesIdeation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, _, err := f.d.TryClaim(ctx, "agent-1", "pod-1")
	require.ErrorIs(t, err, ErrQueueEmpty)

	select {
	case <-f.d.Wake():
	default:
		t.Fatal("expected an ideation wake signal")
	}

	// Repeated empty claims coalesce into one pending signal.
	_, _, err = f.d.TryClaim(ctx, "agent-1", "pod-1")
	require.ErrorIs(t, err, ErrQueueEmpty)
	_, _, err = f.d.TryClaim(ctx, "agent-2", "pod-2")
	require.ErrorIs(t, err, ErrQueueEmpty)

	select {
	case <-f.d.Wake():
	default:
		t.Fatal("expected a coalesced wake signal")
	}
	select {
	case <-f.d.Wake():
		t.Fatal("wake signals should coalesce while unconsumed")
	default:
	}
}

func TestDispatcherGovernorDenial(t *testing.T) {
	denial := orcherr.New(orcherr.KindBudget, "daily budget would be exceeded")
	f := newFixture(t, denyAdmission{err: denial})
	ctx := context.Background()

	f.seedProject(t, models.ProjectQueued, f.clk.Now(), false)

	_, _, err := f.d.TryClaim(ctx, "agent-1", "pod-1")
	require.Error(t, err)
	assert.True(t, orcherr.IsKind(err, orcherr.KindBudget))
	assert.Empty(t, f.bus.types(), "denied claims publish nothing")

	number := int64(1)
	_, err = f.store.ActiveClaimByProject(ctx, number)
	assert.True(t, orcherr.IsKind(err, orcherr.KindNotFound), "no claim granted")
}

func TestDispatcherSecondClaimSameAgentRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seedProject(t, models.ProjectQueued, f.clk.Now().Add(-time.Hour), false)
	f.seedProject(t, models.ProjectQueued, f.clk.Now(), false)

	_, _, err := f.d.TryClaim(ctx, "agent-1", "pod-1")
	require.NoError(t, err)

	_, _, err = f.d.TryClaim(ctx, "agent-1", "pod-1")
	require.Error(t, err)
	assert.True(t, orcherr.IsKind(err, orcherr.KindConflict))
}

func TestDispatcherLeaseExpiry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	number := f.seedProject(t, models.ProjectQueued, f.clk.Now(), false)

	ticket, _, err := f.d.TryClaim(ctx, "agent-1", "pod-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ticket.FenceToken)

	// Half a lease in: still live.
	f.clk.Advance(5 * time.Minute)
	f.d.sweepExpired(ctx)
	_, err = f.store.ActiveClaimByProject(ctx, number)
	require.NoError(t, err)

	// Past the lease: released back to the queue.
	f.clk.Advance(6 * time.Minute)
	f.d.sweepExpired(ctx)

	project, err := f.store.GetProject(ctx, number)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectQueued, project.State)
	assert.Equal(t, 1, project.ReleaseCount)
	assert.Empty(t, project.Phase)

	last := f.bus.last()
	assert.Equal(t, models.EventProjectReleased, last.t)
	payload, ok := last.payload.(bus.ProjectPayload)
	require.True(t, ok)
	assert.Equal(t, "lease expired", payload.Reason)
	assert.Equal(t, models.ProjectQueued, payload.State)

	// The stale fence is dead; the next claim gets a newer token.
	_, err = f.store.AdvanceProject(ctx, number, ticket.FenceToken, models.ProjectExecuting, "")
	require.Error(t, err)
	assert.True(t, orcherr.IsKind(err, orcherr.KindConflict))

	ticket2, _, err := f.d.TryClaim(ctx, "agent-2", "pod-2")
	require.NoError(t, err)
	assert.Equal(t, number, ticket2.ProjectNumber)
	assert.Greater(t, ticket2.FenceToken, ticket.FenceToken)
}

func TestDispatcherExtendLease(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	number := f.seedProject(t, models.ProjectQueued, f.clk.Now(), false)
	_, _, err := f.d.TryClaim(ctx, "agent-1", "pod-1")
	require.NoError(t, err)

	f.clk.Advance(8 * time.Minute)
	require.NoError(t, f.d.ExtendLease(ctx, "agent-1"))

	// Would have expired at 10m without the refresh.
	f.clk.Advance(4 * time.Minute)
	f.d.sweepExpired(ctx)

	claim, err := f.store.ActiveClaimByProject(ctx, number)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claim.AgentID)
}

func TestDispatcherAdvancePublishesLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	number := f.seedProject(t, models.ProjectQueued, f.clk.Now(), false)
	ticket, _, err := f.d.TryClaim(ctx, "agent-1", "pod-1")
	require.NoError(t, err)

	_, err = f.d.Advance(ctx, number, ticket.FenceToken, models.ProjectExecuting, "starting")
	require.NoError(t, err)

	require.NoError(t, f.d.Progress(ctx, number, ticket.FenceToken, "agent-1", "editing"))

	_, err = f.d.Advance(ctx, number, ticket.FenceToken, models.ProjectPushed, "")
	require.NoError(t, err)

	assert.Equal(t, []models.EventType{
		models.EventProjectClaimed,
		models.EventProjectProgress,
		models.EventProjectProgress,
		models.EventProjectPushed,
	}, f.bus.types())
}

func TestDispatcherAdvanceRejectsIllegalTransition(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	number := f.seedProject(t, models.ProjectQueued, f.clk.Now(), false)
	ticket, _, err := f.d.TryClaim(ctx, "agent-1", "pod-1")
	require.NoError(t, err)

	_, err = f.d.Advance(ctx, number, ticket.FenceToken, models.ProjectExecuting, "")
	require.NoError(t, err)

	// Review entry requires a push first.
	_, err = f.d.Advance(ctx, number, ticket.FenceToken, models.ProjectInReview, "")
	require.Error(t, err)
	assert.True(t, orcherr.IsKind(err, orcherr.KindInvariant))
}

func TestDispatcherRequeueReviewerKeepsReviewState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addAgent(t, "agent-1", models.AgentWorking)
	f.addAgent(t, "agent-2", models.AgentReviewing)

	number := f.seedProject(t, models.ProjectQueued, f.clk.Now(), false)

	// Executor takes the project through to review handoff.
	execTicket, _, err := f.d.TryClaim(ctx, "agent-1", "pod-1")
	require.NoError(t, err)
	_, err = f.d.Advance(ctx, number, execTicket.FenceToken, models.ProjectExecuting, "")
	require.NoError(t, err)
	_, err = f.d.Advance(ctx, number, execTicket.FenceToken, models.ProjectPushed, "")
	require.NoError(t, err)
	_, err = f.store.ReleaseClaim(ctx, store.Release{
		ProjectNumber: number,
		FenceToken:    execTicket.FenceToken,
		Reason:        "awaiting review",
		NextState:     models.ProjectInReview,
		Now:           f.clk.Now(),
	})
	require.NoError(t, err)

	reviewTicket, project, err := f.d.AssignReviewer(ctx, number, "agent-2", "pod-2")
	require.NoError(t, err)
	assert.Equal(t, models.ClaimRoleReviewer, reviewTicket.Role)
	assert.Equal(t, models.ProjectInReview, project.State)

	// Reviewer crash: claim released, project stays in review, verdict
	// slot open for the next reviewer.
	require.NoError(t, f.d.Requeue(ctx, reviewTicket, "reviewer unresponsive"))

	project, err = f.store.GetProject(ctx, number)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectInReview, project.State)
	assert.Empty(t, project.ReviewerAgentID)
	assert.Zero(t, project.ReleaseCount, "reviewer releases do not count against the project")

	last := f.bus.last()
	assert.Equal(t, models.EventProjectReleased, last.t)
}

func TestDispatcherScannerLoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cfg := config.DefaultDispatchConfig()
	cfg.ExpiryScanInterval = 5 * time.Millisecond
	d := NewDispatcher(f.store, f.bus, allowAll{}, cfg, "ws-1", f.clk)

	number := f.seedProject(t, models.ProjectQueued, f.clk.Now(), false)
	_, _, err := d.TryClaim(ctx, "agent-1", "pod-1")
	require.NoError(t, err)
	f.clk.Advance(11 * time.Minute)

	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	assert.Eventually(t, func() bool {
		p, err := f.store.GetProject(ctx, number)
		return err == nil && p.State == models.ProjectQueued && p.ReleaseCount == 1
	}, 2*time.Second, 5*time.Millisecond, "scanner should requeue the expired claim")
}

func TestDispatcherRecoverOrphans(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	mine := f.seedProject(t, models.ProjectQueued, f.clk.Now().Add(-time.Hour), false)
	other := f.seedProject(t, models.ProjectQueued, f.clk.Now(), false)

	_, _, err := f.d.TryClaim(ctx, "agent-1", "pod-a")
	require.NoError(t, err)
	_, _, err = f.d.TryClaim(ctx, "agent-2", "pod-b")
	require.NoError(t, err)

	recovered, err := f.d.RecoverOrphans(ctx, "pod-a")
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	project, err := f.store.GetProject(ctx, mine)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectQueued, project.State)
	assert.Equal(t, 1, project.ReleaseCount)

	last := f.bus.last()
	assert.Equal(t, models.EventProjectReleased, last.t)

	// The other pod's claim is untouched.
	_, err = f.store.ActiveClaimByProject(ctx, other)
	require.NoError(t, err)

	recovered, err = f.d.RecoverOrphans(ctx, "pod-a")
	require.NoError(t, err)
	assert.Zero(t, recovered)
}
