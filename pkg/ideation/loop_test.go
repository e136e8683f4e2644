package ideation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildswarm/orchestrator/pkg/clock"
	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
	"github.com/buildswarm/orchestrator/pkg/runtime"
	"github.com/buildswarm/orchestrator/pkg/store"
	"github.com/buildswarm/orchestrator/pkg/tracker"
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

type fakeRecorder struct {
	mu   sync.Mutex
	recs []*models.AuditRecord
}

func (r *fakeRecorder) Record(rec *models.AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *fakeRecorder) records() []*models.AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.AuditRecord(nil), r.recs...)
}

type allowAll struct{}

func (allowAll) MayStart(context.Context, string, float64) error { return nil }

type denyAdmission struct{}

func (denyAdmission) MayStart(context.Context, string, float64) error {
	return orcherr.New(orcherr.KindBudget, "daily budget exhausted")
}

type handoff struct {
	agentID  string
	category string
}

type fakeAssigner struct {
	mu    sync.Mutex
	calls []handoff
	err   error
}

func (a *fakeAssigner) AssignIdeation(_ context.Context, agentID string, cat Category) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.calls = append(a.calls, handoff{agentID: agentID, category: cat.Tag})
	return nil
}

func (a *fakeAssigner) handoffs() []handoff {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]handoff(nil), a.calls...)
}

type fixture struct {
	store    *store.MemoryStore
	bus      *fakeBus
	audit    *fakeRecorder
	host     *tracker.EmbeddedHost
	clk      *clock.Fake
	assigner *fakeAssigner
	wake     chan struct{}
	l        *Loop
}

func newFixture(t *testing.T, adm Admission) *fixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore()
	require.NoError(t, st.EnsureWorkspace(ctx, &models.Workspace{ID: "ws-1", MaxConcurrentAgents: 4}))

	if adm == nil {
		adm = allowAll{}
	}
	f := &fixture{
		store:    st,
		bus:      &fakeBus{},
		audit:    &fakeRecorder{},
		host:     tracker.NewEmbeddedHost(),
		clk:      clock.NewFake(time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)),
		assigner: &fakeAssigner{},
		wake:     make(chan struct{}, 1),
	}
	f.l = NewLoop(st, f.bus, f.audit, f.host, adm, config.DefaultIdeationConfig(), "ws-1", f.wake, f.clk)
	f.l.SetAssigner(f.assigner)
	return f
}

func (f *fixture) addAgent(t *testing.T, id string, status models.AgentStatus) {
	t.Helper()
	require.NoError(t, f.store.CreateAgent(context.Background(), &models.Agent{
		ID:          id,
		WorkspaceID: "ws-1",
		Status:      status,
	}))
}

func draft() *runtime.Draft {
	return &runtime.Draft{
		Title:    "Tighten claim conflict logging",
		Summary:  "Conflict rejections log only the agent id, which makes races hard to trace.",
		Criteria: []string{"log includes both contenders", "existing log volume unchanged"},
	}
}

func TestLoopSubmitProposalCreatesQueuedProject(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	project, err := f.l.SubmitProposal(ctx, "agent-1", "observability", draft())
	require.NoError(t, err)
	require.NotNil(t, project)

	assert.Equal(t, models.ProjectQueued, project.State)
	assert.Equal(t, "observability", project.CategoryTag)
	assert.Equal(t, draft().Criteria, project.AcceptanceCriteria)

	stored, err := f.store.GetProject(ctx, project.Number)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectQueued, stored.State)
	assert.Equal(t, draft().Title, stored.Title)

	assert.Equal(t,
		[]models.EventType{models.EventProjectCreated, models.EventProjectQueued},
		f.bus.types())

	issue := f.host.Issue(project.Number)
	require.NotNil(t, issue)
	assert.Equal(t, draft().Title, issue.Title)
	assert.Contains(t, issue.Body, "Acceptance criteria:")
	assert.Contains(t, issue.Labels, "observability")

	recs := f.audit.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "ideation.proposal", recs[0].OperationType)
	assert.Equal(t, "created", recs[0].ResponseStatus)
	require.NotNil(t, recs[0].ProjectNumber)
	assert.Equal(t, project.Number, *recs[0].ProjectNumber)

	depth, err := f.store.QueueDepth(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestLoopSubmitProposalRejectsEmptyDraft(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	project, err := f.l.SubmitProposal(ctx, "agent-1", "refactoring", &runtime.Draft{
		Summary: "a problem with no title",
	})
	require.Error(t, err)
	assert.True(t, orcherr.IsKind(err, orcherr.KindInvariant))
	assert.Nil(t, project)

	all, err := f.store.ListProjects(ctx, store.ProjectFilter{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.Empty(t, all, "a rejected proposal creates nothing")

	recs := f.audit.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "invalid", recs[0].ResponseStatus)

	// The category backs off and drops out of rotation.
	idx := f.l.sel.byTag["refactoring"]
	assert.Equal(t,
		f.clk.Now().Add(config.DefaultIdeationConfig().FailureBackoffBase),
		f.l.sel.notBefore[idx])
}

func TestLoopSubmitProposalDedupsByHourBucket(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.l.SubmitProposal(ctx, "agent-1", "performance", draft())
	require.NoError(t, err)
	require.NotNil(t, first)

	// Same agent, category, and hour bucket: dropped without error.
	f.clk.Advance(5 * time.Minute)
	dup, err := f.l.SubmitProposal(ctx, "agent-1", "performance", draft())
	require.NoError(t, err)
	assert.Nil(t, dup)

	all, err := f.store.ListProjects(ctx, store.ProjectFilter{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// The next hour bucket admits a fresh one.
	f.clk.Advance(time.Hour)
	third, err := f.l.SubmitProposal(ctx, "agent-1", "performance", draft())
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.NotEqual(t, first.Number, third.Number)
}

func TestLoopAttemptHandsBriefToIdleAgent(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "agent-1", models.AgentIdle)

	f.l.attempt(context.Background())

	calls := f.assigner.handoffs()
	require.Len(t, calls, 1)
	assert.Equal(t, "agent-1", calls[0].agentID)
	assert.Equal(t, Catalog()[0].Tag, calls[0].category, "cold start picks the first category")
}

func TestLoopAttemptSkipsWhenQueueHasWork(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "agent-1", models.AgentIdle)

	_, err := f.store.CreateProject(context.Background(), &models.Project{
		WorkspaceID: "ws-1",
		Title:       "pending",
		State:       models.ProjectQueued,
		QueuedAt:    f.clk.Now(),
	})
	require.NoError(t, err)

	f.l.attempt(context.Background())
	assert.Empty(t, f.assigner.handoffs())
}

func TestLoopAttemptSkipsWhileReviewPending(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "agent-1", models.AgentIdle)

	_, err := f.store.CreateProject(context.Background(), &models.Project{
		WorkspaceID: "ws-1",
		Title:       "under review",
		State:       models.ProjectInReview,
		QueuedAt:    f.clk.Now(),
	})
	require.NoError(t, err)

	f.l.attempt(context.Background())
	assert.Empty(t, f.assigner.handoffs(), "a pending review can still loop back as rework")
}

func TestLoopAttemptOneGenerationInFlight(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "agent-1", models.AgentIdeating)
	f.addAgent(t, "agent-2", models.AgentIdle)

	f.l.attempt(context.Background())
	assert.Empty(t, f.assigner.handoffs())
}

func TestLoopAttemptRespectsGovernor(t *testing.T) {
	f := newFixture(t, denyAdmission{})
	f.addAgent(t, "agent-1", models.AgentIdle)

	f.l.attempt(context.Background())
	assert.Empty(t, f.assigner.handoffs())
}

func TestLoopAttemptNoIdleAgent(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "agent-1", models.AgentWorking)
	f.addAgent(t, "agent-2", models.AgentPaused)

	f.l.attempt(context.Background())
	assert.Empty(t, f.assigner.handoffs())
}

func TestLoopWakeTriggersAttempt(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "agent-1", models.AgentIdle)

	// A long idle delay isolates the wake path.
	cfg := config.DefaultIdeationConfig()
	cfg.IdleDelay = time.Hour
	f.l.cfg = cfg

	require.NoError(t, f.l.Start(context.Background()))
	defer f.l.Stop()

	f.wake <- struct{}{}
	assert.Eventually(t, func() bool {
		return len(f.assigner.handoffs()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}
