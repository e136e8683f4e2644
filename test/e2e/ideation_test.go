package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/runtime"
)

// TestIdeationRefillsIdleQueue leaves a single agent facing an empty queue,
// waits for the refill loop to hand it a category brief, and checks the
// returned draft becomes a real queued project that the same agent then
// executes.
func TestIdeationRefillsIdleQueue(t *testing.T) {
	app := NewTestApp(t, WithIdeation())
	stream := app.OpenStream(0)

	app.Driver.Script("agent-a",
		// Generation round: the draft that becomes the project.
		&runtime.Report{Done: true, Proposal: &runtime.Draft{
			Title:    "Split the session store out of the handler package",
			Summary:  "pkg/api reaches into session internals in four places",
			Criteria: []string{"handlers compile without the session import"},
		}, CostUSD: 0.01},
		// Execution round for the generated project.
		&runtime.Report{Done: true, CostUSD: 0.03},
	)

	app.AddAgent("agent-a")

	// The loop notices the drained queue and assigns the first catalog
	// category to the idle agent.
	created, err := stream.WaitForType("project.created", 10*time.Second)
	require.NoError(t, err)
	number := eventNumber(*created)
	require.NotZero(t, number)

	project := app.GetProject(number)
	assert.Equal(t, "Split the session store out of the handler package", project.Title)
	assert.Equal(t, "refactoring", project.CategoryTag)
	assert.Equal(t, []string{"handlers compile without the session import"}, project.AcceptanceCriteria)

	// The proposing agent picks its own project up and pushes it to review.
	app.WaitForProjectState(number, models.ProjectInReview)
	assert.Equal(t, "agent-a", app.GetProject(number).OwnerAgentID)

	begun := app.Driver.Begun()
	require.Len(t, begun, 2)
	assert.Equal(t, runtime.OrderIdeate, begun[0].Kind)
	assert.Equal(t, "refactoring", begun[0].Category)
	assert.NotEmpty(t, begun[0].Brief)
	assert.Equal(t, runtime.OrderExecute, begun[1].Kind)
	assert.Equal(t, number, begun[1].Project)

	// The generated project was mirrored to the issue host, labeled with
	// its category.
	issue := app.Host.Issue(number)
	require.NotNil(t, issue)
	assert.Contains(t, issue.Body, "pkg/api reaches into session internals")
	assert.Contains(t, issue.Labels, "refactoring")

	// A project sitting in review blocks the next refill round: the agent
	// stays idle rather than ideating again.
	app.WaitForAgentStatus("agent-a", models.AgentIdle)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, models.AgentIdle, app.GetAgent("agent-a").Status)
	assert.Len(t, stream.EventsOfType("project.created"), 1)

	// The generation attempt landed in the audit trail.
	var audits []models.AuditRecord
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		audits = app.AuditHistory("operation_type=ideation.proposal")
		if len(audits) > 0 {
			break
		}
		time.Sleep(pollInterval)
	}
	require.Len(t, audits, 1)
	assert.Equal(t, "created", audits[0].ResponseStatus)
	assert.Equal(t, "refactoring", audits[0].RequestSummary)
	require.NotNil(t, audits[0].ProjectNumber)
	assert.Equal(t, number, *audits[0].ProjectNumber)
}
