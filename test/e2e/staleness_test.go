package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/runtime"
)

// TestStaleClaimRecovery freezes an agent mid-execution until the staleness
// scanner releases its claim, lets a second agent take the project over,
// and then thaws the first agent to check its late write bounces off the
// fence instead of corrupting the new owner's run.
func TestStaleClaimRecovery(t *testing.T) {
	cfg := FastConfig()
	cfg.Supervisor.HeartbeatInterval = 50 * time.Millisecond
	cfg.Supervisor.StaleMultiplier = 5 // stale after 250ms of silence
	cfg.Supervisor.ScanInterval = 50 * time.Millisecond
	// No periodic review sweeps: the project parks in review at the end
	// instead of pulling the recovered agent in as reviewer.
	cfg.Review.AssignInterval = time.Hour
	app := NewTestApp(t, WithConfig(cfg))
	stream := app.OpenStream(0)

	// agent-a parks inside its first step; its queued report only surfaces
	// after the thaw, as the late write.
	blocked := app.Driver.Freeze("agent-a")
	app.Driver.Script("agent-a",
		&runtime.Report{Phase: "implementing"},
	)
	app.Driver.Script("agent-b",
		&runtime.Report{Phase: "implementing"},
		&runtime.Report{Done: true},
	)

	app.AddAgent("agent-a")
	number := app.CreateProject("Fix flaky watcher test", "passes 100 consecutive runs")

	select {
	case <-blocked:
	case <-time.After(10 * time.Second):
		t.Fatal("agent-a never started stepping")
	}

	// A parked step blocks the whole supervisor tick, so heartbeats stop
	// and the scanner flags the agent.
	app.WaitForAgentStatus("agent-a", models.AgentUnresponsive)

	released, err := stream.WaitForEvent(func(ev WSEvent) bool {
		return ev.Type == "project.released" && eventNumber(ev) == number
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", released.Data["agentId"])
	assert.Equal(t, "agent unresponsive", released.Data["reason"])
	assert.Equal(t, string(models.ProjectQueued), released.Data["state"])

	flagged, err := stream.WaitForType("agent.unresponsive", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", flagged.Data["agentId"])
	assert.Equal(t, "heartbeat stale", flagged.Data["reason"])

	// A fresh agent picks the released project up under a new fence.
	app.AddAgent("agent-b")
	app.WaitForProjectState(number, models.ProjectInReview)
	project := app.GetProject(number)
	assert.Equal(t, "agent-b", project.OwnerAgentID)
	assert.Equal(t, 1, project.ReleaseCount)

	// Thaw the stale agent. Its parked step resumes, reports progress with
	// the old fence token, gets a conflict, and abandons the work.
	app.Driver.Thaw("agent-a")
	haltDeadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(haltDeadline) {
		if app.Driver.HaltReason("agent-a") == "claim superseded" {
			break
		}
		time.Sleep(pollInterval)
	}
	assert.Equal(t, "claim superseded", app.Driver.HaltReason("agent-a"))
	app.WaitForAgentStatus("agent-a", models.AgentIdle)

	// The stale write left no trace on the project: owner, phase, and the
	// lifecycle seen on the stream all belong to agent-b's run.
	assert.Equal(t, "agent-b", app.GetProject(number).OwnerAgentID)
	assert.Equal(t, []string{
		"project.created",
		"project.queued",
		"project.claimed",
		"project.released",
		"project.claimed",
		"project.pushed",
		"project.in-review",
	}, projectEventTypes(stream.Events(), number))

	claims := stream.EventsOfType("project.claimed")
	require.Len(t, claims, 2)
	assert.Equal(t, "agent-a", claims[0].Data["agentId"])
	assert.Equal(t, "agent-b", claims[1].Data["agentId"])
}
