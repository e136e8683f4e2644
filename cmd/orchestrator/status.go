package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/buildswarm/orchestrator/pkg/api"
	"github.com/buildswarm/orchestrator/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health, the agent fleet, and the project board",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

var agentStatusOrder = []models.AgentStatus{
	models.AgentIdle, models.AgentWorking, models.AgentReviewing,
	models.AgentIdeating, models.AgentPaused, models.AgentUnresponsive,
	models.AgentStopped,
}

var projectStateOrder = []models.ProjectState{
	models.ProjectProposed, models.ProjectQueued, models.ProjectClaimed,
	models.ProjectExecuting, models.ProjectPushed, models.ProjectInReview,
	models.ProjectRework, models.ProjectAccepted, models.ProjectFailed,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var health api.HealthResponse
	if err := client.get(ctx, "/healthz", &health); err != nil {
		return err
	}
	var agents []*models.Agent
	if err := client.get(ctx, "/agents", &agents); err != nil {
		return err
	}
	var projects []*models.Project
	if err := client.get(ctx, "/projects", &projects); err != nil {
		return err
	}

	fmt.Printf("Server    %s (version %s)\n", health.Status, health.Version)
	for name, check := range health.Checks {
		if check.Message != "" {
			fmt.Printf("          %s: %s (%s)\n", name, check.Status, check.Message)
		} else {
			fmt.Printf("          %s: %s\n", name, check.Status)
		}
	}

	byStatus := make(map[models.AgentStatus]int)
	for _, a := range agents {
		byStatus[a.Status]++
	}
	fmt.Printf("Agents    %d%s\n", len(agents), breakdown(agentStatusOrder, byStatus))

	byState := make(map[models.ProjectState]int)
	for _, p := range projects {
		byState[p.State]++
	}
	fmt.Printf("Projects  %d%s\n", len(projects), breakdown(projectStateOrder, byState))
	return nil
}

// breakdown renders " (3 idle, 1 working)" in a fixed order, skipping
// empty buckets.
func breakdown[K ~string](order []K, counts map[K]int) string {
	var parts []string
	for _, key := range order {
		if n := counts[key]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, string(key)))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
