package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/buildswarm/orchestrator/pkg/api"
	"github.com/buildswarm/orchestrator/pkg/models"
)

var agentPodID string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage the agent fleet",
}

var agentAddCmd = &cobra.Command{
	Use:   "add [id]",
	Short: "Add an agent to the pool",
	Long: `Adds an agent to the pool and starts supervising it. Without an id the
server generates one. Fails with a conflict when the workspace is at its
concurrency cap and with a budget denial when spending is hard-stopped.

Examples:
  orchestrator agent add
  orchestrator agent add agent-7
  orchestrator agent add agent-7 --pod worker-pod-2`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAgentAdd,
}

var agentStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop an agent",
	Long: `Requests a stop at the agent's next safe point. The supervisor abandons
the agent's claim after the grace window if it does not comply.`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentStop,
}

func init() {
	agentAddCmd.Flags().StringVar(&agentPodID, "pod", "",
		"Pod identity recorded on the agent's claims (default: this host)")
	agentCmd.AddCommand(agentAddCmd)
	agentCmd.AddCommand(agentStopCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentAdd(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	req := models.AddAgentRequest{PodID: agentPodID}
	if len(args) == 1 {
		req.AgentID = args[0]
	}
	if req.PodID == "" {
		req.PodID = resolvePodID()
	}

	var agent models.Agent
	if err := client.post(cmd.Context(), "/agents", req, &agent); err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(&agent)
}

func runAgentStop(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var resp api.ControlResponse
	if err := client.post(cmd.Context(), "/agents/"+args[0]+"/stop", nil, &resp); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", resp.AgentID, resp.Message)
	return nil
}
