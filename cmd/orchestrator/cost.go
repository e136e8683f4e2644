package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/buildswarm/orchestrator/pkg/cost"
)

var costCmd = &cobra.Command{
	Use:   "cost",
	Short: "Show spend against the budget windows",
	Args:  cobra.NoArgs,
	RunE:  runCost,
}

func init() {
	rootCmd.AddCommand(costCmd)
}

func runCost(cmd *cobra.Command, _ []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var snap cost.Snapshot
	if err := client.get(cmd.Context(), "/cost", &snap); err != nil {
		return err
	}

	fmt.Printf("Workspace  %s\n", snap.WorkspaceID)
	fmt.Printf("Daily      %s\n", window(snap.DailySpentUSD, snap.DailyBudgetUSD))
	fmt.Printf("Monthly    %s\n", window(snap.MonthlySpentUSD, snap.MonthlyBudgetUSD))
	if snap.PerAgentCapUSD > 0 {
		fmt.Printf("Agent cap  $%.2f/day\n", snap.PerAgentCapUSD)
	}

	if len(snap.AgentDailyUSD) > 0 {
		agents := make([]string, 0, len(snap.AgentDailyUSD))
		for id := range snap.AgentDailyUSD {
			agents = append(agents, id)
		}
		sort.Strings(agents)
		fmt.Println("Per agent (daily)")
		for _, id := range agents {
			fmt.Printf("  %-20s $%.2f\n", id, snap.AgentDailyUSD[id])
		}
	}

	if snap.Paused {
		fmt.Printf("PAUSED     %s\n", snap.PauseReason)
	}
	return nil
}

func window(spent, budget float64) string {
	if budget <= 0 {
		return fmt.Sprintf("$%.2f (no budget)", spent)
	}
	return fmt.Sprintf("$%.2f of $%.2f (%d%%)", spent, budget, int(spent/budget*100))
}
