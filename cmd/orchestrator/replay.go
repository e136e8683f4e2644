package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/buildswarm/orchestrator/pkg/api"
)

var (
	replaySince int64
	replayLimit int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay events from the log",
	Long: `Fetches events with seq greater than --since from the server's event log,
one JSON object per line. Fails with gap-too-large when the requested
range has been pruned; resync from 0 in that case.

Examples:
  orchestrator replay --since 0
  orchestrator replay --since 1042 --limit 100
  orchestrator replay --since 0 | jq 'select(.type == "review.verdict")'`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().Int64Var(&replaySince, "since", 0,
		"Replay events with seq greater than this")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0,
		"Maximum number of events (0 = server default)")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, _ []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/events/replay?since=%d", replaySince)
	if replayLimit > 0 {
		path += fmt.Sprintf("&limit=%d", replayLimit)
	}

	var resp api.ReplayResponse
	if err := client.get(cmd.Context(), path, &resp); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, ev := range resp.Events {
		if err := enc.Encode(ev); err != nil {
			return fail(err)
		}
	}
	fmt.Fprintf(os.Stderr, "%d events, head at seq %d\n", len(resp.Events), resp.Head)
	return nil
}
