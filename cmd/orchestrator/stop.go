package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var stopPidFile string

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running server",
	Long: `Signals the server started by 'orchestrator start' to shut down
gracefully and waits for it to exit. Agents finish their current step,
claims are released or preserved per their leases, and in-flight audit
records are flushed.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().StringVar(&stopPidFile, "pid-file", defaultPidFile(),
		"Pid file written by 'orchestrator start'")
	rootCmd.AddCommand(stopCmd)
}

func runStop(_ *cobra.Command, _ []string) error {
	pid, err := readPidFile(stopPidFile)
	if err != nil {
		return fail(err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return failf("no process %d: %v", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Stale pid file from an unclean exit.
		_ = os.Remove(stopPidFile)
		return failf("server (pid %d) is not running: %v", pid, err)
	}
	fmt.Printf("Sent SIGTERM to server (pid %d), waiting for exit\n", pid)

	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			fmt.Println("Server stopped")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return failf("server (pid %d) did not exit within 60s", pid)
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("no server pid file at %s (is the server running?)", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}
