// Orchestrator binary: `start` runs the server; the remaining commands
// drive a running server over its REST API.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Exit codes, stable for scripting.
const (
	exitOK     = 0
	exitError  = 1
	exitMisuse = 2
	exitBudget = 3
)

// runError carries the exit code a command chose. Errors that reach main
// without one came from cobra's flag and argument parsing, which is a
// usage mistake.
type runError struct {
	code int
	err  error
}

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

func fail(err error) error { return &runError{code: exitError, err: err} }

func failf(format string, args ...any) error {
	return fail(fmt.Errorf(format, args...))
}

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Multi-agent autonomous orchestration platform",
	Long: `Runs a pool of long-lived worker agents that claim projects from a shared
queue, execute them, hand results to review, and propose new work when the
queue drains. A control API exposes status, cost, audit history, and a live
event stream.

'orchestrator start' runs the server in the foreground. Every other command
talks to a running server over its REST API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	serverURL string
	apiKey    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		getEnv("ORCH_SERVER", "http://127.0.0.1:8080"),
		"Base URL of the orchestrator API")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key",
		os.Getenv("ORCH_API_KEY"),
		"API key (defaults to ORCH_API_KEY)")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func defaultPidFile() string {
	return filepath.Join(os.TempDir(), "orchestrator.pid")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var re *runError
		if errors.As(err, &re) {
			os.Exit(re.code)
		}
		os.Exit(exitMisuse)
	}
}
