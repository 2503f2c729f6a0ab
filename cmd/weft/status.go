package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/weftworks/weft/internal/weft/runstate"
)

func weftStatus(args []string) {
	os.Exit(runStatus(args, os.Stdout, os.Stderr))
}

func runStatus(args []string, stdout io.Writer, stderr io.Writer) int {
	var stateRoot string
	var executionID string
	var asJSON bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--state-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--state-root requires a value")
				return 1
			}
			stateRoot = args[i]
		case "--execution-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--execution-id requires a value")
				return 1
			}
			executionID = args[i]
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	if stateRoot == "" {
		fmt.Fprintln(stderr, "--state-root is required")
		return 1
	}

	dir, err := resolveExecutionDir(stateRoot, executionID)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	snapshot, err := runstate.LoadSnapshot(dir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snapshot); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "status=%s\n", snapshot.Status)
	fmt.Fprintf(stdout, "execution_id=%s\n", snapshot.ExecutionID)
	fmt.Fprintf(stdout, "workflow_id=%s\n", snapshot.WorkflowID)
	fmt.Fprintf(stdout, "node=%s\n", snapshot.CurrentNodeID)
	fmt.Fprintf(stdout, "event=%s\n", snapshot.LastEvent)
	fmt.Fprintf(stdout, "pid=%d\n", snapshot.PID)
	fmt.Fprintf(stdout, "pid_alive=%t\n", snapshot.PIDAlive)
	fmt.Fprintf(stdout, "cancel_requested=%t\n", snapshot.CancelRequested)
	if !snapshot.LastEventAt.IsZero() {
		fmt.Fprintf(stdout, "last_event_at=%s\n", snapshot.LastEventAt.UTC().Format(time.RFC3339Nano))
	}
	if snapshot.FailureReason != "" {
		fmt.Fprintf(stdout, "failure_reason=%s\n", snapshot.FailureReason)
	}
	return 0
}

// resolveExecutionDir maps an execution id onto its state dir. With no id the
// most recently modified execution under the root wins.
func resolveExecutionDir(stateRoot, executionID string) (string, error) {
	if executionID != "" {
		dir := filepath.Join(stateRoot, executionID)
		if _, err := os.Stat(dir); err != nil {
			return "", fmt.Errorf("execution %s not found under %s", executionID, stateRoot)
		}
		return dir, nil
	}
	dirs, err := runstate.ListExecutions(stateRoot)
	if err != nil {
		return "", err
	}
	if len(dirs) == 0 {
		return "", fmt.Errorf("no executions under %s", stateRoot)
	}
	return dirs[0], nil
}
