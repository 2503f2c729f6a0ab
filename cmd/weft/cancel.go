package main

import (
	"fmt"
	"io"
	"os"

	"github.com/weftworks/weft/internal/weft/runstate"
	"github.com/weftworks/weft/internal/weft/runtime"
)

func weftCancel(args []string) {
	os.Exit(runCancel(args, os.Stdout, os.Stderr))
}

// runCancel drops the cooperative cancel flag into an execution's state dir.
// The engine picks it up at its next step boundary, so a running job winds
// down instead of being killed.
func runCancel(args []string, stdout io.Writer, stderr io.Writer) int {
	var stateRoot string
	var executionID string

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
	if st, perr := runtime.ParseJobStatus(snapshot.Status); perr == nil && st.Terminal() {
		fmt.Fprintf(stderr, "execution %s is already %s\n", snapshot.ExecutionID, snapshot.Status)
		return 1
	}
	if err := runstate.RequestCancel(dir); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	fmt.Fprintf(stdout, "execution_id=%s\n", snapshot.ExecutionID)
	fmt.Fprintln(stdout, "cancel_requested=true")
	return 0
}
