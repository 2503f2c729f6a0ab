package engine

import "fmt"

type RuntimeErrorKind string

const (
	ErrExecutorFailure       RuntimeErrorKind = "ExecutorFailure"
	ErrTimeout               RuntimeErrorKind = "Timeout"
	ErrExecutorShutdown      RuntimeErrorKind = "ExecutorShutdown"
	ErrCancellationRequested RuntimeErrorKind = "CancellationRequested"
)

// RuntimeError is a failure raised by the runtime itself rather than by an
// executor's result: panics, timeouts, submissions after shutdown, observed
// cancellation.
type RuntimeError struct {
	Kind    RuntimeErrorKind
	NodeID  string
	Message string
}

func (e *RuntimeError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("runtime error (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("runtime error (%s) at node %s: %s", e.Kind, e.NodeID, e.Message)
}

func runtimeErrf(kind RuntimeErrorKind, nodeID, format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: kind, NodeID: nodeID, Message: fmt.Sprintf(format, args...)}
}
