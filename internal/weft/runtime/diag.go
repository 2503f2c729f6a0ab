package runtime

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Diag is the per-task diagnostic context: correlation fields that travel
// with a task from the goroutine that submitted it into the worker that runs
// it, and appear on every log line in between. The submitter snapshots it,
// the worker installs a copy, and the copy dies with the task.
type Diag map[string]string

// Conventional keys.
const (
	DiagExecutionID   = "execution_id"
	DiagWorkflowID    = "workflow_id"
	DiagNodeID        = "node_id"
	DiagBranch        = "branch"
	DiagWorker        = "worker"
	DiagCorrelationID = "correlation_id"
)

type diagKey struct{}

// NewDiag seeds a diagnostic context for one execution with a fresh
// correlation ID.
func NewDiag(executionID, workflowID string) Diag {
	return Diag{
		DiagExecutionID:   executionID,
		DiagWorkflowID:    workflowID,
		DiagCorrelationID: uuid.NewString(),
	}
}

// Snapshot copies the diagnostic context out of ctx. The copy is detached:
// later mutations on either side are invisible to the other.
func Snapshot(ctx context.Context) Diag {
	d, _ := ctx.Value(diagKey{}).(Diag)
	return d.clone()
}

// Install returns a context carrying a detached copy of d.
func Install(ctx context.Context, d Diag) context.Context {
	return context.WithValue(ctx, diagKey{}, d.clone())
}

// With returns a copy of d with one field replaced.
func (d Diag) With(key, value string) Diag {
	out := d.clone()
	if out == nil {
		out = Diag{}
	}
	out[key] = value
	return out
}

func (d Diag) clone() Diag {
	if d == nil {
		return nil
	}
	out := make(Diag, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Get returns the value for key, "" when absent.
func (d Diag) Get(key string) string {
	if d == nil {
		return ""
	}
	return d[key]
}

// Logger enriches base with every diagnostic field, keys applied in sorted
// order so log output stays stable.
func (d Diag) Logger(base zerolog.Logger) zerolog.Logger {
	if len(d) == 0 {
		return base
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lc := base.With()
	for _, k := range keys {
		lc = lc.Str(k, d[k])
	}
	return lc.Logger()
}

// LoggerFrom builds a logger for ctx from base using the installed
// diagnostic context, base unchanged when none is installed.
func LoggerFrom(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	d, _ := ctx.Value(diagKey{}).(Diag)
	return d.Logger(base)
}
