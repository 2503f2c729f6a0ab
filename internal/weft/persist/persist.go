// Package persist is the durable record of executions: one row per job, one
// row per node attempt, an append-only execution log, and captured output
// records. The engine only ever talks to the Store interface; MemStore and
// bunstore provide the in-memory and Postgres implementations.
package persist

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an execution or node row does not exist.
var ErrNotFound = errors.New("persist: not found")

// OutputBatchSize caps how many output records go into one insert.
const OutputBatchSize = 500

// LogEntry is one line of the per-execution log.
type LogEntry struct {
	ExecutionID string    `json:"executionId"`
	TS          time.Time `json:"ts"`
	Level       string    `json:"level"`
	NodeID      string    `json:"nodeId,omitempty"`
	Message     string    `json:"message"`
	StackTrace  string    `json:"stackTrace,omitempty"`
}

// Store is the persistence contract the engine requires. Writes for a single
// step are ordered: the insert happens before the executor runs, the update
// after it returns. Implementations must be safe for concurrent use.
type Store interface {
	// InsertExecution opens the job row with status running.
	InsertExecution(ctx context.Context, executionID, workflowID string, startTime time.Time, totalNodes int) error

	// InsertNodeExecution records a step starting and returns the row ID the
	// closing update must target.
	InsertNodeExecution(ctx context.Context, executionID, nodeID, nodeType string, startTime time.Time) (int64, error)

	// UpdateNodeExecution closes a step row. A zero endTime leaves the column
	// unset.
	UpdateNodeExecution(ctx context.Context, id int64, status string, endTime time.Time, durationMS, recordsProcessed int64, errorMessage string) error

	// ReadExecutionStatus returns the job's current status string. This is the
	// cancellation checkpoint: the engine polls it at step boundaries.
	ReadExecutionStatus(ctx context.Context, executionID string) (string, error)

	// UpdateExecutionStatus moves the job row. A zero endTime leaves the
	// column unset, an empty errorMessage leaves the previous one in place.
	UpdateExecutionStatus(ctx context.Context, executionID, status string, endTime time.Time, errorMessage string) error

	// RollupExecutionTotals recomputes the job row's node counts, record
	// total, and accumulated execution time from its node rows.
	RollupExecutionTotals(ctx context.Context, executionID string) error

	// AppendExecutionLog adds one log line.
	AppendExecutionLog(ctx context.Context, entry LogEntry) error

	// SaveNodeOutputRecords stores a step's emitted records in batches of
	// OutputBatchSize.
	SaveNodeOutputRecords(ctx context.Context, executionID, nodeID string, records []map[string]any) error
}
