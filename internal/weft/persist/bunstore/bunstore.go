// Package bunstore is the Postgres persist.Store. Every status transition is
// a single statement; output records go in as batched inserts.
package bunstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/weftworks/weft/internal/weft/persist"
)

// WorkflowExecution is the job row.
type WorkflowExecution struct {
	bun.BaseModel `bun:"table:workflow_executions"`

	ExecutionID          string     `bun:"execution_id,pk"`
	WorkflowID           string     `bun:"workflow_id,notnull"`
	Status               string     `bun:"status,notnull"`
	StartTime            time.Time  `bun:"start_time,notnull"`
	EndTime              *time.Time `bun:"end_time"`
	TotalNodes           int        `bun:"total_nodes,notnull,default:0"`
	CompletedNodes       int        `bun:"completed_nodes,notnull,default:0"`
	SuccessfulNodes      int        `bun:"successful_nodes,notnull,default:0"`
	FailedNodes          int        `bun:"failed_nodes,notnull,default:0"`
	TotalRecords         int64      `bun:"total_records,notnull,default:0"`
	TotalExecutionTimeMS int64      `bun:"total_execution_time_ms,notnull,default:0"`
	ErrorMessage         string     `bun:"error_message"`
}

// NodeExecution is one step attempt.
type NodeExecution struct {
	bun.BaseModel `bun:"table:node_executions"`

	ID               int64      `bun:"id,pk,autoincrement"`
	ExecutionID      string     `bun:"execution_id,notnull"`
	NodeID           string     `bun:"node_id,notnull"`
	NodeType         string     `bun:"node_type,notnull"`
	Status           string     `bun:"status,notnull"`
	StartTime        time.Time  `bun:"start_time,notnull"`
	EndTime          *time.Time `bun:"end_time"`
	ExecutionTimeMS  int64      `bun:"execution_time_ms,notnull,default:0"`
	RecordsProcessed int64      `bun:"records_processed,notnull,default:0"`
	ErrorMessage     string     `bun:"error_message"`
}

// ExecutionLog is one appended log line.
type ExecutionLog struct {
	bun.BaseModel `bun:"table:execution_logs"`

	ID          int64     `bun:"id,pk,autoincrement"`
	Timestamp   time.Time `bun:"timestamp,notnull"`
	Level       string    `bun:"level,notnull"`
	ExecutionID string    `bun:"execution_id,notnull"`
	NodeID      string    `bun:"node_id"`
	Message     string    `bun:"message,notnull"`
	StackTrace  string    `bun:"stack_trace"`
}

// NodeOutputRecord is one captured output record, JSON-encoded.
type NodeOutputRecord struct {
	bun.BaseModel `bun:"table:node_output_records"`

	ID          int64           `bun:"id,pk,autoincrement"`
	ExecutionID string          `bun:"execution_id,notnull"`
	NodeID      string          `bun:"node_id,notnull"`
	Record      json.RawMessage `bun:"record,type:jsonb,notnull"`
	CreatedAt   time.Time       `bun:"created_at,notnull"`
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_executions (
		execution_id            TEXT PRIMARY KEY,
		workflow_id             TEXT NOT NULL,
		status                  TEXT NOT NULL,
		start_time              TIMESTAMPTZ NOT NULL,
		end_time                TIMESTAMPTZ,
		total_nodes             INTEGER NOT NULL DEFAULT 0,
		completed_nodes         INTEGER NOT NULL DEFAULT 0,
		successful_nodes        INTEGER NOT NULL DEFAULT 0,
		failed_nodes            INTEGER NOT NULL DEFAULT 0,
		total_records           BIGINT NOT NULL DEFAULT 0,
		total_execution_time_ms BIGINT NOT NULL DEFAULT 0,
		error_message           TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS node_executions (
		id                BIGSERIAL PRIMARY KEY,
		execution_id      TEXT NOT NULL REFERENCES workflow_executions(execution_id) ON DELETE CASCADE,
		node_id           TEXT NOT NULL,
		node_type         TEXT NOT NULL,
		status            TEXT NOT NULL,
		start_time        TIMESTAMPTZ NOT NULL,
		end_time          TIMESTAMPTZ,
		execution_time_ms BIGINT NOT NULL DEFAULT 0,
		records_processed BIGINT NOT NULL DEFAULT 0,
		error_message     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_node_executions_execution_id ON node_executions (execution_id)`,
	`CREATE INDEX IF NOT EXISTS idx_node_executions_node_id ON node_executions (node_id)`,
	`CREATE TABLE IF NOT EXISTS execution_logs (
		id           BIGSERIAL PRIMARY KEY,
		timestamp    TIMESTAMPTZ NOT NULL,
		level        TEXT NOT NULL,
		execution_id TEXT NOT NULL REFERENCES workflow_executions(execution_id) ON DELETE CASCADE,
		node_id      TEXT,
		message      TEXT NOT NULL,
		stack_trace  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_logs_execution_id ON execution_logs (execution_id)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_logs_level ON execution_logs (level)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_logs_timestamp ON execution_logs (timestamp)`,
	`CREATE TABLE IF NOT EXISTS node_output_records (
		id           BIGSERIAL PRIMARY KEY,
		execution_id TEXT NOT NULL REFERENCES workflow_executions(execution_id) ON DELETE CASCADE,
		node_id      TEXT NOT NULL,
		record       JSONB NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_node_output_records_execution_id ON node_output_records (execution_id)`,
}

// Store implements persist.Store on Postgres.
type Store struct {
	db *bun.DB
}

var _ persist.Store = (*Store)(nil)

// Open dials the DSN lazily; the first statement connects.
func Open(dsn string) *Store {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return &Store{db: bun.NewDB(sqldb, pgdialect.New())}
}

// New wraps an existing handle, for tests and callers that manage pooling.
func New(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema applies the DDL. Statements are idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) InsertExecution(ctx context.Context, executionID, workflowID string, startTime time.Time, totalNodes int) error {
	row := &WorkflowExecution{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      "running",
		StartTime:   startTime.UTC(),
		TotalNodes:  totalNodes,
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("insert execution %s: %w", executionID, err)
	}
	return nil
}

func (s *Store) InsertNodeExecution(ctx context.Context, executionID, nodeID, nodeType string, startTime time.Time) (int64, error) {
	row := &NodeExecution{
		ExecutionID: executionID,
		NodeID:      nodeID,
		NodeType:    nodeType,
		Status:      "running",
		StartTime:   startTime.UTC(),
	}
	if _, err := s.db.NewInsert().Model(row).Returning("id").Exec(ctx); err != nil {
		return 0, fmt.Errorf("insert node execution %s/%s: %w", executionID, nodeID, err)
	}
	return row.ID, nil
}

func (s *Store) UpdateNodeExecution(ctx context.Context, id int64, status string, endTime time.Time, durationMS, recordsProcessed int64, errorMessage string) error {
	q := s.db.NewUpdate().
		Model((*NodeExecution)(nil)).
		Set("status = ?", status).
		Set("execution_time_ms = ?", durationMS).
		Set("records_processed = ?", recordsProcessed).
		Set("error_message = ?", errorMessage).
		Where("id = ?", id)
	if !endTime.IsZero() {
		q = q.Set("end_time = ?", endTime.UTC())
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("update node execution %d: %w", id, err)
	}
	return oneRow(res, fmt.Sprintf("node execution %d", id))
}

func (s *Store) ReadExecutionStatus(ctx context.Context, executionID string) (string, error) {
	var status string
	err := s.db.NewSelect().
		Model((*WorkflowExecution)(nil)).
		Column("status").
		Where("execution_id = ?", executionID).
		Scan(ctx, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("execution %q: %w", executionID, persist.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read execution status %s: %w", executionID, err)
	}
	return status, nil
}

func (s *Store) UpdateExecutionStatus(ctx context.Context, executionID, status string, endTime time.Time, errorMessage string) error {
	q := s.db.NewUpdate().
		Model((*WorkflowExecution)(nil)).
		Set("status = ?", status).
		Where("execution_id = ?", executionID)
	if !endTime.IsZero() {
		q = q.Set("end_time = ?", endTime.UTC())
	}
	if errorMessage != "" {
		q = q.Set("error_message = ?", errorMessage)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("update execution status %s: %w", executionID, err)
	}
	return oneRow(res, fmt.Sprintf("execution %q", executionID))
}

func (s *Store) RollupExecutionTotals(ctx context.Context, executionID string) error {
	// One statement: aggregate the node rows and fold the counts into the job
	// row. Skipped nodes count as completed but neither successful nor failed.
	const q = `
UPDATE workflow_executions SET
	completed_nodes = t.completed,
	successful_nodes = t.successful,
	failed_nodes = t.failed,
	total_records = t.records,
	total_execution_time_ms = t.duration_ms
FROM (
	SELECT
		COUNT(*) FILTER (WHERE status IN ('success', 'failed', 'stopped', 'skipped')) AS completed,
		COUNT(*) FILTER (WHERE status = 'success') AS successful,
		COUNT(*) FILTER (WHERE status IN ('failed', 'stopped')) AS failed,
		COALESCE(SUM(records_processed), 0) AS records,
		COALESCE(SUM(execution_time_ms), 0) AS duration_ms
	FROM node_executions
	WHERE execution_id = ?
) AS t
WHERE execution_id = ?`
	if _, err := s.db.ExecContext(ctx, q, executionID, executionID); err != nil {
		return fmt.Errorf("rollup execution totals %s: %w", executionID, err)
	}
	return nil
}

func (s *Store) AppendExecutionLog(ctx context.Context, entry persist.LogEntry) error {
	ts := entry.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	row := &ExecutionLog{
		Timestamp:   ts.UTC(),
		Level:       entry.Level,
		ExecutionID: entry.ExecutionID,
		NodeID:      entry.NodeID,
		Message:     entry.Message,
		StackTrace:  entry.StackTrace,
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("append execution log %s: %w", entry.ExecutionID, err)
	}
	return nil
}

func (s *Store) SaveNodeOutputRecords(ctx context.Context, executionID, nodeID string, records []map[string]any) error {
	now := time.Now().UTC()
	for start := 0; start < len(records); start += persist.OutputBatchSize {
		end := min(start+persist.OutputBatchSize, len(records))
		rows := make([]*NodeOutputRecord, 0, end-start)
		for _, rec := range records[start:end] {
			raw, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode output record %s/%s: %w", executionID, nodeID, err)
			}
			rows = append(rows, &NodeOutputRecord{
				ExecutionID: executionID,
				NodeID:      nodeID,
				Record:      raw,
				CreatedAt:   now,
			})
		}
		if _, err := s.db.NewInsert().Model(&rows).Exec(ctx); err != nil {
			return fmt.Errorf("save output records %s/%s: %w", executionID, nodeID, err)
		}
	}
	return nil
}

func oneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, persist.ErrNotFound)
	}
	return nil
}
