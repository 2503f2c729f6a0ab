package persist

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ExecutionRow mirrors the workflow_executions table.
type ExecutionRow struct {
	ExecutionID          string
	WorkflowID           string
	Status               string
	StartTime            time.Time
	EndTime              time.Time
	TotalNodes           int
	CompletedNodes       int
	SuccessfulNodes      int
	FailedNodes          int
	TotalRecords         int64
	TotalExecutionTimeMS int64
	ErrorMessage         string
}

// NodeRow mirrors the node_executions table.
type NodeRow struct {
	ID               int64
	ExecutionID      string
	NodeID           string
	NodeType         string
	Status           string
	StartTime        time.Time
	EndTime          time.Time
	ExecutionTimeMS  int64
	RecordsProcessed int64
	ErrorMessage     string
}

// MemStore is the reference Store: a mutex around plain slices and maps. It
// backs tests and DB-less runs.
type MemStore struct {
	mu     sync.Mutex
	nextID int64
	execs  map[string]*ExecutionRow
	nodes  []*NodeRow
	logs   []LogEntry
	// outputs is keyed by executionID then nodeID.
	outputs map[string]map[string][]map[string]any
}

func NewMemStore() *MemStore {
	return &MemStore{
		execs:   make(map[string]*ExecutionRow),
		outputs: make(map[string]map[string][]map[string]any),
	}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) InsertExecution(_ context.Context, executionID, workflowID string, startTime time.Time, totalNodes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[executionID]; exists {
		return fmt.Errorf("execution %q already exists", executionID)
	}
	s.execs[executionID] = &ExecutionRow{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      "running",
		StartTime:   startTime.UTC(),
		TotalNodes:  totalNodes,
	}
	return nil
}

func (s *MemStore) InsertNodeExecution(_ context.Context, executionID, nodeID, nodeType string, startTime time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.nodes = append(s.nodes, &NodeRow{
		ID:          s.nextID,
		ExecutionID: executionID,
		NodeID:      nodeID,
		NodeType:    nodeType,
		Status:      "running",
		StartTime:   startTime.UTC(),
	})
	return s.nextID, nil
}

func (s *MemStore) UpdateNodeExecution(_ context.Context, id int64, status string, endTime time.Time, durationMS, recordsProcessed int64, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.nodes {
		if row.ID != id {
			continue
		}
		row.Status = status
		if !endTime.IsZero() {
			row.EndTime = endTime.UTC()
		}
		row.ExecutionTimeMS = durationMS
		row.RecordsProcessed = recordsProcessed
		row.ErrorMessage = errorMessage
		return nil
	}
	return fmt.Errorf("node execution %d: %w", id, ErrNotFound)
}

func (s *MemStore) ReadExecutionStatus(_ context.Context, executionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.execs[executionID]
	if !ok {
		return "", fmt.Errorf("execution %q: %w", executionID, ErrNotFound)
	}
	return row.Status, nil
}

func (s *MemStore) UpdateExecutionStatus(_ context.Context, executionID, status string, endTime time.Time, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.execs[executionID]
	if !ok {
		return fmt.Errorf("execution %q: %w", executionID, ErrNotFound)
	}
	row.Status = status
	if !endTime.IsZero() {
		row.EndTime = endTime.UTC()
	}
	if errorMessage != "" {
		row.ErrorMessage = errorMessage
	}
	return nil
}

func (s *MemStore) RollupExecutionTotals(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.execs[executionID]
	if !ok {
		return fmt.Errorf("execution %q: %w", executionID, ErrNotFound)
	}
	row.CompletedNodes = 0
	row.SuccessfulNodes = 0
	row.FailedNodes = 0
	row.TotalRecords = 0
	row.TotalExecutionTimeMS = 0
	for _, n := range s.nodes {
		if n.ExecutionID != executionID {
			continue
		}
		switch n.Status {
		case "success":
			row.CompletedNodes++
			row.SuccessfulNodes++
		case "failed", "stopped":
			row.CompletedNodes++
			row.FailedNodes++
		case "skipped":
			row.CompletedNodes++
		}
		row.TotalRecords += n.RecordsProcessed
		row.TotalExecutionTimeMS += n.ExecutionTimeMS
	}
	return nil
}

func (s *MemStore) AppendExecutionLog(_ context.Context, entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.TS.IsZero() {
		entry.TS = time.Now().UTC()
	}
	s.logs = append(s.logs, entry)
	return nil
}

func (s *MemStore) SaveNodeOutputRecords(_ context.Context, executionID, nodeID string, records []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode := s.outputs[executionID]
	if byNode == nil {
		byNode = make(map[string][]map[string]any)
		s.outputs[executionID] = byNode
	}
	byNode[nodeID] = append(byNode[nodeID], records...)
	return nil
}

// Execution returns a copy of the job row, for tests and the status command.
func (s *MemStore) Execution(executionID string) (ExecutionRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.execs[executionID]
	if !ok {
		return ExecutionRow{}, false
	}
	return *row, true
}

// NodeRows returns copies of the node rows for one execution, insertion order.
func (s *MemStore) NodeRows(executionID string) []NodeRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []NodeRow
	for _, n := range s.nodes {
		if n.ExecutionID == executionID {
			out = append(out, *n)
		}
	}
	return out
}

// Logs returns copies of the log entries for one execution.
func (s *MemStore) Logs(executionID string) []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LogEntry
	for _, e := range s.logs {
		if e.ExecutionID == executionID {
			out = append(out, e)
		}
	}
	return out
}

// OutputRecords returns the records captured for one node.
func (s *MemStore) OutputRecords(executionID, nodeID string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode := s.outputs[executionID]
	if byNode == nil {
		return nil
	}
	return append([]map[string]any(nil), byNode[nodeID]...)
}
