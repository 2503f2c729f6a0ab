package runtime

import (
	"fmt"
	"strings"
)

// Result is what an executor returns for one step. Counters feed the
// persistence rollup; Records flow to the next step in the branch and, when
// the step enables it, to the output-record store.
type Result struct {
	Status     NodeStatus       `json:"status"`
	ReadCount  int64            `json:"readCount,omitempty"`
	WriteCount int64            `json:"writeCount,omitempty"`
	SkipCount  int64            `json:"skipCount,omitempty"`
	ExitCode   int              `json:"exitCode,omitempty"`
	Err        string           `json:"error,omitempty"`
	Records    []map[string]any `json:"-"`
	// Port names the output port the step routed to, for multi-output nodes.
	Port string `json:"port,omitempty"`
}

// Canonicalize normalizes the status through its aliases and guarantees a
// non-nil shape.
func (r Result) Canonicalize() (Result, error) {
	st, err := ParseNodeStatus(string(r.Status))
	if err != nil {
		return Result{}, err
	}
	r.Status = st
	return r, nil
}

// Validate rejects results that claim failure without saying why.
func (r Result) Validate() error {
	cr, err := r.Canonicalize()
	if err != nil {
		return err
	}
	if (cr.Status == NodeFailed || cr.Status == NodeStopped) && strings.TrimSpace(cr.Err) == "" {
		return fmt.Errorf("error must be non-empty when status=%q", cr.Status)
	}
	return nil
}

// Succeeded collapses the skipped case: a skipped step propagates downstream
// the same way a successful one does.
func (r Result) Succeeded() bool {
	return r.Status == NodeSuccess || r.Status == NodeSkipped
}

// RecordsProcessed is the count persisted on the node execution row. It maps
// to ReadCount, preserving the accounting the engine has always reported.
func (r Result) RecordsProcessed() int64 {
	return r.ReadCount
}

// Success is shorthand for a plain successful result.
func Success() Result {
	return Result{Status: NodeSuccess}
}

// Failed builds a failed result from an error.
func Failed(err error) Result {
	msg := "unknown failure"
	if err != nil {
		msg = err.Error()
	}
	return Result{Status: NodeFailed, Err: msg, ExitCode: 1}
}
