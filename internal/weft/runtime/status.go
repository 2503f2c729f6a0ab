package runtime

import (
	"fmt"
	"strings"
)

// NodeStatus is the persisted status of one node execution.
type NodeStatus string

const (
	NodeRunning NodeStatus = "running"
	NodeSuccess NodeStatus = "success"
	NodeFailed  NodeStatus = "failed"
	NodeStopped NodeStatus = "stopped"
	NodeSkipped NodeStatus = "skipped"
)

// ParseNodeStatus canonicalizes a node status, accepting common aliases.
func ParseNodeStatus(s string) (NodeStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return NodeRunning, nil
	case "success", "ok", "completed":
		return NodeSuccess, nil
	case "failed", "fail", "failure", "error":
		return NodeFailed, nil
	case "stopped", "stop", "halted":
		return NodeStopped, nil
	case "skipped", "skip":
		return NodeSkipped, nil
	default:
		return "", fmt.Errorf("invalid node status: %q", s)
	}
}

// Terminal reports whether the status is a final one.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSuccess, NodeFailed, NodeStopped, NodeSkipped:
		return true
	default:
		return false
	}
}

// Faulted reports whether the status routes through error transitions.
// FAILED, STOPPED, and anything unknown count as faulted.
func (s NodeStatus) Faulted() bool {
	switch s {
	case NodeSuccess, NodeSkipped, NodeRunning:
		return false
	default:
		return true
	}
}

// JobStatus is the persisted status of a whole workflow execution.
type JobStatus string

const (
	JobRunning         JobStatus = "running"
	JobSuccess         JobStatus = "success"
	JobFailed          JobStatus = "failed"
	JobStopped         JobStatus = "stopped"
	JobCancelRequested JobStatus = "cancel_requested"
	JobCancelled       JobStatus = "cancelled"
)

func ParseJobStatus(s string) (JobStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return JobRunning, nil
	case "success", "ok", "completed":
		return JobSuccess, nil
	case "failed", "fail", "failure", "error":
		return JobFailed, nil
	case "stopped", "stop":
		return JobStopped, nil
	case "cancel_requested", "cancel-requested", "cancelrequested":
		return JobCancelRequested, nil
	case "cancelled", "canceled":
		return JobCancelled, nil
	default:
		return "", fmt.Errorf("invalid job status: %q", s)
	}
}

// Terminal reports whether the job can no longer change status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSuccess, JobFailed, JobStopped, JobCancelled:
		return true
	default:
		return false
	}
}

// Finalize translates an in-flight status to its terminal form: a pending
// cancel becomes cancelled, everything still running collapses to the given
// disposition.
func Finalize(current JobStatus, disposition JobStatus) JobStatus {
	if current == JobCancelRequested {
		return JobCancelled
	}
	if current.Terminal() {
		return current
	}
	return disposition
}
