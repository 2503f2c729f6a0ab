package model

import (
	"fmt"
	"strings"
)

// StepKind is the structural role of a node in an execution plan.
type StepKind string

const (
	KindNormal   StepKind = "NORMAL"
	KindFork     StepKind = "FORK"
	KindJoin     StepKind = "JOIN"
	KindDecision StepKind = "DECISION"
	KindSubgraph StepKind = "SUBGRAPH"
	KindStart    StepKind = "START"
	KindEnd      StepKind = "END"
)

func ParseStepKind(s string) (StepKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NORMAL":
		return KindNormal, nil
	case "FORK", "SPLIT":
		return KindFork, nil
	case "JOIN", "MERGE":
		return KindJoin, nil
	case "DECISION":
		return KindDecision, nil
	case "SUBGRAPH", "SUB_GRAPH":
		return KindSubgraph, nil
	case "START":
		return KindStart, nil
	case "END":
		return KindEnd, nil
	default:
		return "", fmt.Errorf("invalid step kind: %q", s)
	}
}

// StepClassification describes what a node does to data, independent of its
// structural kind.
type StepClassification string

const (
	ClassSource      StepClassification = "SOURCE"
	ClassSink        StepClassification = "SINK"
	ClassTransform   StepClassification = "TRANSFORM"
	ClassControl     StepClassification = "CONTROL"
	ClassRouting     StepClassification = "ROUTING"
	ClassAggregation StepClassification = "AGGREGATION"
	ClassPartition   StepClassification = "PARTITION"
)

func ParseStepClassification(s string) (StepClassification, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "TRANSFORM":
		return ClassTransform, nil
	case "SOURCE", "READER":
		return ClassSource, nil
	case "SINK", "WRITER":
		return ClassSink, nil
	case "CONTROL":
		return ClassControl, nil
	case "ROUTING", "ROUTER":
		return ClassRouting, nil
	case "AGGREGATION", "AGGREGATE":
		return ClassAggregation, nil
	case "PARTITION", "PARTITIONER":
		return ClassPartition, nil
	default:
		return "", fmt.Errorf("invalid step classification: %q", s)
	}
}

type ExecutionMode string

const (
	ModeSerial      ExecutionMode = "SERIAL"
	ModeParallel    ExecutionMode = "PARALLEL"
	ModePartitioned ExecutionMode = "PARTITIONED"
)

func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "SERIAL", "SEQUENTIAL":
		return ModeSerial, nil
	case "PARALLEL":
		return ModeParallel, nil
	case "PARTITIONED":
		return ModePartitioned, nil
	default:
		return "", fmt.Errorf("invalid execution mode: %q", s)
	}
}

// FailureAction is what the policy engine does with a failed step.
type FailureAction string

const (
	ActionStop  FailureAction = "STOP"
	ActionSkip  FailureAction = "SKIP"
	ActionRetry FailureAction = "RETRY"
	ActionRoute FailureAction = "ROUTE"
)

func ParseFailureAction(s string) (FailureAction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "STOP", "HALT":
		return ActionStop, nil
	case "SKIP", "IGNORE":
		return ActionSkip, nil
	case "RETRY":
		return ActionRetry, nil
	case "ROUTE", "REDIRECT":
		return ActionRoute, nil
	default:
		return "", fmt.Errorf("invalid failure action: %q", s)
	}
}

// WorkflowErrorPolicy picks the final job disposition once a stop escalates
// past every per-node policy.
type WorkflowErrorPolicy string

const (
	PolicyFail                  WorkflowErrorPolicy = "FAIL"
	PolicyStop                  WorkflowErrorPolicy = "STOP"
	PolicyCompensateAndFail     WorkflowErrorPolicy = "COMPENSATE_AND_FAIL"
	PolicyCompensateAndComplete WorkflowErrorPolicy = "COMPENSATE_AND_COMPLETE"
)

func ParseWorkflowErrorPolicy(s string) (WorkflowErrorPolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "FAIL":
		return PolicyFail, nil
	case "STOP":
		return PolicyStop, nil
	case "COMPENSATE_AND_FAIL", "COMPENSATE-AND-FAIL":
		return PolicyCompensateAndFail, nil
	case "COMPENSATE_AND_COMPLETE", "COMPENSATE-AND-COMPLETE":
		return PolicyCompensateAndComplete, nil
	default:
		return "", fmt.Errorf("invalid workflow error policy: %q", s)
	}
}

// Compensates reports whether the policy requires a compensation pass before
// the job finalizes.
func (p WorkflowErrorPolicy) Compensates() bool {
	return p == PolicyCompensateAndFail || p == PolicyCompensateAndComplete
}
