// Package model holds the compiled-plan data model: the workflow definition
// as it arrives on the wire, and the execution plan the builder produces from
// it. Plans and steps are frozen once built; per-execution state (status,
// timings, counts) lives in the persistence layer keyed by node ID.
package model

import (
	"fmt"
	"strings"
	"time"
)

// MetricsFlags enables per-step metric collection.
type MetricsFlags struct {
	Time  bool `json:"time,omitempty"`
	Read  bool `json:"read,omitempty"`
	Write bool `json:"write,omitempty"`
	Error bool `json:"error,omitempty"`
}

// FailurePolicy is the per-node failure handling declaration. It is data, not
// behavior: the policy engine interprets it.
type FailurePolicy struct {
	Action       FailureAction `json:"action,omitempty"`
	MaxRetries   int           `json:"maxRetries,omitempty"`
	RetryDelayMS int64         `json:"retryDelayMs,omitempty"`
	RouteToNode  string        `json:"routeToNode,omitempty"`
	SkipOnError  bool          `json:"skipOnError,omitempty"`
}

// Defaults for FailurePolicy fields left at their zero value.
const (
	DefaultMaxRetries   = 3
	DefaultRetryDelayMS = 1000
)

// Normalize fills zero fields with defaults and canonicalizes the action.
func (p FailurePolicy) Normalize() FailurePolicy {
	if p.Action == "" {
		p.Action = ActionStop
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.RetryDelayMS <= 0 {
		p.RetryDelayMS = DefaultRetryDelayMS
	}
	return p
}

// ExecutionHints carry scheduling knobs a step may declare. JoinNodeID is the
// explicit barrier target for FORK nodes.
type ExecutionHints struct {
	Mode           ExecutionMode `json:"mode,omitempty"`
	ChunkSize      int           `json:"chunkSize,omitempty"`
	PartitionCount int           `json:"partitionCount,omitempty"`
	MaxRetries     int           `json:"maxRetries,omitempty"`
	TimeoutMS      int64         `json:"timeoutMs,omitempty"`
	JoinNodeID     string        `json:"joinNodeId,omitempty"`
}

// Timeout returns the per-step timeout, zero when unset.
func (h ExecutionHints) Timeout() time.Duration {
	if h.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(h.TimeoutMS) * time.Millisecond
}

// StepNode is one node of an execution plan with its resolved kind, upstream
// set, and hints. Frozen once the plan is built.
type StepNode struct {
	NodeID         string             `json:"nodeId"`
	NodeType       string             `json:"nodeType"`
	Config         map[string]any     `json:"config,omitempty"`
	NextSteps      []string           `json:"nextSteps,omitempty"`
	ErrorSteps     []string           `json:"errorSteps,omitempty"`
	Metrics        MetricsFlags       `json:"metrics,omitempty"`
	OnFailure      FailurePolicy      `json:"onFailure,omitempty"`
	Hints          ExecutionHints     `json:"executionHints,omitempty"`
	Classification StepClassification `json:"classification,omitempty"`
	OutputPorts    []string           `json:"outputPorts,omitempty"`
	Kind           StepKind           `json:"kind"`
	UpstreamSteps  []string           `json:"upstreamSteps,omitempty"`
}

// Clone returns a deep copy. Expansion rewrites copies, never originals.
func (n *StepNode) Clone() *StepNode {
	if n == nil {
		return nil
	}
	out := *n
	out.NextSteps = append([]string(nil), n.NextSteps...)
	out.ErrorSteps = append([]string(nil), n.ErrorSteps...)
	out.UpstreamSteps = append([]string(nil), n.UpstreamSteps...)
	out.OutputPorts = append([]string(nil), n.OutputPorts...)
	out.Config = cloneConfig(n.Config)
	return &out
}

func cloneConfig(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneConfig(vv)
		case []any:
			cp := make([]any, len(vv))
			copy(cp, vv)
			out[k] = cp
		case []string:
			cp := make([]string, len(vv))
			copy(cp, vv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// ConfigString reads a string-valued config key, "" when absent.
func (n *StepNode) ConfigString(key string) string {
	if n == nil || n.Config == nil {
		return ""
	}
	if v, ok := n.Config[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// ConfigInt reads an int-valued config key with a default. JSON numbers
// arrive as float64; string digits are accepted too.
func (n *StepNode) ConfigInt(key string, def int) int {
	if n == nil || n.Config == nil {
		return def
	}
	switch v := n.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var parsed int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &parsed); err == nil {
			return parsed
		}
	}
	return def
}

// ConfigBool reads a bool-valued config key with a default.
func (n *StepNode) ConfigBool(key string, def bool) bool {
	if n == nil || n.Config == nil {
		return def
	}
	switch v := n.Config[key].(type) {
	case bool:
		return v
	case string:
		switch v {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return def
}

// Terminal reports whether the step is a leaf: no next and no error edges.
func (n *StepNode) Terminal() bool {
	return n != nil && len(n.NextSteps) == 0 && len(n.ErrorSteps) == 0
}

// ExecutionPlan is the validated, flattened, immutable form of a workflow,
// ready for compilation. Steps preserves insertion order through Order so
// traversal stays deterministic.
type ExecutionPlan struct {
	WorkflowID   string               `json:"workflowId,omitempty"`
	EntryStepIDs []string             `json:"entryStepIds"`
	Steps        map[string]*StepNode `json:"steps"`
	Order        []string             `json:"order"`
}

// NewExecutionPlan builds a plan from steps in the given order. Duplicate or
// empty node IDs are rejected here so no later stage sees them.
func NewExecutionPlan(workflowID string, entries []string, steps []*StepNode) (*ExecutionPlan, error) {
	p := &ExecutionPlan{
		WorkflowID:   workflowID,
		EntryStepIDs: append([]string(nil), entries...),
		Steps:        make(map[string]*StepNode, len(steps)),
	}
	for _, s := range steps {
		if err := p.add(s); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *ExecutionPlan) add(s *StepNode) error {
	if s == nil {
		return fmt.Errorf("nil step")
	}
	if s.NodeID == "" {
		return fmt.Errorf("step with empty node id")
	}
	if _, exists := p.Steps[s.NodeID]; exists {
		return fmt.Errorf("duplicate node id %q", s.NodeID)
	}
	p.Steps[s.NodeID] = s
	p.Order = append(p.Order, s.NodeID)
	return nil
}

// Lookup returns the step for id, nil when absent.
func (p *ExecutionPlan) Lookup(id string) *StepNode {
	if p == nil {
		return nil
	}
	return p.Steps[id]
}

// StepIDs returns node IDs in insertion order.
func (p *ExecutionPlan) StepIDs() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.Order...)
}

// Len is the number of steps in the plan.
func (p *ExecutionPlan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Order)
}

// Clone deep-copies the plan so expansion can rewrite without aliasing.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	out := &ExecutionPlan{
		WorkflowID:   p.WorkflowID,
		EntryStepIDs: append([]string(nil), p.EntryStepIDs...),
		Steps:        make(map[string]*StepNode, len(p.Steps)),
		Order:        append([]string(nil), p.Order...),
	}
	for id, s := range p.Steps {
		out.Steps[id] = s.Clone()
	}
	return out
}

// HasKind reports whether any step has the given kind.
func (p *ExecutionPlan) HasKind(k StepKind) bool {
	for _, id := range p.Order {
		if p.Steps[id].Kind == k {
			return true
		}
	}
	return false
}

// Edge connects two nodes in a workflow definition. Only the plan builder
// consumes edges; plans carry resolved NextSteps/ErrorSteps instead.
type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	IsControl    bool   `json:"isControl,omitempty"`
}

// DefinitionNode is a node as declared on the wire. Type may live at the top
// level or nested under data.nodeType; the builder normalizes that.
type DefinitionNode struct {
	ID             string         `json:"id"`
	Type           string         `json:"type,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	Hints          ExecutionHints `json:"executionHints,omitempty"`
	OnFailure      FailurePolicy  `json:"onFailure,omitempty"`
	Metrics        MetricsFlags   `json:"metrics,omitempty"`
	Kind           string         `json:"kind,omitempty"`
	Classification string         `json:"classification,omitempty"`
	OutputPorts    []string       `json:"outputPorts,omitempty"`
}

// WorkflowDefinition is the user-declared DAG as it arrives on the wire.
type WorkflowDefinition struct {
	ID         string           `json:"id,omitempty"`
	WorkflowID string           `json:"workflowId,omitempty"`
	Name       string           `json:"name,omitempty"`
	Nodes      []DefinitionNode `json:"nodes"`
	Edges      []Edge           `json:"edges,omitempty"`
}

// EffectiveWorkflowID prefers the explicit workflowId, falling back to id.
func (d *WorkflowDefinition) EffectiveWorkflowID() string {
	if d == nil {
		return ""
	}
	if d.WorkflowID != "" {
		return d.WorkflowID
	}
	return d.ID
}

// SubgraphDefinition is a reusable named group of steps inlined at expansion
// time. Steps are plan-shaped: they carry nextSteps/errorSteps already.
type SubgraphDefinition struct {
	ID          string      `json:"id,omitempty"`
	Steps       []*StepNode `json:"steps"`
	EntryPoints []string    `json:"entryPoints"`
	ExitPoint   string      `json:"exitPoint"`
}
