// Package exec holds the executor contract and the built-in executor catalog.
// An executor does the work of one step: it receives the records that flowed
// in from upstream and returns a result with status, counters, and the
// records that flow on. Executors are stateless and safe for concurrent use;
// the registry is read-only after startup.
package exec

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/weftworks/weft/internal/weft/model"
	"github.com/weftworks/weft/internal/weft/runtime"
)

// Invocation carries one step's inputs: the records from its branch, per-port
// record sets for join-like nodes, and the identifiers of the run it belongs
// to. WorkDir anchors relative paths for file and command executors.
type Invocation struct {
	ExecutionID string
	WorkflowID  string
	WorkDir     string
	Records     []map[string]any
	Ports       map[string][]map[string]any
}

// Executor runs one step. Domain failures are reported through the result
// status; a non-nil error means the executor itself could not run and flows
// through the engine's runtime-error handling instead.
type Executor interface {
	Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error)
}

// Registry maps node types to executors. Lookups are case-insensitive so
// definitions may spell types as they like.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

// NewDefaultRegistry wires the built-in executor catalog. Expression-driven
// executors share one compile cache.
func NewDefaultRegistry() *Registry {
	reg := NewRegistry()
	cache := NewCache(0)
	reg.Register("Start", &StartExecutor{})
	reg.Register("End", &EndExecutor{})
	reg.Register("NoOp", &NoOpExecutor{})
	reg.Register("FailJob", &FailJobExecutor{})
	reg.Register("Delay", &DelayExecutor{})
	reg.Register("Compensation", &CompensationExecutor{})
	reg.Register("Command", &CommandExecutor{})
	reg.Register("FileSource", &FileSourceExecutor{})
	reg.Register("FileSink", &FileSinkExecutor{})
	reg.Register("Filter", &FilterExecutor{Cache: cache})
	reg.Register("Map", &MapExecutor{Cache: cache})
	reg.Register("Switch", &SwitchExecutor{Cache: cache})
	reg.Register("Aggregate", &AggregateExecutor{Cache: cache})
	reg.Register("Join", &JoinExecutor{})
	reg.Register("Partition", &PartitionExecutor{})
	reg.Register("Collect", &CollectExecutor{})
	reg.Register("Validate", NewValidateExecutor())
	return reg
}

// Register binds an executor to a node type. Later registrations replace
// earlier ones.
func (r *Registry) Register(nodeType string, ex Executor) {
	if r.executors == nil {
		r.executors = map[string]Executor{}
	}
	key := canonicalType(nodeType)
	if key == "" || ex == nil {
		return
	}
	r.executors[key] = ex
}

// Resolve returns the executor for a node type.
func (r *Registry) Resolve(nodeType string) (Executor, bool) {
	if r == nil || r.executors == nil {
		return nil, false
	}
	ex, ok := r.executors[canonicalType(nodeType)]
	return ex, ok
}

// KnownTypes returns the registered type keys, sorted.
func (r *Registry) KnownTypes() []string {
	if r == nil || r.executors == nil {
		return nil
	}
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// CheckCatalog asserts every listed node type resolves. Missing types are
// reported once each, in first-seen order.
func (r *Registry) CheckCatalog(types []string) error {
	var missing []string
	seen := map[string]bool{}
	for _, t := range types {
		if strings.TrimSpace(t) == "" {
			continue
		}
		if _, ok := r.Resolve(t); ok {
			continue
		}
		key := canonicalType(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		missing = append(missing, t)
	}
	if len(missing) > 0 {
		return &CompatibilityError{Missing: missing}
	}
	return nil
}

// CheckCompatibility asserts every step in the plan has an executor. A
// failure here aborts startup before anything runs.
func (r *Registry) CheckCompatibility(p *model.ExecutionPlan) error {
	if p == nil {
		return fmt.Errorf("nil execution plan")
	}
	types := make([]string, 0, p.Len())
	for _, id := range p.Order {
		types = append(types, p.Steps[id].NodeType)
	}
	return r.CheckCatalog(types)
}

// CompatibilityError reports node types no registered executor serves.
type CompatibilityError struct {
	Missing []string
}

func (e *CompatibilityError) Error() string {
	return fmt.Sprintf("no executor registered for node types: %s", strings.Join(e.Missing, ", "))
}

func canonicalType(nodeType string) string {
	return strings.ToLower(strings.TrimSpace(nodeType))
}

// passThrough is the control-node result: success, records unchanged.
func passThrough(in *Invocation) runtime.Result {
	r := runtime.Success()
	if in != nil {
		r.Records = in.Records
	}
	return r
}

// firstConfig returns the first non-empty config value among keys.
func firstConfig(step *model.StepNode, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(step.ConfigString(k)); v != "" {
			return v
		}
	}
	return ""
}

// configStrings reads a config key as a string list. The plan builder already
// splits comma-separated list-ish keys; JSON arrays arrive as []any.
func configStrings(step *model.StepNode, key string) []string {
	if step == nil || step.Config == nil {
		return nil
	}
	switch v := step.Config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

// cloneRecord shallow-copies a record so executors never mutate upstream data.
func cloneRecord(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	return out
}
