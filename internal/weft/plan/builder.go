// Package plan translates a user-facing workflow definition (nodes + edges)
// into an execution plan (steps + entry points). It normalizes the
// heterogeneous payload shapes seen on the wire, inverts the edge set into
// upstream references, and infers the structural kind of every node that does
// not declare one.
package plan

import (
	"strings"

	"github.com/weftworks/weft/internal/weft/model"
)

// listishConfigKeys are config fields that arrive as comma-separated strings
// but are logically arrays.
var listishConfigKeys = []string{
	"leftKeys", "rightKeys", "keys", "fields", "columns", "partitionKeys", "groupBy",
}

// Build turns a definition into an execution plan. It does not validate graph
// structure beyond what construction itself requires; the validator owns
// cycles, reachability, and fork/join shape.
func Build(def *model.WorkflowDefinition) (*model.ExecutionPlan, error) {
	if def == nil {
		return nil, buildErrf(ErrMalformedDefinition, nil, "nil workflow definition")
	}
	if len(def.Nodes) == 0 {
		return nil, buildErrf(ErrMalformedDefinition, nil, "workflow %q has no nodes", def.EffectiveWorkflowID())
	}

	steps := make([]*model.StepNode, 0, len(def.Nodes))
	byID := make(map[string]*model.StepNode, len(def.Nodes))
	explicitKind := make(map[string]bool, len(def.Nodes))

	for i := range def.Nodes {
		dn := &def.Nodes[i]
		id := strings.TrimSpace(dn.ID)
		if id == "" {
			return nil, buildErrf(ErrMalformedDefinition, nil, "node at index %d has no id", i)
		}
		if _, dup := byID[id]; dup {
			return nil, buildErrf(ErrDuplicateID, []string{id}, "node id declared more than once")
		}

		nodeType := resolveNodeType(dn)
		if nodeType == "" {
			return nil, buildErrf(ErrUnknownNodeType, []string{id}, "node declares no type (neither type nor data.nodeType)")
		}

		step, explicit, err := buildStep(id, nodeType, dn)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
		byID[id] = step
		explicitKind[id] = explicit
	}

	if err := applyEdges(def, byID); err != nil {
		return nil, err
	}

	for _, s := range steps {
		if explicitKind[s.NodeID] {
			if s.Kind == model.KindFork {
				// A declared fork always runs its branches in parallel.
				s.Hints.Mode = model.ModeParallel
			}
			continue
		}
		s.Kind = inferKind(s)
	}

	entries := make([]string, 0, 1)
	for _, s := range steps {
		if len(s.UpstreamSteps) == 0 {
			entries = append(entries, s.NodeID)
		}
	}

	p, err := model.NewExecutionPlan(def.EffectiveWorkflowID(), entries, steps)
	if err != nil {
		return nil, buildErrf(ErrMalformedDefinition, nil, "%v", err)
	}
	return p, nil
}

// resolveNodeType reads the type from node.type, falling back to
// node.data.nodeType.
func resolveNodeType(dn *model.DefinitionNode) string {
	if t := strings.TrimSpace(dn.Type); t != "" {
		return t
	}
	if dn.Data != nil {
		if v, ok := dn.Data["nodeType"]; ok {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func buildStep(id, nodeType string, dn *model.DefinitionNode) (*model.StepNode, bool, error) {
	cfg := dn.Config
	if cfg == nil && dn.Data != nil {
		if nested, ok := dn.Data["config"].(map[string]any); ok {
			cfg = nested
		}
	}
	cfg = normalizeConfig(cfg)

	hints := dn.Hints
	if string(hints.Mode) != "" {
		mode, err := model.ParseExecutionMode(string(hints.Mode))
		if err != nil {
			return nil, false, buildErrf(ErrMalformedDefinition, []string{id}, "%v", err)
		}
		hints.Mode = mode
	}

	onFailure := dn.OnFailure
	if string(onFailure.Action) != "" {
		action, err := model.ParseFailureAction(string(onFailure.Action))
		if err != nil {
			return nil, false, buildErrf(ErrMalformedDefinition, []string{id}, "%v", err)
		}
		onFailure.Action = action
	}

	classification := model.ClassTransform
	if dn.Classification != "" {
		c, err := model.ParseStepClassification(dn.Classification)
		if err != nil {
			return nil, false, buildErrf(ErrMalformedDefinition, []string{id}, "%v", err)
		}
		classification = c
	} else {
		classification = defaultClassification(nodeType)
	}

	kind := model.KindNormal
	explicit := false
	if strings.TrimSpace(dn.Kind) != "" {
		k, err := model.ParseStepKind(dn.Kind)
		if err != nil {
			return nil, false, buildErrf(ErrMalformedDefinition, []string{id}, "%v", err)
		}
		kind = k
		explicit = true
	}

	return &model.StepNode{
		NodeID:         id,
		NodeType:       nodeType,
		Config:         cfg,
		Metrics:        dn.Metrics,
		OnFailure:      onFailure,
		Hints:          hints,
		Classification: classification,
		OutputPorts:    append([]string(nil), dn.OutputPorts...),
		Kind:           kind,
	}, explicit, nil
}

// normalizeConfig splits comma-separated values of list-ish keys into string
// arrays. Other values pass through untouched.
func normalizeConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	for _, key := range listishConfigKeys {
		s, ok := out[key].(string)
		if !ok {
			continue
		}
		parts := strings.Split(s, ",")
		items := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		out[key] = items
	}
	return out
}

// applyEdges resolves the edge list into NextSteps/ErrorSteps/UpstreamSteps.
// Error edges do not contribute to upstream inference.
func applyEdges(def *model.WorkflowDefinition, byID map[string]*model.StepNode) error {
	for i := range def.Edges {
		e := &def.Edges[i]
		src, ok := byID[e.Source]
		if !ok {
			return buildErrf(ErrMalformedDefinition, []string{e.Source}, "edge %d references unknown source node", i)
		}
		dst, ok := byID[e.Target]
		if !ok {
			return buildErrf(ErrMalformedDefinition, []string{e.Target}, "edge %d references unknown target node", i)
		}
		if isErrorEdge(e) {
			src.ErrorSteps = appendUnique(src.ErrorSteps, dst.NodeID)
			continue
		}
		src.NextSteps = appendUnique(src.NextSteps, dst.NodeID)
		dst.UpstreamSteps = appendUnique(dst.UpstreamSteps, src.NodeID)
	}
	return nil
}

// isErrorEdge recognizes edges that route failure statuses: the source handle
// names the error port.
func isErrorEdge(e *model.Edge) bool {
	switch strings.ToLower(strings.TrimSpace(e.SourceHandle)) {
	case "error", "onerror", "on_error", "on-error":
		return true
	}
	return false
}

// inferKind applies the declaration-free kind rules, first match wins:
// FORK for parallel multi-out, JOIN for multi-in, START for indegree zero,
// END for a leaf typed "End", NORMAL otherwise.
func inferKind(s *model.StepNode) model.StepKind {
	switch {
	case len(s.NextSteps) >= 2 && s.Hints.Mode == model.ModeParallel:
		return model.KindFork
	case len(s.UpstreamSteps) >= 2:
		return model.KindJoin
	case len(s.UpstreamSteps) == 0:
		return model.KindStart
	case s.Terminal() && strings.EqualFold(s.NodeType, "End"):
		return model.KindEnd
	default:
		return model.KindNormal
	}
}

// defaultClassification maps well-known node types onto a classification so
// edge-type checks work without explicit declarations.
func defaultClassification(nodeType string) model.StepClassification {
	switch strings.ToLower(nodeType) {
	case "start", "end", "failjob", "wait", "checkpoint", "compensation", "delay", "noop":
		return model.ClassControl
	case "filesource", "source", "reader":
		return model.ClassSource
	case "filesink", "sink", "writer":
		return model.ClassSink
	case "switch", "router", "route":
		return model.ClassRouting
	case "aggregate", "collect", "reduce":
		return model.ClassAggregation
	case "partition", "split":
		return model.ClassPartition
	default:
		return model.ClassTransform
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
