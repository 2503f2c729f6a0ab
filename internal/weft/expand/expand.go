// Package expand inlines SUBGRAPH nodes. Each expansion instantiates a
// registered or inline subgraph template under a fresh ID namespace, rewires
// every reference, and splices the template between the subgraph node's
// upstream and downstream neighbors. Expansion repeats until no SUBGRAPH
// remains, bounded by a depth counter so template cycles cannot spin forever.
package expand

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/weftworks/weft/internal/weft/model"
)

type ExpansionErrorKind string

const (
	ErrUnresolvedTemplate ExpansionErrorKind = "UnresolvedTemplate"
	ErrMalformedInline    ExpansionErrorKind = "MalformedInline"
	ErrCircularReference  ExpansionErrorKind = "CircularReference"
)

type ExpansionError struct {
	Kind    ExpansionErrorKind
	NodeIDs []string
	Message string
}

func (e *ExpansionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "subgraph expansion failed (%s): %s", e.Kind, e.Message)
	if len(e.NodeIDs) > 0 {
		fmt.Fprintf(&b, " [nodes: %s]", strings.Join(e.NodeIDs, ", "))
	}
	return b.String()
}

func expandErrf(kind ExpansionErrorKind, nodeIDs []string, format string, args ...any) *ExpansionError {
	return &ExpansionError{Kind: kind, NodeIDs: nodeIDs, Message: fmt.Sprintf(format, args...)}
}

// TemplateRegistry holds reusable subgraph definitions keyed by template ID.
// Read-only after startup registration.
type TemplateRegistry struct {
	mu        sync.RWMutex
	templates map[string]*model.SubgraphDefinition
}

func NewTemplateRegistry() *TemplateRegistry {
	return &TemplateRegistry{templates: map[string]*model.SubgraphDefinition{}}
}

func (r *TemplateRegistry) Register(id string, def *model.SubgraphDefinition) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("subgraph template id is empty")
	}
	if err := checkSubgraph(def); err != nil {
		return fmt.Errorf("subgraph template %q: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.templates[id]; exists {
		return fmt.Errorf("subgraph template %q already registered", id)
	}
	r.templates[id] = def
	return nil
}

func (r *TemplateRegistry) Resolve(id string) (*model.SubgraphDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.templates[id]
	return def, ok
}

func (r *TemplateRegistry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type Options struct {
	// MaxDepth bounds nested expansion; a template that reintroduces a
	// SUBGRAPH past this depth fails as a circular reference.
	MaxDepth int
}

func (o Options) applyDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = 10
	}
	return o
}

type Expander struct {
	templates *TemplateRegistry
	opts      Options
}

func New(reg *TemplateRegistry, opts Options) *Expander {
	if reg == nil {
		reg = NewTemplateRegistry()
	}
	return &Expander{templates: reg, opts: opts.applyDefaults()}
}

// Expand inlines every SUBGRAPH node. A plan without SUBGRAPH nodes is
// returned unchanged, so expansion is idempotent.
func (e *Expander) Expand(p *model.ExecutionPlan) (*model.ExecutionPlan, error) {
	if p == nil {
		return nil, expandErrf(ErrMalformedInline, nil, "nil plan")
	}
	cur := p
	for depth := 0; cur.HasKind(model.KindSubgraph); depth++ {
		if depth >= e.opts.MaxDepth {
			var remaining []string
			for _, id := range cur.Order {
				if cur.Steps[id].Kind == model.KindSubgraph {
					remaining = append(remaining, id)
				}
			}
			return nil, expandErrf(ErrCircularReference, remaining,
				"subgraphs still present after %d expansion passes; raise the depth limit or break the template cycle", e.opts.MaxDepth)
		}
		next, err := e.expandOnce(cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// expandOnce replaces every SUBGRAPH node currently in the plan with its
// template body. Nested subgraphs introduced by a template survive to the
// next pass.
func (e *Expander) expandOnce(p *model.ExecutionPlan) (*model.ExecutionPlan, error) {
	var steps []*model.StepNode
	// Inbound references to an expanded node retarget its entry; outbound
	// bookkeeping (upstreams, join targets) retargets its exit.
	inbound := map[string]string{}
	outbound := map[string]string{}

	for _, id := range p.Order {
		s := p.Steps[id]
		if s.Kind != model.KindSubgraph {
			steps = append(steps, s.Clone())
			continue
		}

		sg, err := e.resolve(s)
		if err != nil {
			return nil, err
		}

		rename := make(map[string]string, len(sg.Steps))
		for _, inner := range sg.Steps {
			rename[inner.NodeID] = s.NodeID + "_" + inner.NodeID
		}

		entryID := rename[sg.EntryPoints[0]]
		exitID := rename[sg.ExitPoint]
		inbound[s.NodeID] = entryID
		outbound[s.NodeID] = exitID

		for _, inner := range sg.Steps {
			cp := inner.Clone()
			cp.NodeID = rename[cp.NodeID]
			cp.NextSteps = remapAll(cp.NextSteps, rename)
			cp.ErrorSteps = remapAll(cp.ErrorSteps, rename)
			cp.UpstreamSteps = remapAll(cp.UpstreamSteps, rename)
			if cp.Hints.JoinNodeID != "" {
				cp.Hints.JoinNodeID = remapOne(cp.Hints.JoinNodeID, rename)
			}
			if cp.NodeID == exitID {
				cp.NextSteps = appendAllUnique(cp.NextSteps, s.NextSteps)
				cp.ErrorSteps = appendAllUnique(cp.ErrorSteps, s.ErrorSteps)
			}
			if cp.NodeID == entryID {
				cp.UpstreamSteps = appendAllUnique(cp.UpstreamSteps, s.UpstreamSteps)
			}
			steps = append(steps, cp)
		}
	}

	for _, s := range steps {
		s.NextSteps = remapAll(s.NextSteps, inbound)
		s.ErrorSteps = remapAll(s.ErrorSteps, inbound)
		s.UpstreamSteps = remapAll(s.UpstreamSteps, outbound)
		if s.Hints.JoinNodeID != "" {
			s.Hints.JoinNodeID = remapOne(s.Hints.JoinNodeID, outbound)
		}
	}

	entries := remapAll(p.EntryStepIDs, inbound)
	out, err := model.NewExecutionPlan(p.WorkflowID, entries, steps)
	if err != nil {
		return nil, expandErrf(ErrMalformedInline, nil, "expanded plan is inconsistent: %v", err)
	}
	return out, nil
}

// resolve finds the subgraph definition for a SUBGRAPH node: registered
// template first (config.subgraphId, then config.templateId), inline body
// last.
func (e *Expander) resolve(s *model.StepNode) (*model.SubgraphDefinition, error) {
	for _, key := range []string{"subgraphId", "templateId"} {
		id := strings.TrimSpace(s.ConfigString(key))
		if id == "" {
			continue
		}
		def, ok := e.templates.Resolve(id)
		if !ok {
			return nil, expandErrf(ErrUnresolvedTemplate, []string{s.NodeID},
				"subgraph template %q is not registered (known: %s)", id, strings.Join(e.templates.Known(), ", "))
		}
		if err := checkSubgraph(def); err != nil {
			return nil, expandErrf(ErrMalformedInline, []string{s.NodeID}, "template %q: %v", id, err)
		}
		return def, nil
	}

	raw, ok := s.Config["inlineSteps"]
	if !ok || raw == nil {
		return nil, expandErrf(ErrUnresolvedTemplate, []string{s.NodeID},
			"subgraph node declares neither subgraphId/templateId nor inlineSteps")
	}
	def, err := decodeInline(raw)
	if err != nil {
		return nil, expandErrf(ErrMalformedInline, []string{s.NodeID}, "%v", err)
	}
	if err := checkSubgraph(def); err != nil {
		return nil, expandErrf(ErrMalformedInline, []string{s.NodeID}, "%v", err)
	}
	return def, nil
}

// decodeInline accepts either a full inline definition object or a bare step
// array; the array form defaults entry to the first step and exit to the
// last.
func decodeInline(raw any) (*model.SubgraphDefinition, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("inlineSteps is not encodable: %v", err)
	}
	switch raw.(type) {
	case []any:
		var steps []*model.StepNode
		if err := json.Unmarshal(b, &steps); err != nil {
			return nil, fmt.Errorf("inlineSteps array decode: %v", err)
		}
		if len(steps) == 0 {
			return nil, fmt.Errorf("inlineSteps array is empty")
		}
		return &model.SubgraphDefinition{
			Steps:       steps,
			EntryPoints: []string{steps[0].NodeID},
			ExitPoint:   steps[len(steps)-1].NodeID,
		}, nil
	default:
		var def model.SubgraphDefinition
		if err := json.Unmarshal(b, &def); err != nil {
			return nil, fmt.Errorf("inlineSteps decode: %v", err)
		}
		return &def, nil
	}
}

func checkSubgraph(def *model.SubgraphDefinition) error {
	if def == nil || len(def.Steps) == 0 {
		return fmt.Errorf("subgraph has no steps")
	}
	ids := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s == nil || strings.TrimSpace(s.NodeID) == "" {
			return fmt.Errorf("subgraph step with empty node id")
		}
		if ids[s.NodeID] {
			return fmt.Errorf("subgraph step id %q duplicated", s.NodeID)
		}
		ids[s.NodeID] = true
	}
	if len(def.EntryPoints) == 0 {
		def.EntryPoints = []string{def.Steps[0].NodeID}
	}
	for _, entry := range def.EntryPoints {
		if !ids[entry] {
			return fmt.Errorf("subgraph entry point %q is not a step", entry)
		}
	}
	if strings.TrimSpace(def.ExitPoint) == "" {
		return fmt.Errorf("subgraph has no exit point")
	}
	if !ids[def.ExitPoint] {
		return fmt.Errorf("subgraph exit point %q is not a step", def.ExitPoint)
	}
	return nil
}

func remapAll(ids []string, m map[string]string) []string {
	if len(ids) == 0 {
		return ids
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = remapOne(id, m)
	}
	return out
}

func remapOne(id string, m map[string]string) string {
	if to, ok := m[id]; ok {
		return to
	}
	return id
}

func appendAllUnique(list []string, add []string) []string {
	for _, v := range add {
		found := false
		for _, x := range list {
			if x == v {
				found = true
				break
			}
		}
		if !found {
			list = append(list, v)
		}
	}
	return list
}
