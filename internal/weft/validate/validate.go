// Package validate runs structural checks over an expanded execution plan
// before it reaches the compiler. Each check is a lint rule producing
// diagnostics; ValidateOrError folds ERROR diagnostics into a single typed
// error. Plans that pass with no errors satisfy every plan invariant the
// compiler relies on.
package validate

import (
	"fmt"
	"strings"

	"github.com/weftworks/weft/internal/weft/model"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Kind classifies a validation failure.
type Kind string

const (
	KindCycle                 Kind = "Cycle"
	KindOrphan                Kind = "Orphan"
	KindMissingStart          Kind = "MissingStart"
	KindMissingTerminal       Kind = "MissingTerminal"
	KindForkMissingJoinID     Kind = "ForkMissingJoinId"
	KindJoinKindMismatch      Kind = "JoinKindMismatch"
	KindBranchCannotReachJoin Kind = "BranchCannotReachJoin"
	KindJoinUnderArity        Kind = "JoinUnderArity"
	KindEdgeTypeIncompatible  Kind = "EdgeTypeIncompatible"
	// Supplementary kinds for checks the strict options enable.
	KindDanglingReference    Kind = "DanglingReference"
	KindForkUnderArity       Kind = "ForkUnderArity"
	KindJoinUpstreamMismatch Kind = "JoinUpstreamMismatch"
	KindUndeclaredJoin       Kind = "UndeclaredJoin"
	KindUndeclaredFork       Kind = "UndeclaredFork"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Kind     Kind     `json:"kind,omitempty"`
	Message  string   `json:"message"`
	NodeIDs  []string `json:"node_ids,omitempty"`
	Path     []string `json:"path,omitempty"`
}

// Options loosen or tighten the join-related checks. The zero value is the
// default posture: forks must declare their join, everything else warns.
type Options struct {
	StrictJoins         bool
	StrictJoinUpstreams bool
	RequireExplicitJoin bool
}

// LintRule lets callers append custom rules after the built-in set.
type LintRule interface {
	Name() string
	Apply(p *model.ExecutionPlan) []Diagnostic
}

// ValidationError carries every diagnostic from a failed validation; Kind is
// the first error's kind.
type ValidationError struct {
	Kind        Kind
	Diagnostics []Diagnostic
}

func (e *ValidationError) Error() string {
	var parts []string
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			parts = append(parts, d.Rule+": "+d.Message)
		}
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasKind reports whether any error-severity diagnostic carries kind k.
func (e *ValidationError) HasKind(k Kind) bool {
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError && d.Kind == k {
			return true
		}
	}
	return false
}

// Validate runs all built-in lint rules and any extra rules against the plan.
func Validate(p *model.ExecutionPlan, opts Options, extraRules ...LintRule) []Diagnostic {
	if p == nil {
		return []Diagnostic{{Rule: "plan_nil", Severity: SeverityError, Kind: KindMissingStart, Message: "plan is nil"}}
	}

	var diags []Diagnostic
	diags = append(diags, lintNonEmpty(p)...)
	if len(diags) > 0 {
		// Nothing below is meaningful on an empty plan.
		return diags
	}
	diags = append(diags, lintReferences(p)...)
	diags = append(diags, lintCycles(p)...)
	diags = append(diags, lintReachability(p)...)
	diags = append(diags, lintStartCardinality(p)...)
	diags = append(diags, lintTerminalPresence(p)...)
	diags = append(diags, lintForks(p, opts)...)
	diags = append(diags, lintJoins(p, opts)...)
	diags = append(diags, lintEdgeTypes(p)...)
	diags = append(diags, lintMultiNext(p, opts)...)

	for _, rule := range extraRules {
		if rule != nil {
			diags = append(diags, rule.Apply(p)...)
		}
	}
	return diags
}

// ValidateOrError returns nil when no rule reports an error.
func ValidateOrError(p *model.ExecutionPlan, opts Options, extraRules ...LintRule) error {
	diags := Validate(p, opts, extraRules...)
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Kind: errs[0].Kind, Diagnostics: diags}
}

func lintNonEmpty(p *model.ExecutionPlan) []Diagnostic {
	var diags []Diagnostic
	if p.Len() == 0 {
		diags = append(diags, Diagnostic{
			Rule:     "plan_non_empty",
			Severity: SeverityError,
			Kind:     KindMissingStart,
			Message:  "plan has no steps",
		})
	}
	if len(p.EntryStepIDs) == 0 {
		diags = append(diags, Diagnostic{
			Rule:     "plan_non_empty",
			Severity: SeverityError,
			Kind:     KindMissingStart,
			Message:  "plan has no entry steps",
		})
	}
	return diags
}

func lintReferences(p *model.ExecutionPlan) []Diagnostic {
	var diags []Diagnostic
	report := func(from, to, field string) {
		diags = append(diags, Diagnostic{
			Rule:     "reference_integrity",
			Severity: SeverityError,
			Kind:     KindDanglingReference,
			Message:  fmt.Sprintf("%s references unknown node %q", field, to),
			NodeIDs:  []string{from, to},
		})
	}
	for _, id := range p.EntryStepIDs {
		if p.Lookup(id) == nil {
			report("", id, "entryStepIds")
		}
	}
	for _, id := range p.Order {
		s := p.Steps[id]
		for _, to := range s.NextSteps {
			if p.Lookup(to) == nil {
				report(id, to, "nextSteps of "+id)
			}
		}
		for _, to := range s.ErrorSteps {
			if p.Lookup(to) == nil {
				report(id, to, "errorSteps of "+id)
			}
		}
		for _, to := range s.UpstreamSteps {
			if p.Lookup(to) == nil {
				report(id, to, "upstreamSteps of "+id)
			}
		}
		if j := s.Hints.JoinNodeID; j != "" && p.Lookup(j) == nil {
			report(id, j, "joinNodeId of "+id)
		}
		if r := s.OnFailure.RouteToNode; r != "" && p.Lookup(r) == nil {
			report(id, r, "onFailure.routeToNode of "+id)
		}
	}
	return diags
}

// lintCycles walks nextSteps ∪ errorSteps with three-color marking and
// reports the first cycle found, including its path.
func lintCycles(p *model.ExecutionPlan) []Diagnostic {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, p.Len())
	var stack []string

	var cyclePath []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		s := p.Lookup(id)
		if s != nil {
			for _, to := range append(append([]string(nil), s.NextSteps...), s.ErrorSteps...) {
				if p.Lookup(to) == nil {
					continue
				}
				switch color[to] {
				case white:
					if visit(to) {
						return true
					}
				case gray:
					// Back edge: slice the stack from the first occurrence
					// of to and close the loop.
					for i, v := range stack {
						if v == to {
							cyclePath = append(append([]string(nil), stack[i:]...), to)
							return true
						}
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range p.Order {
		if color[id] == white {
			stack = stack[:0]
			if visit(id) {
				return []Diagnostic{{
					Rule:     "acyclicity",
					Severity: SeverityError,
					Kind:     KindCycle,
					Message:  "cycle detected: " + strings.Join(cyclePath, " -> "),
					NodeIDs:  cyclePath[:len(cyclePath)-1],
					Path:     cyclePath,
				}}
			}
		}
	}
	return nil
}

// lintReachability walks nextSteps and errorSteps from the entries. A node
// reachable only through a failure route is demoted to WARNING: the route
// fires only when its owner fails, but the node is still wired.
func lintReachability(p *model.ExecutionPlan) []Diagnostic {
	bfs := func(routes bool) map[string]bool {
		seen := make(map[string]bool, p.Len())
		queue := make([]string, 0, len(p.EntryStepIDs))
		for _, id := range p.EntryStepIDs {
			if p.Lookup(id) != nil && !seen[id] {
				seen[id] = true
				queue = append(queue, id)
			}
		}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			s := p.Lookup(id)
			edges := append(append([]string(nil), s.NextSteps...), s.ErrorSteps...)
			if routes && s.OnFailure.RouteToNode != "" {
				edges = append(edges, s.OnFailure.RouteToNode)
			}
			for _, to := range edges {
				if p.Lookup(to) != nil && !seen[to] {
					seen[to] = true
					queue = append(queue, to)
				}
			}
		}
		return seen
	}
	reached := bfs(false)
	withRoutes := bfs(true)

	var diags []Diagnostic
	for _, id := range p.Order {
		switch {
		case reached[id]:
		case withRoutes[id]:
			diags = append(diags, Diagnostic{
				Rule:     "reachability",
				Severity: SeverityWarning,
				Kind:     KindOrphan,
				Message:  fmt.Sprintf("node %q is reachable only through a failure route", id),
				NodeIDs:  []string{id},
			})
		default:
			diags = append(diags, Diagnostic{
				Rule:     "reachability",
				Severity: SeverityError,
				Kind:     KindOrphan,
				Message:  fmt.Sprintf("node %q is not reachable from any entry", id),
				NodeIDs:  []string{id},
			})
		}
	}
	return diags
}

func lintStartCardinality(p *model.ExecutionPlan) []Diagnostic {
	var starts []string
	for _, id := range p.Order {
		if p.Steps[id].Kind == model.KindStart {
			starts = append(starts, id)
		}
	}
	switch {
	case len(starts) == 1:
		return nil
	case len(starts) == 0 && len(p.EntryStepIDs) == 1:
		// The singular entry node is treated as the start.
		return nil
	default:
		return []Diagnostic{{
			Rule:     "start_cardinality",
			Severity: SeverityError,
			Kind:     KindMissingStart,
			Message:  fmt.Sprintf("plan must have exactly one start node (found %d: %v, entries %v)", len(starts), starts, p.EntryStepIDs),
			NodeIDs:  starts,
		}}
	}
}

func lintTerminalPresence(p *model.ExecutionPlan) []Diagnostic {
	for _, id := range p.Order {
		s := p.Steps[id]
		if s.Kind == model.KindEnd || s.Terminal() {
			return nil
		}
	}
	return []Diagnostic{{
		Rule:     "terminal_presence",
		Severity: SeverityError,
		Kind:     KindMissingTerminal,
		Message:  "plan has no END node and no terminal leaf",
	}}
}

func lintForks(p *model.ExecutionPlan, opts Options) []Diagnostic {
	var diags []Diagnostic
	for _, id := range p.Order {
		fork := p.Steps[id]
		if fork.Kind != model.KindFork {
			continue
		}
		if fork.Hints.Mode != model.ModeParallel {
			diags = append(diags, Diagnostic{
				Rule:     "fork_mode",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("fork %q does not declare PARALLEL mode; branches run in parallel regardless", id),
				NodeIDs:  []string{id},
			})
		}
		if len(fork.NextSteps) < 2 {
			diags = append(diags, Diagnostic{
				Rule:     "fork_arity",
				Severity: SeverityError,
				Kind:     KindForkUnderArity,
				Message:  fmt.Sprintf("fork %q has %d branch(es); at least 2 required", id, len(fork.NextSteps)),
				NodeIDs:  []string{id},
			})
		}
		joinID := fork.Hints.JoinNodeID
		if joinID == "" {
			diags = append(diags, Diagnostic{
				Rule:     "fork_join_declared",
				Severity: SeverityError,
				Kind:     KindForkMissingJoinID,
				Message:  fmt.Sprintf("fork %q declares no joinNodeId", id),
				NodeIDs:  []string{id},
			})
			continue
		}
		join := p.Lookup(joinID)
		if join == nil {
			// reference_integrity already reported the dangling id.
			continue
		}
		if join.Kind != model.KindJoin {
			diags = append(diags, Diagnostic{
				Rule:     "fork_join_kind",
				Severity: SeverityError,
				Kind:     KindJoinKindMismatch,
				Message:  fmt.Sprintf("fork %q joinNodeId %q has kind %s, want JOIN", id, joinID, join.Kind),
				NodeIDs:  []string{id, joinID},
			})
		}
		for _, branch := range fork.NextSteps {
			if p.Lookup(branch) == nil {
				continue
			}
			if !reachesOnNext(p, branch, joinID) {
				diags = append(diags, Diagnostic{
					Rule:     "fork_branch_converges",
					Severity: SeverityError,
					Kind:     KindBranchCannotReachJoin,
					Message:  fmt.Sprintf("branch %q of fork %q cannot reach join %q on nextSteps", branch, id, joinID),
					NodeIDs:  []string{id, branch, joinID},
				})
			}
		}
	}
	return diags
}

// reachesOnNext reports whether target is reachable from start following
// nextSteps only. Error edges never satisfy convergence.
func reachesOnNext(p *model.ExecutionPlan, start, target string) bool {
	if start == target {
		return true
	}
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		s := p.Lookup(id)
		if s == nil {
			continue
		}
		for _, to := range s.NextSteps {
			if to == target {
				return true
			}
			if p.Lookup(to) != nil && !seen[to] {
				seen[to] = true
				queue = append(queue, to)
			}
		}
	}
	return false
}

func lintJoins(p *model.ExecutionPlan, opts Options) []Diagnostic {
	// Map join id -> forks declaring it.
	declaredBy := map[string][]string{}
	for _, id := range p.Order {
		s := p.Steps[id]
		if s.Kind == model.KindFork && s.Hints.JoinNodeID != "" {
			declaredBy[s.Hints.JoinNodeID] = append(declaredBy[s.Hints.JoinNodeID], id)
		}
	}

	var diags []Diagnostic
	for _, id := range p.Order {
		join := p.Steps[id]
		if join.Kind != model.KindJoin {
			continue
		}
		if len(join.UpstreamSteps) < 2 {
			diags = append(diags, Diagnostic{
				Rule:     "join_arity",
				Severity: SeverityError,
				Kind:     KindJoinUnderArity,
				Message:  fmt.Sprintf("join %q has %d upstream step(s); at least 2 required", id, len(join.UpstreamSteps)),
				NodeIDs:  []string{id},
			})
		}

		forks := declaredBy[id]
		if len(forks) == 0 {
			sev := SeverityWarning
			if !opts.StrictJoins {
				sev = SeverityInfo
			}
			diags = append(diags, Diagnostic{
				Rule:     "join_declared",
				Severity: sev,
				Kind:     KindUndeclaredJoin,
				Message:  fmt.Sprintf("join %q is not the declared join of any fork", id),
				NodeIDs:  []string{id},
			})
			if opts.StrictJoins {
				diags[len(diags)-1].Severity = SeverityError
			}
			continue
		}

		// Upstream provenance: every upstream must sit on a branch of the
		// declaring fork.
		if len(forks) == 1 {
			fork := p.Lookup(forks[0])
			onBranch := map[string]bool{}
			for _, branch := range fork.NextSteps {
				collectOnNext(p, branch, id, onBranch)
			}
			for _, up := range join.UpstreamSteps {
				if !onBranch[up] {
					sev := SeverityWarning
					if opts.StrictJoinUpstreams {
						sev = SeverityError
					}
					diags = append(diags, Diagnostic{
						Rule:     "join_upstream_provenance",
						Severity: sev,
						Kind:     KindJoinUpstreamMismatch,
						Message:  fmt.Sprintf("upstream %q of join %q is not on a branch of fork %q", up, id, fork.NodeID),
						NodeIDs:  []string{id, up, fork.NodeID},
					})
				}
			}
		}
	}
	return diags
}

// collectOnNext marks every node reachable from start on nextSteps, stopping
// at stop (exclusive).
func collectOnNext(p *model.ExecutionPlan, start, stop string, seen map[string]bool) {
	if start == stop || seen[start] {
		return
	}
	if p.Lookup(start) == nil {
		return
	}
	seen[start] = true
	for _, to := range p.Lookup(start).NextSteps {
		if to != stop {
			collectOnNext(p, to, stop, seen)
		}
	}
}

// dataProducing and dataConsuming decide whether an edge between two
// classifications carries records.
func dataProducing(c model.StepClassification) bool {
	switch c {
	case model.ClassSource, model.ClassTransform, model.ClassAggregation, model.ClassPartition, model.ClassRouting:
		return true
	default:
		return false
	}
}

func dataConsuming(c model.StepClassification) bool {
	switch c {
	case model.ClassSink, model.ClassTransform, model.ClassAggregation, model.ClassPartition, model.ClassRouting:
		return true
	default:
		return false
	}
}

func lintEdgeTypes(p *model.ExecutionPlan) []Diagnostic {
	var diags []Diagnostic
	for _, id := range p.Order {
		s := p.Steps[id]
		switch s.Classification {
		case model.ClassSource:
			for _, up := range s.UpstreamSteps {
				u := p.Lookup(up)
				if u != nil && dataProducing(u.Classification) {
					diags = append(diags, Diagnostic{
						Rule:     "edge_types",
						Severity: SeverityError,
						Kind:     KindEdgeTypeIncompatible,
						Message:  fmt.Sprintf("source %q cannot consume records from %q", id, up),
						NodeIDs:  []string{id, up},
					})
				}
			}
		case model.ClassSink:
			for _, to := range s.NextSteps {
				n := p.Lookup(to)
				if n != nil && dataConsuming(n.Classification) {
					diags = append(diags, Diagnostic{
						Rule:     "edge_types",
						Severity: SeverityError,
						Kind:     KindEdgeTypeIncompatible,
						Message:  fmt.Sprintf("sink %q does not produce records for %q", id, to),
						NodeIDs:  []string{id, to},
					})
				}
			}
		case model.ClassControl:
			if s.Kind == model.KindStart || s.Kind == model.KindEnd {
				continue
			}
			hasProducer := false
			for _, up := range s.UpstreamSteps {
				if u := p.Lookup(up); u != nil && dataProducing(u.Classification) {
					hasProducer = true
					break
				}
			}
			hasConsumer := false
			for _, to := range s.NextSteps {
				if n := p.Lookup(to); n != nil && dataConsuming(n.Classification) {
					hasConsumer = true
					break
				}
			}
			if hasProducer && hasConsumer {
				diags = append(diags, Diagnostic{
					Rule:     "edge_through_control",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("control node %q sits on a data path; records do not cross control nodes", id),
					NodeIDs:  []string{id},
				})
			}
		}
	}
	return diags
}

// lintMultiNext flags sequential nodes with more than one next step: only
// forks broadcast. The compiler follows the first next on plain nodes.
func lintMultiNext(p *model.ExecutionPlan, opts Options) []Diagnostic {
	var diags []Diagnostic
	for _, id := range p.Order {
		s := p.Steps[id]
		if len(s.NextSteps) < 2 || s.Kind == model.KindFork || s.Kind == model.KindDecision {
			continue
		}
		d := Diagnostic{
			Rule:     "multi_next_undeclared",
			Severity: SeverityWarning,
			Kind:     KindUndeclaredFork,
			Message:  fmt.Sprintf("node %q has %d next steps but is not a FORK; only the first is followed", id, len(s.NextSteps)),
			NodeIDs:  []string{id},
		}
		if opts.RequireExplicitJoin {
			d.Severity = SeverityError
		}
		diags = append(diags, d)
	}
	return diags
}
