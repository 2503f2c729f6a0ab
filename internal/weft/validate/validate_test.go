package validate

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/weftworks/weft/internal/weft/model"
)

func step(id string, kind model.StepKind, next ...string) *model.StepNode {
	class := model.ClassTransform
	switch kind {
	case model.KindStart, model.KindEnd:
		class = model.ClassControl
	case model.KindJoin:
		class = model.ClassAggregation
	case model.KindFork:
		class = model.ClassControl
	}
	return &model.StepNode{
		NodeID:         id,
		NodeType:       "NoOp",
		Kind:           kind,
		Classification: class,
		NextSteps:      next,
	}
}

func mustPlan(t *testing.T, entries []string, steps ...*model.StepNode) *model.ExecutionPlan {
	t.Helper()
	// Wire upstreams from nextSteps so hand-built plans resemble builder
	// output.
	byID := map[string]*model.StepNode{}
	for _, s := range steps {
		byID[s.NodeID] = s
	}
	for _, s := range steps {
		for _, to := range s.NextSteps {
			if n, ok := byID[to]; ok {
				n.UpstreamSteps = append(n.UpstreamSteps, s.NodeID)
			}
		}
	}
	p, err := model.NewExecutionPlan("wf-validate", entries, steps)
	if err != nil {
		t.Fatalf("NewExecutionPlan: %v", err)
	}
	return p
}

func wantErrorKind(t *testing.T, p *model.ExecutionPlan, opts Options, kind Kind) *ValidationError {
	t.Helper()
	err := ValidateOrError(p, opts)
	if err == nil {
		t.Fatalf("ValidateOrError: want error with kind %s, got nil", kind)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("ValidateOrError: want *ValidationError, got %T: %v", err, err)
	}
	if !verr.HasKind(kind) {
		t.Fatalf("ValidateOrError: want kind %s, got %s (%v)", kind, verr.Kind, verr)
	}
	return verr
}

func TestValidateLinearPlanPasses(t *testing.T) {
	p := mustPlan(t, []string{"start"},
		step("start", model.KindStart, "filter"),
		step("filter", model.KindNormal, "end"),
		step("end", model.KindEnd),
	)
	if err := ValidateOrError(p, Options{}); err != nil {
		t.Fatalf("ValidateOrError: %v", err)
	}
}

func TestValidateSingleStartPlanPasses(t *testing.T) {
	p := mustPlan(t, []string{"start"},
		step("start", model.KindStart),
	)
	first := Validate(p, Options{})
	for _, d := range first {
		if d.Severity == SeverityError {
			t.Fatalf("trivial plan produced %s: %s", d.Kind, d.Message)
		}
	}
	if again := Validate(p, Options{}); !reflect.DeepEqual(first, again) {
		t.Fatalf("repeat validation differs: %v vs %v", first, again)
	}
}

func TestValidateForkJoinPlanPasses(t *testing.T) {
	fork := step("fork", model.KindFork, "left", "right")
	fork.Hints.Mode = model.ModeParallel
	fork.Hints.JoinNodeID = "merge"
	p := mustPlan(t, []string{"start"},
		step("start", model.KindStart, "fork"),
		fork,
		step("left", model.KindNormal, "merge"),
		step("right", model.KindNormal, "merge"),
		step("merge", model.KindJoin, "end"),
		step("end", model.KindEnd),
	)
	if err := ValidateOrError(p, Options{}); err != nil {
		t.Fatalf("ValidateOrError: %v", err)
	}
}

func TestValidateForkMissingJoinID(t *testing.T) {
	fork := step("fork", model.KindFork, "left", "right")
	fork.Hints.Mode = model.ModeParallel
	p := mustPlan(t, []string{"start"},
		step("start", model.KindStart, "fork"),
		fork,
		step("left", model.KindNormal, "end"),
		step("right", model.KindNormal, "end"),
		step("end", model.KindEnd),
	)
	wantErrorKind(t, p, Options{}, KindForkMissingJoinID)
}

func TestValidateCycleReportsPath(t *testing.T) {
	p := mustPlan(t, []string{"a"},
		step("a", model.KindNormal, "b"),
		step("b", model.KindNormal, "c"),
		step("c", model.KindNormal, "a"),
	)
	verr := wantErrorKind(t, p, Options{}, KindCycle)
	var cyc *Diagnostic
	for i := range verr.Diagnostics {
		if verr.Diagnostics[i].Kind == KindCycle {
			cyc = &verr.Diagnostics[i]
			break
		}
	}
	if cyc == nil {
		t.Fatalf("no Cycle diagnostic in %v", verr.Diagnostics)
	}
	want := []string{"a", "b", "c", "a"}
	if len(cyc.Path) != len(want) {
		t.Fatalf("cycle path = %v, want %v", cyc.Path, want)
	}
	for i, id := range want {
		if cyc.Path[i] != id {
			t.Fatalf("cycle path = %v, want %v", cyc.Path, want)
		}
	}
}

func TestValidateCycleThroughErrorEdge(t *testing.T) {
	a := step("a", model.KindNormal, "b")
	b := step("b", model.KindNormal)
	b.ErrorSteps = []string{"a"}
	p := mustPlan(t, []string{"a"}, a, b)
	wantErrorKind(t, p, Options{}, KindCycle)
}

func TestValidateOrphan(t *testing.T) {
	p := mustPlan(t, []string{"start"},
		step("start", model.KindStart, "end"),
		step("end", model.KindEnd),
		step("stranded", model.KindNormal),
	)
	verr := wantErrorKind(t, p, Options{}, KindOrphan)
	found := false
	for _, d := range verr.Diagnostics {
		if d.Kind == KindOrphan && len(d.NodeIDs) == 1 && d.NodeIDs[0] == "stranded" {
			found = true
		}
	}
	if !found {
		t.Fatalf("orphan diagnostic does not name stranded: %v", verr.Diagnostics)
	}
}

func TestValidateRouteTargetMissing(t *testing.T) {
	risky := step("risky", model.KindNormal, "end")
	risky.OnFailure = model.FailurePolicy{Action: model.ActionRoute, RouteToNode: "ghost"}
	p := mustPlan(t, []string{"start"},
		step("start", model.KindStart, "risky"),
		risky,
		step("end", model.KindEnd),
	)
	wantErrorKind(t, p, Options{}, KindDanglingReference)
}

func TestValidateRouteOnlyHandlerWarns(t *testing.T) {
	risky := step("risky", model.KindNormal, "end")
	risky.OnFailure = model.FailurePolicy{Action: model.ActionRoute, RouteToNode: "handler"}
	p := mustPlan(t, []string{"start"},
		step("start", model.KindStart, "risky"),
		risky,
		step("handler", model.KindNormal, "end"),
		step("end", model.KindEnd),
	)
	if err := ValidateOrError(p, Options{}); err != nil {
		t.Fatalf("route-only handler must not fail validation: %v", err)
	}
	found := false
	for _, d := range Validate(p, Options{}) {
		if d.Kind == KindOrphan && d.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a reachability warning for the route-only handler")
	}
}

func TestValidateMissingStart(t *testing.T) {
	// Two entries, no START kind: ambiguous entry.
	p := mustPlan(t, []string{"a", "b"},
		step("a", model.KindNormal, "end"),
		step("b", model.KindNormal, "end"),
		step("end", model.KindEnd),
	)
	wantErrorKind(t, p, Options{}, KindMissingStart)
}

func TestValidateSingularEntryTreatedAsStart(t *testing.T) {
	p := mustPlan(t, []string{"ingest"},
		step("ingest", model.KindNormal, "end"),
		step("end", model.KindEnd),
	)
	if err := ValidateOrError(p, Options{}); err != nil {
		t.Fatalf("ValidateOrError: %v", err)
	}
}

func TestValidateMissingTerminal(t *testing.T) {
	// Every node has a successor, so no leaf and no END exist.
	c := step("c", model.KindNormal, "d")
	d := step("d", model.KindNormal, "c")
	p, err := model.NewExecutionPlan("wf-validate", []string{"c"}, []*model.StepNode{c, d})
	if err != nil {
		t.Fatalf("NewExecutionPlan: %v", err)
	}
	verr := wantErrorKind(t, p, Options{}, KindMissingTerminal)
	if !verr.HasKind(KindCycle) {
		t.Fatalf("expected the same plan to also report its cycle: %v", verr)
	}
}

func TestValidateJoinKindMismatch(t *testing.T) {
	fork := step("fork", model.KindFork, "left", "right")
	fork.Hints.Mode = model.ModeParallel
	fork.Hints.JoinNodeID = "merge"
	merge := step("merge", model.KindNormal, "end")
	p := mustPlan(t, []string{"start"},
		step("start", model.KindStart, "fork"),
		fork,
		step("left", model.KindNormal, "merge"),
		step("right", model.KindNormal, "merge"),
		merge,
		step("end", model.KindEnd),
	)
	wantErrorKind(t, p, Options{}, KindJoinKindMismatch)
}

func TestValidateBranchCannotReachJoinOnErrorEdges(t *testing.T) {
	fork := step("fork", model.KindFork, "left", "right")
	fork.Hints.Mode = model.ModeParallel
	fork.Hints.JoinNodeID = "merge"
	// The right branch only reaches the join through an error edge, which
	// does not count as convergence.
	right := step("right", model.KindNormal)
	right.ErrorSteps = []string{"merge"}
	p := mustPlan(t, []string{"start"},
		step("start", model.KindStart, "fork"),
		fork,
		step("left", model.KindNormal, "merge"),
		right,
		step("merge", model.KindJoin, "end"),
		step("end", model.KindEnd),
	)
	verr := wantErrorKind(t, p, Options{}, KindBranchCannotReachJoin)
	found := false
	for _, d := range verr.Diagnostics {
		if d.Kind == KindBranchCannotReachJoin {
			for _, id := range d.NodeIDs {
				if id == "right" {
					found = true
				}
			}
		}
	}
	if !found {
		t.Fatalf("diagnostic does not name the stranded branch: %v", verr.Diagnostics)
	}
}

func TestValidateJoinUnderArity(t *testing.T) {
	fork := step("fork", model.KindFork, "left", "right")
	fork.Hints.Mode = model.ModeParallel
	fork.Hints.JoinNodeID = "merge"
	// Only left feeds the join; right bypasses it then rejoins later, so
	// merge has a single upstream.
	p := mustPlan(t, []string{"start"},
		step("start", model.KindStart, "fork"),
		fork,
		step("left", model.KindNormal, "merge"),
		step("right", model.KindNormal, "tail"),
		step("merge", model.KindJoin, "tail"),
		step("tail", model.KindNormal, "end"),
		step("end", model.KindEnd),
	)
	verr := wantErrorKind(t, p, Options{}, KindJoinUnderArity)
	// The right branch never converges on the join either.
	if !verr.HasKind(KindBranchCannotReachJoin) {
		t.Fatalf("expected BranchCannotReachJoin alongside JoinUnderArity: %v", verr)
	}
}

func TestValidateDanglingReference(t *testing.T) {
	p := mustPlan(t, []string{"start"},
		step("start", model.KindStart, "ghost"),
		step("end", model.KindEnd),
	)
	wantErrorKind(t, p, Options{}, KindDanglingReference)
}

func TestValidateEdgeTypeIncompatible(t *testing.T) {
	src := step("reader", model.KindNormal, "end")
	src.Classification = model.ClassSource
	xform := step("mapper", model.KindNormal, "reader")
	p := mustPlan(t, []string{"mapper"},
		xform,
		src,
		step("end", model.KindEnd),
	)
	wantErrorKind(t, p, Options{}, KindEdgeTypeIncompatible)
}

func TestValidateSinkIntoEndIsCompatible(t *testing.T) {
	sink := step("writer", model.KindNormal, "end")
	sink.Classification = model.ClassSink
	p := mustPlan(t, []string{"start"},
		step("start", model.KindStart, "writer"),
		sink,
		step("end", model.KindEnd),
	)
	if err := ValidateOrError(p, Options{}); err != nil {
		t.Fatalf("ValidateOrError: %v", err)
	}
}

func TestValidateStrictJoinsEscalatesUndeclaredJoin(t *testing.T) {
	// A bare join merging two entries, declared by no fork.
	p := mustPlan(t, []string{"start"},
		step("start", model.KindStart, "a", "b"),
		step("a", model.KindNormal, "merge"),
		step("b", model.KindNormal, "merge"),
		step("merge", model.KindJoin, "end"),
		step("end", model.KindEnd),
	)
	// Relaxed: the undeclared join is informational, but start broadcasts
	// without being a fork, which stays a warning.
	if err := ValidateOrError(p, Options{}); err != nil {
		t.Fatalf("relaxed ValidateOrError: %v", err)
	}
	wantErrorKind(t, p, Options{StrictJoins: true}, KindUndeclaredJoin)
}

func TestValidateStrictJoinUpstreams(t *testing.T) {
	fork := step("fork", model.KindFork, "left", "right")
	fork.Hints.Mode = model.ModeParallel
	fork.Hints.JoinNodeID = "merge"
	// interloper feeds the join from outside the fork's branches.
	interloper := step("interloper", model.KindNormal, "merge")
	p := mustPlan(t, []string{"start"},
		step("start", model.KindStart, "fork"),
		fork,
		step("left", model.KindNormal, "merge"),
		step("right", model.KindNormal, "merge"),
		interloper,
		step("merge", model.KindJoin, "end"),
		step("end", model.KindEnd),
	)
	relaxed := ValidateOrError(p, Options{})
	var verr *ValidationError
	if relaxed == nil || !errors.As(relaxed, &verr) {
		t.Fatalf("want orphan error for interloper, got %v", relaxed)
	}
	if verr.HasKind(KindJoinUpstreamMismatch) {
		t.Fatalf("provenance should be a warning when relaxed: %v", verr)
	}
	strict := wantErrorKind(t, p, Options{StrictJoinUpstreams: true}, KindJoinUpstreamMismatch)
	if !strings.Contains(strict.Error(), "interloper") {
		t.Fatalf("error does not name interloper: %v", strict)
	}
}

func TestValidateRequireExplicitJoin(t *testing.T) {
	p := mustPlan(t, []string{"start"},
		step("start", model.KindStart, "work"),
		step("work", model.KindNormal, "a", "b"),
		step("a", model.KindNormal, "end"),
		step("b", model.KindNormal, "end"),
		step("end", model.KindEnd),
	)
	if err := ValidateOrError(p, Options{}); err != nil {
		t.Fatalf("relaxed ValidateOrError: %v", err)
	}
	wantErrorKind(t, p, Options{RequireExplicitJoin: true}, KindUndeclaredFork)
}

func TestValidateEmptyPlan(t *testing.T) {
	p, err := model.NewExecutionPlan("wf-validate", nil, nil)
	if err != nil {
		t.Fatalf("NewExecutionPlan: %v", err)
	}
	wantErrorKind(t, p, Options{}, KindMissingStart)
	if ValidateOrError(nil, Options{}) == nil {
		t.Fatalf("nil plan must not validate")
	}
}

type stubRule struct{ fired bool }

func (r *stubRule) Name() string { return "stub" }

func (r *stubRule) Apply(p *model.ExecutionPlan) []Diagnostic {
	r.fired = true
	return []Diagnostic{{Rule: "stub", Severity: SeverityInfo, Message: "saw " + p.WorkflowID}}
}

func TestValidateExtraRules(t *testing.T) {
	p := mustPlan(t, []string{"start"},
		step("start", model.KindStart, "end"),
		step("end", model.KindEnd),
	)
	rule := &stubRule{}
	diags := Validate(p, Options{}, rule)
	if !rule.fired {
		t.Fatalf("extra rule did not run")
	}
	found := false
	for _, d := range diags {
		if d.Rule == "stub" {
			found = true
		}
	}
	if !found {
		t.Fatalf("extra rule diagnostic missing: %v", diags)
	}
}
