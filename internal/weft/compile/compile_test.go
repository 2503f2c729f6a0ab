package compile

import (
	"errors"
	"strings"
	"testing"

	"github.com/weftworks/weft/internal/weft/model"
)

func node(id string, kind model.StepKind, next ...string) *model.StepNode {
	return &model.StepNode{NodeID: id, NodeType: "NoOp", Kind: kind, NextSteps: next}
}

func forkNode(id, join string, roots ...string) *model.StepNode {
	return &model.StepNode{
		NodeID:    id,
		NodeType:  "NoOp",
		Kind:      model.KindFork,
		NextSteps: roots,
		Hints:     model.ExecutionHints{JoinNodeID: join},
	}
}

func mustPlan(t *testing.T, entries []string, steps ...*model.StepNode) *model.ExecutionPlan {
	t.Helper()
	p, err := model.NewExecutionPlan("wf-compile", entries, steps)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	return p
}

func joined(ids []string) string { return strings.Join(ids, ",") }

func TestCompileLinearChain(t *testing.T) {
	p := mustPlan(t, []string{"start"},
		node("start", model.KindStart, "work"),
		node("work", model.KindNormal, "end"),
		node("end", model.KindEnd),
	)

	job, err := Compile(p)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if job.Name != "workflow-wf-compile" {
		t.Fatalf("name = %q", job.Name)
	}
	if len(job.Fingerprint) != 64 {
		t.Fatalf("fingerprint = %q", job.Fingerprint)
	}
	if joined(job.Entry) != "start" {
		t.Fatalf("entry = %v", job.Entry)
	}
	if joined(job.Order) != "start,work,end" {
		t.Fatalf("order = %v", job.Order)
	}
	if joined(job.Step("work").Next) != "end" {
		t.Fatalf("work.Next = %v", job.Step("work").Next)
	}
	if job.Step("end").Parallel != nil || job.Step("end").Barrier != nil {
		t.Fatal("linear steps must not grow containers or barriers")
	}
}

func TestCompileCopiesErrorTransitions(t *testing.T) {
	risky := node("risky", model.KindNormal, "end")
	risky.ErrorSteps = []string{"cleanup"}
	p := mustPlan(t, []string{"risky"},
		risky,
		node("cleanup", model.KindNormal, "end"),
		node("end", model.KindEnd),
	)

	job, err := Compile(p)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if joined(job.Step("risky").OnError) != "cleanup" {
		t.Fatalf("OnError = %v", job.Step("risky").OnError)
	}
}

func TestCompileForkJoin(t *testing.T) {
	p := mustPlan(t, []string{"fork"},
		forkNode("fork", "join", "b1", "b2"),
		node("b1", model.KindNormal, "b1x"),
		node("b1x", model.KindNormal, "join"),
		node("b2", model.KindNormal, "join"),
		node("join", model.KindJoin, "end"),
		node("end", model.KindEnd),
	)

	job, err := Compile(p)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	fork := job.Step("fork")
	if fork.Parallel == nil {
		t.Fatal("fork lost its container")
	}
	if fork.Parallel.JoinID != "join" {
		t.Fatalf("join id = %q", fork.Parallel.JoinID)
	}
	if joined(fork.Next) != "join" {
		t.Fatalf("container completion must hand control to the join, Next = %v", fork.Next)
	}

	br := fork.Parallel.Branches
	if len(br) != 2 {
		t.Fatalf("branches = %d", len(br))
	}
	if br[0].Key != "fork-b0" || br[0].Root != "b1" || joined(br[0].StepIDs) != "b1,b1x" {
		t.Fatalf("branch 0 = %+v", br[0])
	}
	if br[1].Key != "fork-b1" || br[1].Root != "b2" || joined(br[1].StepIDs) != "b2" {
		t.Fatalf("branch 1 = %+v", br[1])
	}

	join := job.Step("join")
	if join.Barrier == nil {
		t.Fatal("join lost its barrier")
	}
	if joined(join.Barrier.UpstreamBranches) != "b1,b2" {
		t.Fatalf("upstream branches = %v", join.Barrier.UpstreamBranches)
	}
}

func TestCompileNestedFork(t *testing.T) {
	p := mustPlan(t, []string{"outer"},
		forkNode("outer", "oj", "r1", "r2"),
		node("r1", model.KindNormal, "inner"),
		forkNode("inner", "ij", "i1", "i2"),
		node("i1", model.KindNormal, "ij"),
		node("i2", model.KindNormal, "ij"),
		node("ij", model.KindJoin, "oj"),
		node("r2", model.KindNormal, "oj"),
		node("oj", model.KindJoin, "end"),
		node("end", model.KindEnd),
	)

	job, err := Compile(p)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	// The outer branch carries the nested fork and its join as chain entries;
	// the nested branches live in the inner container.
	outer := job.Step("outer").Parallel
	if joined(outer.Branches[0].StepIDs) != "r1,inner,ij" {
		t.Fatalf("outer branch 0 = %v", outer.Branches[0].StepIDs)
	}

	inner := job.Step("inner").Parallel
	if inner == nil || joined(inner.Branches[0].StepIDs) != "i1" || joined(inner.Branches[1].StepIDs) != "i2" {
		t.Fatalf("inner container = %+v", inner)
	}
	if joined(job.Step("ij").Barrier.UpstreamBranches) != "i1,i2" {
		t.Fatalf("inner barrier = %v", job.Step("ij").Barrier.UpstreamBranches)
	}
}

func TestCompileDeterministicIdentity(t *testing.T) {
	build := func(extraEdge bool) *model.ExecutionPlan {
		next := []string{"end"}
		if extraEdge {
			next = []string{"end", "side"}
		}
		return mustPlan(t, []string{"start"},
			node("start", model.KindStart, next...),
			node("side", model.KindNormal),
			node("end", model.KindEnd),
		)
	}

	a, err := Compile(build(false))
	if err != nil {
		t.Fatalf("compile a: %v", err)
	}
	b, err := Compile(build(false))
	if err != nil {
		t.Fatalf("compile b: %v", err)
	}
	if a.Name != b.Name || a.Fingerprint != b.Fingerprint {
		t.Fatalf("same plan compiled to different identities: %q/%q vs %q/%q",
			a.Name, a.Fingerprint, b.Name, b.Fingerprint)
	}

	c, err := Compile(build(true))
	if err != nil {
		t.Fatalf("compile c: %v", err)
	}
	if c.Fingerprint == a.Fingerprint {
		t.Fatal("topology change must change the fingerprint")
	}
}

func TestCompileRejectsUnresolvedKinds(t *testing.T) {
	for _, kind := range []model.StepKind{model.KindDecision, model.KindSubgraph} {
		p := mustPlan(t, []string{"start"},
			node("start", model.KindStart, "odd"),
			node("odd", kind, "end"),
			node("end", model.KindEnd),
		)
		_, err := Compile(p)
		var cerr *CompilationError
		if !errors.As(err, &cerr) {
			t.Fatalf("%s: err = %v", kind, err)
		}
		if cerr.Kind != ErrUnsupportedNodeKind {
			t.Fatalf("%s: kind = %s", kind, cerr.Kind)
		}
		if joined(cerr.Missing) != "odd" {
			t.Fatalf("%s: missing = %v", kind, cerr.Missing)
		}
	}
}

func TestCompileForkWithoutJoinFails(t *testing.T) {
	p := mustPlan(t, []string{"fork"},
		forkNode("fork", "", "b1"),
		node("b1", model.KindNormal),
	)
	_, err := Compile(p)
	var cerr *CompilationError
	if !errors.As(err, &cerr) || cerr.Kind != ErrMissingJoin {
		t.Fatalf("err = %v", err)
	}
}

func TestCompileForkUnknownJoinFails(t *testing.T) {
	p := mustPlan(t, []string{"fork"},
		forkNode("fork", "ghost", "b1"),
		node("b1", model.KindNormal),
	)
	_, err := Compile(p)
	var cerr *CompilationError
	if !errors.As(err, &cerr) || cerr.Kind != ErrMissingStep {
		t.Fatalf("err = %v", err)
	}
}

func TestCompileDetectsBranchCycle(t *testing.T) {
	p := mustPlan(t, []string{"fork"},
		forkNode("fork", "join", "a"),
		node("a", model.KindNormal, "b"),
		node("b", model.KindNormal, "a"),
		node("join", model.KindJoin),
	)
	_, err := Compile(p)
	var cerr *CompilationError
	if !errors.As(err, &cerr) || cerr.Kind != ErrUnterminatedBranch {
		t.Fatalf("err = %v", err)
	}
}

func TestCompileEmptyPlanFails(t *testing.T) {
	if _, err := Compile(nil); err == nil {
		t.Fatal("nil plan must not compile")
	}
}
