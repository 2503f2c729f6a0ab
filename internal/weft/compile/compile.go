// Package compile turns a validated execution plan into a runnable Job:
// sequential and error transitions per step, fork containers with per-branch
// sub-plans, join barriers, and a stable job identity.
package compile

import (
	"fmt"

	"github.com/weftworks/weft/internal/weft/model"
)

// Job is the executable form of a plan. Steps index the compiled steps by
// node ID; Order preserves plan insertion order; Entry lists the roots the
// runtime starts from.
//
// Identity is deterministic: compiling the same plan twice yields the same
// Name and Fingerprint.
type Job struct {
	Name        string
	WorkflowID  string
	Fingerprint string
	Steps       map[string]*CompiledStep
	Order       []string
	Entry       []string
}

// Step returns the compiled step for id, nil when absent.
func (j *Job) Step(id string) *CompiledStep {
	return j.Steps[id]
}

// CompiledStep pairs a plan node with its resolved transitions. Next is
// followed on normal completion, OnError on failed/stopped/unknown. A fork
// carries its Parallel container and a join its Barrier.
type CompiledStep struct {
	Step     *model.StepNode
	Next     []string
	OnError  []string
	Parallel *ParallelContainer
	Barrier  *Barrier
}

// ParallelContainer holds a fork's branches. Container completion hands
// control to JoinID.
type ParallelContainer struct {
	Branches []BranchPlan
	JoinID   string
}

// BranchPlan is one fork branch: the chain from Root up to the join,
// exclusive. Key names the branch task for logs and diagnostics.
type BranchPlan struct {
	Key     string
	Root    string
	StepIDs []string
}

// Barrier blocks a join until every upstream branch has reported.
type Barrier struct {
	UpstreamBranches []string
}

// Compile walks a validated plan and emits its Job. DECISION and SUBGRAPH
// nodes must have been resolved away by earlier stages; meeting one here is
// an UnsupportedNodeKind error.
func Compile(p *model.ExecutionPlan) (*Job, error) {
	if p == nil || len(p.Order) == 0 {
		return nil, compileErrf(ErrMissingStep, nil, "plan has no steps")
	}

	for _, id := range p.Order {
		if k := p.Steps[id].Kind; k == model.KindDecision || k == model.KindSubgraph {
			return nil, compileErrf(ErrUnsupportedNodeKind, []string{id},
				"node kind %s must be resolved before compilation", k)
		}
	}

	job := &Job{
		Name:        "workflow-" + p.WorkflowID,
		WorkflowID:  p.WorkflowID,
		Fingerprint: p.Fingerprint(),
		Steps:       make(map[string]*CompiledStep, len(p.Order)),
		Order:       append([]string(nil), p.Order...),
		Entry:       append([]string(nil), p.EntryStepIDs...),
	}
	for _, id := range p.Order {
		s := p.Steps[id]
		job.Steps[id] = &CompiledStep{
			Step:    s,
			Next:    append([]string(nil), s.NextSteps...),
			OnError: append([]string(nil), s.ErrorSteps...),
		}
	}

	for _, id := range p.Order {
		if s := p.Steps[id]; s.Kind == model.KindFork {
			if err := compileFork(p, job, s); err != nil {
				return nil, err
			}
		}
	}
	return job, nil
}

func compileFork(p *model.ExecutionPlan, job *Job, fork *model.StepNode) error {
	joinID := fork.Hints.JoinNodeID
	if joinID == "" {
		return compileErrf(ErrMissingJoin, []string{fork.NodeID},
			"fork %s has no join target", fork.NodeID)
	}
	join := job.Steps[joinID]
	if join == nil {
		return compileErrf(ErrMissingStep, []string{fork.NodeID, joinID},
			"fork %s joins at unknown node %s", fork.NodeID, joinID)
	}

	branches := make([]BranchPlan, 0, len(fork.NextSteps))
	for i, root := range fork.NextSteps {
		ids, err := branchChain(p, root, joinID)
		if err != nil {
			return err
		}
		branches = append(branches, BranchPlan{
			Key:     fmt.Sprintf("%s-b%d", fork.NodeID, i),
			Root:    root,
			StepIDs: ids,
		})
	}

	cs := job.Steps[fork.NodeID]
	cs.Parallel = &ParallelContainer{Branches: branches, JoinID: joinID}
	// The fork's raw edges are its branch roots; the compiled transition is
	// container completion to the join.
	cs.Next = []string{joinID}

	if join.Barrier == nil {
		join.Barrier = &Barrier{}
	}
	join.Barrier.UpstreamBranches = appendMissing(join.Barrier.UpstreamBranches, fork.NextSteps...)
	return nil
}

// branchChain walks root's sequential chain up to stop, exclusive. A nested
// fork contributes one entry; its branches belong to its own container, so
// the walk resumes at the nested join.
func branchChain(p *model.ExecutionPlan, root, stop string) ([]string, error) {
	var ids []string
	cur := root
	for cur != "" && cur != stop {
		if len(ids) >= len(p.Order) {
			return nil, compileErrf(ErrUnterminatedBranch, []string{root, stop},
				"branch from %s never reaches %s", root, stop)
		}
		s := p.Steps[cur]
		if s == nil {
			return nil, compileErrf(ErrMissingStep, []string{cur},
				"branch references unknown node %s", cur)
		}
		ids = append(ids, cur)
		switch {
		case s.Kind == model.KindFork:
			cur = s.Hints.JoinNodeID
		case len(s.NextSteps) > 0:
			cur = s.NextSteps[0]
		default:
			cur = ""
		}
	}
	return ids, nil
}

func appendMissing(dst []string, items ...string) []string {
	for _, it := range items {
		found := false
		for _, d := range dst {
			if d == it {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, it)
		}
	}
	return dst
}
