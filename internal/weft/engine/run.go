package engine

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/weftworks/weft/internal/weft/compile"
	"github.com/weftworks/weft/internal/weft/exec"
	"github.com/weftworks/weft/internal/weft/model"
	"github.com/weftworks/weft/internal/weft/persist"
	"github.com/weftworks/weft/internal/weft/policy"
	"github.com/weftworks/weft/internal/weft/runstate"
	"github.com/weftworks/weft/internal/weft/runtime"
)

// execution is the per-job state shared by every branch goroutine. All fields
// are read-only after Execute sets them up; the store, sink, and run-state
// writer serialize internally.
type execution struct {
	id      string
	job     *compile.Job
	store   persist.Store
	sink    *persist.LogSink
	rs      *runstate.Writer
	log     zerolog.Logger
	workDir string
}

func (x *execution) invocation(records []map[string]any, ports map[string][]map[string]any) *exec.Invocation {
	return &exec.Invocation{
		ExecutionID: x.id,
		WorkflowID:  x.job.WorkflowID,
		WorkDir:     x.workDir,
		Records:     records,
		Ports:       ports,
	}
}

func (x *execution) event(name string, fields map[string]any) {
	if x.rs == nil {
		return
	}
	ev := map[string]any{
		"event":        name,
		"execution_id": x.id,
		"workflow_id":  x.job.WorkflowID,
	}
	for k, v := range fields {
		ev[k] = v
	}
	x.rs.Append(ev)
}

// cancelRequested is the cooperative cancellation checkpoint: the persisted
// status is authoritative, the run-state flag file covers requests from
// outside the process.
func (x *execution) cancelRequested(ctx context.Context) bool {
	if raw, err := x.store.ReadExecutionStatus(ctx, x.id); err == nil {
		if st, perr := runtime.ParseJobStatus(raw); perr == nil && st == runtime.JobCancelRequested {
			return true
		}
	}
	return x.rs != nil && runstate.CancelRequested(x.rs.Dir())
}

// branchResult is what one sequential chain leaves behind: the terminal
// status of its last step, the records flowing out of it, and the port that
// names them at a downstream join.
type branchResult struct {
	status  runtime.NodeStatus
	records []map[string]any
	port    string
	failure string
	err     *RuntimeError
}

func transitionLimit(steps int) int {
	return 4*steps + 16
}

// runBranch executes the chain from root up to stop, exclusive. Within the
// chain every step runs sequentially on the calling goroutine; only fork
// containers fan out.
func (e *Engine) runBranch(ctx context.Context, x *execution, root, stop string, in *exec.Invocation) branchResult {
	out := branchResult{status: runtime.NodeSuccess}
	limit := transitionLimit(len(x.job.Order))
	cur := root
	for steps := 0; cur != "" && cur != stop; steps++ {
		if steps > limit {
			out.err = runtimeErrf(ErrExecutorFailure, cur, "transition limit exceeded after %d steps", limit)
			out.status = runtime.NodeFailed
			out.failure = out.err.Message
			return out
		}
		if ctx.Err() != nil {
			out.err = runtimeErrf(ErrCancellationRequested, cur, "context cancelled before node %s", cur)
			out.status = runtime.NodeStopped
			out.failure = out.err.Message
			return out
		}
		if x.cancelRequested(ctx) {
			x.event("cancel_observed", map[string]any{"node_id": cur, "status": string(runtime.JobCancelRequested)})
			out.err = runtimeErrf(ErrCancellationRequested, cur, "cancellation requested")
			out.status = runtime.NodeStopped
			out.failure = out.err.Message
			return out
		}
		cs := x.job.Steps[cur]
		if cs == nil {
			out.err = runtimeErrf(ErrExecutorFailure, cur, "job references unknown node %s", cur)
			out.status = runtime.NodeFailed
			out.failure = out.err.Message
			return out
		}

		if cs.Parallel != nil {
			ports, failure, rerr := e.runContainer(ctx, x, cs, in)
			if rerr != nil {
				out.err = rerr
				out.status = runtime.NodeStopped
				out.failure = rerr.Message
				return out
			}
			if failure != "" {
				out.status = runtime.NodeFailed
				out.failure = failure
				if len(cs.OnError) > 0 {
					cur = cs.OnError[0]
					continue
				}
				return out
			}
			in = x.invocation(nil, ports)
			out.status = runtime.NodeSuccess
			out.failure = ""
			out.port = ""
			if len(cs.Next) == 0 {
				break
			}
			cur = cs.Next[0]
			continue
		}

		res, routeTo, rerr := e.executeWithRetry(ctx, x, cs, in)
		if rerr != nil {
			out.err = rerr
			out.status = runtime.NodeStopped
			out.failure = rerr.Message
			return out
		}

		switch {
		case res.Succeeded():
			if res.Status == runtime.NodeSuccess {
				in = x.invocation(res.Records, nil)
			}
			out.status = res.Status
			out.failure = ""
			out.port = res.Port
			nxt, serr := successor(cs, res)
			if serr != nil {
				out.err = serr
				out.status = runtime.NodeFailed
				out.failure = serr.Message
				return out
			}
			cur = nxt
		case routeTo != "":
			// Policy-level ROUTE: the failed step is handled, records flow on
			// unchanged.
			cur = routeTo
		default:
			out.status = res.Status
			out.failure = res.Err
			if len(cs.OnError) > 0 {
				cur = cs.OnError[0]
				continue
			}
			return out
		}
	}
	out.records = in.Records
	return out
}

// successor picks the next node: the edge matching the result's output port
// when one was routed, the first edge otherwise.
func successor(cs *compile.CompiledStep, res runtime.Result) (string, *RuntimeError) {
	if res.Port != "" && len(cs.Step.OutputPorts) > 0 {
		for i, p := range cs.Step.OutputPorts {
			if p != res.Port {
				continue
			}
			if i < len(cs.Next) {
				return cs.Next[i], nil
			}
			return "", runtimeErrf(ErrExecutorFailure, cs.Step.NodeID, "port %q has no outgoing edge", res.Port)
		}
		return "", runtimeErrf(ErrExecutorFailure, cs.Step.NodeID, "routed to unknown port %q", res.Port)
	}
	if len(cs.Next) > 0 {
		return cs.Next[0], nil
	}
	return "", nil
}

// runContainer fans a fork's branches out on the pool and waits on the join
// barrier. It returns the join's input ports keyed by branch root (or by the
// port the branch's last step routed to).
func (e *Engine) runContainer(ctx context.Context, x *execution, cs *compile.CompiledStep, in *exec.Invocation) (map[string][]map[string]any, string, *RuntimeError) {
	pc := cs.Parallel
	nodeID := cs.Step.NodeID
	uctx := context.WithoutCancel(ctx)

	start := time.Now()
	rowID, err := x.store.InsertNodeExecution(uctx, x.id, nodeID, cs.Step.NodeType, start)
	if err != nil {
		return nil, "", runtimeErrf(ErrExecutorFailure, nodeID, "open node row: %v", err)
	}
	x.event("fork_start", map[string]any{"node_id": nodeID, "branches": len(pc.Branches)})

	upstream := make([]string, 0, len(pc.Branches))
	for _, br := range pc.Branches {
		upstream = append(upstream, br.Root)
	}
	if join := x.job.Steps[pc.JoinID]; join != nil && join.Barrier != nil {
		upstream = join.Barrier.UpstreamBranches
	}
	b := newBarrier(upstream)
	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// COMPENSATE_AND_COMPLETE admits failed branches: the barrier holds until
	// every sibling finishes instead of short-circuiting.
	admit := e.policy == model.PolicyCompensateAndComplete

	var mu sync.Mutex
	ports := make(map[string][]map[string]any, len(pc.Branches))
	var sawCancel atomic.Bool

	snap := runtime.Snapshot(ctx)
	for _, br := range pc.Branches {
		br := br
		branchIn := x.invocation(in.Records, nil)
		task := Task(func(worker string) {
			d := snap.With(runtime.DiagBranch, br.Key).With(runtime.DiagWorker, worker)
			tctx := runtime.Install(bctx, d)
			res := e.runBranch(tctx, x, br.Root, pc.JoinID, branchIn)
			if res.err != nil {
				if res.err.Kind == ErrCancellationRequested {
					sawCancel.Store(true)
				}
				b.report(br.Root, res.err.Error(), false)
				return
			}
			if res.status.Faulted() {
				b.report(br.Root, res.failure, admit)
				return
			}
			name := br.Root
			if res.port != "" {
				name = res.port
			}
			mu.Lock()
			ports[name] = append(ports[name], res.records...)
			mu.Unlock()
			b.report(br.Root, "", false)
		})
		if serr := e.pool.Submit(task); serr != nil {
			b.report(br.Root, serr.Error(), false)
		}
	}

	failure, werr := b.wait(ctx)
	if failure != "" || werr != nil {
		// Cancel the siblings and let in-flight branches reach their next
		// checkpoint before anything finalizes behind them.
		cancel()
		b.drainAll()
	}

	end := time.Now()
	status := runtime.NodeSuccess
	errMsg := ""
	switch {
	case sawCancel.Load() || (werr != nil && failure == ""):
		status = runtime.NodeStopped
		if errMsg = failure; errMsg == "" {
			errMsg = "cancellation requested"
		}
	case failure != "":
		status = runtime.NodeFailed
		errMsg = failure
	}
	if uerr := x.store.UpdateNodeExecution(uctx, rowID, string(status), end, end.Sub(start).Milliseconds(), 0, errMsg); uerr != nil {
		x.log.Error().Err(uerr).Str("node", nodeID).Msg("close node row failed")
	}
	e.met.ObserveStep(string(status), end.Sub(start))
	x.event("fork_end", map[string]any{"node_id": nodeID, "status": string(status), "failure_reason": errMsg})

	if status == runtime.NodeStopped {
		return nil, "", runtimeErrf(ErrCancellationRequested, nodeID, "%s", errMsg)
	}
	if failure != "" {
		return nil, failure, nil
	}
	return ports, "", nil
}

// executeWithRetry runs one step under its failure policy: retries with
// backoff, skips, routes, or stops. The route target comes back as the second
// value; a RuntimeError comes back only for observed cancellation.
func (e *Engine) executeWithRetry(ctx context.Context, x *execution, cs *compile.CompiledStep, in *exec.Invocation) (runtime.Result, string, *RuntimeError) {
	nodeID := cs.Step.NodeID
	for attempt := 1; ; attempt++ {
		res, rerr := e.invokeRecorded(ctx, x, cs, in, attempt)
		if rerr != nil {
			if rerr.Kind == ErrCancellationRequested {
				return res, "", rerr
			}
			res = runtime.Result{Status: runtime.NodeFailed, Err: rerr.Error(), ExitCode: 1}
		}
		if res.Succeeded() {
			return res, "", nil
		}

		d := policy.Decide(cs.Step.OnFailure, attempt, policy.RetrySeed(x.id, nodeID, attempt))
		log := runtime.LoggerFrom(ctx, e.log)
		switch d.Kind {
		case policy.Retry:
			x.event("retry_scheduled", map[string]any{
				"node_id": nodeID, "attempt": attempt, "delay_ms": d.Delay.Milliseconds(),
			})
			log.Warn().Str("node", nodeID).Int("attempt", attempt).
				Dur("delay", d.Delay).Msg("step failed, retrying")
			if err := ctxSleep(ctx, d.Delay); err != nil {
				return res, "", runtimeErrf(ErrCancellationRequested, nodeID, "cancelled during retry backoff")
			}
		case policy.Skip:
			log.Warn().Str("node", nodeID).Str("error", res.Err).Msg("step failed, skipping")
			return runtime.Result{Status: runtime.NodeSkipped, Err: res.Err}, "", nil
		case policy.Route:
			log.Warn().Str("node", nodeID).Str("target", d.Target).Msg("step failed, routing")
			return res, d.Target, nil
		default:
			return res, "", nil
		}
	}
}

// invokeRecorded wraps one executor attempt in its persistence rows, events,
// metrics, and log lines. Insert failures fail the attempt; close failures
// are logged and swallowed.
func (e *Engine) invokeRecorded(ctx context.Context, x *execution, cs *compile.CompiledStep, in *exec.Invocation, attempt int) (runtime.Result, *RuntimeError) {
	step := cs.Step
	nodeID := step.NodeID
	log := runtime.LoggerFrom(ctx, e.log)
	uctx := context.WithoutCancel(ctx)

	start := time.Now()
	rowID, err := x.store.InsertNodeExecution(uctx, x.id, nodeID, step.NodeType, start)
	if err != nil {
		return runtime.Result{}, runtimeErrf(ErrExecutorFailure, nodeID, "open node row: %v", err)
	}
	x.event("step_start", map[string]any{
		"node_id": nodeID, "node_type": step.NodeType, "attempt": attempt,
	})
	log.Debug().Str("node", nodeID).Str("type", step.NodeType).Int("attempt", attempt).Msg("step started")

	res, rerr, stack := e.invoke(ctx, cs, in)

	end := time.Now()
	dur := end.Sub(start)
	status := res.Status
	errMsg := res.Err
	if rerr != nil {
		status = runtime.NodeFailed
		if rerr.Kind == ErrCancellationRequested {
			status = runtime.NodeStopped
		}
		errMsg = rerr.Error()
	}
	if uerr := x.store.UpdateNodeExecution(uctx, rowID, string(status), end, dur.Milliseconds(), res.RecordsProcessed(), errMsg); uerr != nil {
		log.Error().Err(uerr).Str("node", nodeID).Msg("close node row failed")
	}
	e.met.ObserveStep(string(status), dur)

	ev := map[string]any{
		"node_id": nodeID, "status": string(status), "attempt": attempt,
		"duration_ms": dur.Milliseconds(), "records": res.RecordsProcessed(),
	}
	if errMsg != "" {
		ev["failure_reason"] = errMsg
	}
	x.event("step_end", ev)

	// Steps opt into a node_metrics event carrying only the flagged dimensions.
	if m := step.Metrics; m.Time || m.Read || m.Write || m.Error {
		mev := map[string]any{"node_id": nodeID, "attempt": attempt}
		if m.Time {
			mev["duration_ms"] = dur.Milliseconds()
		}
		if m.Read {
			mev["read_count"] = res.ReadCount
		}
		if m.Write {
			mev["write_count"] = res.WriteCount
		}
		if m.Error {
			errCount := 0
			if errMsg != "" {
				errCount = 1
			}
			mev["error_count"] = errCount
		}
		x.event("node_metrics", mev)
	}

	if errMsg != "" {
		x.sink.Append(persist.LogEntry{
			ExecutionID: x.id,
			TS:          end,
			Level:       "ERROR",
			NodeID:      nodeID,
			Message:     errMsg,
			StackTrace:  stack,
		})
		log.Error().Str("node", nodeID).Str("status", string(status)).Msg(errMsg)
	} else {
		log.Info().Str("node", nodeID).Str("status", string(status)).
			Dur("took", dur).Int64("records", res.RecordsProcessed()).Msg("step finished")
	}

	if status == runtime.NodeSuccess && len(res.Records) > 0 && step.ConfigBool("saveOutput", false) {
		if serr := x.store.SaveNodeOutputRecords(uctx, x.id, nodeID, res.Records); serr != nil {
			log.Error().Err(serr).Str("node", nodeID).Msg("save output records failed")
		}
	}
	return res, rerr
}

// invoke resolves and calls the executor with the per-node timeout applied,
// converting panics, timeouts, and cancellations into RuntimeErrors.
func (e *Engine) invoke(ctx context.Context, cs *compile.CompiledStep, in *exec.Invocation) (res runtime.Result, rerr *RuntimeError, stack string) {
	step := cs.Step
	nodeID := step.NodeID

	ex, ok := e.reg.Resolve(step.NodeType)
	if !ok {
		return runtime.Result{}, runtimeErrf(ErrExecutorFailure, nodeID, "no executor registered for node type %q", step.NodeType), ""
	}

	ictx := ctx
	timeout := step.Hints.Timeout()
	if timeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res = runtime.Result{}
			rerr = runtimeErrf(ErrExecutorFailure, nodeID, "executor panic: %v", r)
			stack = string(debug.Stack())
		}
	}()

	out, err := ex.Execute(ictx, step, in)
	if err != nil {
		switch {
		case timeout > 0 && errors.Is(ictx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			return runtime.Result{}, runtimeErrf(ErrTimeout, nodeID, "node timed out after %s", timeout), ""
		case ctx.Err() != nil:
			return runtime.Result{}, runtimeErrf(ErrCancellationRequested, nodeID, "cancelled while executing: %v", err), ""
		default:
			return runtime.Result{}, runtimeErrf(ErrExecutorFailure, nodeID, "%v", err), ""
		}
	}

	canon, err := out.Canonicalize()
	if err != nil {
		return runtime.Result{}, runtimeErrf(ErrExecutorFailure, nodeID, "invalid executor result: %v", err), ""
	}
	if verr := canon.Validate(); verr != nil {
		return runtime.Result{}, runtimeErrf(ErrExecutorFailure, nodeID, "invalid executor result: %v", verr), ""
	}
	return canon, nil, ""
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
