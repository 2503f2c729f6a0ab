// Package engine runs compiled jobs: a shared bounded worker pool schedules
// fork branches, barriers gate joins, failures flow through the per-node
// policy and then the workflow-level one, and every step leaves a persistence
// row and a runstate event behind.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/weftworks/weft/internal/weft/compile"
	"github.com/weftworks/weft/internal/weft/config"
	"github.com/weftworks/weft/internal/weft/exec"
	"github.com/weftworks/weft/internal/weft/metrics"
	"github.com/weftworks/weft/internal/weft/model"
	"github.com/weftworks/weft/internal/weft/persist"
	"github.com/weftworks/weft/internal/weft/policy"
	"github.com/weftworks/weft/internal/weft/runstate"
	"github.com/weftworks/weft/internal/weft/runtime"
)

// Options configures an Engine. Every field has a usable default: in-memory
// store, built-in executor catalog, default config, fresh metrics set.
type Options struct {
	Store    persist.Store
	Registry *exec.Registry
	Config   *config.Config
	Logger   zerolog.Logger
	Metrics  *metrics.Set

	// StateRoot is where per-execution run files live. Empty disables them.
	StateRoot string
	// WorkDir anchors relative paths in executor configs.
	WorkDir string
}

// Engine owns one worker pool and runs any number of jobs against one store.
type Engine struct {
	store     persist.Store
	reg       *exec.Registry
	cfg       *config.Config
	log       zerolog.Logger
	met       *metrics.Set
	pool      *Pool
	policy    model.WorkflowErrorPolicy
	stateRoot string
	workDir   string

	mu   sync.Mutex
	down bool
}

// Report is what Execute hands back for one finished job.
type Report struct {
	ExecutionID   string
	WorkflowID    string
	Status        runtime.JobStatus
	FailureReason string
	StartedAt     time.Time
	EndedAt       time.Time
}

// New builds an Engine and starts its worker pool.
func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	store := opts.Store
	if store == nil {
		store = persist.NewMemStore()
	}
	reg := opts.Registry
	if reg == nil {
		reg = exec.NewDefaultRegistry()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.NewSet()
	}
	ex := cfg.Workflow.Executor
	pool := NewPool(
		ex.CorePoolSize, ex.MaxPoolSize, ex.QueueCapacity, ex.ThreadNamePrefix,
		time.Duration(ex.AwaitTerminationSeconds)*time.Second,
		opts.Logger, met,
	)
	return &Engine{
		store:     store,
		reg:       reg,
		cfg:       cfg,
		log:       opts.Logger,
		met:       met,
		pool:      pool,
		policy:    cfg.ErrorPolicy(),
		stateRoot: opts.StateRoot,
		workDir:   opts.WorkDir,
	}
}

// Metrics exposes the engine's collector set.
func (e *Engine) Metrics() *metrics.Set {
	return e.met
}

// Execute runs one compiled job to its terminal status. The returned error is
// only for work that never started: a nil job, a node type with no executor,
// a store that refused the execution row, or an engine already shut down.
// Runtime failures land in the Report.
func (e *Engine) Execute(ctx context.Context, job *compile.Job) (*Report, error) {
	if job == nil || len(job.Steps) == 0 {
		return nil, fmt.Errorf("engine: empty job")
	}
	if e.isDown() {
		return nil, runtimeErrf(ErrExecutorShutdown, "", "engine is shut down")
	}
	types := make([]string, 0, len(job.Order))
	for _, id := range job.Order {
		types = append(types, job.Steps[id].Step.NodeType)
	}
	if err := e.reg.CheckCatalog(types); err != nil {
		return nil, err
	}

	executionID := ulid.Make().String()
	diag := runtime.NewDiag(executionID, job.WorkflowID)
	ctx = runtime.Install(ctx, diag)
	log := diag.Logger(e.log)
	start := time.Now()

	if err := e.store.InsertExecution(ctx, executionID, job.WorkflowID, start, len(job.Order)); err != nil {
		return nil, fmt.Errorf("engine: open execution row: %w", err)
	}

	var rs *runstate.Writer
	if e.stateRoot != "" {
		w, err := runstate.NewWriter(e.stateRoot, executionID)
		if err != nil {
			log.Warn().Err(err).Msg("run state disabled for this execution")
		} else {
			rs = w
		}
	}

	x := &execution{
		id:      executionID,
		job:     job,
		store:   e.store,
		sink:    persist.NewLogSink(e.store, 256, log),
		rs:      rs,
		log:     log,
		workDir: e.workDir,
	}
	x.event("job_start", map[string]any{
		"status":      string(runtime.JobRunning),
		"job":         job.Name,
		"fingerprint": job.Fingerprint,
		"total_nodes": len(job.Order),
	})
	log.Info().Str("job", job.Name).Str("fingerprint", job.Fingerprint).
		Int("nodes", len(job.Order)).Msg("execution started")

	var failure string
	var cancelled bool
	for _, entry := range job.Entry {
		br := e.runBranch(ctx, x, entry, "", x.invocation(nil, nil))
		if br.err != nil {
			failure = br.err.Error()
			cancelled = br.err.Kind == ErrCancellationRequested
			break
		}
		if br.status.Faulted() {
			failure = br.failure
			break
		}
	}

	return e.finish(ctx, x, start, failure, cancelled), nil
}

// Cancel asks a running execution to stop at its next step boundary. The flag
// is persisted through the store and mirrored to the run-state directory so
// out-of-process runs see it too.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	raw, err := e.store.ReadExecutionStatus(ctx, executionID)
	if err != nil {
		return err
	}
	st, err := runtime.ParseJobStatus(raw)
	if err != nil {
		return err
	}
	if st.Terminal() {
		return fmt.Errorf("engine: execution %s already %s", executionID, st)
	}
	if err := e.store.UpdateExecutionStatus(ctx, executionID, string(runtime.JobCancelRequested), time.Time{}, ""); err != nil {
		return err
	}
	if e.stateRoot != "" {
		if err := runstate.RequestCancel(filepath.Join(e.stateRoot, executionID)); err != nil {
			e.log.Warn().Err(err).Str("execution_id", executionID).Msg("cancel flag not written to run state")
		}
	}
	return nil
}

// Shutdown stops accepting work and drains the pool within the configured
// termination bound. It reports whether the drain completed in time.
func (e *Engine) Shutdown() bool {
	e.mu.Lock()
	if e.down {
		e.mu.Unlock()
		return true
	}
	e.down = true
	e.mu.Unlock()
	return e.pool.Shutdown()
}

func (e *Engine) isDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.down
}

// finish runs the compensation pass when the policy calls for one, writes the
// terminal status, rolls up totals, and closes the per-execution sinks.
func (e *Engine) finish(ctx context.Context, x *execution, start time.Time, failure string, cancelled bool) *Report {
	fctx := context.WithoutCancel(ctx)

	disposition := runtime.JobSuccess
	if cancelled {
		disposition = runtime.JobCancelled
	} else if failure != "" {
		if e.policy.Compensates() {
			x.event("compensation_start", nil)
			e.compensate(fctx, x)
			x.event("compensation_end", nil)
		}
		disposition = policy.Disposition(e.policy)
	}

	current := runtime.JobRunning
	if raw, err := x.store.ReadExecutionStatus(fctx, x.id); err == nil {
		if st, perr := runtime.ParseJobStatus(raw); perr == nil {
			current = st
		}
	}
	final := runtime.Finalize(current, disposition)

	errMsg := failure
	if final == runtime.JobSuccess {
		errMsg = ""
	}
	end := time.Now()
	if err := x.store.UpdateExecutionStatus(fctx, x.id, string(final), end, errMsg); err != nil {
		x.log.Error().Err(err).Msg("write terminal execution status failed")
	}
	if err := x.store.RollupExecutionTotals(fctx, x.id); err != nil {
		x.log.Error().Err(err).Msg("execution totals rollup failed")
	}
	x.event("job_end", map[string]any{"status": string(final), "failure_reason": errMsg})
	x.sink.Close()
	if x.rs != nil {
		if err := x.rs.WriteFinal(runstate.FinalDoc{
			Status:        string(final),
			ExecutionID:   x.id,
			WorkflowID:    x.job.WorkflowID,
			FailureReason: errMsg,
		}); err != nil {
			x.log.Warn().Err(err).Msg("final run-state doc not written")
		}
		_ = x.rs.Close()
	}
	e.met.ObserveExecution(string(final))
	x.log.Info().Str("status", string(final)).Dur("took", end.Sub(start)).Msg("execution finished")

	return &Report{
		ExecutionID:   x.id,
		WorkflowID:    x.job.WorkflowID,
		Status:        final,
		FailureReason: failure,
		StartedAt:     start,
		EndedAt:       end,
	}
}

// compensate executes the compensation nodes in plan insertion order on the
// caller goroutine. Individual compensation failures are logged and do not
// stop the pass.
func (e *Engine) compensate(ctx context.Context, x *execution) {
	for _, id := range x.job.Order {
		cs := x.job.Steps[id]
		if !policy.Compensator(cs.Step) {
			continue
		}
		res, rerr := e.invokeRecorded(ctx, x, cs, x.invocation(nil, nil), 1)
		switch {
		case rerr != nil:
			x.log.Error().Str("node", id).Str("error", rerr.Error()).Msg("compensation step failed")
		case !res.Succeeded():
			x.log.Error().Str("node", id).Str("error", res.Err).Msg("compensation step failed")
		}
	}
}
