package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/weftworks/weft/internal/weft/model"
	"github.com/weftworks/weft/internal/weft/runtime"
)

// StartExecutor opens a branch. Control no-op: records pass through.
type StartExecutor struct{}

func (e *StartExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	return passThrough(in), nil
}

// EndExecutor closes a branch. Control no-op: records pass through.
type EndExecutor struct{}

func (e *EndExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	return passThrough(in), nil
}

// NoOpExecutor does nothing, successfully.
type NoOpExecutor struct{}

func (e *NoOpExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	return passThrough(in), nil
}

// FailJobExecutor always fails. Its place is in error-routing workflows and
// the tests that exercise them.
type FailJobExecutor struct{}

func (e *FailJobExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	msg := strings.TrimSpace(step.ConfigString("message"))
	if msg == "" {
		msg = "failure requested by node " + step.NodeID
	}
	return runtime.Result{Status: runtime.NodeFailed, Err: msg, ExitCode: 1}, nil
}

// DelayExecutor waits for config.durationMs (or a config.duration string like
// "1500ms"), honoring context cancellation.
type DelayExecutor struct{}

func (e *DelayExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	d, err := delayFor(step)
	if err != nil {
		return runtime.Result{}, err
	}
	if d <= 0 {
		return passThrough(in), nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return runtime.Result{}, ctx.Err()
	case <-t.C:
	}
	return passThrough(in), nil
}

func delayFor(step *model.StepNode) (time.Duration, error) {
	if ms := step.ConfigInt("durationMs", 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond, nil
	}
	raw := strings.TrimSpace(step.ConfigString("duration"))
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("delay: invalid config.duration %q: %w", raw, err)
	}
	return d, nil
}

// CommandExecutor runs config.command through "sh -c" in its own process
// group so the whole tree dies on timeout or cancel. Output is captured and
// emitted as a single record.
type CommandExecutor struct{}

func (e *CommandExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	cmdStr := strings.TrimSpace(step.ConfigString("command"))
	if cmdStr == "" {
		return runtime.Result{}, fmt.Errorf("command: config.command is required")
	}

	cmd := osexec.CommandContext(ctx, "sh", "-c", cmdStr)
	if dir := commandDir(step, in); dir != "" {
		cmd.Dir = dir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return runtime.Result{}, ctx.Err()
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		res := runtime.Failed(fmt.Errorf("command %q failed: %s", cmdStr, detail))
		var xerr *osexec.ExitError
		if errors.As(err, &xerr) {
			res.ExitCode = xerr.ExitCode()
		}
		return res, nil
	}

	rec := map[string]any{
		"stdout":    strings.TrimSpace(stdout.String()),
		"exit_code": 0,
	}
	return runtime.Result{
		Status:     runtime.NodeSuccess,
		WriteCount: 1,
		Records:    []map[string]any{rec},
	}, nil
}

func commandDir(step *model.StepNode, in *Invocation) string {
	dir := strings.TrimSpace(step.ConfigString("workdir"))
	base := ""
	if in != nil {
		base = in.WorkDir
	}
	if dir == "" {
		return base
	}
	if !filepath.IsAbs(dir) && base != "" {
		return filepath.Join(base, dir)
	}
	return dir
}

// CompensationExecutor is the control node the compensation pass runs. With
// config.command it behaves like Command; otherwise it is a no-op marker.
type CompensationExecutor struct{}

func (e *CompensationExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	if strings.TrimSpace(step.ConfigString("command")) == "" {
		return runtime.Success(), nil
	}
	return (&CommandExecutor{}).Execute(ctx, step, in)
}
