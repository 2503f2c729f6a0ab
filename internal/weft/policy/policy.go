// Package policy turns a step failure into a scheduling decision. Decisions
// are pure functions of the node's FailurePolicy and the attempt number, so
// the engine can evaluate them without holding any lock.
package policy

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/weftworks/weft/internal/weft/model"
	"github.com/weftworks/weft/internal/weft/runtime"
)

// Kind is what the engine should do with a failed step.
type Kind string

const (
	Retry Kind = "retry"
	Skip  Kind = "skip"
	Route Kind = "route"
	Stop  Kind = "stop"
)

// Decision carries the chosen action plus its parameters. Delay is set only
// for Retry, Target only for Route.
type Decision struct {
	Kind   Kind
	Delay  time.Duration
	Target string
}

// Decide maps a failure on the given attempt to a decision. attempt is
// 1-indexed: the first execution that failed is attempt 1, so a policy with
// MaxRetries=3 allows attempts 1..3 to retry and escalates on attempt 4.
func Decide(p model.FailurePolicy, attempt int, seed string) Decision {
	p = p.Normalize()
	if attempt < 1 {
		attempt = 1
	}
	switch p.Action {
	case model.ActionRetry:
		if attempt <= p.MaxRetries {
			return Decision{Kind: Retry, Delay: DelayForAttempt(attempt, BackoffFromPolicy(p), seed)}
		}
		if p.SkipOnError {
			return Decision{Kind: Skip}
		}
		return Decision{Kind: Stop}
	case model.ActionSkip:
		return Decision{Kind: Skip}
	case model.ActionRoute:
		if strings.TrimSpace(p.RouteToNode) != "" {
			return Decision{Kind: Route, Target: p.RouteToNode}
		}
		return Decision{Kind: Stop}
	default:
		if p.SkipOnError {
			return Decision{Kind: Skip}
		}
		return Decision{Kind: Stop}
	}
}

// Disposition maps the workflow-level error policy to the job status written
// when a branch stop goes unhandled. Compensating policies still finalize to
// one of these after the compensation pass runs.
func Disposition(p model.WorkflowErrorPolicy) runtime.JobStatus {
	switch p {
	case model.PolicyStop:
		return runtime.JobStopped
	case model.PolicyCompensateAndComplete:
		return runtime.JobSuccess
	default:
		return runtime.JobFailed
	}
}

// Compensator reports whether a node takes part in the compensation pass.
// Only CONTROL-classified nodes qualify, either by type or by an explicit
// config flag.
func Compensator(n *model.StepNode) bool {
	if n == nil || n.Classification != model.ClassControl {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(n.NodeType), "Compensation") {
		return true
	}
	return n.ConfigBool("compensator", false)
}

// BackoffConfig shapes retry delays: base grows geometrically and is capped.
type BackoffConfig struct {
	InitialDelayMS int64
	BackoffFactor  float64
	MaxDelayMS     int64
	Jitter         bool
}

// BackoffFromPolicy derives the backoff schedule from a normalized policy.
// The policy's RetryDelayMS is the base for the first retry.
func BackoffFromPolicy(p model.FailurePolicy) BackoffConfig {
	base := p.RetryDelayMS
	if base <= 0 {
		base = model.DefaultRetryDelayMS
	}
	return BackoffConfig{
		InitialDelayMS: base,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
		Jitter:         false,
	}
}

// DelayForAttempt computes initial * factor^(attempt-1), capped, with
// optional deterministic jitter derived from the seed. attempt is 1-indexed.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	factor := cfg.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	// Jitter applies after capping so the cap stays meaningful.
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed)
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

// RetrySeed builds the deterministic jitter seed for one retry of one node.
func RetrySeed(executionID, nodeID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", strings.TrimSpace(executionID), strings.TrimSpace(nodeID), attempt)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	const max = float64(^uint64(0))
	return float64(u) / max
}
