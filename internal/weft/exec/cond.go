package exec

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

const defaultCacheSize = 100

// Cache compiles expressions once and reuses the programs across records.
// Programs are keyed by source text; when the cache fills it resets. Safe for
// concurrent use.
type Cache struct {
	mu    sync.RWMutex
	max   int
	progs map[string]*vm.Program
}

// NewCache returns a cache bounded to max entries, defaultCacheSize when
// max <= 0.
func NewCache(max int) *Cache {
	if max <= 0 {
		max = defaultCacheSize
	}
	return &Cache{max: max, progs: make(map[string]*vm.Program, max)}
}

// CompileAndCache returns the compiled program for src, compiling on first
// use. Expressions compile without a fixed environment so one program serves
// every record shape.
func (c *Cache) CompileAndCache(src string) (*vm.Program, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}

	c.mu.RLock()
	prog := c.progs[src]
	c.mu.RUnlock()
	if prog != nil {
		return prog, nil
	}

	prog, err := expr.Compile(src)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.progs) >= c.max {
		c.progs = make(map[string]*vm.Program, c.max)
	}
	c.progs[src] = prog
	c.mu.Unlock()
	return prog, nil
}

// Eval runs src against env and returns the raw value.
func (c *Cache) Eval(src string, env map[string]any) (any, error) {
	prog, err := c.CompileAndCache(src)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression: %w", err)
	}
	return out, nil
}

// EvalBool runs src against env and requires a boolean result.
func (c *Cache) EvalBool(src string, env map[string]any) (bool, error) {
	out, err := c.Eval(src, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q must return a boolean, got %T", src, out)
	}
	return b, nil
}

// recordEnv exposes a record's fields directly plus the whole record under
// "record", so `amount > 10` and `record.amount > 10` both work.
func recordEnv(rec map[string]any) map[string]any {
	env := make(map[string]any, len(rec)+1)
	for k, v := range rec {
		env[k] = v
	}
	env["record"] = rec
	return env
}
