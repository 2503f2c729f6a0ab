package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/weftworks/weft/internal/weft/model"
	"github.com/weftworks/weft/internal/weft/runtime"
)

// ValidateExecutor checks each record against an inline JSON Schema.
//
// Config:
//
//	schema  inline schema object
//	mode    "fail" (default) fails the step on the first invalid record;
//	        "skip" drops invalid records and counts them
type ValidateExecutor struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewValidateExecutor returns a Validate executor with an empty schema cache.
func NewValidateExecutor() *ValidateExecutor {
	return &ValidateExecutor{schemas: map[string]*jsonschema.Schema{}}
}

func (e *ValidateExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	raw, ok := step.Config["schema"]
	if !ok {
		return runtime.Result{}, fmt.Errorf("validate: config.schema is required")
	}
	sch, err := e.compiled(raw)
	if err != nil {
		return runtime.Result{}, fmt.Errorf("validate: %w", err)
	}

	mode := strings.ToLower(firstConfig(step, "mode"))
	if mode == "" {
		mode = "fail"
	}
	if mode != "fail" && mode != "skip" {
		return runtime.Result{}, fmt.Errorf("validate: unknown mode %q", mode)
	}

	var records []map[string]any
	if in != nil {
		records = in.Records
	}
	out := make([]map[string]any, 0, len(records))
	var skipped int64
	for i, rec := range records {
		if err := sch.Validate(asJSONValue(rec)); err != nil {
			if mode == "fail" {
				return runtime.Failed(fmt.Errorf("validate %s: record %d: %v", step.NodeID, i, err)), nil
			}
			skipped++
			continue
		}
		out = append(out, rec)
	}

	return runtime.Result{
		Status:     runtime.NodeSuccess,
		ReadCount:  int64(len(records)),
		WriteCount: int64(len(out)),
		SkipCount:  skipped,
		Records:    out,
	}, nil
}

// compiled compiles the inline schema once and reuses it, keyed by its
// canonical JSON text.
func (e *ValidateExecutor) compiled(raw any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	key := string(b)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.schemas == nil {
		e.schemas = map[string]*jsonschema.Schema{}
	}
	if sch, ok := e.schemas[key]; ok {
		return sch, nil
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(key)); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	e.schemas[key] = sch
	return sch, nil
}

// asJSONValue round-trips a record through encoding/json so the validator
// sees canonical JSON types regardless of how the record was produced.
func asJSONValue(rec map[string]any) any {
	b, err := json.Marshal(rec)
	if err != nil {
		return rec
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return rec
	}
	return v
}
