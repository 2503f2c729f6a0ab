package exec

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	"github.com/weftworks/weft/internal/weft/model"
	"github.com/weftworks/weft/internal/weft/runtime"
)

// FilterExecutor keeps the records for which config.expression (alias
// config.condition) evaluates to true.
type FilterExecutor struct {
	Cache *Cache
}

func (e *FilterExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	src := firstConfig(step, "expression", "condition")
	if src == "" {
		return runtime.Result{}, fmt.Errorf("filter: config.expression is required")
	}

	var records []map[string]any
	if in != nil {
		records = in.Records
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		keep, err := e.cache().EvalBool(src, recordEnv(rec))
		if err != nil {
			return runtime.Failed(fmt.Errorf("filter %s: %w", step.NodeID, err)), nil
		}
		if keep {
			out = append(out, rec)
		}
	}

	return runtime.Result{
		Status:     runtime.NodeSuccess,
		ReadCount:  int64(len(records)),
		WriteCount: int64(len(out)),
		SkipCount:  int64(len(records) - len(out)),
		Records:    out,
	}, nil
}

func (e *FilterExecutor) cache() *Cache {
	if e.Cache == nil {
		e.Cache = NewCache(0)
	}
	return e.Cache
}

// MapExecutor projects each record through config.expression. A map result
// replaces the record; with config.field set the result lands on that field
// of a copy instead; any other result becomes {"value": result}.
type MapExecutor struct {
	Cache *Cache
}

func (e *MapExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	src := firstConfig(step, "expression")
	if src == "" {
		return runtime.Result{}, fmt.Errorf("map: config.expression is required")
	}
	field := firstConfig(step, "field")

	var records []map[string]any
	if in != nil {
		records = in.Records
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		v, err := e.cache().Eval(src, recordEnv(rec))
		if err != nil {
			return runtime.Failed(fmt.Errorf("map %s: %w", step.NodeID, err)), nil
		}
		switch {
		case field != "":
			cp := cloneRecord(rec)
			cp[field] = v
			out = append(out, cp)
		default:
			if m, ok := v.(map[string]any); ok {
				out = append(out, m)
			} else {
				out = append(out, map[string]any{"value": v})
			}
		}
	}

	return runtime.Result{
		Status:     runtime.NodeSuccess,
		ReadCount:  int64(len(records)),
		WriteCount: int64(len(out)),
		Records:    out,
	}, nil
}

func (e *MapExecutor) cache() *Cache {
	if e.Cache == nil {
		e.Cache = NewCache(0)
	}
	return e.Cache
}

// SwitchExecutor routes the whole batch out one port. Cases are tried in
// order against an environment of {records, count, first}; the first true
// case wins, config.defaultPort catches the rest.
//
// Config:
//
//	cases        [{"when": <expr>, "port": <name>}, ...]
//	defaultPort  port used when no case matches
type SwitchExecutor struct {
	Cache *Cache
}

func (e *SwitchExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	cases, err := switchCases(step)
	if err != nil {
		return runtime.Result{}, err
	}

	var records []map[string]any
	if in != nil {
		records = in.Records
	}
	env := map[string]any{
		"records": records,
		"count":   len(records),
	}
	if len(records) > 0 {
		env["first"] = records[0]
	} else {
		env["first"] = map[string]any{}
	}

	for _, c := range cases {
		hit, err := e.cache().EvalBool(c.when, env)
		if err != nil {
			return runtime.Failed(fmt.Errorf("switch %s: %w", step.NodeID, err)), nil
		}
		if hit {
			return runtime.Result{
				Status:    runtime.NodeSuccess,
				ReadCount: int64(len(records)),
				Records:   records,
				Port:      c.port,
			}, nil
		}
	}

	if port := firstConfig(step, "defaultPort", "default"); port != "" {
		return runtime.Result{
			Status:    runtime.NodeSuccess,
			ReadCount: int64(len(records)),
			Records:   records,
			Port:      port,
		}, nil
	}
	return runtime.Failed(fmt.Errorf("switch %s: no case matched and no defaultPort", step.NodeID)), nil
}

func (e *SwitchExecutor) cache() *Cache {
	if e.Cache == nil {
		e.Cache = NewCache(0)
	}
	return e.Cache
}

type switchCase struct {
	when string
	port string
}

func switchCases(step *model.StepNode) ([]switchCase, error) {
	raw, ok := step.Config["cases"]
	if !ok {
		return nil, fmt.Errorf("switch: config.cases is required")
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("switch: config.cases must be a list, got %T", raw)
	}
	out := make([]switchCase, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("switch: case %d must be an object, got %T", i, item)
		}
		when, _ := m["when"].(string)
		port, _ := m["port"].(string)
		if strings.TrimSpace(when) == "" || strings.TrimSpace(port) == "" {
			return nil, fmt.Errorf("switch: case %d needs both when and port", i)
		}
		out = append(out, switchCase{when: when, port: port})
	}
	return out, nil
}

// AggregateExecutor reduces the batch to one record per group.
//
// Config:
//
//	operation  count | sum | min | max | avg
//	field      numeric field for everything but count
//	groupBy    optional list of group key fields
//	where      optional expr predicate applied before aggregation
//	as         output field, default "count" or "<operation>_<field>"
type AggregateExecutor struct {
	Cache *Cache
}

func (e *AggregateExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	op := strings.ToLower(firstConfig(step, "operation", "op"))
	switch op {
	case "count", "sum", "min", "max", "avg":
	case "":
		return runtime.Result{}, fmt.Errorf("aggregate: config.operation is required")
	default:
		return runtime.Result{}, fmt.Errorf("aggregate: unknown operation %q", op)
	}
	field := firstConfig(step, "field")
	if op != "count" && field == "" {
		return runtime.Result{}, fmt.Errorf("aggregate: config.field is required for %s", op)
	}
	groupBy := configStrings(step, "groupBy")
	outField := firstConfig(step, "as")
	if outField == "" {
		if op == "count" {
			outField = "count"
		} else {
			outField = op + "_" + field
		}
	}

	var records []map[string]any
	if in != nil {
		records = in.Records
	}

	where := firstConfig(step, "where")
	read := int64(len(records))
	var skipped int64
	if where != "" {
		kept := make([]map[string]any, 0, len(records))
		for _, rec := range records {
			hit, err := e.cache().EvalBool(where, recordEnv(rec))
			if err != nil {
				return runtime.Failed(fmt.Errorf("aggregate %s: %w", step.NodeID, err)), nil
			}
			if hit {
				kept = append(kept, rec)
			} else {
				skipped++
			}
		}
		records = kept
	}

	type group struct {
		key    string
		fields map[string]any
		count  int64
		sum    float64
		min    float64
		max    float64
		seen   bool
	}
	groups := map[string]*group{}
	var order []string

	for _, rec := range records {
		key, keyFields := groupKey(rec, groupBy)
		g := groups[key]
		if g == nil {
			g = &group{key: key, fields: keyFields}
			groups[key] = g
			order = append(order, key)
		}
		if op == "count" {
			g.count++
			continue
		}
		v, ok := numericField(rec, field)
		if !ok {
			skipped++
			continue
		}
		g.count++
		g.sum += v
		if !g.seen || v < g.min {
			g.min = v
		}
		if !g.seen || v > g.max {
			g.max = v
		}
		g.seen = true
	}

	out := make([]map[string]any, 0, len(order))
	for _, key := range order {
		g := groups[key]
		rec := cloneRecord(g.fields)
		switch op {
		case "count":
			rec[outField] = g.count
		case "sum":
			if !g.seen {
				continue
			}
			rec[outField] = g.sum
		case "avg":
			if !g.seen {
				continue
			}
			rec[outField] = g.sum / float64(g.count)
		case "min":
			if !g.seen {
				continue
			}
			rec[outField] = g.min
		case "max":
			if !g.seen {
				continue
			}
			rec[outField] = g.max
		}
		out = append(out, rec)
	}
	// An ungrouped count over nothing still reports zero.
	if len(out) == 0 && op == "count" && len(groupBy) == 0 {
		out = append(out, map[string]any{outField: int64(0)})
	}

	return runtime.Result{
		Status:     runtime.NodeSuccess,
		ReadCount:  read,
		WriteCount: int64(len(out)),
		SkipCount:  skipped,
		Records:    out,
	}, nil
}

func (e *AggregateExecutor) cache() *Cache {
	if e.Cache == nil {
		e.Cache = NewCache(0)
	}
	return e.Cache
}

func groupKey(rec map[string]any, groupBy []string) (string, map[string]any) {
	if len(groupBy) == 0 {
		return "", map[string]any{}
	}
	parts := make([]string, 0, len(groupBy))
	fields := make(map[string]any, len(groupBy))
	for _, f := range groupBy {
		v := rec[f]
		fields[f] = v
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, "\x1f"), fields
}

func numericField(rec map[string]any, field string) (float64, bool) {
	switch v := rec[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// JoinExecutor merges two port inputs on key equality. Matching right fields
// merge over left fields; left rows without a match are dropped.
//
// Config:
//
//	leftPort / rightPort  port names, default "left" / "right"
//	keys                  join fields shared by both sides
//	leftKeys / rightKeys  join fields per side, overriding keys
type JoinExecutor struct{}

func (e *JoinExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	leftKeys := configStrings(step, "leftKeys")
	rightKeys := configStrings(step, "rightKeys")
	if len(leftKeys) == 0 {
		leftKeys = configStrings(step, "keys")
	}
	if len(rightKeys) == 0 {
		rightKeys = configStrings(step, "keys")
	}
	if len(leftKeys) == 0 || len(rightKeys) == 0 || len(leftKeys) != len(rightKeys) {
		return runtime.Result{}, fmt.Errorf("join: need matching leftKeys/rightKeys (or keys)")
	}

	leftPort := firstConfig(step, "leftPort")
	if leftPort == "" {
		leftPort = "left"
	}
	rightPort := firstConfig(step, "rightPort")
	if rightPort == "" {
		rightPort = "right"
	}

	var left, right []map[string]any
	if in != nil {
		left = in.Ports[leftPort]
		right = in.Ports[rightPort]
		// Two anonymous upstream ports bind by sorted key order.
		if left == nil && right == nil && len(in.Ports) == 2 {
			names := make([]string, 0, 2)
			for name := range in.Ports {
				names = append(names, name)
			}
			sort.Strings(names)
			left = in.Ports[names[0]]
			right = in.Ports[names[1]]
		}
	}

	index := make(map[string][]map[string]any, len(right))
	for _, rec := range right {
		k := joinKey(rec, rightKeys)
		index[k] = append(index[k], rec)
	}

	var out []map[string]any
	var skipped int64
	for _, lrec := range left {
		matches := index[joinKey(lrec, leftKeys)]
		if len(matches) == 0 {
			skipped++
			continue
		}
		for _, rrec := range matches {
			merged := cloneRecord(lrec)
			for k, v := range rrec {
				merged[k] = v
			}
			// Key fields keep the left spelling.
			for i, lk := range leftKeys {
				merged[lk] = lrec[lk]
				if rk := rightKeys[i]; rk != lk {
					delete(merged, rk)
				}
			}
			out = append(out, merged)
		}
	}

	return runtime.Result{
		Status:     runtime.NodeSuccess,
		ReadCount:  int64(len(left) + len(right)),
		WriteCount: int64(len(out)),
		SkipCount:  skipped,
		Records:    out,
	}, nil
}

func joinKey(rec map[string]any, keys []string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprint(rec[k]))
	}
	return strings.Join(parts, "\x1f")
}

// PartitionExecutor hashes records into N partitions and stamps each with its
// partition index under "_partition".
//
// Config:
//
//	keys        hash fields; the whole record is hashed when absent
//	partitions  partition count, falling back to executionHints.partitionCount
type PartitionExecutor struct{}

func (e *PartitionExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	n := step.ConfigInt("partitions", step.Hints.PartitionCount)
	if n <= 0 {
		return runtime.Result{}, fmt.Errorf("partition: config.partitions or executionHints.partitionCount is required")
	}
	keys := configStrings(step, "keys")

	var records []map[string]any
	if in != nil {
		records = in.Records
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		h := fnv.New32a()
		if len(keys) > 0 {
			_, _ = h.Write([]byte(joinKey(rec, keys)))
		} else {
			ks := make([]string, 0, len(rec))
			for k := range rec {
				ks = append(ks, k)
			}
			sort.Strings(ks)
			for _, k := range ks {
				fmt.Fprintf(h, "%s=%v\x1f", k, rec[k])
			}
		}
		cp := cloneRecord(rec)
		cp["_partition"] = int(h.Sum32() % uint32(n))
		out = append(out, cp)
	}

	return runtime.Result{
		Status:     runtime.NodeSuccess,
		ReadCount:  int64(len(records)),
		WriteCount: int64(len(out)),
		Records:    out,
	}, nil
}

// CollectExecutor concatenates the branch records and every port's records,
// ports in sorted name order, so downstream sees one deterministic batch.
type CollectExecutor struct{}

func (e *CollectExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	var out []map[string]any
	if in != nil {
		out = append(out, in.Records...)
		names := make([]string, 0, len(in.Ports))
		for name := range in.Ports {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, in.Ports[name]...)
		}
	}

	return runtime.Result{
		Status:     runtime.NodeSuccess,
		ReadCount:  int64(len(out)),
		WriteCount: int64(len(out)),
		Records:    out,
	}, nil
}
