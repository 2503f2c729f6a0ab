package exec

import (
	"context"
	"strings"
	"testing"

	"github.com/weftworks/weft/internal/weft/runtime"
)

func run(t *testing.T, ex Executor, nodeType string, cfg map[string]any, in *Invocation) runtime.Result {
	t.Helper()
	res, err := ex.Execute(context.Background(), testStep(nodeType, cfg), in)
	if err != nil {
		t.Fatalf("%s execute: %v", nodeType, err)
	}
	return res
}

func batch(recs ...map[string]any) *Invocation {
	return &Invocation{Records: recs}
}

func TestFilterKeepsMatchingRecords(t *testing.T) {
	in := batch(
		map[string]any{"amount": 5},
		map[string]any{"amount": 15},
		map[string]any{"amount": 25},
	)
	res := run(t, &FilterExecutor{}, "Filter", map[string]any{"expression": "amount > 10"}, in)

	if res.Status != runtime.NodeSuccess {
		t.Fatalf("status = %q", res.Status)
	}
	if len(res.Records) != 2 {
		t.Fatalf("kept %d records, want 2", len(res.Records))
	}
	if res.ReadCount != 3 || res.WriteCount != 2 || res.SkipCount != 1 {
		t.Fatalf("counts = read %d write %d skip %d", res.ReadCount, res.WriteCount, res.SkipCount)
	}
}

func TestFilterFailsOnNonBooleanExpression(t *testing.T) {
	in := batch(map[string]any{"amount": 5})
	res := run(t, &FilterExecutor{}, "Filter", map[string]any{"expression": "amount + 1"}, in)
	if res.Status != runtime.NodeFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
	if !strings.Contains(res.Err, "boolean") {
		t.Fatalf("error should name the type problem: %s", res.Err)
	}
}

func TestMapReplacesRecordWithProjection(t *testing.T) {
	in := batch(map[string]any{"first": "ada", "last": "lovelace"})
	res := run(t, &MapExecutor{}, "Map",
		map[string]any{"expression": `{"name": first + " " + last}`}, in)

	if len(res.Records) != 1 {
		t.Fatalf("got %d records", len(res.Records))
	}
	if res.Records[0]["name"] != "ada lovelace" {
		t.Fatalf("projection = %v", res.Records[0])
	}
	if _, ok := res.Records[0]["first"]; ok {
		t.Fatal("map projection should replace the record")
	}
}

func TestMapAssignsToFieldWithoutMutatingInput(t *testing.T) {
	src := map[string]any{"amount": 10}
	in := batch(src)
	res := run(t, &MapExecutor{}, "Map",
		map[string]any{"expression": "amount * 2", "field": "doubled"}, in)

	if res.Records[0]["doubled"] != 20 {
		t.Fatalf("doubled = %v", res.Records[0]["doubled"])
	}
	if res.Records[0]["amount"] != 10 {
		t.Fatalf("original field lost: %v", res.Records[0])
	}
	if _, ok := src["doubled"]; ok {
		t.Fatal("input record was mutated")
	}
}

func TestMapWrapsScalarResults(t *testing.T) {
	in := batch(map[string]any{"amount": 3})
	res := run(t, &MapExecutor{}, "Map", map[string]any{"expression": "amount * 3"}, in)
	if res.Records[0]["value"] != 9 {
		t.Fatalf("scalar should land under value, got %v", res.Records[0])
	}
}

func TestSwitchRoutesFirstMatchingCase(t *testing.T) {
	cfg := map[string]any{
		"cases": []any{
			map[string]any{"when": "count == 0", "port": "empty"},
			map[string]any{"when": "count > 2", "port": "bulk"},
		},
		"defaultPort": "trickle",
	}
	res := run(t, &SwitchExecutor{}, "Switch", cfg, batch(
		map[string]any{"n": 1}, map[string]any{"n": 2}, map[string]any{"n": 3},
	))
	if res.Port != "bulk" {
		t.Fatalf("port = %q, want bulk", res.Port)
	}
	if len(res.Records) != 3 {
		t.Fatalf("switch must pass the batch through, got %d", len(res.Records))
	}

	res = run(t, &SwitchExecutor{}, "Switch", cfg, batch(map[string]any{"n": 1}))
	if res.Port != "trickle" {
		t.Fatalf("port = %q, want defaultPort", res.Port)
	}
}

func TestSwitchFailsWithoutMatchOrDefault(t *testing.T) {
	cfg := map[string]any{
		"cases": []any{
			map[string]any{"when": "count > 100", "port": "bulk"},
		},
	}
	res := run(t, &SwitchExecutor{}, "Switch", cfg, batch(map[string]any{"n": 1}))
	if res.Status != runtime.NodeFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
}

func TestSwitchRejectsMalformedCases(t *testing.T) {
	_, err := (&SwitchExecutor{}).Execute(context.Background(),
		testStep("Switch", map[string]any{"cases": []any{map[string]any{"when": "true"}}}),
		batch())
	if err == nil {
		t.Fatal("expected error for case without port")
	}
}

func TestAggregateCountAndAvg(t *testing.T) {
	in := batch(
		map[string]any{"region": "eu", "amount": 10},
		map[string]any{"region": "eu", "amount": 20},
		map[string]any{"region": "us", "amount": 5},
	)

	res := run(t, &AggregateExecutor{}, "Aggregate", map[string]any{"operation": "count"}, in)
	if len(res.Records) != 1 || res.Records[0]["count"] != int64(3) {
		t.Fatalf("count = %v", res.Records)
	}

	res = run(t, &AggregateExecutor{}, "Aggregate", map[string]any{
		"operation": "avg", "field": "amount", "groupBy": "region",
	}, in)
	if len(res.Records) != 2 {
		t.Fatalf("expected one record per group, got %v", res.Records)
	}
	if res.Records[0]["region"] != "eu" || res.Records[0]["avg_amount"] != 15.0 {
		t.Fatalf("eu group = %v", res.Records[0])
	}
	if res.Records[1]["region"] != "us" || res.Records[1]["avg_amount"] != 5.0 {
		t.Fatalf("us group = %v", res.Records[1])
	}
}

func TestAggregateWherePreFilters(t *testing.T) {
	in := batch(
		map[string]any{"amount": 10, "ok": true},
		map[string]any{"amount": 90, "ok": false},
	)
	res := run(t, &AggregateExecutor{}, "Aggregate", map[string]any{
		"operation": "sum", "field": "amount", "where": "ok",
	}, in)
	if res.Records[0]["sum_amount"] != 10.0 {
		t.Fatalf("where should drop the false record: %v", res.Records)
	}
	if res.SkipCount != 1 {
		t.Fatalf("skip count = %d", res.SkipCount)
	}
}

func TestAggregateCountEmptyInput(t *testing.T) {
	res := run(t, &AggregateExecutor{}, "Aggregate", map[string]any{"operation": "count"}, batch())
	if len(res.Records) != 1 || res.Records[0]["count"] != int64(0) {
		t.Fatalf("empty count = %v", res.Records)
	}
}

func TestAggregateSkipsNonNumeric(t *testing.T) {
	in := batch(
		map[string]any{"amount": "12.5"},
		map[string]any{"amount": "not a number"},
		map[string]any{"amount": 7.5},
	)
	res := run(t, &AggregateExecutor{}, "Aggregate", map[string]any{
		"operation": "max", "field": "amount",
	}, in)
	if res.Records[0]["max_amount"] != 12.5 {
		t.Fatalf("max = %v", res.Records[0])
	}
	if res.SkipCount != 1 {
		t.Fatalf("skip count = %d, want 1 for the non-numeric value", res.SkipCount)
	}
}

func TestAggregateRejectsUnknownOperation(t *testing.T) {
	_, err := (&AggregateExecutor{}).Execute(context.Background(),
		testStep("Aggregate", map[string]any{"operation": "median", "field": "x"}), batch())
	if err == nil {
		t.Fatal("expected error for unknown operation")
	}
}

func TestJoinMergesOnKeys(t *testing.T) {
	in := &Invocation{Ports: map[string][]map[string]any{
		"left": {
			{"id": 1, "name": "ada"},
			{"id": 2, "name": "grace"},
			{"id": 3, "name": "edsger"},
		},
		"right": {
			{"id": 1, "lang": "analytical"},
			{"id": 2, "lang": "cobol"},
		},
	}}
	res := run(t, &JoinExecutor{}, "Join", map[string]any{"keys": "id"}, in)

	if len(res.Records) != 2 {
		t.Fatalf("joined %d records, want 2 (inner join)", len(res.Records))
	}
	if res.Records[0]["name"] != "ada" || res.Records[0]["lang"] != "analytical" {
		t.Fatalf("merged record = %v", res.Records[0])
	}
	if res.SkipCount != 1 {
		t.Fatalf("skip count = %d, want 1 unmatched left row", res.SkipCount)
	}
	if res.ReadCount != 5 {
		t.Fatalf("read count = %d, want 5", res.ReadCount)
	}
}

func TestJoinDifferentKeyNames(t *testing.T) {
	in := &Invocation{Ports: map[string][]map[string]any{
		"left":  {{"userId": 7, "name": "alan"}},
		"right": {{"uid": 7, "city": "manchester"}},
	}}
	res := run(t, &JoinExecutor{}, "Join", map[string]any{
		"leftKeys": "userId", "rightKeys": "uid",
	}, in)

	if len(res.Records) != 1 {
		t.Fatalf("got %v", res.Records)
	}
	rec := res.Records[0]
	if rec["userId"] != 7 || rec["city"] != "manchester" {
		t.Fatalf("merged = %v", rec)
	}
	if _, ok := rec["uid"]; ok {
		t.Fatal("right key spelling should be dropped after merge")
	}
}

func TestJoinRequiresKeys(t *testing.T) {
	_, err := (&JoinExecutor{}).Execute(context.Background(),
		testStep("Join", nil), &Invocation{})
	if err == nil {
		t.Fatal("expected error without keys")
	}
}

func TestPartitionIsDeterministic(t *testing.T) {
	in := batch(
		map[string]any{"user": "ada"},
		map[string]any{"user": "grace"},
		map[string]any{"user": "ada"},
	)
	res := run(t, &PartitionExecutor{}, "Partition", map[string]any{
		"keys": "user", "partitions": 4,
	}, in)

	if len(res.Records) != 3 {
		t.Fatalf("got %d records", len(res.Records))
	}
	p0 := res.Records[0]["_partition"].(int)
	p2 := res.Records[2]["_partition"].(int)
	if p0 != p2 {
		t.Fatalf("same key landed in different partitions: %d vs %d", p0, p2)
	}
	for i, rec := range res.Records {
		p := rec["_partition"].(int)
		if p < 0 || p >= 4 {
			t.Fatalf("record %d partition %d out of range", i, p)
		}
	}
	// Input records stay untouched.
	if _, ok := in.Records[0]["_partition"]; ok {
		t.Fatal("input record was mutated")
	}
}

func TestPartitionRequiresCount(t *testing.T) {
	_, err := (&PartitionExecutor{}).Execute(context.Background(),
		testStep("Partition", map[string]any{"keys": "user"}), batch(map[string]any{"user": "x"}))
	if err == nil {
		t.Fatal("expected error without partition count")
	}
}

func TestCollectConcatenatesPortsInOrder(t *testing.T) {
	in := &Invocation{
		Records: []map[string]any{{"src": "branch"}},
		Ports: map[string][]map[string]any{
			"beta":  {{"src": "beta"}},
			"alpha": {{"src": "alpha"}},
		},
	}
	res := run(t, &CollectExecutor{}, "Collect", nil, in)

	if len(res.Records) != 3 {
		t.Fatalf("got %d records", len(res.Records))
	}
	got := []string{
		res.Records[0]["src"].(string),
		res.Records[1]["src"].(string),
		res.Records[2]["src"].(string),
	}
	want := []string{"branch", "alpha", "beta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestValidateFailMode(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"amount"},
		"properties": map[string]any{
			"amount": map[string]any{"type": "number", "minimum": 0},
		},
	}
	ex := NewValidateExecutor()

	res := run(t, ex, "Validate", map[string]any{"schema": schema}, batch(
		map[string]any{"amount": 10},
		map[string]any{"amount": -1},
	))
	if res.Status != runtime.NodeFailed {
		t.Fatalf("status = %q, want failed on invalid record", res.Status)
	}
	if !strings.Contains(res.Err, "record 1") {
		t.Fatalf("error should name the offending record: %s", res.Err)
	}
}

func TestValidateSkipMode(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"amount"},
	}
	ex := NewValidateExecutor()

	res := run(t, ex, "Validate", map[string]any{"schema": schema, "mode": "skip"}, batch(
		map[string]any{"amount": 10},
		map[string]any{"other": true},
		map[string]any{"amount": 20},
	))
	if res.Status != runtime.NodeSuccess {
		t.Fatalf("status = %q", res.Status)
	}
	if len(res.Records) != 2 || res.SkipCount != 1 {
		t.Fatalf("kept %d skipped %d", len(res.Records), res.SkipCount)
	}
}

func TestValidateRequiresSchema(t *testing.T) {
	_, err := NewValidateExecutor().Execute(context.Background(),
		testStep("Validate", nil), batch())
	if err == nil {
		t.Fatal("expected error without schema")
	}
}
