package runstate

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func readEventLines(t *testing.T, dir string) []map[string]any {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, "events.ndjson"))
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan events: %v", err)
	}
	return out
}

func TestWriterAppendStreamsAndUpdatesLive(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(root, "01ARZ3EXEC")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	w.Append(map[string]any{"event": "execution_start", "execution_id": "01ARZ3EXEC", "workflow_id": "wf-1"})
	w.Append(map[string]any{"event": "step_start", "node_id": "extract"})

	events := readEventLines(t, w.Dir())
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0]["event"] != "execution_start" || events[1]["event"] != "step_start" {
		t.Fatalf("unexpected event order: %v", events)
	}
	for i, ev := range events {
		if eventString(ev["ts"]) == "" {
			t.Fatalf("event %d missing ts stamp: %v", i, ev)
		}
	}

	// live.json mirrors the last appended event.
	b, err := os.ReadFile(filepath.Join(w.Dir(), "live.json"))
	if err != nil {
		t.Fatalf("read live.json: %v", err)
	}
	var live map[string]any
	if err := json.Unmarshal(b, &live); err != nil {
		t.Fatalf("decode live.json: %v", err)
	}
	if live["event"] != "step_start" || live["node_id"] != "extract" {
		t.Fatalf("live.json should hold the last event, got %v", live)
	}
}

func TestWriterDoesNotMutateCallerMap(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(root, "exec-mut")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	ev := map[string]any{"event": "step_start"}
	w.Append(ev)
	if _, ok := ev["ts"]; ok {
		t.Fatal("Append mutated the caller's map")
	}
}

func TestWriterAppendAfterCloseDropped(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(root, "exec-closed")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Append(map[string]any{"event": "one"})
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	w.Append(map[string]any{"event": "two"})
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	events := readEventLines(t, w.Dir())
	if len(events) != 1 || events[0]["event"] != "one" {
		t.Fatalf("append after close should be dropped, got %v", events)
	}
}

func TestSnapshotFinalIsAuthoritative(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(root, "exec-final")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Append(map[string]any{"event": "step_start", "node_id": "load", "status": "running"})
	if err := w.WriteFinal(FinalDoc{
		Status:        "failed",
		ExecutionID:   "exec-final",
		WorkflowID:    "wf-9",
		FailureReason: "load blew up",
	}); err != nil {
		t.Fatalf("WriteFinal: %v", err)
	}
	_ = w.Close()

	s, err := LoadSnapshot(w.Dir())
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.Status != "failed" {
		t.Fatalf("status = %q, want failed", s.Status)
	}
	if s.ExecutionID != "exec-final" || s.WorkflowID != "wf-9" {
		t.Fatalf("snapshot ids = %q/%q", s.ExecutionID, s.WorkflowID)
	}
	if s.FailureReason != "load blew up" {
		t.Fatalf("failure reason = %q", s.FailureReason)
	}
	// live feed must not override the terminal state
	if s.CurrentNodeID != "" {
		t.Fatalf("terminal snapshot should not carry live node, got %q", s.CurrentNodeID)
	}
}

func TestSnapshotFallsBackToLive(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(root, "exec-live")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()
	w.Append(map[string]any{
		"event":        "step_start",
		"execution_id": "exec-live",
		"node_id":      "transform",
		"status":       "running",
	})

	s, err := LoadSnapshot(w.Dir())
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.Status != "running" {
		t.Fatalf("status = %q, want running", s.Status)
	}
	if s.CurrentNodeID != "transform" {
		t.Fatalf("node = %q, want transform", s.CurrentNodeID)
	}
	if s.LastEvent != "step_start" {
		t.Fatalf("last event = %q", s.LastEvent)
	}
	if s.LastEventAt.IsZero() {
		t.Fatal("expected last event time from ts stamp")
	}
	// The writer belongs to this test process, so the pid probe sees it alive.
	if s.PID != os.Getpid() || !s.PIDAlive {
		t.Fatalf("pid = %d alive=%t, want own live pid", s.PID, s.PIDAlive)
	}
}

func TestSnapshotFallsBackToLastEventLine(t *testing.T) {
	dir := t.TempDir()
	lines := strings.Join([]string{
		`{"ts":"2026-03-01T10:00:00Z","event":"execution_start","execution_id":"e-77"}`,
		``,
		`{"ts":"2026-03-01T10:00:05Z","event":"step_end","node_id":"sink","status":"running"}`,
	}, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "events.ndjson"), []byte(lines), 0o644); err != nil {
		t.Fatalf("write events: %v", err)
	}

	s, err := LoadSnapshot(dir)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.LastEvent != "step_end" || s.CurrentNodeID != "sink" {
		t.Fatalf("expected last non-empty line to win, got event=%q node=%q", s.LastEvent, s.CurrentNodeID)
	}
	want := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	if !s.LastEventAt.Equal(want) {
		t.Fatalf("last event at = %v, want %v", s.LastEventAt, want)
	}
}

func TestSnapshotEmptyDirIsUnknown(t *testing.T) {
	s, err := LoadSnapshot(t.TempDir())
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.Status != StatusUnknown {
		t.Fatalf("status = %q, want %q", s.Status, StatusUnknown)
	}
}

func TestSnapshotDeadPIDStaysUnknown(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "run.pid"), []byte("999999999\n"), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}

	s, err := LoadSnapshot(dir)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.PIDAlive {
		t.Fatal("pid 999999999 should not be alive")
	}
	if s.Status != StatusUnknown {
		t.Fatalf("status = %q, want unknown for dead pid with no artifacts", s.Status)
	}
}

func TestSnapshotToleratesInvalidFinalDoc(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(root, "exec-halfdoc")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()
	w.Append(map[string]any{"event": "step_start", "node_id": "risky", "status": "running"})

	// A final doc with a non-terminal status must not pin the state.
	if err := w.WriteFinal(FinalDoc{Status: "running", ExecutionID: "exec-halfdoc"}); err != nil {
		t.Fatalf("WriteFinal: %v", err)
	}

	s, err := LoadSnapshot(w.Dir())
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.Status != "running" || s.CurrentNodeID != "risky" {
		t.Fatalf("expected live feed to decide, got status=%q node=%q", s.Status, s.CurrentNodeID)
	}
}

func TestCancelFlagRoundTrip(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(root, "exec-cancel")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if CancelRequested(w.Dir()) {
		t.Fatal("fresh dir should carry no cancel flag")
	}
	if err := RequestCancel(w.Dir()); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if !CancelRequested(w.Dir()) {
		t.Fatal("cancel flag not observed after RequestCancel")
	}

	s, err := LoadSnapshot(w.Dir())
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if !s.CancelRequested {
		t.Fatal("snapshot should surface the cancel flag")
	}
}

func TestRequestCancelRejectsMissingDir(t *testing.T) {
	if err := RequestCancel(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing state dir")
	}
}

func TestListExecutionsNewestFirst(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"exec-old", "exec-mid", "exec-new"} {
		if err := os.MkdirAll(filepath.Join(root, id), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", id, err)
		}
	}
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"exec-old", "exec-mid", "exec-new"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(filepath.Join(root, id), ts, ts); err != nil {
			t.Fatalf("chtimes %s: %v", id, err)
		}
	}
	// A stray file must not show up as an execution.
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	dirs, err := ListExecutions(root)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(dirs) != 3 {
		t.Fatalf("expected 3 executions, got %d: %v", len(dirs), dirs)
	}
	if filepath.Base(dirs[0]) != "exec-new" || filepath.Base(dirs[2]) != "exec-old" {
		t.Fatalf("expected newest-first order, got %v", dirs)
	}
}

func TestWriteFinalStampsEndedAt(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(root, "exec-stamp")
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if err := w.WriteFinal(FinalDoc{Status: "success", ExecutionID: "exec-stamp"}); err != nil {
		t.Fatalf("WriteFinal: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(w.Dir(), "final.json"))
	if err != nil {
		t.Fatalf("read final.json: %v", err)
	}
	var doc FinalDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("decode final.json: %v", err)
	}
	if doc.EndedAt == "" {
		t.Fatal("expected ended_at stamp")
	}
	if _, err := time.Parse(time.RFC3339Nano, doc.EndedAt); err != nil {
		t.Fatalf("ended_at not RFC3339Nano: %v", err)
	}
}
