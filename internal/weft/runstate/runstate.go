// Package runstate persists per-execution run artifacts under a state root
// directory: an append-only events.ndjson stream, a live.json snapshot of the
// last event, a final.json terminal outcome, a run.pid liveness probe, and a
// cancel flag observed by the engine at step boundaries. The read side is
// tolerant: it assembles the best snapshot it can from whatever files exist.
package runstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/weftworks/weft/internal/weft/runtime"
)

const (
	liveFile   = "live.json"
	finalFile  = "final.json"
	eventsFile = "events.ndjson"
	pidFile    = "run.pid"
	cancelFile = "cancel"
)

// StatusUnknown is reported when no artifact pins the execution state.
const StatusUnknown = "unknown"

// Writer appends run events for one execution. Safe for concurrent use; all
// writes are best-effort because state files are an activity feed, not the
// source of truth.
type Writer struct {
	dir string

	mu     sync.Mutex
	events *os.File
	closed bool
}

// NewWriter creates <stateRoot>/<executionID>, opens the event stream, and
// records the current process in run.pid so status probes can check liveness.
func NewWriter(stateRoot, executionID string) (*Writer, error) {
	root := strings.TrimSpace(stateRoot)
	if root == "" {
		return nil, fmt.Errorf("state root is required")
	}
	id := strings.TrimSpace(executionID)
	if id == "" {
		return nil, fmt.Errorf("execution id is required")
	}
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, pidFile), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &Writer{dir: dir, events: f}, nil
}

// Dir returns the per-execution state directory.
func (w *Writer) Dir() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// Append stamps ts when absent and writes the event both to events.ndjson and
// to live.json. The caller's map is not mutated. Appends after Close are
// dropped.
func (w *Writer) Append(ev map[string]any) {
	if w == nil || len(ev) == 0 {
		return
	}
	out := make(map[string]any, len(ev)+1)
	for k, v := range ev {
		out[k] = v
	}
	if eventString(out["ts"]) == "" {
		out["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	line, err := json.Marshal(out)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	_, _ = w.events.Write(append(line, '\n'))
	_ = writeJSONAtomic(filepath.Join(w.dir, liveFile), out)
}

// FinalDoc is the terminal outcome persisted as final.json. Its presence
// marks the execution finished; from then on status and failure_reason here
// override anything the live feed says.
type FinalDoc struct {
	Status        string `json:"status"`
	ExecutionID   string `json:"execution_id"`
	WorkflowID    string `json:"workflow_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	EndedAt       string `json:"ended_at,omitempty"`
}

// WriteFinal persists the terminal outcome. EndedAt is stamped when empty.
func (w *Writer) WriteFinal(doc FinalDoc) error {
	if w == nil {
		return nil
	}
	if strings.TrimSpace(doc.EndedAt) == "" {
		doc.EndedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return writeJSONAtomic(filepath.Join(w.dir, finalFile), doc)
}

// Close closes the event stream. Idempotent; live.json and final.json stay
// behind for status readers.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.events.Close()
}

// RequestCancel drops the cancel flag in an execution's state dir. The engine
// observes the flag at its next step boundary; cancellation stays cooperative
// and nothing is killed.
func RequestCancel(dir string) error {
	root := strings.TrimSpace(dir)
	if root == "" {
		return fmt.Errorf("state dir is required")
	}
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano) + "\n"
	return os.WriteFile(filepath.Join(root, cancelFile), []byte(ts), 0o644)
}

// CancelRequested reports whether the cancel flag is present.
func CancelRequested(dir string) bool {
	if strings.TrimSpace(dir) == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, cancelFile))
	return err == nil
}

// Snapshot is a compact view of one execution's state dir, assembled from
// final.json when terminal, otherwise from the live feed and pid file.
type Snapshot struct {
	Dir             string    `json:"dir"`
	ExecutionID     string    `json:"execution_id,omitempty"`
	WorkflowID      string    `json:"workflow_id,omitempty"`
	Status          string    `json:"status"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	LastEvent       string    `json:"last_event,omitempty"`
	CurrentNodeID   string    `json:"node_id,omitempty"`
	LastEventAt     time.Time `json:"last_event_at,omitempty"`
	PID             int       `json:"pid,omitempty"`
	PIDAlive        bool      `json:"pid_alive"`
	CancelRequested bool      `json:"cancel_requested"`
}

// LoadSnapshot reads the artifacts in dir and returns a compact snapshot.
func LoadSnapshot(dir string) (*Snapshot, error) {
	root := strings.TrimSpace(dir)
	if root == "" {
		return nil, fmt.Errorf("state dir is required")
	}

	s := &Snapshot{Dir: root, Status: StatusUnknown}

	terminal, err := applyFinalOutcome(s)
	if err != nil {
		return nil, err
	}

	// A terminal final.json is authoritative for status and current node;
	// live/events are best-effort activity feeds and must not override it.
	if !terminal {
		if err := applyLiveOrEvents(s); err != nil {
			return nil, err
		}
	}

	if err := applyPIDFile(s, terminal); err != nil {
		return nil, err
	}
	if s.Status == StatusUnknown && s.PIDAlive {
		s.Status = string(runtime.JobRunning)
	}
	s.CancelRequested = CancelRequested(root)

	return s, nil
}

// ListExecutions returns per-execution state dirs under stateRoot, most
// recently modified first.
func ListExecutions(stateRoot string) ([]string, error) {
	root := strings.TrimSpace(stateRoot)
	if root == "" {
		return nil, fmt.Errorf("state root is required")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read state root: %w", err)
	}

	type dirEntry struct {
		name    string
		modTime time.Time
	}
	var dirs []dirEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, dirEntry{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(dirs, func(i, j int) bool {
		return dirs[i].modTime.After(dirs[j].modTime)
	})

	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, filepath.Join(root, d.name))
	}
	return out, nil
}

func applyFinalOutcome(s *Snapshot) (terminal bool, err error) {
	path := filepath.Join(s.Dir, finalFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	var doc FinalDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}

	if id := strings.TrimSpace(doc.ExecutionID); id != "" {
		s.ExecutionID = id
	}
	if wf := strings.TrimSpace(doc.WorkflowID); wf != "" {
		s.WorkflowID = wf
	}
	if reason := strings.TrimSpace(doc.FailureReason); reason != "" {
		s.FailureReason = reason
	}
	if ts := parseEventTime(doc.EndedAt); !ts.IsZero() {
		s.LastEventAt = ts
	}

	st, perr := runtime.ParseJobStatus(doc.Status)
	if perr != nil || !st.Terminal() {
		// Tolerate a half-written or stale final doc; the live feed decides.
		return false, nil
	}
	s.Status = string(st)
	return true, nil
}

func applyLiveOrEvents(s *Snapshot) error {
	live, found, err := readLiveEvent(filepath.Join(s.Dir, liveFile))
	if err != nil {
		return err
	}
	if !found {
		live, found, err = readLastEvent(filepath.Join(s.Dir, eventsFile))
		if err != nil {
			return err
		}
	}
	if !found {
		return nil
	}

	if id := eventString(live["execution_id"]); id != "" && s.ExecutionID == "" {
		s.ExecutionID = id
	}
	if wf := eventString(live["workflow_id"]); wf != "" && s.WorkflowID == "" {
		s.WorkflowID = wf
	}
	s.LastEvent = eventString(live["event"])
	s.CurrentNodeID = eventString(live["node_id"])
	if ts := parseEventTime(live["ts"]); !ts.IsZero() {
		s.LastEventAt = ts
	}
	if reason := eventString(live["failure_reason"]); reason != "" {
		s.FailureReason = reason
	}
	if raw := eventString(live["status"]); raw != "" {
		if st, err := runtime.ParseJobStatus(raw); err == nil {
			s.Status = string(st)
		}
	}
	return nil
}

func applyPIDFile(s *Snapshot, terminalState bool) error {
	path := filepath.Join(s.Dir, pidFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		if terminalState {
			return nil
		}
		return fmt.Errorf("parse %s: empty pid", path)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		if terminalState {
			return nil
		}
		return fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	s.PID = pid
	s.PIDAlive = pidAlive(pid)
	return nil
}

// pidAlive reports whether a process exists and is not a zombie.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pidZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func pidZombie(pid int) bool {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return false
	}
	state := line[closeIdx+2]
	return state == 'Z' || state == 'X'
}

func readLiveEvent(path string) (map[string]any, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var ev map[string]any
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func readLastEvent(path string) (map[string]any, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	last := ""
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if last == "" {
		return nil, false, nil
	}

	var ev map[string]any
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func eventString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func parseEventTime(v any) time.Time {
	raw := eventString(v)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	return time.Time{}
}

// writeJSONAtomic writes v as indented JSON through a temp file and rename so
// readers never observe a partial document.
func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".weft-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(b)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmpName)
		if werr != nil {
			return werr
		}
		return cerr
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
