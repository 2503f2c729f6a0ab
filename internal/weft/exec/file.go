package exec

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/weftworks/weft/internal/weft/model"
	"github.com/weftworks/weft/internal/weft/runtime"
)

// FileSourceExecutor ingests files matched by a doublestar glob.
//
// Config:
//
//	path    glob pattern, resolved against the invocation work dir when relative
//	format  "lines" (default), "ndjson", or "json"
//	field   record key for lines format, default "line"
type FileSourceExecutor struct{}

func (e *FileSourceExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	pattern := strings.TrimSpace(step.ConfigString("path"))
	if pattern == "" {
		return runtime.Result{}, fmt.Errorf("filesource: config.path is required")
	}
	if !filepath.IsAbs(pattern) && in != nil && in.WorkDir != "" {
		pattern = filepath.Join(in.WorkDir, pattern)
	}

	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return runtime.Result{}, fmt.Errorf("filesource: glob %q: %w", pattern, err)
	}
	sort.Strings(matches)

	format := strings.ToLower(firstConfig(step, "format"))
	if format == "" {
		format = "lines"
	}
	field := firstConfig(step, "field")
	if field == "" {
		field = "line"
	}

	var records []map[string]any
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return runtime.Result{}, err
		}
		recs, err := readRecords(path, format, field)
		if err != nil {
			return runtime.Failed(err), nil
		}
		records = append(records, recs...)
	}

	return runtime.Result{
		Status:    runtime.NodeSuccess,
		ReadCount: int64(len(records)),
		Records:   records,
	}, nil
}

func readRecords(path, format, field string) ([]map[string]any, error) {
	switch format {
	case "json":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("filesource: read %s: %w", path, err)
		}
		var many []map[string]any
		if err := json.Unmarshal(b, &many); err == nil {
			return many, nil
		}
		var one map[string]any
		if err := json.Unmarshal(b, &one); err != nil {
			return nil, fmt.Errorf("filesource: decode %s: %w", path, err)
		}
		return []map[string]any{one}, nil
	case "lines", "ndjson", "jsonl":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("filesource: open %s: %w", path, err)
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
		var out []map[string]any
		lineNo := 0
		for sc.Scan() {
			lineNo++
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			if format == "lines" {
				out = append(out, map[string]any{field: line})
				continue
			}
			var rec map[string]any
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				return nil, fmt.Errorf("filesource: decode %s:%d: %w", path, lineNo, err)
			}
			out = append(out, rec)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("filesource: scan %s: %w", path, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("filesource: unknown format %q", format)
	}
}

// FileSinkExecutor writes the incoming records to one file through a temp
// file and rename, so a crashed run never leaves a half-written output.
//
// Config:
//
//	path    output file, resolved against the invocation work dir when relative
//	format  "ndjson" (default), "json", or "lines"
//	field   record key emitted in lines format, default "line"
type FileSinkExecutor struct{}

func (e *FileSinkExecutor) Execute(ctx context.Context, step *model.StepNode, in *Invocation) (runtime.Result, error) {
	path := strings.TrimSpace(step.ConfigString("path"))
	if path == "" {
		return runtime.Result{}, fmt.Errorf("filesink: config.path is required")
	}
	if !filepath.IsAbs(path) && in != nil && in.WorkDir != "" {
		path = filepath.Join(in.WorkDir, path)
	}

	format := strings.ToLower(firstConfig(step, "format"))
	if format == "" {
		format = "ndjson"
	}
	field := firstConfig(step, "field")
	if field == "" {
		field = "line"
	}

	var records []map[string]any
	if in != nil {
		records = in.Records
	}

	body, err := encodeRecords(records, format, field)
	if err != nil {
		return runtime.Failed(err), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return runtime.Failed(fmt.Errorf("filesink: prepare %s: %w", path, err)), nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".weft-sink-*")
	if err != nil {
		return runtime.Failed(fmt.Errorf("filesink: temp file: %w", err)), nil
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(body)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmpName)
		err := werr
		if err == nil {
			err = cerr
		}
		return runtime.Failed(fmt.Errorf("filesink: write %s: %w", path, err)), nil
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return runtime.Failed(fmt.Errorf("filesink: publish %s: %w", path, err)), nil
	}

	return runtime.Result{
		Status:     runtime.NodeSuccess,
		ReadCount:  int64(len(records)),
		WriteCount: int64(len(records)),
		Records:    records,
	}, nil
}

func encodeRecords(records []map[string]any, format, field string) ([]byte, error) {
	switch format {
	case "json":
		if records == nil {
			records = []map[string]any{}
		}
		b, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("filesink: encode: %w", err)
		}
		return append(b, '\n'), nil
	case "ndjson", "jsonl":
		var buf strings.Builder
		for _, rec := range records {
			b, err := json.Marshal(rec)
			if err != nil {
				return nil, fmt.Errorf("filesink: encode record: %w", err)
			}
			buf.Write(b)
			buf.WriteByte('\n')
		}
		return []byte(buf.String()), nil
	case "lines":
		var buf strings.Builder
		for _, rec := range records {
			v, ok := rec[field]
			if !ok {
				return nil, fmt.Errorf("filesink: record lacks field %q", field)
			}
			buf.WriteString(fmt.Sprint(v))
			buf.WriteByte('\n')
		}
		return []byte(buf.String()), nil
	default:
		return nil, fmt.Errorf("filesink: unknown format %q", format)
	}
}
