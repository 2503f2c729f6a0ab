package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/weftworks/weft/internal/weft/model"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "weft.yaml", "workflow:\n  error:\n    policy: STOP\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ex := cfg.Workflow.Executor
	if ex.CorePoolSize != 4 || ex.MaxPoolSize != 16 || ex.QueueCapacity != 100 {
		t.Fatalf("executor defaults wrong: %+v", ex)
	}
	if ex.ThreadNamePrefix != "wf-" || ex.AwaitTerminationSeconds != 60 {
		t.Fatalf("executor defaults wrong: %+v", ex)
	}
	if ex.AllowCoreThreadTimeout == nil || !*ex.AllowCoreThreadTimeout {
		t.Fatalf("allow_core_thread_timeout must default true")
	}
	if cfg.Workflow.Subgraph.MaxExpansionDepth != 10 {
		t.Fatalf("max_expansion_depth default wrong: %d", cfg.Workflow.Subgraph.MaxExpansionDepth)
	}
	if cfg.ErrorPolicy() != model.PolicyStop {
		t.Fatalf("explicit policy lost: %q", cfg.Workflow.Error.Policy)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "console" {
		t.Fatalf("logging defaults wrong: %+v", cfg.Logging)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "weft.yaml", "workflow:\n  executor:\n    pool_size: 4\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("unknown key must be rejected")
	}

	path = writeConfig(t, "weft.json", `{"workflow": {"executor": {"pool_size": 4}}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("unknown JSON key must be rejected")
	}
}

func TestLoadValidatesValues(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{"workflow:\n  executor:\n    core_pool_size: -1\n", "core_pool_size"},
		{"workflow:\n  executor:\n    core_pool_size: 32\n", "max_pool_size"},
		{"workflow:\n  executor:\n    queue_capacity: -5\n", "queue_capacity"},
		{"workflow:\n  subgraph:\n    max_expansion_depth: -2\n", "max_expansion_depth"},
		{"workflow:\n  error:\n    policy: EXPLODE\n", "workflow.error.policy"},
		{"logging:\n  level: shouty\n", "logging.level"},
		{"logging:\n  format: xml\n", "logging.format"},
	}
	for _, tc := range cases {
		path := writeConfig(t, "weft.yaml", tc.body)
		_, err := Load(path)
		if err == nil {
			t.Fatalf("config %q must not validate", tc.body)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("error %q does not name %q", err, tc.want)
		}
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.ErrorPolicy() != model.PolicyFail {
		t.Fatalf("default error policy = %q", cfg.Workflow.Error.Policy)
	}
	opts := cfg.ValidateOptions()
	if opts.StrictJoins || opts.StrictJoinUpstreams || opts.RequireExplicitJoin {
		t.Fatalf("validation strictness must default off: %+v", opts)
	}
	if cfg.Database.DSN != "" {
		t.Fatalf("default DSN must be empty (in-memory store)")
	}
}

func TestLoadTrailingDocumentRejected(t *testing.T) {
	path := writeConfig(t, "weft.yaml", "logging:\n  level: debug\n---\nlogging:\n  level: warn\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("multiple YAML documents must be rejected")
	}
}
