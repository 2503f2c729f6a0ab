package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"

	"github.com/weftworks/weft/internal/weft/compile"
	"github.com/weftworks/weft/internal/weft/config"
	"github.com/weftworks/weft/internal/weft/engine"
	"github.com/weftworks/weft/internal/weft/expand"
	"github.com/weftworks/weft/internal/weft/persist"
	"github.com/weftworks/weft/internal/weft/persist/bunstore"
	"github.com/weftworks/weft/internal/weft/plan"
	"github.com/weftworks/weft/internal/weft/runtime"
	"github.com/weftworks/weft/internal/weft/validate"
	"github.com/weftworks/weft/internal/weft/wire"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		weftRun(os.Args[2:])
	case "validate":
		weftValidate(os.Args[2:])
	case "status":
		weftStatus(os.Args[2:])
	case "cancel":
		weftCancel(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  weft run --workflow <file.json|file.yaml> [--config <file>] [--state-root <dir>] [--workdir <dir>] [--template <file> ...]")
	fmt.Fprintln(os.Stderr, "  weft validate --workflow <file.json|file.yaml> [--config <file>] [--template <file> ...]")
	fmt.Fprintln(os.Stderr, "  weft status --state-root <dir> [--execution-id <id>] [--json]")
	fmt.Fprintln(os.Stderr, "  weft cancel --state-root <dir> [--execution-id <id>]")
}

func weftRun(args []string) {
	os.Exit(runRun(args, os.Stdout, os.Stderr))
}

func runRun(args []string, stdout io.Writer, stderr io.Writer) int {
	var workflowPath string
	var configPath string
	var stateRoot string
	var workDir string
	var templatePaths []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--workflow":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--workflow requires a value")
				return 1
			}
			workflowPath = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--config requires a value")
				return 1
			}
			configPath = args[i]
		case "--state-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--state-root requires a value")
				return 1
			}
			stateRoot = args[i]
		case "--workdir":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--workdir requires a value")
				return 1
			}
			workDir = args[i]
		case "--template":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--template requires a value")
				return 1
			}
			templatePaths = append(templatePaths, args[i])
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	if workflowPath == "" {
		fmt.Fprintln(stderr, "--workflow is required")
		return 1
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	job, diags, err := prepare(workflowPath, templatePaths, cfg)
	if err != nil {
		for _, d := range diags {
			if d.Severity == validate.SeverityError {
				fmt.Fprintf(stderr, "%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
			}
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	for _, d := range diags {
		fmt.Fprintf(stderr, "%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
	}

	// No deadline: batch workflows run as long as their steps need.
	ctx := context.Background()

	log := newLogger(cfg, stderr)
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer closeStore()

	eng := engine.New(engine.Options{
		Store:     store,
		Config:    cfg,
		Logger:    log,
		StateRoot: stateRoot,
		WorkDir:   workDir,
	})
	defer eng.Shutdown()

	rep, err := eng.Execute(ctx, job)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	fmt.Fprintf(stdout, "execution_id=%s\n", rep.ExecutionID)
	fmt.Fprintf(stdout, "workflow_id=%s\n", rep.WorkflowID)
	fmt.Fprintf(stdout, "status=%s\n", rep.Status)
	if stateRoot != "" {
		fmt.Fprintf(stdout, "state_dir=%s\n", filepath.Join(stateRoot, rep.ExecutionID))
	}
	if rep.FailureReason != "" {
		fmt.Fprintf(stdout, "failure_reason=%s\n", rep.FailureReason)
	}

	if rep.Status == runtime.JobSuccess {
		return 0
	}
	return 1
}

func weftValidate(args []string) {
	os.Exit(runValidate(args, os.Stdout, os.Stderr))
}

func runValidate(args []string, stdout io.Writer, stderr io.Writer) int {
	var workflowPath string
	var configPath string
	var templatePaths []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--workflow":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--workflow requires a value")
				return 1
			}
			workflowPath = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--config requires a value")
				return 1
			}
			configPath = args[i]
		case "--template":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--template requires a value")
				return 1
			}
			templatePaths = append(templatePaths, args[i])
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	if workflowPath == "" {
		fmt.Fprintln(stderr, "--workflow is required")
		return 1
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	_, diags, err := prepare(workflowPath, templatePaths, cfg)
	if err != nil {
		for _, d := range diags {
			fmt.Fprintf(stderr, "%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "ok: %s\n", filepath.Base(workflowPath))
	for _, d := range diags {
		fmt.Fprintf(stdout, "%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
	}
	return 0
}

// prepare decodes one workflow file and carries it through build, template
// expansion, validation, and compilation. Diagnostics come back even on the
// success path so callers can surface warnings.
func prepare(workflowPath string, templatePaths []string, cfg *config.Config) (*compile.Job, []validate.Diagnostic, error) {
	def, err := wire.DecodeDefinitionFile(workflowPath)
	if err != nil {
		return nil, nil, err
	}
	p, err := plan.Build(def)
	if err != nil {
		return nil, nil, err
	}

	templates := expand.NewTemplateRegistry()
	for _, path := range templatePaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		sg, err := wire.DecodeSubgraphDefinition(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		id := strings.TrimSpace(sg.ID)
		if id == "" {
			id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		if err := templates.Register(id, sg); err != nil {
			return nil, nil, err
		}
	}
	expanded, err := expand.New(templates, expand.Options{
		MaxDepth: cfg.Workflow.Subgraph.MaxExpansionDepth,
	}).Expand(p)
	if err != nil {
		return nil, nil, err
	}

	diags := validate.Validate(expanded, cfg.ValidateOptions())
	for i := range diags {
		if diags[i].Severity == validate.SeverityError {
			return nil, diags, &validate.ValidationError{Kind: diags[i].Kind, Diagnostics: diags}
		}
	}

	job, err := compile.Compile(expanded)
	if err != nil {
		return nil, diags, err
	}
	return job, diags, nil
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newLogger maps the logging block onto a process logger. Console format is
// for operators at a terminal; json is for collectors.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	out := w
	if strings.EqualFold(strings.TrimSpace(cfg.Logging.Format), "console") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(cfg.LogLevel()).With().Timestamp().Logger()
}

// openStore picks the persistence backend: Postgres when a DSN is configured,
// the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (persist.Store, func(), error) {
	dsn := strings.TrimSpace(cfg.Database.DSN)
	if dsn == "" {
		return persist.NewMemStore(), func() {}, nil
	}
	st := bunstore.Open(dsn)
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return st, func() { _ = st.Close() }, nil
}
