// Package config loads the engine's configuration file. Decoding is strict:
// unknown keys are an error, zero values fall back to defaults, and every
// value is validated with a message naming the offending key.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/weftworks/weft/internal/weft/model"
	"github.com/weftworks/weft/internal/weft/validate"
)

type ExecutorConfig struct {
	CorePoolSize            int    `json:"core_pool_size,omitempty" yaml:"core_pool_size,omitempty"`
	MaxPoolSize             int    `json:"max_pool_size,omitempty" yaml:"max_pool_size,omitempty"`
	QueueCapacity           int    `json:"queue_capacity,omitempty" yaml:"queue_capacity,omitempty"`
	ThreadNamePrefix        string `json:"thread_name_prefix,omitempty" yaml:"thread_name_prefix,omitempty"`
	AwaitTerminationSeconds int    `json:"await_termination_seconds,omitempty" yaml:"await_termination_seconds,omitempty"`
	AllowCoreThreadTimeout  *bool  `json:"allow_core_thread_timeout,omitempty" yaml:"allow_core_thread_timeout,omitempty"`
}

type ValidationConfig struct {
	StrictJoins         bool `json:"strict_joins,omitempty" yaml:"strict_joins,omitempty"`
	StrictJoinUpstreams bool `json:"strict_join_upstreams,omitempty" yaml:"strict_join_upstreams,omitempty"`
	RequireExplicitJoin bool `json:"require_explicit_join,omitempty" yaml:"require_explicit_join,omitempty"`
}

type SubgraphConfig struct {
	MaxExpansionDepth int `json:"max_expansion_depth,omitempty" yaml:"max_expansion_depth,omitempty"`
}

type ErrorConfig struct {
	Policy string `json:"policy,omitempty" yaml:"policy,omitempty"`
}

type WorkflowConfig struct {
	Executor   ExecutorConfig   `json:"executor,omitempty" yaml:"executor,omitempty"`
	Validation ValidationConfig `json:"validation,omitempty" yaml:"validation,omitempty"`
	Subgraph   SubgraphConfig   `json:"subgraph,omitempty" yaml:"subgraph,omitempty"`
	Error      ErrorConfig      `json:"error,omitempty" yaml:"error,omitempty"`
}

type DatabaseConfig struct {
	// DSN empty means the in-memory store.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

type Config struct {
	Workflow WorkflowConfig `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	Database DatabaseConfig `json:"database,omitempty" yaml:"database,omitempty"`
	Logging  LoggingConfig  `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, decodes, defaults, and validates a config file. JSON or YAML by
// extension; anything that is not .json decodes as YAML.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	ex := &cfg.Workflow.Executor
	if ex.CorePoolSize == 0 {
		ex.CorePoolSize = 4
	}
	if ex.MaxPoolSize == 0 {
		ex.MaxPoolSize = 16
	}
	if ex.QueueCapacity == 0 {
		ex.QueueCapacity = 100
	}
	if strings.TrimSpace(ex.ThreadNamePrefix) == "" {
		ex.ThreadNamePrefix = "wf-"
	}
	if ex.AwaitTerminationSeconds == 0 {
		ex.AwaitTerminationSeconds = 60
	}
	if ex.AllowCoreThreadTimeout == nil {
		t := true
		ex.AllowCoreThreadTimeout = &t
	}
	if cfg.Workflow.Subgraph.MaxExpansionDepth == 0 {
		cfg.Workflow.Subgraph.MaxExpansionDepth = 10
	}
	if strings.TrimSpace(cfg.Workflow.Error.Policy) == "" {
		cfg.Workflow.Error.Policy = string(model.PolicyFail)
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Logging.Format) == "" {
		cfg.Logging.Format = "console"
	}
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	ex := cfg.Workflow.Executor
	if ex.CorePoolSize < 1 {
		return fmt.Errorf("workflow.executor.core_pool_size must be >= 1")
	}
	if ex.MaxPoolSize < ex.CorePoolSize {
		return fmt.Errorf("workflow.executor.max_pool_size must be >= core_pool_size (%d)", ex.CorePoolSize)
	}
	if ex.QueueCapacity < 1 {
		return fmt.Errorf("workflow.executor.queue_capacity must be >= 1")
	}
	if ex.AwaitTerminationSeconds < 0 {
		return fmt.Errorf("workflow.executor.await_termination_seconds must be >= 0")
	}
	if cfg.Workflow.Subgraph.MaxExpansionDepth < 1 {
		return fmt.Errorf("workflow.subgraph.max_expansion_depth must be >= 1")
	}
	if _, err := model.ParseWorkflowErrorPolicy(cfg.Workflow.Error.Policy); err != nil {
		return fmt.Errorf("invalid workflow.error.policy: %q (want FAIL|STOP|COMPENSATE_AND_FAIL|COMPENSATE_AND_COMPLETE)", cfg.Workflow.Error.Policy)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Logging.Level))); err != nil {
		return fmt.Errorf("invalid logging.level: %q", cfg.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "console", "json":
		// ok
	default:
		return fmt.Errorf("invalid logging.format: %q (want console|json)", cfg.Logging.Format)
	}
	return nil
}

// ErrorPolicy returns the parsed workflow-level error policy. Valid after
// Load or Default.
func (c *Config) ErrorPolicy() model.WorkflowErrorPolicy {
	p, err := model.ParseWorkflowErrorPolicy(c.Workflow.Error.Policy)
	if err != nil {
		return model.PolicyFail
	}
	return p
}

// ValidateOptions maps the validation block onto the validator's options.
func (c *Config) ValidateOptions() validate.Options {
	return validate.Options{
		StrictJoins:         c.Workflow.Validation.StrictJoins,
		StrictJoinUpstreams: c.Workflow.Validation.StrictJoinUpstreams,
		RequireExplicitJoin: c.Workflow.Validation.RequireExplicitJoin,
	}
}

// LogLevel returns the parsed zerolog level. Valid after Load or Default.
func (c *Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.Logging.Level)))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
