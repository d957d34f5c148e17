// Package config loads pubengine settings from a YAML file.
//
// Every field has a default, so an absent file or an empty document is a
// valid configuration. Unknown keys are rejected so that a typo never
// silently falls back to a default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/pubengine/internal/dispatch"
	"github.com/roach88/pubengine/internal/engine"
	"github.com/roach88/pubengine/internal/ir"
	"github.com/roach88/pubengine/internal/lifecycle"
	"github.com/roach88/pubengine/internal/merge"
	"github.com/roach88/pubengine/internal/sandbox"
)

// Config is the file layout.
type Config struct {
	// Database is the SQLite path. Relative paths resolve against the
	// config file's directory.
	Database string `yaml:"database"`

	// Scope is the default scope for CLI commands.
	Scope string `yaml:"scope"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	HistoryLimit    int  `yaml:"history_limit"`
	StructuredMerge bool `yaml:"structured_merge"`
	HunkContext     int  `yaml:"hunk_context"`

	Handlers Handlers `yaml:"handlers"`

	// Defaults maps page type to a JSON tree file served when nothing is
	// published.
	Defaults map[string]string `yaml:"defaults,omitempty"`

	// MetricsOut, when set, receives a Prometheus text dump after each
	// CLI command.
	MetricsOut string `yaml:"metrics_out,omitempty"`

	dir string
}

// Handlers configures dispatch and the script sandbox.
type Handlers struct {
	Timeout    time.Duration  `yaml:"timeout"`
	MaxCascade int            `yaml:"max_cascade"`
	Limits     sandbox.Limits `yaml:"limits"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database:        "pubengine.db",
		LogLevel:        "info",
		HistoryLimit:    lifecycle.DefaultHistoryLimit,
		StructuredMerge: true,
		HunkContext:     merge.DefaultContext,
		Handlers: Handlers{
			Timeout:    dispatch.DefaultHandlerTimeout,
			MaxCascade: dispatch.DefaultMaxCascade,
			Limits:     sandbox.DefaultLimits(),
		},
		dir: ".",
	}
}

// Load reads path over the defaults. A missing file is an error; use
// Default for the no-file case.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Database) == "" {
		problems = append(problems, "database is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if c.HistoryLimit < 1 {
		problems = append(problems, "history_limit must be at least 1")
	}
	if c.HunkContext < 0 {
		problems = append(problems, "hunk_context must not be negative")
	}
	if c.Handlers.Timeout <= 0 {
		problems = append(problems, "handlers.timeout must be positive")
	}
	if c.Handlers.MaxCascade < 0 {
		problems = append(problems, "handlers.max_cascade must not be negative")
	}
	l := c.Handlers.Limits
	if l.MaxScriptBytes < 0 || l.MaxCallStackSize < 0 || l.MaxResultBytes < 0 || l.MaxEmits < 0 || l.MaxLogLines < 0 {
		problems = append(problems, "handlers.limits must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DatabasePath resolves Database against the config file's directory.
func (c *Config) DatabasePath() string {
	return c.resolve(c.Database)
}

func (c *Config) resolve(p string) string {
	if p == ":memory:" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log_level %q", s)
	}
}

// DefaultTrees reads the default tree files.
func (c *Config) DefaultTrees() (map[string]ir.Tree, error) {
	trees := make(map[string]ir.Tree, len(c.Defaults))
	for pageType, path := range c.Defaults {
		data, err := os.ReadFile(c.resolve(path))
		if err != nil {
			return nil, fmt.Errorf("default tree for %s: %w", pageType, err)
		}
		tree, err := ir.ParseTree(data)
		if err != nil {
			return nil, fmt.Errorf("default tree for %s: %w", pageType, err)
		}
		if err := tree.Validate(); err != nil {
			return nil, fmt.Errorf("default tree for %s: %w", pageType, err)
		}
		trees[pageType] = tree
	}
	return trees, nil
}

// EngineOptions translates the settings into engine options.
func (c *Config) EngineOptions() ([]engine.Option, error) {
	trees, err := c.DefaultTrees()
	if err != nil {
		return nil, err
	}
	return []engine.Option{
		engine.WithHistoryLimit(c.HistoryLimit),
		engine.WithStructuredMerge(c.StructuredMerge),
		engine.WithHunkContext(c.HunkContext),
		engine.WithHandlerTimeout(c.Handlers.Timeout),
		engine.WithMaxCascade(c.Handlers.MaxCascade),
		engine.WithSandboxLimits(c.Handlers.Limits),
		engine.WithDefaults(trees),
	}, nil
}
