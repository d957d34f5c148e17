package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/pubengine/internal/config"
	"github.com/roach88/pubengine/internal/engine"
	"github.com/roach88/pubengine/internal/metrics"
	"github.com/roach88/pubengine/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	Config     string // YAML config file
	DB         string // overrides the config's database
	Scope      string // overrides the config's scope
	MetricsOut string // overrides the config's metrics_out
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the pubengine CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "pubengine",
		Short: "pubengine - storefront customization and publishing engine",
		Long: `Manage versioned page configurations, overlay customized theme artifacts
onto their baselines, and dispatch plugin events and hooks.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "SQLite database path (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Scope, "scope", "", "scope to operate in (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.MetricsOut, "metrics-out", "", "write Prometheus metrics to this file after the command")

	cmd.AddCommand(NewEffectiveCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewDraftCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewRevertCommand(opts))
	cmd.AddCommand(NewBaselineCommand(opts))
	cmd.AddCommand(NewOverlayCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewFireCommand(opts))
	cmd.AddCommand(NewHookCommand(opts))
	cmd.AddCommand(NewCustomizationsCommand(opts))
	cmd.AddCommand(NewInstallCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// loadConfig reads --config (or the defaults) and applies flag overrides.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if o.Config != "" {
		loaded, err := config.Load(o.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if o.Scope != "" {
		cfg.Scope = o.Scope
	}
	if o.MetricsOut != "" {
		cfg.MetricsOut = o.MetricsOut
	}
	return cfg, nil
}

// session is an open engine for one command.
type session struct {
	out     *OutputFormatter
	cfg     *config.Config
	store   *store.Store
	engine  *engine.Engine
	metrics *metrics.Metrics
	scope   string
}

// openSession loads configuration, opens the database and builds the
// engine. Failures are reported through the formatter and come back as
// ExitCommandError.
func openSession(cmd *cobra.Command, o *RootOptions) (*session, error) {
	out := o.formatter(cmd)

	cfg, err := o.loadConfig()
	if err != nil {
		return nil, out.Fail(WrapExitError(ExitCommandError, "load config", err))
	}
	if cfg.Scope == "" {
		return nil, out.Fail(NewExitError(ExitCommandError, "scope is required (--scope or config scope)"))
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	if o.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	dbPath := cfg.DatabasePath()
	if o.DB != "" {
		dbPath = o.DB
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, out.Fail(WrapExitError(ExitCommandError, "open database", err))
	}

	engineOpts, err := cfg.EngineOptions()
	if err != nil {
		st.Close()
		return nil, out.Fail(WrapExitError(ExitCommandError, "load defaults", err))
	}
	m := metrics.New()
	engineOpts = append(engineOpts, engine.WithLogger(logger), engine.WithMetrics(m))

	out.VerboseLog("database %s, scope %s", dbPath, cfg.Scope)
	return &session{
		out:     out,
		cfg:     cfg,
		store:   st,
		engine:  engine.New(st, engineOpts...),
		metrics: m,
		scope:   cfg.Scope,
	}, nil
}

// Close writes the metrics textfile, when configured, and closes the
// database.
func (s *session) Close() {
	if s.cfg.MetricsOut != "" {
		if err := s.metrics.WriteTextfile(s.cfg.MetricsOut); err != nil {
			s.out.VerboseLog("write metrics: %v", err)
		}
	}
	if err := s.store.Close(); err != nil {
		s.out.VerboseLog("close database: %v", err)
	}
}

// withSession runs fn against an open session.
func withSession(cmd *cobra.Command, o *RootOptions, fn func(s *session) error) error {
	s, err := openSession(cmd, o)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := fn(s); err != nil {
		return s.out.Fail(err)
	}
	return nil
}
