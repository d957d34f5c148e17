package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/pubengine/internal/ir"
)

// DispatchOptions holds flags for the fire and hook commands.
type DispatchOptions struct {
	*RootOptions
	Payload string
}

func parsePayload(raw string) (ir.Value, error) {
	v, err := ir.ParseValue([]byte(raw))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --payload JSON", err)
	}
	return v, nil
}

// NewFireCommand creates the fire command.
func NewFireCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fire <event>",
		Short: "Run every listener of an event",
		Long: `Fire an event in the scope. Listeners run in priority order; events they
emit are dispatched afterwards, up to the configured cascade limit.

Example:
  pubengine fire cart.updated --payload '{"total":40}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(opts.Payload)
			if err != nil {
				return opts.formatter(cmd).Fail(err)
			}
			return withSession(cmd, rootOpts, func(s *session) error {
				res, err := s.engine.FireEvent(cmd.Context(), s.scope, args[0], payload)
				if err != nil {
					return err
				}
				return s.out.Render(res, func(w io.Writer) {
					fmt.Fprintf(w, "%s: %d handler(s), %d failed\n", res.Event, len(res.Outcomes), res.Failed())
					writeOutcomes(w, "  ", res.Outcomes)
					for _, c := range res.Cascade {
						if c.Dropped != "" {
							fmt.Fprintf(w, "  -> %s from %s dropped: %s\n", c.Event, c.EmittedBy, c.Dropped)
							continue
						}
						fmt.Fprintf(w, "  -> %s from %s (depth %d)\n", c.Event, c.EmittedBy, c.Depth)
						writeOutcomes(w, "     ", c.Outcomes)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "null", "event payload as JSON")

	return cmd
}

// NewHookCommand creates the hook command.
func NewHookCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "hook <hook>",
		Short: "Thread a value through every handler of a hook",
		Long: `Apply a hook in the scope. Each handler receives the previous handler's
result; a failing handler is skipped and the value passes through.

Example:
  pubengine hook cart.total --payload 40`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parsePayload(opts.Payload)
			if err != nil {
				return opts.formatter(cmd).Fail(err)
			}
			return withSession(cmd, rootOpts, func(s *session) error {
				res, err := s.engine.ApplyHook(cmd.Context(), s.scope, args[0], value)
				if err != nil {
					return err
				}
				return s.out.Render(res, func(w io.Writer) {
					out, _ := json.Marshal(res.Value)
					fmt.Fprintf(w, "%s = %s\n", res.Hook, out)
					writeOutcomes(w, "  ", res.Outcomes)
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "null", "initial value as JSON")

	return cmd
}

func writeOutcomes(w io.Writer, indent string, outcomes []ir.HandlerOutcome) {
	for _, o := range outcomes {
		switch {
		case o.OK:
			fmt.Fprintf(w, "%s✓ %s (%dms)\n", indent, o.RegistrationID, o.Duration.Milliseconds())
		case o.TimedOut:
			fmt.Fprintf(w, "%s✗ %s timed out\n", indent, o.RegistrationID)
		default:
			fmt.Fprintf(w, "%s✗ %s: %s\n", indent, o.RegistrationID, o.Error)
		}
	}
}

// CustomizationsOptions holds flags for the customizations command.
type CustomizationsOptions struct {
	*RootOptions
	Target  string
	Disable string
	Enable  string
}

// NewCustomizationsCommand creates the customizations command.
func NewCustomizationsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CustomizationsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "customizations",
		Short: "Show which customizations apply, or toggle one",
		Long: `Resolve the active customizations of the scope: conflicts are settled by
priority and records whose dependencies are missing are excluded. The
selection is printed in dependency order.

Examples:
  pubengine customizations --target cart
  pubengine customizations --disable loyalty/banner`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(s *session) error {
				if opts.Disable != "" || opts.Enable != "" {
					id, active := opts.Enable, true
					if opts.Disable != "" {
						id, active = opts.Disable, false
					}
					if err := s.engine.SetCustomizationActive(cmd.Context(), s.scope, id, active); err != nil {
						return err
					}
					s.out.VerboseLog("customization %s active=%t", id, active)
				}

				res, err := s.engine.ResolveCustomizations(cmd.Context(), s.scope, opts.Target)
				if err != nil {
					return err
				}
				return s.out.Render(res, func(w io.Writer) {
					if len(res.Selected) == 0 && len(res.Excluded) == 0 {
						fmt.Fprintln(w, "No active customizations.")
						return
					}
					for _, c := range res.Selected {
						fmt.Fprintf(w, "✓ %-32s %-22s %s\n", c.ID, c.Type(), c.Target)
					}
					for _, e := range res.Excluded {
						reason := e.Reason
						switch {
						case e.ConflictsWith != "":
							reason = "conflicts with " + e.ConflictsWith
						case e.Dependency != "":
							reason = "missing dependency " + e.Dependency
						}
						fmt.Fprintf(w, "✗ %-32s %s\n", e.Record.ID, reason)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Target, "target", "", "only customizations of this target")
	cmd.Flags().StringVar(&opts.Disable, "disable", "", "deactivate a customization before resolving")
	cmd.Flags().StringVar(&opts.Enable, "enable", "", "activate a customization before resolving")
	cmd.MarkFlagsMutuallyExclusive("disable", "enable")

	return cmd
}

// NewInstallCommand creates the install command.
func NewInstallCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install <manifest>",
		Short: "Install a plugin manifest into the scope",
		Long: `Compile, validate and install a plugin manifest (a .cue file or a
directory of them). Handler scripts are stored before the customizations
that bind them. Nothing is written when validation fails.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := LoadManifest(args[0])
			if err != nil {
				out := rootOpts.formatter(cmd)
				code := ErrCodeGeneric
				var le *LoadError
				if errors.As(err, &le) {
					code = le.Code
				}
				_ = out.Error(code, err.Error(), nil)
				return WrapExitError(ExitCommandError, "load manifest", err)
			}
			return withSession(cmd, rootOpts, func(s *session) error {
				res, err := s.engine.InstallManifest(cmd.Context(), s.scope, loaded.Manifest)
				if err != nil {
					return err
				}
				return s.out.Render(res, func(w io.Writer) {
					for _, warn := range res.Warnings {
						fmt.Fprintf(w, "warning: %s\n", warn.Message)
					}
					fmt.Fprintf(w, "✓ Installed %s into %s: %d customization(s), %d script(s)\n",
						res.PluginID, res.Scope, len(res.Customizations), len(res.Scripts))
				})
			})
		},
	}
}
