package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/pubengine/internal/engine"
	"github.com/roach88/pubengine/internal/ir"
	"github.com/roach88/pubengine/internal/merge"
)

// readContent returns inline content, or the contents of file. Exactly one
// of the two must be set.
func readContent(file, inline string, inlineSet bool) (string, error) {
	switch {
	case file != "" && inlineSet:
		return "", NewExitError(ExitCommandError, "--file and --content are mutually exclusive")
	case inlineSet:
		return inline, nil
	case file == "":
		return "", NewExitError(ExitCommandError, "one of --file or --content is required")
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "read content", err)
	}
	return string(data), nil
}

// BaselineOptions holds flags for the baseline command.
type BaselineOptions struct {
	*RootOptions
	File    string
	Content string
}

// NewBaselineCommand creates the baseline command.
func NewBaselineCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BaselineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "baseline <artifact-path>",
		Short: "Capture the uncustomized content of a theme artifact",
		Long: `Record the content of a theme artifact as its baseline. Overlays are
folded onto the latest baseline; capturing identical content is a no-op.

Example:
  pubengine baseline snippets/cart.liquid --file theme/snippets/cart.liquid`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(opts.File, opts.Content, cmd.Flags().Changed("content"))
			if err != nil {
				return opts.formatter(cmd).Fail(err)
			}
			return withSession(cmd, rootOpts, func(s *session) error {
				baseline, changed, err := s.engine.CaptureBaseline(cmd.Context(), s.scope, args[0], content)
				if err != nil {
					return err
				}
				data := map[string]interface{}{"baseline": baseline, "changed": changed}
				return s.out.Render(data, func(w io.Writer) {
					if changed {
						fmt.Fprintf(w, "✓ Baseline captured for %s (%s)\n", baseline.ArtifactPath, baseline.ContentHash)
						return
					}
					fmt.Fprintf(w, "Baseline for %s unchanged\n", baseline.ArtifactPath)
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "read the baseline from this file")
	cmd.Flags().StringVar(&opts.Content, "content", "", "baseline content")

	return cmd
}

// OverlayOptions holds flags for the overlay subcommands.
type OverlayOptions struct {
	*RootOptions
	Identity string
	Priority int64
	Summary  string
	File     string
	Content  string
	Edited   bool
	All      bool
}

func (o *OverlayOptions) request(scope, path string) engine.OverlayRequest {
	return engine.OverlayRequest{
		Scope:        scope,
		ArtifactPath: path,
		Identity:     o.Identity,
		Priority:     o.Priority,
		Summary:      o.Summary,
	}
}

// NewOverlayCommand creates the overlay command group.
func NewOverlayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OverlayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "overlay",
		Short: "Manage the overlays customizing a theme artifact",
	}

	upsert := &cobra.Command{
		Use:   "upsert <artifact-path>",
		Short: "Store an overlay, replacing the one with the same identity",
		Long: `Store an overlay for a theme artifact.

By default the content is a full snapshot of the customized artifact. With
--edited the content is an edited copy of the effective artifact and only
the changed lines are stored.

Examples:
  pubengine overlay upsert snippets/cart.liquid --identity loyalty --file cart.liquid
  pubengine overlay upsert snippets/cart.liquid --identity loyalty --file cart.liquid --edited`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(opts.File, opts.Content, cmd.Flags().Changed("content"))
			if err != nil {
				return opts.formatter(cmd).Fail(err)
			}
			return withSession(cmd, rootOpts, func(s *session) error {
				var o ir.OverlayRecord
				if opts.Edited {
					o, err = s.engine.UpsertOverlayFromEdit(cmd.Context(), engine.EditRequest{
						Scope:        s.scope,
						ArtifactPath: args[0],
						Identity:     opts.Identity,
						Edited:       content,
						Priority:     opts.Priority,
						Summary:      opts.Summary,
					})
				} else {
					req := opts.request(s.scope, args[0])
					req.Payload = ir.SnapshotPayload{Content: content}
					o, err = s.engine.UpsertOverlay(cmd.Context(), req)
				}
				if err != nil {
					return err
				}
				return s.out.Render(o, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Overlay %s stored as %s (%s, priority %d)\n", o.Identity, o.ID, o.Kind(), o.Priority)
				})
			})
		},
	}
	upsert.Flags().StringVar(&opts.Identity, "identity", "", "overlay identity (the upsert key)")
	upsert.Flags().Int64Var(&opts.Priority, "priority", 0, "fold priority (lower applies first)")
	upsert.Flags().StringVar(&opts.Summary, "summary", "", "short description of the customization")
	upsert.Flags().StringVar(&opts.File, "file", "", "read the overlay content from this file")
	upsert.Flags().StringVar(&opts.Content, "content", "", "overlay content")
	upsert.Flags().BoolVar(&opts.Edited, "edited", false, "content is an edited copy; store only the changed lines")

	deactivate := &cobra.Command{
		Use:           "deactivate <overlay-id>",
		Short:         "Stop applying an overlay",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(s *session) error {
				if err := s.engine.DeactivateOverlay(cmd.Context(), s.scope, args[0]); err != nil {
					return err
				}
				return s.out.Render(map[string]string{"id": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Overlay %s deactivated\n", args[0])
				})
			})
		},
	}

	list := &cobra.Command{
		Use:           "list <artifact-path>",
		Short:         "List the overlays of an artifact in fold order",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(s *session) error {
				overlays, err := s.engine.ListOverlays(cmd.Context(), s.scope, args[0], !opts.All)
				if err != nil {
					return err
				}
				return s.out.Render(overlays, func(w io.Writer) {
					if len(overlays) == 0 {
						fmt.Fprintf(w, "No overlays for %s.\n", args[0])
						return
					}
					for _, o := range overlays {
						state := "active"
						if !o.Active {
							state = "inactive"
						}
						fmt.Fprintf(w, "%4d  %-10s %-8s %s  %s\n", o.Priority, o.Kind(), state, o.Identity, o.Summary)
					}
				})
			})
		},
	}
	list.Flags().BoolVar(&opts.All, "all", false, "include deactivated overlays")

	cmd.AddCommand(upsert, deactivate, list)
	return cmd
}

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	OverlayOptions
	Preview bool
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{OverlayOptions: OverlayOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "resolve <artifact-path>",
		Short: "Print the effective content of a theme artifact",
		Long: `Fold the active overlays of an artifact onto its baseline and print the
result. With --preview, a snapshot overlay given by --file or --content is
folded in as if stored, without storing it.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var preview string
			if opts.Preview {
				var err error
				preview, err = readContent(opts.File, opts.Content, cmd.Flags().Changed("content"))
				if err != nil {
					return opts.formatter(cmd).Fail(err)
				}
			}
			return withSession(cmd, rootOpts, func(s *session) error {
				var res merge.Resolution
				var err error
				if opts.Preview {
					req := opts.request(s.scope, args[0])
					req.Payload = ir.SnapshotPayload{Content: preview}
					res, err = s.engine.PreviewArtifact(cmd.Context(), req)
				} else {
					res, err = s.engine.GetEffectiveArtifact(cmd.Context(), s.scope, args[0])
				}
				if err != nil {
					return err
				}
				for _, h := range res.Unapplied {
					s.out.VerboseLog("overlay %s: hunk %s not applied", h.OverlayID, h.HunkID)
				}
				return s.out.Render(res, func(w io.Writer) {
					fmt.Fprint(w, res.EffectiveContent)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Preview, "preview", false, "fold in an unsaved snapshot overlay")
	cmd.Flags().StringVar(&opts.Identity, "identity", "", "identity of the previewed overlay (replaces the stored one)")
	cmd.Flags().Int64Var(&opts.Priority, "priority", 0, "priority of the previewed overlay")
	cmd.Flags().StringVar(&opts.File, "file", "", "read the previewed content from this file")
	cmd.Flags().StringVar(&opts.Content, "content", "", "previewed content")

	return cmd
}
