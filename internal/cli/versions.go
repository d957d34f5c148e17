package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/pubengine/internal/ir"
	"github.com/roach88/pubengine/internal/lifecycle"
)

// NewEffectiveCommand creates the effective command.
func NewEffectiveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "effective <page-type>",
		Short: "Show the configuration a storefront renders for a page type",
		Long: `Show the effective published configuration of a page type.

Without a published version the configured default tree (or an empty
tree) is shown and marked as the default.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(s *session) error {
				cfg, err := s.engine.GetEffectiveConfiguration(cmd.Context(), s.scope, args[0])
				if err != nil {
					return err
				}
				return s.out.Render(cfg, func(w io.Writer) {
					if cfg.Default {
						fmt.Fprintf(w, "%s: default configuration (nothing published)\n", cfg.PageType)
					} else {
						fmt.Fprintf(w, "%s: version %d (%s)\n", cfg.PageType, cfg.Version.VersionNumber, cfg.Version.ID)
					}
					writeTree(w, cfg.Tree)
				})
			})
		},
	}
}

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "history <page-type>",
		Short:         "List the versions of a page type, newest first",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(s *session) error {
				versions, err := s.engine.GetHistory(cmd.Context(), s.scope, args[0], opts.Limit)
				if err != nil {
					return err
				}
				return s.out.Render(versions, func(w io.Writer) {
					if len(versions) == 0 {
						fmt.Fprintf(w, "No versions for %s.\n", args[0])
						return
					}
					for _, v := range versions {
						writeVersionLine(w, v)
					}
				})
			})
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of versions (0 uses the configured history_limit)")

	return cmd
}

// DraftOptions holds flags for the draft subcommands.
type DraftOptions struct {
	*RootOptions
	TreeFile string
	Parent   string
	Actor    string
}

// NewDraftCommand creates the draft command group.
func NewDraftCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DraftOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Create, update and resume draft versions",
	}

	create := &cobra.Command{
		Use:   "create <page-type>",
		Short: "Create a draft version",
		Long: `Create a draft version of a page type from a configuration tree file.

Example:
  pubengine draft create cart --tree cart.json --parent <version-id>`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := readTree(opts.TreeFile)
			if err != nil {
				return opts.formatter(cmd).Fail(err)
			}
			return withSession(cmd, rootOpts, func(s *session) error {
				v, err := s.engine.CreateDraft(cmd.Context(), lifecycle.DraftRequest{
					Scope:           s.scope,
					PageType:        args[0],
					Tree:            tree,
					ParentVersionID: opts.Parent,
					Actor:           opts.Actor,
				})
				if err != nil {
					return err
				}
				return renderVersion(s.out, v)
			})
		},
	}
	create.Flags().StringVar(&opts.TreeFile, "tree", "", "configuration tree JSON file (required)")
	create.Flags().StringVar(&opts.Parent, "parent", "", "version this draft edits")
	create.Flags().StringVar(&opts.Actor, "actor", "", "who is creating the draft")
	_ = create.MarkFlagRequired("tree")

	update := &cobra.Command{
		Use:           "update <version-id>",
		Short:         "Replace the configuration tree of a draft",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := readTree(opts.TreeFile)
			if err != nil {
				return opts.formatter(cmd).Fail(err)
			}
			return withSession(cmd, rootOpts, func(s *session) error {
				v, err := s.engine.UpdateDraft(cmd.Context(), s.scope, args[0], tree)
				if err != nil {
					return err
				}
				return renderVersion(s.out, v)
			})
		},
	}
	update.Flags().StringVar(&opts.TreeFile, "tree", "", "configuration tree JSON file (required)")
	_ = update.MarkFlagRequired("tree")

	resume := &cobra.Command{
		Use:           "resume <version-id>",
		Short:         "Show the draft a version is being edited in",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(s *session) error {
				v, err := s.engine.ResumeEdit(cmd.Context(), s.scope, args[0])
				if err != nil {
					return err
				}
				return renderVersion(s.out, v)
			})
		},
	}

	cmd.AddCommand(create, update, resume)
	return cmd
}

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	Stage string
	Actor string
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish <version-id>",
		Short: "Promote a version to acceptance or published",
		Long: `Promote a version. Publishing to "published" makes it the effective
configuration of its page type and retires the previous one.

Example:
  pubengine publish <version-id> --stage acceptance --actor ana`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(s *session) error {
				target, err := ir.ParsePublishTarget(opts.Stage)
				if err != nil {
					return err
				}
				v, err := s.engine.Publish(cmd.Context(), s.scope, args[0], opts.Actor, target)
				if err != nil {
					return err
				}
				return renderVersion(s.out, v)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Stage, "stage", string(ir.StagePublished), "target stage (acceptance|published)")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "who is publishing")

	return cmd
}

// RevertOptions holds flags for the revert command.
type RevertOptions struct {
	*RootOptions
	Actor string
}

// NewRevertCommand creates the revert command.
func NewRevertCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RevertOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "revert <version-id>",
		Short: "Publish a copy of an earlier version",
		Long: `Publish a new version carrying the tree of an earlier one. The
versions published after it are marked reverted.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(s *session) error {
				res, err := s.engine.Revert(cmd.Context(), s.scope, args[0], opts.Actor)
				if err != nil {
					return err
				}
				return s.out.Render(res, func(w io.Writer) {
					writeVersionLine(w, res.Version)
					for _, id := range res.RevertedIDs {
						fmt.Fprintf(w, "  reverted %s\n", id)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Actor, "actor", "", "who is reverting")

	return cmd
}

// readTree reads and parses a configuration tree file. "-" reads stdin.
func readTree(path string) (ir.Tree, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return ir.Tree{}, WrapExitError(ExitCommandError, "read tree", err)
	}
	return ir.ParseTree(data)
}

func renderVersion(out *OutputFormatter, v ir.ConfigurationVersion) error {
	return out.Render(v, func(w io.Writer) { writeVersionLine(w, v) })
}

func writeVersionLine(w io.Writer, v ir.ConfigurationVersion) {
	fmt.Fprintf(w, "v%-4d %-10s %s  %s", v.VersionNumber, v.Status, v.ID, v.CreatedAt.Format("2006-01-02 15:04:05"))
	if by := ir.Deref(v.PublishedBy); by != "" {
		fmt.Fprintf(w, "  by %s", by)
	}
	fmt.Fprintln(w)
}

// writeTree prints a configuration tree as an indented outline.
func writeTree(w io.Writer, t ir.Tree) {
	idx := t.Index()
	var walk func(ids []string, depth int)
	walk = func(ids []string, depth int) {
		for _, id := range ids {
			i, ok := idx[id]
			if !ok {
				continue
			}
			n := t.Nodes[i]
			fmt.Fprintf(w, "%*s- %s (%s)\n", depth*2, "", n.ID, n.Type)
			walk(n.Order, depth+1)
		}
	}
	walk(t.Root, 0)
}
