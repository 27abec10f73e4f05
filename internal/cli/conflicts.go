package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/store"
	"github.com/roach88/clinsync/internal/syncer"
)

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve recorded conflicts",
	}
	cmd.AddCommand(newConflictsListCommand(rootOpts))
	cmd.AddCommand(newConflictsResolveCommand(rootOpts))
	return cmd
}

func newConflictsListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		open   bool
		entity string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts, oldest first",
		Long: `List recorded conflicts. Conflicts resolved automatically are kept as an
audit trail; --open shows only those waiting for a reviewer.

Example:
  clinsync conflicts list --open
  clinsync conflicts list --entity ClinicalNote/N7 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.ConflictFilter{OpenOnly: open}
			if entity != "" {
				typ, id, ok := strings.Cut(entity, "/")
				if !ok || typ == "" || id == "" {
					return NewExitError(ExitCommandError, fmt.Sprintf("invalid --entity %q: want Type/ID", entity))
				}
				filter.EntityType, filter.EntityID = typ, id
			}

			env, err := openEnv(cmd, rootOpts, envOptions{})
			if err != nil {
				return err
			}
			defer env.close()

			conflicts, err := env.engine.Conflicts(cmd.Context(), filter)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list conflicts", err)
			}
			if conflicts == nil {
				conflicts = []model.Conflict{}
			}
			return newFormatter(cmd, rootOpts).Emit(conflicts, func(w io.Writer) {
				if len(conflicts) == 0 {
					fmt.Fprintln(w, "No conflicts.")
					return
				}
				printConflictLines(w, conflicts)
			})
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "only conflicts awaiting review")
	cmd.Flags().StringVar(&entity, "entity", "", "only conflicts on this entity (Type/ID)")
	return cmd
}

func printConflictLines(w io.Writer, conflicts []model.Conflict) {
	for _, c := range conflicts {
		fmt.Fprintf(w, "  ! %s %s %s/%s %s -> %s\n", c.ID, c.Ref(), c.Phase, c.Kind, c.Reason, c.Resolution)
	}
}

func newConflictsResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <conflict-id> <local|remote>",
		Short: "Decide an open conflict",
		Long: `Resolve an open conflict. "local" keeps the local version and queues it
for push past the remote one; "remote" replaces the local record with the
remote version recorded with the conflict. Signed local content is never
replaced. The decision is audited under the configured user.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			choice, err := syncer.ParseChoice(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid choice", err)
			}
			env, err := openEnv(cmd, rootOpts, envOptions{})
			if err != nil {
				return err
			}
			defer env.close()
			if err := env.requireUser(); err != nil {
				return err
			}

			c, err := env.engine.ResolveConflict(env.ctx(cmd), args[0], choice)
			if err != nil {
				return WrapExitError(ExitFailure, fmt.Sprintf("failed to resolve %s", args[0]), err)
			}
			return newFormatter(cmd, rootOpts).Emit(c, func(w io.Writer) {
				fmt.Fprintf(w, "resolved %s on %s: %s\n", c.ID, c.Ref(), c.Resolution)
			})
		},
	}
}
