package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/syncer"
)

// StatusView is the status command output.
type StatusView struct {
	Queue         model.QueueStatus `json:"queue"`
	PullWatermark *time.Time        `json:"pull_watermark"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and sync progress",
		Long: `Show the sync queue summary for the local replica: items per status,
exhausted retries, the oldest pending change, the last completed sync and
the pull watermark.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnv(cmd, rootOpts, envOptions{})
			if err != nil {
				return err
			}
			defer env.close()

			ctx := cmd.Context()
			st, err := env.engine.QueueStatus(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read queue status", err)
			}
			wm, err := env.store.PullWatermark(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read pull watermark", err)
			}

			view := StatusView{Queue: st, PullWatermark: wm}
			return newFormatter(cmd, rootOpts).Emit(view, func(w io.Writer) { printStatus(w, view) })
		},
	}
}

func printStatus(w io.Writer, v StatusView) {
	q := v.Queue
	fmt.Fprintf(w, "pending:    %d\n", q.PendingCount)
	fmt.Fprintf(w, "processing: %d\n", q.ProcessingCount)
	fmt.Fprintf(w, "failed:     %d (%d exhausted)\n", q.FailedCount, q.ExhaustedCount)
	fmt.Fprintf(w, "conflict:   %d\n", q.ConflictCount)
	fmt.Fprintf(w, "completed:  %d\n", q.CompletedCount)
	fmt.Fprintf(w, "oldest pending: %s\n", formatTime(q.OldestPendingAt))
	fmt.Fprintf(w, "last sync:      %s\n", formatTime(q.LastSyncAt))
	fmt.Fprintf(w, "pull watermark: %s\n", formatTime(v.PullWatermark))
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	var op string

	cmd := &cobra.Command{
		Use:   "enqueue <entity-type> <entity-id>",
		Short: "Queue an entity for push",
		Long: `Queue a local entity for push. Normally every local write queues itself;
use this to force a record out again. An open item for the same entity is
updated rather than duplicated.

Example:
  clinsync enqueue Patient P1
  clinsync enqueue ClinicalNote N7 --op create`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			operation, err := model.ParseOperation(op)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --op", err)
			}
			env, err := openEnv(cmd, rootOpts, envOptions{})
			if err != nil {
				return err
			}
			defer env.close()

			item, err := env.engine.Enqueue(cmd.Context(), args[0], args[1], operation)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to enqueue", err)
			}
			return newFormatter(cmd, rootOpts).Emit(item, func(w io.Writer) {
				fmt.Fprintf(w, "queued %s %s (item %d, %s)\n", item.Operation, item.Ref(), item.ID, item.Status)
			})
		},
	}
	cmd.Flags().StringVar(&op, "op", string(model.OpUpdate), "operation (create|update|delete)")
	return cmd
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push queued local changes to the authority",
		Long: `Drain the sync queue in batches. Items that fail in transport are retried
with backoff on a later push; conflicts are resolved by policy or parked
for review. Items left processing longer than sync.claim_timeout by a
crashed run are requeued first.

Exit codes:
  0 - Every attempted item was accepted or resolved
  1 - One or more items failed
  2 - Command error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnv(cmd, rootOpts, envOptions{})
			if err != nil {
				return err
			}
			defer env.close()
			ctx := env.ctx(cmd)

			if _, err := env.engine.RecoverStale(ctx); err != nil {
				return WrapExitError(ExitCommandError, "recover failed", err)
			}
			res, err := env.engine.Push(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "push failed", err)
			}
			if err := newFormatter(cmd, rootOpts).Emit(res, func(w io.Writer) { printPush(w, res) }); err != nil {
				return err
			}
			if res.FailureCount > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d item(s) failed", res.FailureCount))
			}
			return nil
		},
	}
	cmd.Flags().Int("batch-size", syncer.DefaultConfig().BatchSize, "items per push request")
	return cmd
}

func printPush(w io.Writer, res *syncer.PushResult) {
	fmt.Fprintf(w, "pushed %d: %d accepted, %d failed, %d conflicts\n",
		res.TotalPushed, res.SuccessCount, res.FailureCount, res.ConflictCount)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  ✗ %s\n", e)
	}
	printConflictLines(w, res.Conflicts)
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		since         string
		saveWatermark bool
	)

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull authority changes into the local replica",
		Long: `Fetch every change recorded by the authority after the pull watermark and
apply it locally. Pending local edits are reconciled by policy.

Example:
  clinsync pull
  clinsync pull --since 2026-01-15T08:00:00Z --save-watermark=false`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnv(cmd, rootOpts, envOptions{})
			if err != nil {
				return err
			}
			defer env.close()
			ctx := env.ctx(cmd)

			var from *time.Time
			if since != "" {
				t, err := time.Parse(time.RFC3339Nano, since)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --since", err)
				}
				from = &t
			} else if from, err = env.store.PullWatermark(ctx); err != nil {
				return WrapExitError(ExitCommandError, "failed to read pull watermark", err)
			}

			res, err := env.engine.Pull(ctx, from)
			if err != nil {
				return WrapExitError(ExitFailure, "pull failed", err)
			}
			if saveWatermark && res.Watermark != nil {
				if err := env.engine.SaveWatermark(ctx, *res.Watermark); err != nil {
					return WrapExitError(ExitCommandError, "failed to save watermark", err)
				}
			}
			if err := newFormatter(cmd, rootOpts).Emit(res, func(w io.Writer) { printPull(w, res) }); err != nil {
				return err
			}
			if len(res.Errors) > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d change(s) could not be applied", len(res.Errors)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "pull changes after this RFC 3339 time instead of the watermark")
	cmd.Flags().BoolVar(&saveWatermark, "save-watermark", true, "advance the stored watermark")
	return cmd
}

func printPull(w io.Writer, res *syncer.PullResult) {
	fmt.Fprintf(w, "pulled %d: %d applied, %d skipped, %d conflicts\n",
		res.TotalPulled, res.AppliedCount, res.SkippedCount, res.ConflictCount)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  ✗ %s\n", e)
	}
	printConflictLines(w, res.Conflicts)
	fmt.Fprintf(w, "watermark: %s\n", formatTime(res.Watermark))
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push, then pull, once",
		Long: `Run one full sync cycle: push the queue, pull from the watermark, and
record the completion time. Only one cycle runs per replica at a time.
Items left processing longer than sync.claim_timeout by a crashed run are
requeued before the push.

Exit codes:
  0 - Cycle completed without item errors
  1 - Cycle completed with item errors, or failed
  2 - Command error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnv(cmd, rootOpts, envOptions{})
			if err != nil {
				return err
			}
			defer env.close()
			ctx := env.ctx(cmd)

			if _, err := env.engine.RecoverStale(ctx); err != nil {
				return WrapExitError(ExitCommandError, "recover failed", err)
			}
			rep, err := env.engine.SyncNow(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "sync failed", err)
			}
			if err := newFormatter(cmd, rootOpts).Emit(rep, func(w io.Writer) {
				printPush(w, rep.Push)
				printPull(w, rep.Pull)
				fmt.Fprintf(w, "completed in %s\n", rep.Duration)
			}); err != nil {
				return err
			}
			if n := len(rep.Push.Errors) + len(rep.Pull.Errors); n > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("sync finished with %d error(s)", n))
			}
			return nil
		},
	}
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Return abandoned in-flight queue items to pending",
		Long: `Return items left in processing by an interrupted push to pending so the
next push retries them. Run after a crash; the daemon does this on start.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnv(cmd, rootOpts, envOptions{})
			if err != nil {
				return err
			}
			defer env.close()

			n, err := env.engine.Recover(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "recover failed", err)
			}
			return newFormatter(cmd, rootOpts).Emit(map[string]int{"recovered": n}, func(w io.Writer) {
				fmt.Fprintf(w, "recovered %d item(s)\n", n)
			})
		},
	}
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete completed queue items",
		Long: `Delete completed queue items older than --older-than (default: the
sync.prune_after setting). Failed, parked and pending items are kept.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnv(cmd, rootOpts, envOptions{})
			if err != nil {
				return err
			}
			defer env.close()

			age := olderThan
			if age <= 0 {
				age = env.cfg.Sync.PruneAfter
			}
			n, err := env.engine.Prune(cmd.Context(), age)
			if err != nil {
				return WrapExitError(ExitCommandError, "prune failed", err)
			}
			return newFormatter(cmd, rootOpts).Emit(map[string]int64{"pruned": n}, func(w io.Writer) {
				fmt.Fprintf(w, "pruned %d completed item(s) older than %s\n", n, age)
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age of completed items to delete")
	return cmd
}
