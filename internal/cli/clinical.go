package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/clinsync/internal/clinical"
	"github.com/roach88/clinsync/internal/model"
)

// NoteView is a note with its audit trail.
type NoteView struct {
	Note  *model.Entity      `json:"note"`
	Audit []model.AuditEntry `json:"audit"`
}

// NewNoteCommand creates the note command group.
func NewNoteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Write, sign and amend clinical notes on the local replica",
		Long: `Clinical note workflow. Every change is written locally, stamped with
the configured user and queued for push; no connection is needed.`,
	}
	cmd.AddCommand(newNoteCreateCommand(rootOpts))
	cmd.AddCommand(newNoteUpdateCommand(rootOpts))
	cmd.AddCommand(newNoteSignCommand(rootOpts))
	cmd.AddCommand(newNoteAddendumCommand(rootOpts))
	cmd.AddCommand(newNoteShowCommand(rootOpts))
	return cmd
}

func newNoteCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		in        clinical.NoteInput
		encounter string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft note",
		Example: `  clinsync note create --user dr-1 --patient P1 --body "Stable overnight."
  clinsync note create --id N7 --patient P1 --type discharge --encounter 2026-01-15T08:00:00Z --body "..."`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if encounter != "" {
				t, err := time.Parse(time.RFC3339, encounter)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --encounter", err)
				}
				in.EncounterAt = t
			} else {
				in.EncounterAt = time.Now().UTC()
			}
			return withUserEnv(cmd, rootOpts, func(env *appEnv) error {
				note, err := env.service.CreateNote(env.ctx(cmd), in)
				if err != nil {
					return clinicalError("create note", err)
				}
				return emitEntity(cmd, rootOpts, "created", note)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "note id (generated when empty)")
	cmd.Flags().StringVar(&in.PatientID, "patient", "", "patient id")
	cmd.Flags().StringVar(&in.NoteType, "type", "progress", "note type")
	cmd.Flags().StringVar(&encounter, "encounter", "", "encounter time, RFC 3339 (default now)")
	cmd.Flags().StringVar(&in.Body, "body", "", "note text")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}

func newNoteUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var body string

	cmd := &cobra.Command{
		Use:           "update <note-id>",
		Short:         "Replace the body of an unsigned note",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUserEnv(cmd, rootOpts, func(env *appEnv) error {
				note, err := env.service.UpdateDraft(env.ctx(cmd), args[0], body)
				if err != nil {
					return clinicalError("update note", err)
				}
				return emitEntity(cmd, rootOpts, "updated", note)
			})
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "new note text")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func newNoteSignCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sign <note-id>",
		Short: "Sign a note, freezing its clinical content",
		Long: `Run the signing rules and sign the note as the configured user. Blocking
rule violations refuse the signature; warnings are reported. Once signed,
only addenda can be attached.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUserEnv(cmd, rootOpts, func(env *appEnv) error {
				note, res, err := env.service.SignNote(env.ctx(cmd), args[0])
				if err != nil {
					return clinicalError("sign note", err)
				}
				f := newFormatter(cmd, rootOpts)
				return f.Emit(map[string]any{"note": note, "warnings": res.Warnings()}, func(w io.Writer) {
					fmt.Fprintf(w, "signed %s\n", note.Ref())
					for _, v := range res.Warnings() {
						fmt.Fprintf(w, "  warning: %s: %s\n", v.Rule, v.Message)
					}
				})
			})
		},
	}
}

func newNoteAddendumCommand(rootOpts *RootOptions) *cobra.Command {
	var body string

	cmd := &cobra.Command{
		Use:           "addendum <note-id>",
		Short:         "Attach an unsigned addendum to a signed note",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUserEnv(cmd, rootOpts, func(env *appEnv) error {
				add, err := env.service.AddAddendum(env.ctx(cmd), args[0], body)
				if err != nil {
					return clinicalError("add addendum", err)
				}
				return emitEntity(cmd, rootOpts, "added", add)
			})
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "addendum text")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func newNoteShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <note-id>",
		Short:         "Show a note and its audit trail",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd, rootOpts, envOptions{})
			if err != nil {
				return err
			}
			defer env.close()

			ctx := cmd.Context()
			note, err := env.store.GetEntity(ctx, clinical.TypeNote, args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "failed to load note", err)
			}
			audit, err := env.store.ListAudit(ctx, note.Ref())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load audit trail", err)
			}
			if audit == nil {
				audit = []model.AuditEntry{}
			}

			view := NoteView{Note: note, Audit: audit}
			return newFormatter(cmd, rootOpts).Emit(view, func(w io.Writer) {
				printEntity(w, note)
				for _, a := range audit {
					fmt.Fprintf(w, "  %s  %-16s %s %s\n", a.At.Format(time.RFC3339), a.Action, a.ActorID, a.Detail)
				}
			})
		},
	}
}

// NewIntakeCommand creates the intake command group.
func NewIntakeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intake",
		Short: "Start and hand over patient intake sessions",
		Long: `Intake sessions are edited by one user at a time. The lock travels with
the record, so other devices see who holds it and until when.`,
	}

	var patient string
	start := &cobra.Command{
		Use:           "start <session-id>",
		Short:         "Start a session locked to the configured user",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUserEnv(cmd, rootOpts, func(env *appEnv) error {
				s, err := env.service.StartIntake(env.ctx(cmd), args[0], patient)
				if err != nil {
					return clinicalError("start intake", err)
				}
				return emitEntity(cmd, rootOpts, "started", s)
			})
		},
	}
	start.Flags().StringVar(&patient, "patient", "", "patient id")
	_ = start.MarkFlagRequired("patient")

	lock := &cobra.Command{
		Use:           "lock <session-id>",
		Short:         "Take or renew the session lock",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUserEnv(cmd, rootOpts, func(env *appEnv) error {
				s, err := env.service.AcquireIntakeLock(env.ctx(cmd), args[0])
				if err != nil {
					return clinicalError("lock intake", err)
				}
				return emitEntity(cmd, rootOpts, "locked", s)
			})
		},
	}

	release := &cobra.Command{
		Use:           "release <session-id>",
		Short:         "Release the session lock",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUserEnv(cmd, rootOpts, func(env *appEnv) error {
				if err := env.service.ReleaseIntakeLock(env.ctx(cmd), args[0]); err != nil {
					return clinicalError("release intake", err)
				}
				return newFormatter(cmd, rootOpts).Emit(map[string]string{"released": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "released %s\n", args[0])
				})
			})
		},
	}

	cmd.AddCommand(start, lock, release)
	return cmd
}

// withUserEnv opens the replica, checks a user is configured and runs fn.
func withUserEnv(cmd *cobra.Command, rootOpts *RootOptions, fn func(env *appEnv) error) error {
	env, err := openEnv(cmd, rootOpts, envOptions{})
	if err != nil {
		return err
	}
	defer env.close()
	if err := env.requireUser(); err != nil {
		return err
	}
	return fn(env)
}

// clinicalError maps workflow refusals to ExitFailure and everything else
// to ExitCommandError.
func clinicalError(action string, err error) error {
	var rv clinical.RuleViolationError
	var le *clinical.LockError
	switch {
	case errors.As(err, &rv),
		errors.As(err, &le),
		errors.Is(err, clinical.ErrAlreadySigned),
		errors.Is(err, clinical.ErrNotSigned):
		return WrapExitError(ExitFailure, action, err)
	}
	return WrapExitError(ExitCommandError, action, err)
}

func emitEntity(cmd *cobra.Command, rootOpts *RootOptions, verb string, e *model.Entity) error {
	return newFormatter(cmd, rootOpts).Emit(e, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s\n", verb, e.Ref())
		printEntity(w, e)
	})
}

func printEntity(w io.Writer, e *model.Entity) {
	fmt.Fprintf(w, "  state:    %s\n", e.SyncState)
	fmt.Fprintf(w, "  modified: %s by %s\n", e.LastModifiedUTC.Format(time.RFC3339Nano), e.ModifiedByUserID)
	if e.Signed() {
		fmt.Fprintf(w, "  signed:   %s\n", e.SignatureHash)
	}
	if e.LockHolder != "" {
		fmt.Fprintf(w, "  lock:     %s until %s\n", e.LockHolder, e.LockExpiresUTC.Format(time.RFC3339))
	}
	if b, err := model.MarshalCanonical(e.Payload); err == nil {
		fmt.Fprintf(w, "  payload:  %s\n", b)
	}
}
