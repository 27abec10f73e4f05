package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/clinsync/internal/model"
)

// EntryState is the change recorded for one value in a unit of work.
type EntryState int

const (
	EntryAdded EntryState = iota + 1
	EntryModified
)

func (s EntryState) String() string {
	switch s {
	case EntryAdded:
		return "added"
	case EntryModified:
		return "modified"
	}
	return fmt.Sprintf("EntryState(%d)", int(s))
}

// Entry is one value about to be written by a commit.
//
// Value is a *model.Entity or a *model.AuditEntry. Previous is the stored
// entity as read inside the commit transaction; it is nil for additions.
type Entry struct {
	State    EntryState
	Value    any
	Previous *model.Entity
}

// Entity returns the entry's value when it is an entity.
func (e *Entry) Entity() (*model.Entity, bool) {
	ent, ok := e.Value.(*model.Entity)
	return ent, ok
}

// Interceptor runs inside the commit transaction immediately before the
// entries are written. Interceptors may mutate entries and write through
// tx. An error aborts the whole commit.
type Interceptor interface {
	BeforeCommit(ctx context.Context, tx *Tx, entries []*Entry) error
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(ctx context.Context, tx *Tx, entries []*Entry) error

// BeforeCommit implements Interceptor.
func (f InterceptorFunc) BeforeCommit(ctx context.Context, tx *Tx, entries []*Entry) error {
	return f(ctx, tx, entries)
}

// UnitOfWork batches local writes so that metadata stamping, queueing and
// persistence commit together.
type UnitOfWork struct {
	store   *Store
	entries []*Entry
}

// NewUnitOfWork starts an empty unit of work.
func (s *Store) NewUnitOfWork() *UnitOfWork {
	return &UnitOfWork{store: s}
}

// Add records a new entity or audit entry.
func (u *UnitOfWork) Add(v any) {
	u.entries = append(u.entries, &Entry{State: EntryAdded, Value: v})
}

// Update records a change to an existing entity.
func (u *UnitOfWork) Update(e *model.Entity) {
	u.entries = append(u.entries, &Entry{State: EntryModified, Value: e})
}

// Remove records a local delete. The row is kept as a tombstone until the
// delete is acknowledged by the remote.
func (u *UnitOfWork) Remove(e *model.Entity) {
	e.Deleted = true
	u.entries = append(u.entries, &Entry{State: EntryModified, Value: e})
}

// Len returns the number of recorded entries.
func (u *UnitOfWork) Len() int {
	return len(u.entries)
}

// Commit writes every entry in one transaction, running the store's
// interceptors first. The unit of work is empty afterwards, whether or not
// the commit succeeded.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	entries := u.entries
	u.entries = nil
	if len(entries) == 0 {
		return nil
	}

	return u.store.WithTx(ctx, func(tx *Tx) error {
		for _, entry := range entries {
			if err := loadPrevious(ctx, tx, entry); err != nil {
				return err
			}
		}

		for _, ic := range u.store.interceptors {
			if err := ic.BeforeCommit(ctx, tx, entries); err != nil {
				return err
			}
		}

		for _, entry := range entries {
			switch v := entry.Value.(type) {
			case *model.Entity:
				if err := putEntity(ctx, tx.tx, v); err != nil {
					return err
				}
			case *model.AuditEntry:
				if err := appendAudit(ctx, tx.tx, v); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func loadPrevious(ctx context.Context, tx *Tx, entry *Entry) error {
	switch v := entry.Value.(type) {
	case *model.Entity:
		if err := v.Validate(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		prev, err := tx.GetEntity(ctx, v.Type, v.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			if entry.State == EntryModified {
				return fmt.Errorf("commit %s: %w", v.Ref(), ErrNotFound)
			}
		case err != nil:
			return fmt.Errorf("commit %s: %w", v.Ref(), err)
		case entry.State == EntryAdded && !prev.Deleted:
			return fmt.Errorf("commit %s: %w", v.Ref(), ErrExists)
		case entry.State == EntryModified:
			entry.Previous = prev
		}
		// Re-adding over a tombstone leaves Previous nil.
		return nil
	case *model.AuditEntry:
		if entry.State != EntryAdded {
			return fmt.Errorf("commit: audit entries are append-only")
		}
		return nil
	default:
		return fmt.Errorf("commit: unsupported value %T", entry.Value)
	}
}
