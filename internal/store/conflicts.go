package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/clinsync/internal/model"
)

const conflictColumns = `id, entity_type, entity_id, phase, kind, reason, local_modified,
	remote_modified, resolution, local_payload, remote_payload, remote_signature, remote_deleted,
	remote_lock_holder, remote_lock_expires, detected_at, resolved_at`

// ConflictFilter narrows ListConflicts.
type ConflictFilter struct {
	OpenOnly   bool
	EntityType string
	EntityID   string
}

// InsertConflict records a conflict outside any other transaction.
func (s *Store) InsertConflict(ctx context.Context, c model.Conflict) error {
	return insertConflict(ctx, s.db, c)
}

func insertConflict(ctx context.Context, q querier, c model.Conflict) error {
	local, err := marshalPayload(c.LocalPayload)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	remote, err := marshalPayload(c.RemotePayload)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}

	var resolvedAt sql.NullInt64
	if c.ResolvedAt != nil {
		resolvedAt = sql.NullInt64{Int64: toMicros(*c.ResolvedAt), Valid: true}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		c.ID,
		c.EntityType,
		c.EntityID,
		string(c.Phase),
		string(c.Kind),
		c.Reason,
		toMicros(c.LocalModifiedUTC),
		toMicros(c.RemoteModifiedUTC),
		string(c.Resolution),
		local,
		remote,
		c.RemoteSignatureHash,
		boolToInt(c.RemoteDeleted),
		c.RemoteLockHolder,
		toMicros(c.RemoteLockExpiresUTC),
		toMicros(c.DetectedAt),
		resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// GetConflict returns one conflict by id.
func (s *Store) GetConflict(ctx context.Context, id string) (model.Conflict, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ListConflicts returns conflicts ordered by detection time.
func (s *Store) ListConflicts(ctx context.Context, f ConflictFilter) ([]model.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE 1=1`
	var args []any
	if f.OpenOnly {
		query += ` AND resolution = ?`
		args = append(args, string(model.ResolutionPending))
	}
	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	query += ` ORDER BY detected_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveConflict records the manual resolution of an open conflict.
func (t *Tx) ResolveConflict(ctx context.Context, id string, resolution model.Resolution, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE conflicts SET resolution = ?, resolved_at = ?
		WHERE id = ? AND resolution = ?
	`, string(resolution), toMicros(at), id, string(model.ResolutionPending))
	if err != nil {
		return fmt.Errorf("resolve conflict %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("open conflict %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetConflict reads a conflict inside the transaction.
func (t *Tx) GetConflict(ctx context.Context, id string) (model.Conflict, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return c, err
}

// CountOpenConflicts returns the number of conflicts awaiting review.
func (s *Store) CountOpenConflicts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conflicts WHERE resolution = ?
	`, string(model.ResolutionPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open conflicts: %w", err)
	}
	return n, nil
}

func scanConflict(sc rowScanner) (model.Conflict, error) {
	var (
		c                     model.Conflict
		phase, kind, res      string
		localMod, remoteMod   int64
		localJSON, remoteJSON string
		remoteDeleted         int
		remoteLockExpires     int64
		detected              int64
		resolved              sql.NullInt64
	)
	if err := sc.Scan(
		&c.ID, &c.EntityType, &c.EntityID, &phase, &kind, &c.Reason, &localMod,
		&remoteMod, &res, &localJSON, &remoteJSON, &c.RemoteSignatureHash, &remoteDeleted,
		&c.RemoteLockHolder, &remoteLockExpires, &detected, &resolved,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("scan conflict: %w", err)
	}

	var err error
	if c.LocalPayload, err = unmarshalPayload(localJSON); err != nil {
		return c, err
	}
	if c.RemotePayload, err = unmarshalPayload(remoteJSON); err != nil {
		return c, err
	}
	c.Phase = model.Phase(phase)
	c.Kind = model.ConflictKind(kind)
	c.Resolution = model.Resolution(res)
	c.LocalModifiedUTC = fromMicros(localMod)
	c.RemoteModifiedUTC = fromMicros(remoteMod)
	c.RemoteDeleted = remoteDeleted != 0
	c.RemoteLockExpiresUTC = fromMicros(remoteLockExpires)
	c.DetectedAt = fromMicros(detected)
	c.ResolvedAt = fromMicrosPtr(resolved)
	return c, nil
}
