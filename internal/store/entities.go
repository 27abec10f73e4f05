package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/clinsync/internal/model"
)

const entityColumns = `entity_type, entity_id, payload, last_modified, modified_by,
	sync_state, signature_hash, lock_holder, lock_expires, deleted`

// GetEntity returns one entity, including tombstones.
// Returns ErrNotFound if the identity has never been written or was purged.
func (s *Store) GetEntity(ctx context.Context, entityType, entityID string) (*model.Entity, error) {
	return getEntity(ctx, s.db, entityType, entityID)
}

// ListEntities returns entities ordered by type and id. An empty
// entityType lists every type. Tombstones are included.
func (s *Store) ListEntities(ctx context.Context, entityType string) ([]*model.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY entity_type ASC, entity_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []*model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func getEntity(ctx context.Context, q querier, entityType, entityID string) (*model.Entity, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s/%s: %w", entityType, entityID, ErrNotFound)
	}
	return e, err
}

// putEntity inserts or replaces an entity row as given. No stamping happens
// here; callers that represent local edits go through a UnitOfWork.
func putEntity(ctx context.Context, q querier, e *model.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("put entity: %w", err)
	}
	if !e.SyncState.Valid() {
		return fmt.Errorf("put entity %s: invalid sync state %q", e.Ref(), e.SyncState)
	}
	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return fmt.Errorf("put entity %s: %w", e.Ref(), err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			payload        = excluded.payload,
			last_modified  = excluded.last_modified,
			modified_by    = excluded.modified_by,
			sync_state     = excluded.sync_state,
			signature_hash = excluded.signature_hash,
			lock_holder    = excluded.lock_holder,
			lock_expires   = excluded.lock_expires,
			deleted        = excluded.deleted
	`,
		e.Type,
		e.ID,
		payload,
		toMicros(e.LastModifiedUTC),
		e.ModifiedByUserID,
		string(e.SyncState),
		e.SignatureHash,
		e.LockHolder,
		toMicros(e.LockExpiresUTC),
		boolToInt(e.Deleted),
	)
	if err != nil {
		return fmt.Errorf("put entity %s: %w", e.Ref(), err)
	}
	return nil
}

func setSyncState(ctx context.Context, q querier, ref model.EntityRef, state model.SyncState) error {
	_, err := q.ExecContext(ctx, `
		UPDATE entities SET sync_state = ?
		WHERE entity_type = ? AND entity_id = ?
	`, string(state), ref.Type, ref.ID)
	if err != nil {
		return fmt.Errorf("set sync state %s: %w", ref, err)
	}
	return nil
}

func purgeEntity(ctx context.Context, q querier, ref model.EntityRef) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM entities WHERE entity_type = ? AND entity_id = ?
	`, ref.Type, ref.ID)
	if err != nil {
		return fmt.Errorf("purge entity %s: %w", ref, err)
	}
	return nil
}

func scanEntity(sc rowScanner) (*model.Entity, error) {
	var (
		e            model.Entity
		payload      string
		lastModified int64
		state        string
		lockExpires  int64
		deleted      int
	)
	if err := sc.Scan(
		&e.Type, &e.ID, &payload, &lastModified, &e.ModifiedByUserID,
		&state, &e.SignatureHash, &e.LockHolder, &lockExpires, &deleted,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entity: %w", err)
	}

	obj, err := unmarshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("entity %s/%s: %w", e.Type, e.ID, err)
	}
	e.Payload = obj
	e.LastModifiedUTC = fromMicros(lastModified)
	e.SyncState = model.SyncState(state)
	e.LockExpiresUTC = fromMicros(lockExpires)
	e.Deleted = deleted != 0
	return &e, nil
}
