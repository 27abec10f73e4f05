// Package pgstore persists the authority's records in Postgres through the
// pgx database/sql driver.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/remote"
)

// Compile-time contract assertion.
var _ remote.AuthorityStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/clinsync?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var ddl = []string{`CREATE TABLE IF NOT EXISTS authority_records (
	entity_type    TEXT    NOT NULL,
	entity_id      TEXT    NOT NULL,
	payload        JSONB   NOT NULL,
	last_modified  BIGINT  NOT NULL,
	modified_by    TEXT    NOT NULL,
	signature_hash TEXT    NOT NULL DEFAULT '',
	lock_holder    TEXT    NOT NULL DEFAULT '',
	lock_expires   BIGINT  NOT NULL DEFAULT 0,
	deleted        BOOLEAN NOT NULL DEFAULT FALSE,
	changed_at     BIGINT  NOT NULL,
	PRIMARY KEY (entity_type, entity_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_authority_records_changed ON authority_records (changed_at)`,
}

const columns = `entity_type, entity_id, payload, last_modified, modified_by,
	signature_hash, lock_holder, lock_expires, deleted, changed_at`

// Store is a Postgres-backed remote.AuthorityStore.
type Store struct {
	db *sql.DB
}

// Open connects to dsn (defaultDSN when empty) and ensures the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply ddl: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Get implements remote.AuthorityStore.
func (s *Store) Get(ctx context.Context, ref model.EntityRef) (*remote.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM authority_records
		WHERE entity_type = $1 AND entity_id = $2`, ref.Type, ref.ID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ref, err)
	}
	return &rec, nil
}

// Put implements remote.AuthorityStore.
func (s *Store) Put(ctx context.Context, rec remote.Record) error {
	e := rec.Entity
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("put %s: marshal payload: %w", e.Ref(), err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO authority_records (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			payload        = EXCLUDED.payload,
			last_modified  = EXCLUDED.last_modified,
			modified_by    = EXCLUDED.modified_by,
			signature_hash = EXCLUDED.signature_hash,
			lock_holder    = EXCLUDED.lock_holder,
			lock_expires   = EXCLUDED.lock_expires,
			deleted        = EXCLUDED.deleted,
			changed_at     = EXCLUDED.changed_at
	`,
		e.Type, e.ID, string(payload), micros(e.LastModifiedUTC), e.ModifiedByUserID,
		e.SignatureHash, e.LockHolder, micros(e.LockExpiresUTC), e.Deleted, micros(rec.ChangedAt),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", e.Ref(), err)
	}
	return nil
}

// Since implements remote.AuthorityStore.
func (s *Store) Since(ctx context.Context, since *time.Time, limit int) ([]remote.Record, error) {
	var floor int64 = -1
	if since != nil {
		floor = micros(*since)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM authority_records
		WHERE changed_at > $1
		ORDER BY changed_at ASC, entity_type ASC, entity_id ASC
		LIMIT $2`, floor, limit)
	if err != nil {
		return nil, fmt.Errorf("select changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []remote.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastChangedAt implements remote.AuthorityStore.
func (s *Store) LastChangedAt(ctx context.Context) (time.Time, error) {
	var last int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(changed_at), 0) FROM authority_records`).Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("last changed_at: %w", err)
	}
	return fromMicros(last), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (remote.Record, error) {
	var (
		rec                             remote.Record
		payload                         []byte
		lastModified, lockExp, changed int64
	)
	e := &rec.Entity
	if err := sc.Scan(
		&e.Type, &e.ID, &payload, &lastModified, &e.ModifiedByUserID,
		&e.SignatureHash, &e.LockHolder, &lockExp, &e.Deleted, &changed,
	); err != nil {
		return rec, err
	}
	obj, err := model.ParseObject(payload)
	if err != nil {
		return rec, fmt.Errorf("decode payload %s/%s: %w", e.Type, e.ID, err)
	}
	e.Payload = obj
	e.LastModifiedUTC = fromMicros(lastModified)
	e.LockExpiresUTC = fromMicros(lockExp)
	e.SyncState = model.SyncSynced
	rec.ChangedAt = fromMicros(changed)
	return rec, nil
}

func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
