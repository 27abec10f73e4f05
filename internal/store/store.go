package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// currentSchemaVersion is stored in PRAGMA user_version. Version 1 added the
// queue drain index, version 2 the remote snapshot columns on conflicts and
// version 3 the remote lock snapshot.
const currentSchemaVersion = 3

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when adding a record whose identity is taken.
	ErrExists = errors.New("already exists")
	// ErrClaimLost is returned when a queue transition names a claim the
	// caller no longer holds.
	ErrClaimLost = errors.New("queue claim lost")
)

// Store is the durable local store shared by the metadata stamper, the
// sync queue and both pipelines.
type Store struct {
	db           *sql.DB
	interceptors []Interceptor
}

// Open opens the replica database at path, creating it when missing, and
// brings its schema up to date. Every transaction starts with BEGIN
// IMMEDIATE so a queue claim holds the write lock before it reads.
// Opening an up-to-date database again changes nothing.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// one writer; a second connection would also lose :memory: state
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := prepare(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func prepare(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA %s = %s", p.name, p.value)); err != nil {
			return fmt.Errorf("pragma %s: %w", p.name, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return migrate(db)
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate"
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for tests and ad hoc inspection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Use registers interceptors that run inside every unit-of-work commit,
// in registration order.
func (s *Store) Use(interceptors ...Interceptor) {
	s.interceptors = append(s.interceptors, interceptors...)
}

// WithTx runs fn in a single write transaction.
// The transaction commits only if fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback() // No-op if committed

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

var pragmas = []struct{ name, value string }{
	{"journal_mode", "WAL"},
	{"synchronous", "NORMAL"},
	{"busy_timeout", "5000"},
	{"foreign_keys", "ON"},
}

// migrations upgrade databases created by older releases. Each one must be
// safe on a database created from the current schema.sql.
var migrations = []struct {
	version int
	apply   func(*sql.DB) error
}{
	{1, addDrainIndex},
	{2, addConflictRemoteSnapshot},
	{3, addConflictRemoteLock},
}

func migrate(db *sql.DB) error {
	var have int
	if err := db.QueryRow("PRAGMA user_version").Scan(&have); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= have {
			continue
		}
		if err := m.apply(db); err != nil {
			return fmt.Errorf("migrate v%d: %w", m.version, err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

func addDrainIndex(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_sync_queue_drain ON sync_queue(status, enqueued_at, id)`)
	return err
}

// addConflictRemoteSnapshot adds remote_signature and remote_deleted to
// conflicts.
func addConflictRemoteSnapshot(db *sql.DB) error {
	return addColumns(db, "conflicts", []column{
		{"remote_signature", `TEXT NOT NULL DEFAULT ''`},
		{"remote_deleted", `INTEGER NOT NULL DEFAULT 0`},
	})
}

func addConflictRemoteLock(db *sql.DB) error {
	return addColumns(db, "conflicts", []column{
		{"remote_lock_holder", `TEXT NOT NULL DEFAULT ''`},
		{"remote_lock_expires", `INTEGER NOT NULL DEFAULT 0`},
	})
}

type column struct{ name, decl string }

// addColumns adds the columns table lacks. A table created from the
// current schema already has them all.
func addColumns(db *sql.DB, table string, cols []column) error {
	for _, col := range cols {
		var present bool
		if err := db.QueryRow(
			`SELECT COUNT(*) > 0 FROM pragma_table_info(?) WHERE name = ?`, table, col.name,
		).Scan(&present); err != nil {
			return err
		}
		if present {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col.name, col.decl)); err != nil {
			return fmt.Errorf("add %s.%s: %w", table, col.name, err)
		}
	}
	return nil
}

// verifyPragma reports whether PRAGMA name reads back as want.
func (s *Store) verifyPragma(name, want string) error {
	var got string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&got); err != nil {
		return fmt.Errorf("read pragma %s: %w", name, err)
	}
	if got != want {
		return fmt.Errorf("pragma %s = %q, want %q", name, got, want)
	}
	return nil
}
