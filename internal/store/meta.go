package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// sync_meta keys.
const (
	MetaPullWatermark = "pull_watermark"
	MetaLastSyncAt    = "last_sync_at"
)

func setMeta(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

func getMeta(ctx context.Context, q querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, nil
}

// GetTime reads a timestamp stored under key. Unset keys yield nil.
func (s *Store) GetTime(ctx context.Context, key string) (*time.Time, error) {
	raw, err := getMeta(ctx, s.db, key)
	if err != nil || raw == "" {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("meta %s: %w", key, err)
	}
	t = t.UTC()
	return &t, nil
}

// SetTime stores a timestamp under key.
func (s *Store) SetTime(ctx context.Context, key string, t time.Time) error {
	return setMeta(ctx, s.db, key, t.UTC().Format(time.RFC3339Nano))
}

// SetTime stores a timestamp under key inside the transaction.
func (t *Tx) SetTime(ctx context.Context, key string, ts time.Time) error {
	return setMeta(ctx, t.tx, key, ts.UTC().Format(time.RFC3339Nano))
}

// PullWatermark returns the stored pull watermark, nil before the first pull.
func (s *Store) PullWatermark(ctx context.Context) (*time.Time, error) {
	return s.GetTime(ctx, MetaPullWatermark)
}

// LastSyncAt returns when the last full sync completed.
func (s *Store) LastSyncAt(ctx context.Context) (*time.Time, error) {
	return s.GetTime(ctx, MetaLastSyncAt)
}
