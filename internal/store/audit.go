package store

import (
	"context"
	"fmt"

	"github.com/roach88/clinsync/internal/model"
)

func appendAudit(ctx context.Context, q querier, a *model.AuditEntry) error {
	if a.ID == "" || a.Action == "" {
		return fmt.Errorf("append audit: id and action are required")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, entity_type, entity_id, actor_id, at, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, a.ID, a.Action, a.EntityType, a.EntityID, a.ActorID, toMicros(a.At), a.Detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns the audit trail of one entity, oldest first.
func (s *Store) ListAudit(ctx context.Context, ref model.EntityRef) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, entity_type, entity_id, actor_id, at, detail
		FROM audit_log
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY at ASC, id ASC
	`, ref.Type, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var a model.AuditEntry
		var at int64
		if err := rows.Scan(&a.ID, &a.Action, &a.EntityType, &a.EntityID, &a.ActorID, &at, &a.Detail); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.At = fromMicros(at)
		out = append(out, a)
	}
	return out, rows.Err()
}
