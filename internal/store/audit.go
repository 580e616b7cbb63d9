package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/articleforge/articleforge/internal/audit"
)

// InsertAuditEntry appends one write-once audit record.
func (s *Store) InsertAuditEntry(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var actorID interface{}
	if e.ActorID != nil && *e.ActorID != "" {
		actorID = *e.ActorID
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO audit_entries (id, org_id, actor_id, action, entity_type, entity_id, old_value, new_value, changed_fields, success, error, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''),$12)
`, e.ID, e.OrgID, actorID, e.Action, e.EntityType, e.EntityID,
		[]byte(e.OldValue), []byte(e.NewValue), pq.Array(e.ChangedFields), e.Success, e.Error, e.CreatedAt)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return e, nil
}

// ListAuditEntries returns entries for the organization, ordered by
// creation time, with the filter composed into the WHERE clause.
func (s *Store) ListAuditEntries(ctx context.Context, orgID string, f audit.Filter) ([]audit.Entry, error) {
	var sb strings.Builder
	sb.WriteString(`
SELECT id, org_id, actor_id, action, entity_type, entity_id, old_value, new_value, changed_fields, success, COALESCE(error,''), created_at
FROM audit_entries
WHERE org_id=$1`)
	args := []interface{}{orgID}

	if f.EntityType != "" {
		args = append(args, f.EntityType)
		fmt.Fprintf(&sb, " AND entity_type=$%d", len(args))
	}
	if f.EntityID != "" {
		args = append(args, f.EntityID)
		fmt.Fprintf(&sb, " AND entity_id=$%d", len(args))
	}
	if f.Action != "" {
		args = append(args, f.Action)
		fmt.Fprintf(&sb, " AND action=$%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		fmt.Fprintf(&sb, " AND created_at >= $%d", len(args))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		fmt.Fprintf(&sb, " AND created_at <= $%d", len(args))
	}
	fmt.Fprintf(&sb, " ORDER BY created_at DESC LIMIT %d", f.Limit)

	rows, err := s.DB.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var actorID *string
		var changed pq.StringArray
		var oldValue, newValue []byte
		if err := rows.Scan(&e.ID, &e.OrgID, &actorID, &e.Action, &e.EntityType, &e.EntityID,
			&oldValue, &newValue, &changed, &e.Success, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorID = actorID
		e.OldValue = oldValue
		e.NewValue = newValue
		e.ChangedFields = []string(changed)
		out = append(out, e)
	}
	return out, rows.Err()
}
