package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/articleforge/articleforge/internal/audit"
)

var auditColumns = []string{"id", "org_id", "actor_id", "action", "entity_type", "entity_id",
	"old_value", "new_value", "changed_fields", "success", "error", "created_at"}

func TestListAuditEntriesComposesFilter(t *testing.T) {
	st, mock, closeDB := newMock(t)
	defer closeDB()

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, org_id, actor_id, action, entity_type, entity_id, old_value, new_value, changed_fields, success, COALESCE(error,''), created_at
FROM audit_entries
WHERE org_id=$1 AND entity_type=$2 AND action=$3 AND created_at >= $4 ORDER BY created_at DESC LIMIT 25`)).
		WithArgs("org-1", "pipeline", "pipeline.cancelled", since).
		WillReturnRows(sqlmock.NewRows(auditColumns).
			AddRow("a-1", "org-1", "user-1", "pipeline.cancelled", "pipeline", "p-1",
				[]byte(`{"status":"running"}`), []byte(`{"status":"cancelled"}`),
				pq.StringArray{"status"}, true, "", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))

	entries, err := st.ListAuditEntries(context.Background(), "org-1", audit.Filter{
		EntityType: "pipeline",
		Action:     "pipeline.cancelled",
		Since:      since,
		Limit:      25,
	})
	if err != nil {
		t.Fatalf("ListAuditEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ActorID == nil || *e.ActorID != "user-1" {
		t.Fatalf("actor = %v, want user-1", e.ActorID)
	}
	if len(e.ChangedFields) != 1 || e.ChangedFields[0] != "status" {
		t.Fatalf("changed fields = %v", e.ChangedFields)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListAuditEntriesBareFilter(t *testing.T) {
	st, mock, closeDB := newMock(t)
	defer closeDB()

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, org_id, actor_id, action, entity_type, entity_id, old_value, new_value, changed_fields, success, COALESCE(error,''), created_at
FROM audit_entries
WHERE org_id=$1 ORDER BY created_at DESC LIMIT 100`)).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows(auditColumns))

	entries, err := st.ListAuditEntries(context.Background(), "org-1", audit.Filter{Limit: 100})
	if err != nil {
		t.Fatalf("ListAuditEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
