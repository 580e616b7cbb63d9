package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/articleforge/articleforge/internal/ledger"
)

func TestInsertCostEntryRefreshesCachedSpend(t *testing.T) {
	st, mock, closeDB := newMock(t)
	defer closeDB()

	entry := ledger.Entry{
		OrgID:      "org-1",
		PipelineID: "p-1",
		Service:    "agent",
		AgentKind:  "article-generation",
		Amount:     150,
		TokensIn:   1200,
		TokensOut:  900,
		Month:      ledger.Month("2026-08"),
		CreatedAt:  time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC),
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO cost_entries (id, org_id, pipeline_id, article_id, service, agent_kind, amount_cents, tokens_in, tokens_out, billing_month, created_at)
VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),$5,NULLIF($6,''),$7,$8,$9,$10,$11)
`)).
		WithArgs(sqlmock.AnyArg(), "org-1", "p-1", "", "agent", "article-generation",
			int64(150), 1200, 900, "2026-08", entry.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE organizations
SET current_month_spend_cents = (
  SELECT COALESCE(SUM(amount_cents),0) FROM cost_entries WHERE org_id=$1 AND billing_month=$2
), updated_at=NOW()
WHERE id=$1
`)).
		WithArgs("org-1", "2026-08").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	saved, err := st.InsertCostEntry(context.Background(), entry)
	if err != nil {
		t.Fatalf("InsertCostEntry: %v", err)
	}
	if saved.ID == "" {
		t.Fatalf("entry id must be assigned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMonthlyCostByAgent(t *testing.T) {
	st, mock, closeDB := newMock(t)
	defer closeDB()

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT COALESCE(agent_kind,'other'), COALESCE(SUM(amount_cents),0)
FROM cost_entries
WHERE org_id=$1 AND billing_month=$2
GROUP BY 1
`)).
		WithArgs("org-1", "2026-08").
		WillReturnRows(sqlmock.NewRows([]string{"agent_kind", "sum"}).
			AddRow("article-generation", 6000).
			AddRow("publish", 3500))

	byAgent, err := st.MonthlyCostByAgent(context.Background(), "org-1", ledger.Month("2026-08"))
	if err != nil {
		t.Fatalf("MonthlyCostByAgent: %v", err)
	}
	if byAgent["article-generation"] != 6000 || byAgent["publish"] != 3500 {
		t.Fatalf("unexpected breakdown: %v", byAgent)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
