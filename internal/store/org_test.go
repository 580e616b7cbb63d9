package store

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/articleforge/articleforge/internal/budget"
	"github.com/articleforge/articleforge/internal/ledger"
)

const limitsColumnsSQL = `
SELECT monthly_budget_cents, per_article_limit_cents, articles_limit, articles_used, alert_threshold
FROM organizations
WHERE id=$1 AND deleted_at IS NULL
FOR UPDATE
`

func limitsRows(budgetCents, perArticle int64, articlesLimit, articlesUsed, threshold int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"monthly_budget_cents", "per_article_limit_cents", "articles_limit", "articles_used", "alert_threshold"}).
		AddRow(budgetCents, perArticle, articlesLimit, articlesUsed, threshold)
}

func TestAdmitPipelineAdmitsAndIncrementsQuota(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(limitsColumnsSQL)).
		WithArgs("org-1").
		WillReturnRows(limitsRows(10000, 500, 10, 3, 80))
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT COALESCE(SUM(amount_cents),0) FROM cost_entries WHERE org_id=$1 AND billing_month=$2
`)).
		WithArgs("org-1", "2026-08").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(4200))
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE organizations
SET articles_used = articles_used + 1,
    current_month_spend_cents = $2,
    updated_at = NOW()
WHERE id = $1
`)).
		WithArgs("org-1", int64(4200)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	adm, err := st.AdmitPipeline(context.Background(), "org-1", ledger.Month("2026-08"))
	if err != nil {
		t.Fatalf("AdmitPipeline: %v", err)
	}
	if !adm.Admitted {
		t.Fatalf("expected admission, got reason %s", adm.Reason)
	}
	if adm.ArticlesUsed != 4 {
		t.Fatalf("expected articles_used 4 after increment, got %d", adm.ArticlesUsed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAdmitPipelineRejectsOnQuotaWithoutIncrement(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(limitsColumnsSQL)).
		WithArgs("org-1").
		WillReturnRows(limitsRows(10000, 500, 2, 2, 80))
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT COALESCE(SUM(amount_cents),0) FROM cost_entries WHERE org_id=$1 AND billing_month=$2
`)).
		WithArgs("org-1", "2026-08").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(100))
	// No UPDATE: a rejected admission must not consume quota.
	mock.ExpectCommit()

	adm, err := st.AdmitPipeline(context.Background(), "org-1", ledger.Month("2026-08"))
	if err != nil {
		t.Fatalf("AdmitPipeline: %v", err)
	}
	if adm.Admitted {
		t.Fatalf("expected quota rejection")
	}
	if adm.Reason != budget.ReasonArticleLimitExceeded {
		t.Fatalf("expected %s, got %s", budget.ReasonArticleLimitExceeded, adm.Reason)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAdmitPipelineRejectsOnBudget(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(limitsColumnsSQL)).
		WithArgs("org-1").
		WillReturnRows(limitsRows(10000, 500, 10, 3, 80))
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT COALESCE(SUM(amount_cents),0) FROM cost_entries WHERE org_id=$1 AND billing_month=$2
`)).
		WithArgs("org-1", "2026-08").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(10100))
	mock.ExpectCommit()

	adm, err := st.AdmitPipeline(context.Background(), "org-1", ledger.Month("2026-08"))
	if err != nil {
		t.Fatalf("AdmitPipeline: %v", err)
	}
	if adm.Admitted {
		t.Fatalf("expected budget rejection")
	}
	if adm.Reason != budget.ReasonBudgetExceeded {
		t.Fatalf("expected %s, got %s", budget.ReasonBudgetExceeded, adm.Reason)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestOrgMaxRequests(t *testing.T) {
	st, mock, closeDB := newMock(t)
	defer closeDB()

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT max_requests FROM organizations WHERE id=$1 AND deleted_at IS NULL
`)).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"max_requests"}).AddRow(500))

	max, err := st.OrgMaxRequests(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("OrgMaxRequests: %v", err)
	}
	if max != 500 {
		t.Fatalf("max = %d, want 500", max)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDefaultsForPlan(t *testing.T) {
	starter := DefaultsForPlan(PlanStarter)
	if starter.MonthlyBudget != 5000 || starter.ArticlesLimit != 10 {
		t.Fatalf("unexpected starter defaults: %+v", starter)
	}
	if starter.MaxRequests != 100 || DefaultsForPlan(PlanScale).MaxRequests != 2000 {
		t.Fatalf("tier request ceilings wrong: starter=%d scale=%d",
			starter.MaxRequests, DefaultsForPlan(PlanScale).MaxRequests)
	}
	// Unknown tiers fall back to starter.
	if DefaultsForPlan("enterprise-unknown") != starter {
		t.Fatalf("unknown tier must fall back to starter defaults")
	}
	growth := DefaultsForPlan(PlanGrowth)
	if growth.MonthlyBudget <= starter.MonthlyBudget {
		t.Fatalf("growth budget should exceed starter")
	}
}
