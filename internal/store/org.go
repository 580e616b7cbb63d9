package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/articleforge/articleforge/internal/budget"
	"github.com/articleforge/articleforge/internal/ledger"
)

// Plan tiers and their governance defaults.
const (
	PlanStarter = "starter"
	PlanGrowth  = "growth"
	PlanScale   = "scale"
)

// PlanDefaults are the limits seeded for a tier at signup.
type PlanDefaults struct {
	MonthlyBudget   ledger.Cents
	PerArticleLimit ledger.Cents
	ArticlesLimit   int
	AlertThreshold  int
	MaxRequests     int
}

var planDefaults = map[string]PlanDefaults{
	PlanStarter: {MonthlyBudget: 5000, PerArticleLimit: 500, ArticlesLimit: 10, AlertThreshold: 80, MaxRequests: 100},
	PlanGrowth:  {MonthlyBudget: 20000, PerArticleLimit: 1000, ArticlesLimit: 50, AlertThreshold: 80, MaxRequests: 500},
	PlanScale:   {MonthlyBudget: 100000, PerArticleLimit: 2000, ArticlesLimit: 250, AlertThreshold: 80, MaxRequests: 2000},
}

// DefaultsForPlan resolves tier defaults, falling back to starter.
func DefaultsForPlan(tier string) PlanDefaults {
	if d, ok := planDefaults[tier]; ok {
		return d
	}
	return planDefaults[PlanStarter]
}

// Organization is the tenant boundary record.
type Organization struct {
	ID                string
	Name              string
	PlanTier          string
	MonthlyBudget     ledger.Cents
	CurrentMonthSpend ledger.Cents
	PerArticleLimit   ledger.Cents
	ArticlesLimit     int
	ArticlesUsed      int
	AlertThreshold    int
	MaxRequests       int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CreateOrganization inserts the organization with its tier defaults and
// seeds the five agent configuration rows in the same transaction.
func (s *Store) CreateOrganization(ctx context.Context, name, planTier string) (Organization, error) {
	if name == "" {
		return Organization{}, fmt.Errorf("organization name must be provided")
	}
	defaults := DefaultsForPlan(planTier)
	if _, ok := planDefaults[planTier]; !ok {
		planTier = PlanStarter
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Organization{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var org Organization
	err = tx.QueryRowContext(ctx, `
INSERT INTO organizations (name, plan_tier, monthly_budget_cents, per_article_limit_cents, articles_limit, alert_threshold, max_requests)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id, name, plan_tier, monthly_budget_cents, current_month_spend_cents, per_article_limit_cents, articles_limit, articles_used, alert_threshold, max_requests, created_at, updated_at
`, name, planTier, int64(defaults.MonthlyBudget), int64(defaults.PerArticleLimit), defaults.ArticlesLimit, defaults.AlertThreshold, defaults.MaxRequests).Scan(
		&org.ID, &org.Name, &org.PlanTier, &org.MonthlyBudget, &org.CurrentMonthSpend,
		&org.PerArticleLimit, &org.ArticlesLimit, &org.ArticlesUsed, &org.AlertThreshold,
		&org.MaxRequests, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return Organization{}, fmt.Errorf("insert organization: %w", err)
	}

	for _, agent := range seedAgentKinds {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO agent_configs (org_id, agent, enabled, timeout_seconds, max_retries, max_cost_per_run_cents)
VALUES ($1,$2,true,$3,$4,$5)
`, org.ID, agent, seedTimeoutSeconds, seedMaxRetries, seedMaxCostPerRun); err != nil {
			return Organization{}, fmt.Errorf("seed agent config %s: %w", agent, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Organization{}, fmt.Errorf("commit organization: %w", err)
	}
	return org, nil
}

// GetOrganization loads a live organization.
func (s *Store) GetOrganization(ctx context.Context, id string) (Organization, error) {
	var org Organization
	err := s.DB.QueryRowContext(ctx, `
SELECT id, name, plan_tier, monthly_budget_cents, current_month_spend_cents, per_article_limit_cents, articles_limit, articles_used, alert_threshold, max_requests, created_at, updated_at
FROM organizations
WHERE id=$1 AND deleted_at IS NULL
`, id).Scan(&org.ID, &org.Name, &org.PlanTier, &org.MonthlyBudget, &org.CurrentMonthSpend,
		&org.PerArticleLimit, &org.ArticlesLimit, &org.ArticlesUsed, &org.AlertThreshold,
		&org.MaxRequests, &org.CreatedAt, &org.UpdatedAt)
	if err == sql.ErrNoRows {
		return Organization{}, fmt.Errorf("organization %s not found", id)
	}
	return org, err
}

// OrganizationLimits returns the governance settings the budget guard reads.
func (s *Store) OrganizationLimits(ctx context.Context, orgID string) (budget.Limits, error) {
	var l budget.Limits
	err := s.DB.QueryRowContext(ctx, `
SELECT monthly_budget_cents, per_article_limit_cents, articles_limit, articles_used, alert_threshold
FROM organizations
WHERE id=$1 AND deleted_at IS NULL
`, orgID).Scan(&l.MonthlyBudget, &l.PerArticleLimit, &l.ArticlesLimit, &l.ArticlesUsed, &l.AlertThreshold)
	if err == sql.ErrNoRows {
		return budget.Limits{}, fmt.Errorf("organization %s not found", orgID)
	}
	return l, err
}

// OrgMaxRequests returns the organization's per-window request ceiling,
// seeded from its plan tier. The rate limiter reads this per check so a
// plan change takes effect without a restart.
func (s *Store) OrgMaxRequests(ctx context.Context, orgID string) (int, error) {
	var max int
	err := s.DB.QueryRowContext(ctx, `
SELECT max_requests FROM organizations WHERE id=$1 AND deleted_at IS NULL
`, orgID).Scan(&max)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("organization %s not found", orgID)
	}
	return max, err
}

// AdmitPipeline runs the atomic admission check: quota first, then the
// monthly budget against the ledger aggregate. The organization row is
// locked for the duration, so two concurrent admissions for one
// organization serialize and can never jointly exceed the quota. On
// success the articles-used counter is incremented and the cached spend
// column refreshed in the same transaction.
func (s *Store) AdmitPipeline(ctx context.Context, orgID string, month ledger.Month) (budget.Admission, error) {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return budget.Admission{}, fmt.Errorf("begin admission tx: %w", err)
	}
	defer tx.Rollback()

	var l budget.Limits
	err = tx.QueryRowContext(ctx, `
SELECT monthly_budget_cents, per_article_limit_cents, articles_limit, articles_used, alert_threshold
FROM organizations
WHERE id=$1 AND deleted_at IS NULL
FOR UPDATE
`, orgID).Scan(&l.MonthlyBudget, &l.PerArticleLimit, &l.ArticlesLimit, &l.ArticlesUsed, &l.AlertThreshold)
	if err == sql.ErrNoRows {
		return budget.Admission{}, fmt.Errorf("organization %s not found", orgID)
	}
	if err != nil {
		return budget.Admission{}, fmt.Errorf("lock organization: %w", err)
	}

	var spend ledger.Cents
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(SUM(amount_cents),0) FROM cost_entries WHERE org_id=$1 AND billing_month=$2
`, orgID, string(month)).Scan(&spend); err != nil {
		return budget.Admission{}, fmt.Errorf("sum monthly spend: %w", err)
	}

	adm := budget.Admission{Spend: spend, Limits: l, ArticlesUsed: l.ArticlesUsed}
	if l.ArticlesLimit > 0 && l.ArticlesUsed >= l.ArticlesLimit {
		adm.Reason = budget.ReasonArticleLimitExceeded
		return adm, tx.Commit()
	}
	if l.MonthlyBudget > 0 && spend >= l.MonthlyBudget {
		adm.Reason = budget.ReasonBudgetExceeded
		return adm, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE organizations
SET articles_used = articles_used + 1,
    current_month_spend_cents = $2,
    updated_at = NOW()
WHERE id = $1
`, orgID, int64(spend)); err != nil {
		return budget.Admission{}, fmt.Errorf("increment articles_used: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return budget.Admission{}, fmt.Errorf("commit admission: %w", err)
	}
	adm.Admitted = true
	adm.ArticlesUsed = l.ArticlesUsed + 1
	return adm, nil
}

// SoftDeleteOrganization flags the tenant as deleted; rows stay referenced
// by audit history and are excluded by every query path.
func (s *Store) SoftDeleteOrganization(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE organizations SET deleted_at=NOW(), updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL
`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("organization %s not found", id)
	}
	return nil
}
