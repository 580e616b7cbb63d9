package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/articleforge/articleforge/internal/ledger"
)

// InsertCostEntry appends one immutable billing record and refreshes the
// owning organization's cached current-month spend inside the same
// transaction. The ledger table has no UPDATE or DELETE path.
func (s *Store) InsertCostEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO cost_entries (id, org_id, pipeline_id, article_id, service, agent_kind, amount_cents, tokens_in, tokens_out, billing_month, created_at)
VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),$5,NULLIF($6,''),$7,$8,$9,$10,$11)
`, e.ID, e.OrgID, e.PipelineID, e.ArticleID, e.Service, e.AgentKind,
		int64(e.Amount), e.TokensIn, e.TokensOut, string(e.Month), e.CreatedAt); err != nil {
		return ledger.Entry{}, fmt.Errorf("insert cost entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE organizations
SET current_month_spend_cents = (
  SELECT COALESCE(SUM(amount_cents),0) FROM cost_entries WHERE org_id=$1 AND billing_month=$2
), updated_at=NOW()
WHERE id=$1
`, e.OrgID, string(e.Month)); err != nil {
		return ledger.Entry{}, fmt.Errorf("refresh cached spend: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.Entry{}, fmt.Errorf("commit cost entry: %w", err)
	}
	return e, nil
}

// MonthlyCostTotal sums the ledger for (org, month).
func (s *Store) MonthlyCostTotal(ctx context.Context, orgID string, month ledger.Month) (ledger.Cents, error) {
	var total ledger.Cents
	err := s.DB.QueryRowContext(ctx, `
SELECT COALESCE(SUM(amount_cents),0) FROM cost_entries WHERE org_id=$1 AND billing_month=$2
`, orgID, string(month)).Scan(&total)
	return total, err
}

// MonthlyCostByAgent groups the month's spend by agent kind. Entries
// without an agent kind land under "other".
func (s *Store) MonthlyCostByAgent(ctx context.Context, orgID string, month ledger.Month) (map[string]ledger.Cents, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT COALESCE(agent_kind,'other'), COALESCE(SUM(amount_cents),0)
FROM cost_entries
WHERE org_id=$1 AND billing_month=$2
GROUP BY 1
`, orgID, string(month))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]ledger.Cents)
	for rows.Next() {
		var agent string
		var amount ledger.Cents
		if err := rows.Scan(&agent, &amount); err != nil {
			return nil, err
		}
		out[agent] = amount
	}
	return out, rows.Err()
}
