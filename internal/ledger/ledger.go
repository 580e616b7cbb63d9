// Package ledger maintains the append-only record of monetary spend events
// and the per-organization monthly aggregates derived from it.
package ledger

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Entry is one immutable billing record. Entries are never updated or
// deleted after insertion; the billing month is derived from the creation
// timestamp so aggregation is stable across reads.
type Entry struct {
	ID         string
	OrgID      string
	PipelineID string
	ArticleID  string
	Service    string
	AgentKind  string
	Amount     Cents
	TokensIn   int
	TokensOut  int
	Month      Month
	CreatedAt  time.Time
}

// Store captures the persistence the ledger needs.
type Store interface {
	InsertCostEntry(ctx context.Context, e Entry) (Entry, error)
	MonthlyCostTotal(ctx context.Context, orgID string, month Month) (Cents, error)
	MonthlyCostByAgent(ctx context.Context, orgID string, month Month) (map[string]Cents, error)
}

// Ledger records spend events and answers aggregate queries.
type Ledger struct {
	store  Store
	logger *log.Logger
	now    func() time.Time
}

// New constructs a Ledger.
func New(st Store, logger *log.Logger) *Ledger {
	if logger == nil {
		logger = log.New(log.Writer(), "[LEDGER] ", log.LstdFlags)
	}
	return &Ledger{store: st, logger: logger, now: time.Now}
}

// Record appends a cost entry. The insert also refreshes the owning
// organization's cached current-month spend inside the same transaction, so
// the cached column trails the ledger by at most one insert.
func (l *Ledger) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.OrgID == "" {
		return Entry{}, fmt.Errorf("org_id must be provided")
	}
	if e.Service == "" {
		return Entry{}, fmt.Errorf("service must be provided")
	}
	if e.Amount < 0 {
		return Entry{}, fmt.Errorf("amount cannot be negative: %s", e.Amount)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	if e.Month == "" {
		e.Month = MonthOf(e.CreatedAt)
	}
	saved, err := l.store.InsertCostEntry(ctx, e)
	if err != nil {
		return Entry{}, fmt.Errorf("insert cost entry: %w", err)
	}
	l.logger.Printf("recorded %s for org %s (service=%s agent=%s pipeline=%s)",
		saved.Amount, saved.OrgID, saved.Service, saved.AgentKind, saved.PipelineID)
	return saved, nil
}

// MonthlyTotal sums ledger entries for the organization in the given month.
func (l *Ledger) MonthlyTotal(ctx context.Context, orgID string, month Month) (Cents, error) {
	if orgID == "" {
		return 0, fmt.Errorf("org_id must be provided")
	}
	if !month.Valid() {
		return 0, fmt.Errorf("invalid billing month %q", month)
	}
	return l.store.MonthlyCostTotal(ctx, orgID, month)
}

// Breakdown returns the month's spend grouped by agent kind.
func (l *Ledger) Breakdown(ctx context.Context, orgID string, month Month) (map[string]Cents, error) {
	if orgID == "" {
		return nil, fmt.Errorf("org_id must be provided")
	}
	return l.store.MonthlyCostByAgent(ctx, orgID, month)
}
