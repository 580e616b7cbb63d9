// Package budget implements admission control for pipeline work. The guard
// consults the cost ledger and organization limits before any pipeline
// starts and again between agent steps, so spend that changed mid-run is
// caught before the next billable call.
package budget

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/articleforge/articleforge/internal/ledger"
)

// Limits are the organization's governance settings read at check time.
type Limits struct {
	MonthlyBudget   ledger.Cents
	PerArticleLimit ledger.Cents
	ArticlesLimit   int
	ArticlesUsed    int
	AlertThreshold  int // percentage of the monthly budget
}

// Decision is the outcome of an admission or mid-run check.
type Decision struct {
	Allowed       bool
	Reason        string
	Spend         ledger.Cents
	Limit         ledger.Cents
	Percentage    float64
	ArticlesUsed  int
	ArticlesLimit int
	Alerted       bool
}

// Admission is what the store reports back from the atomic admit path.
type Admission struct {
	Admitted     bool
	Reason       string
	Spend        ledger.Cents
	Limits       Limits
	ArticlesUsed int
}

// Store captures the persistence the guard needs. AdmitPipeline must run
// the quota/budget check and the articles-used increment as one atomic
// operation per organization: two concurrent admissions for the same
// organization must serialize, never both pass a nearly-exhausted quota.
type Store interface {
	AdmitPipeline(ctx context.Context, orgID string, month ledger.Month) (Admission, error)
	OrganizationLimits(ctx context.Context, orgID string) (Limits, error)
	MonthlyCostTotal(ctx context.Context, orgID string, month ledger.Month) (ledger.Cents, error)
}

// AlertSink receives non-blocking budget threshold alerts.
type AlertSink interface {
	BudgetAlert(ctx context.Context, orgID string, spend, limit ledger.Cents, percentage float64)
}

// Guard performs admission control.
type Guard struct {
	store  Store
	alerts AlertSink
	logger *log.Logger

	// One alert per (org, month, threshold crossing); resets on restart,
	// which at worst repeats a warning after a deploy.
	mu      sync.Mutex
	alerted map[string]bool
}

// New constructs a Guard. The alert sink is optional.
func New(st Store, alerts AlertSink, logger *log.Logger) *Guard {
	if logger == nil {
		logger = log.New(log.Writer(), "[BUDGET] ", log.LstdFlags)
	}
	return &Guard{store: st, alerts: alerts, logger: logger, alerted: make(map[string]bool)}
}

// Admit decides whether a new pipeline may start for the organization.
// Checks run in order: article quota, then monthly budget against the
// ledger aggregate for the current calendar month, then the non-blocking
// alert threshold. The billing month is recomputed on every call so a
// check can never admit against a stale month's aggregate.
func (g *Guard) Admit(ctx context.Context, orgID string) (Decision, error) {
	if orgID == "" {
		return Decision{}, fmt.Errorf("org_id must be provided")
	}
	month := ledger.CurrentMonth()
	adm, err := g.store.AdmitPipeline(ctx, orgID, month)
	if err != nil {
		return Decision{}, fmt.Errorf("admit pipeline: %w", err)
	}

	dec := Decision{
		Allowed:       adm.Admitted,
		Reason:        adm.Reason,
		Spend:         adm.Spend,
		Limit:         adm.Limits.MonthlyBudget,
		Percentage:    adm.Spend.PercentOf(adm.Limits.MonthlyBudget),
		ArticlesUsed:  adm.ArticlesUsed,
		ArticlesLimit: adm.Limits.ArticlesLimit,
	}
	if !adm.Admitted {
		g.logger.Printf("rejected org %s: %s (spend=%s budget=%s articles=%d/%d)",
			orgID, adm.Reason, adm.Spend, adm.Limits.MonthlyBudget, adm.ArticlesUsed, adm.Limits.ArticlesLimit)
		return dec, nil
	}

	if g.overThreshold(adm.Limits, dec.Percentage) && g.claimAlert(orgID, month, adm.Limits.AlertThreshold) {
		dec.Alerted = true
		g.logger.Printf("alert: org %s at %.1f%% of monthly budget (%s of %s)",
			orgID, dec.Percentage, dec.Spend, dec.Limit)
		if g.alerts != nil {
			g.alerts.BudgetAlert(ctx, orgID, dec.Spend, dec.Limit, dec.Percentage)
		}
	}
	return dec, nil
}

// Recheck re-evaluates spend for an already-running pipeline between steps.
// pipelineTotal is the pipeline's accumulated cost, checked against the
// per-article ceiling when one is configured. No counters are incremented.
func (g *Guard) Recheck(ctx context.Context, orgID string, pipelineTotal ledger.Cents) (Decision, error) {
	if orgID == "" {
		return Decision{}, fmt.Errorf("org_id must be provided")
	}
	limits, err := g.store.OrganizationLimits(ctx, orgID)
	if err != nil {
		return Decision{}, fmt.Errorf("organization limits: %w", err)
	}
	month := ledger.CurrentMonth()
	spend, err := g.store.MonthlyCostTotal(ctx, orgID, month)
	if err != nil {
		return Decision{}, fmt.Errorf("monthly cost total: %w", err)
	}

	dec := Decision{
		Allowed:    true,
		Spend:      spend,
		Limit:      limits.MonthlyBudget,
		Percentage: spend.PercentOf(limits.MonthlyBudget),
	}
	if limits.MonthlyBudget > 0 && spend >= limits.MonthlyBudget {
		dec.Allowed = false
		dec.Reason = ReasonBudgetExceededMidRun
		return dec, nil
	}
	if limits.PerArticleLimit > 0 && pipelineTotal >= limits.PerArticleLimit {
		dec.Allowed = false
		dec.Reason = ReasonBudgetExceededMidRun
		return dec, nil
	}
	if g.overThreshold(limits, dec.Percentage) && g.claimAlert(orgID, month, limits.AlertThreshold) {
		dec.Alerted = true
		if g.alerts != nil {
			g.alerts.BudgetAlert(ctx, orgID, spend, limits.MonthlyBudget, dec.Percentage)
		}
	}
	return dec, nil
}

func (g *Guard) overThreshold(limits Limits, percentage float64) bool {
	return limits.AlertThreshold > 0 && limits.MonthlyBudget > 0 && percentage >= float64(limits.AlertThreshold)
}

func (g *Guard) claimAlert(orgID string, month ledger.Month, threshold int) bool {
	key := fmt.Sprintf("%s:%s:%d", orgID, month, threshold)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.alerted[key] {
		return false
	}
	g.alerted[key] = true
	return true
}
