package budget

import "fmt"

// Rejection reasons surfaced to callers. Admission rejections are terminal
// and non-retryable: the organization must raise its limits or wait for the
// next billing cycle.
const (
	ReasonBudgetExceeded       = "budget_exceeded"
	ReasonBudgetExceededMidRun = "budget_exceeded_mid_run"
	ReasonArticleLimitExceeded = "article_limit_exceeded"
)

// RejectionError is returned when an admission or mid-run check fails.
type RejectionError struct {
	Reason string
	Usage  string
	Limit  string
}

func (e *RejectionError) Error() string {
	if e.Limit != "" {
		return fmt.Sprintf("admission rejected (%s): usage=%s limit=%s", e.Reason, e.Usage, e.Limit)
	}
	return fmt.Sprintf("admission rejected (%s)", e.Reason)
}
