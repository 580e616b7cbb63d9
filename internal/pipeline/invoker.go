package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/articleforge/articleforge/internal/ledger"
	"github.com/articleforge/articleforge/internal/registry"
)

// Invocation is one external agent call.
type Invocation struct {
	Agent         registry.AgentKind
	OrgID         string
	PipelineID    string
	ModelOverride string
	Payload       map[string]interface{}
}

// InvocationResult is what an agent call returns. Cost must be populated
// even when the call failed: partial API usage is still billable.
type InvocationResult struct {
	Output    map[string]interface{}
	ArticleID string
	Cost      ledger.Cents
	TokensIn  int
	TokensOut int
}

// Invoker performs the opaque per-agent call under the caller's context
// deadline.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (InvocationResult, error)
}

// Event kinds published to the notifier.
const (
	EventBudgetAlert       = "budget_alert"
	EventPipelineCompleted = "pipeline_completed"
	EventPipelineFailed    = "pipeline_failed"
)

// Notifier delivers fire-and-forget events. Failures must never block the
// orchestrator, so implementations swallow their own errors.
type Notifier interface {
	Notify(ctx context.Context, orgID, eventKind string, payload map[string]interface{})
}

// LogNotifier writes events to a logger; the production deployment swaps
// in the real delivery channel behind the same interface.
type LogNotifier struct {
	Logger *log.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags)
	}
	return &LogNotifier{Logger: logger}
}

// Notify logs the event.
func (n *LogNotifier) Notify(_ context.Context, orgID, eventKind string, payload map[string]interface{}) {
	n.Logger.Printf("org=%s event=%s payload=%v at=%s", orgID, eventKind, payload, time.Now().UTC().Format(time.RFC3339))
}
