package server

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/articleforge/articleforge/internal/pipeline"
)

var (
	pipelinesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "articleforge_pipelines_created_total",
		Help: "Pipelines admitted and enqueued.",
	})
	pipelinesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "articleforge_pipelines_rejected_total",
		Help: "Pipeline creations rejected at admission.",
	}, []string{"reason"})
	pipelinesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "articleforge_pipelines_completed_total",
		Help: "Pipelines that reached completed.",
	})
	pipelinesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "articleforge_pipelines_failed_total",
		Help: "Pipelines that reached failed.",
	})
	budgetAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "articleforge_budget_alerts_total",
		Help: "Budget threshold alerts emitted.",
	})
	auditFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "articleforge_audit_append_failures_total",
		Help: "Audit entries that could not be persisted.",
	})
)

// MetricsNotifier counts pipeline lifecycle events and delegates to the
// wrapped notifier.
type MetricsNotifier struct {
	Next pipeline.Notifier
}

func (n *MetricsNotifier) Notify(ctx context.Context, orgID, eventKind string, payload map[string]interface{}) {
	switch eventKind {
	case pipeline.EventPipelineCompleted:
		pipelinesCompleted.Inc()
	case pipeline.EventPipelineFailed:
		pipelinesFailed.Inc()
	case pipeline.EventBudgetAlert:
		budgetAlerts.Inc()
	}
	if n.Next != nil {
		n.Next.Notify(ctx, orgID, eventKind, payload)
	}
}
