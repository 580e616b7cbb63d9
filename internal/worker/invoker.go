package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/articleforge/articleforge/internal/ledger"
	"github.com/articleforge/articleforge/internal/pipeline"
	"github.com/articleforge/articleforge/internal/registry"
)

// DryRunInvoker satisfies pipeline.Invoker without calling any external
// agent backend. Each step reports a small fixed cost so budget accounting
// paths stay exercised end to end. Used by the worker when no agent
// backend is configured.
type DryRunInvoker struct {
	// CostPerCall is billed for every invocation. Zero disables billing.
	CostPerCall ledger.Cents
}

func (d *DryRunInvoker) Invoke(ctx context.Context, inv pipeline.Invocation) (pipeline.InvocationResult, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.InvocationResult{Cost: 0}, err
	}
	res := pipeline.InvocationResult{
		Cost: d.CostPerCall,
		Output: map[string]interface{}{
			"agent":   string(inv.Agent),
			"dry_run": true,
			"summary": fmt.Sprintf("dry-run output for %s", inv.Agent),
		},
	}
	if inv.Agent == registry.AgentArticleGeneration {
		res.ArticleID = uuid.NewString()
	}
	return res, nil
}
