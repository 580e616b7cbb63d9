package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/articleforge/articleforge/internal/audit"
	"github.com/articleforge/articleforge/internal/budget"
	"github.com/articleforge/articleforge/internal/ledger"
	"github.com/articleforge/articleforge/internal/registry"
)

// Store captures the persistence the orchestrator needs.
type Store interface {
	GetPipeline(ctx context.Context, id string) (Pipeline, error)
	FailPipeline(ctx context.Context, id, code, msg string) error
	CompletePipeline(ctx context.Context, id string) error
	UpdatePipelineProgress(ctx context.Context, id, currentAgent string, completedAgents []string) error
	AddPipelineCost(ctx context.Context, id string, agent registry.AgentKind, amount ledger.Cents) (ledger.Cents, error)
	SetPipelineArticle(ctx context.Context, id, articleID string) error
	UpsertStep(ctx context.Context, st Step) error
	ListSteps(ctx context.Context, pipelineID string) ([]Step, error)
	ReleaseClaim(ctx context.Context, id string) error
}

// Guard is the mid-run admission re-check.
type Guard interface {
	Recheck(ctx context.Context, orgID string, pipelineTotal ledger.Cents) (budget.Decision, error)
}

// Configs resolves per-agent configuration.
type Configs interface {
	Get(ctx context.Context, orgID string, agent registry.AgentKind) (registry.Config, error)
}

// Costs appends billing records to the cost ledger.
type Costs interface {
	Record(ctx context.Context, e ledger.Entry) (ledger.Entry, error)
}

// Auditor appends audit entries.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry) error
}

// Orchestrator executes one claimed pipeline: five agents, strictly in
// order, never twice. Step completion is persisted before advancing so a
// crash-recovery sweep resumes from the last completed step instead of
// re-billing from agent one.
type Orchestrator struct {
	store    Store
	guard    Guard
	configs  Configs
	costs    Costs
	auditor  Auditor
	invoker  Invoker
	notifier Notifier
	logger   *log.Logger

	retryBackoff time.Duration
	now          func() time.Time
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(st Store, guard Guard, configs Configs, costs Costs, auditor Auditor, invoker Invoker, notifier Notifier, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		store:        st,
		guard:        guard,
		configs:      configs,
		costs:        costs,
		auditor:      auditor,
		invoker:      invoker,
		notifier:     notifier,
		logger:       logger,
		retryBackoff: 2 * time.Second,
		now:          time.Now,
	}
}

// SetRetryBackoff overrides the fixed wait between agent retry attempts.
// Non-positive values keep the default.
func (o *Orchestrator) SetRetryBackoff(d time.Duration) {
	if d > 0 {
		o.retryBackoff = d
	}
}

// Run drives the pipeline to a terminal state or a pause point. The
// pipeline must already be claimed (status running) by the caller.
func (o *Orchestrator) Run(ctx context.Context, pipelineID string) error {
	p, err := o.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("load pipeline %s: %w", pipelineID, err)
	}
	if p.Status.Terminal() {
		o.logger.Printf("pipeline %s already %s; nothing to do", p.ID, p.Status)
		return nil
	}
	if p.Status != StatusRunning {
		return fmt.Errorf("pipeline %s not claimed (status %s)", p.ID, p.Status)
	}

	steps, err := o.stepIndex(ctx, p.ID)
	if err != nil {
		return err
	}

	prior := make(map[string]interface{})
	completed := append([]string(nil), p.CompletedAgents...)
	total := p.TotalCost

	for _, kind := range registry.AgentOrder {
		st, ok := steps[kind]
		if !ok {
			st = Step{PipelineID: p.ID, Agent: kind, Status: StepPending}
		}
		if st.Status.Done() {
			if st.Output != nil {
				prior[string(kind)] = st.Output
			}
			continue
		}

		// Pause and cancellation take effect only at step boundaries;
		// an in-flight call is allowed to finish and bill.
		proceed, err := o.checkControl(ctx, p.ID)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}

		dec, err := o.guard.Recheck(ctx, p.OrgID, total)
		if err != nil {
			return fmt.Errorf("budget recheck for pipeline %s: %w", p.ID, err)
		}
		if !dec.Allowed {
			return o.failPipeline(ctx, p, dec.Reason,
				fmt.Sprintf("spend %s reached the configured ceiling %s before agent %s", dec.Spend, dec.Limit, kind))
		}

		cfg, err := o.configs.Get(ctx, p.OrgID, kind)
		if err != nil {
			// A missing registry row is a broken seeding invariant; the
			// pipeline fails and the error propagates as a system fault.
			_ = o.failPipeline(ctx, p, ErrCodeAgentFailed, err.Error())
			return fmt.Errorf("agent config for pipeline %s: %w", p.ID, err)
		}
		if !cfg.Enabled {
			now := o.now().UTC()
			st.Status = StepSkipped
			st.CompletedAt = &now
			if err := o.store.UpsertStep(ctx, st); err != nil {
				return fmt.Errorf("persist skipped step %s/%s: %w", p.ID, kind, err)
			}
			completed = append(completed, string(kind))
			if err := o.store.UpdatePipelineProgress(ctx, p.ID, string(kind), completed); err != nil {
				return fmt.Errorf("update progress %s: %w", p.ID, err)
			}
			o.logger.Printf("pipeline %s: agent %s disabled, skipped", p.ID, kind)
			continue
		}

		if err := o.store.UpdatePipelineProgress(ctx, p.ID, string(kind), completed); err != nil {
			return fmt.Errorf("update progress %s: %w", p.ID, err)
		}

		res, stepCost, runErr := o.runStep(ctx, &p, &st, cfg, prior, &total)
		if runErr != nil {
			st.Status = StepFailed
			st.Error = runErr.Error()
			now := o.now().UTC()
			st.CompletedAt = &now
			if err := o.store.UpsertStep(ctx, st); err != nil {
				o.logger.Printf("warn: persist failed step %s/%s: %v", p.ID, kind, err)
			}
			return o.failPipeline(ctx, p, ErrCodeAgentFailed,
				fmt.Sprintf("agent %s failed after %d attempts: %v", kind, st.Attempts, runErr))
		}

		now := o.now().UTC()
		st.Status = StepCompleted
		st.Output = res.Output
		st.Cost = stepCost
		st.CompletedAt = &now
		if err := o.store.UpsertStep(ctx, st); err != nil {
			return fmt.Errorf("persist completed step %s/%s: %w", p.ID, kind, err)
		}
		if res.ArticleID != "" {
			if err := o.store.SetPipelineArticle(ctx, p.ID, res.ArticleID); err != nil {
				return fmt.Errorf("set article for %s: %w", p.ID, err)
			}
			p.ArticleID = res.ArticleID
		}
		completed = append(completed, string(kind))
		if err := o.store.UpdatePipelineProgress(ctx, p.ID, string(kind), completed); err != nil {
			return fmt.Errorf("update progress %s: %w", p.ID, err)
		}
		if res.Output != nil {
			prior[string(kind)] = res.Output
		}
	}

	if err := o.store.CompletePipeline(ctx, p.ID); err != nil {
		return fmt.Errorf("complete pipeline %s: %w", p.ID, err)
	}
	o.appendStatusAudit(ctx, p, StatusCompleted, "")
	if o.notifier != nil {
		o.notifier.Notify(ctx, p.OrgID, EventPipelineCompleted, map[string]interface{}{
			"pipeline_id": p.ID,
			"article_id":  p.ArticleID,
			"total_cost":  total.String(),
		})
	}
	o.logger.Printf("pipeline %s completed (total cost %s)", p.ID, total)
	return nil
}

// runStep invokes one agent with retries. Every attempt that billed gets
// its own ledger entry, including failed attempts: partial API usage is
// still billable.
func (o *Orchestrator) runStep(ctx context.Context, p *Pipeline, st *Step, cfg registry.Config, prior map[string]interface{}, total *ledger.Cents) (InvocationResult, ledger.Cents, error) {
	startedAt := o.now().UTC()
	st.Status = StepRunning
	st.StartedAt = &startedAt
	st.Error = ""
	if err := o.store.UpsertStep(ctx, *st); err != nil {
		return InvocationResult{}, 0, fmt.Errorf("persist running step: %w", err)
	}

	maxAttempts := cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	inv := Invocation{
		Agent:         st.Agent,
		OrgID:         p.OrgID,
		PipelineID:    p.ID,
		ModelOverride: cfg.ModelOverride,
		Payload: map[string]interface{}{
			"topic":    p.Request.Topic,
			"keywords": p.Request.Keywords,
			"notes":    p.Request.Notes,
			"prior":    prior,
		},
	}

	var stepCost ledger.Cents
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return InvocationResult{}, stepCost, err
		}
		st.Attempts = attempt

		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
		res, err := o.invoker.Invoke(callCtx, inv)
		cancel()

		if res.Cost > 0 {
			if _, lerr := o.costs.Record(ctx, ledger.Entry{
				OrgID:      p.OrgID,
				PipelineID: p.ID,
				ArticleID:  p.ArticleID,
				Service:    "agent",
				AgentKind:  string(st.Agent),
				Amount:     res.Cost,
				TokensIn:   res.TokensIn,
				TokensOut:  res.TokensOut,
			}); lerr != nil {
				return InvocationResult{}, stepCost, fmt.Errorf("record cost for %s attempt %d: %w", st.Agent, attempt, lerr)
			}
			newTotal, aerr := o.store.AddPipelineCost(ctx, p.ID, st.Agent, res.Cost)
			if aerr != nil {
				return InvocationResult{}, stepCost, fmt.Errorf("accumulate cost for %s: %w", st.Agent, aerr)
			}
			stepCost += res.Cost
			*total = newTotal
		}

		if err == nil {
			if cfg.MaxCostPerRun > 0 && stepCost > cfg.MaxCostPerRun {
				return InvocationResult{}, stepCost, fmt.Errorf("agent %s billed %s, over its per-run ceiling %s", st.Agent, stepCost, cfg.MaxCostPerRun)
			}
			return res, stepCost, nil
		}
		lastErr = err
		o.logger.Printf("pipeline %s: agent %s attempt %d/%d failed: %v", p.ID, st.Agent, attempt, maxAttempts, err)

		if cfg.MaxCostPerRun > 0 && stepCost > cfg.MaxCostPerRun {
			return InvocationResult{}, stepCost, fmt.Errorf("agent %s billed %s, over its per-run ceiling %s: %w", st.Agent, stepCost, cfg.MaxCostPerRun, err)
		}
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return InvocationResult{}, stepCost, ctx.Err()
			case <-time.After(o.retryBackoff):
			}
		}
	}
	return InvocationResult{}, stepCost, lastErr
}

// checkControl reloads the pipeline and honors operator pause/cancel
// between steps. Returns false when execution should stop here.
func (o *Orchestrator) checkControl(ctx context.Context, pipelineID string) (bool, error) {
	p, err := o.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return false, fmt.Errorf("reload pipeline %s: %w", pipelineID, err)
	}
	switch p.Status {
	case StatusRunning:
		return true, nil
	case StatusPaused:
		if err := o.store.ReleaseClaim(ctx, p.ID); err != nil {
			o.logger.Printf("warn: release claim on paused pipeline %s: %v", p.ID, err)
		}
		o.logger.Printf("pipeline %s paused; stopping at step boundary", p.ID)
		return false, nil
	case StatusCancelled:
		o.logger.Printf("pipeline %s cancelled; no further agents run", p.ID)
		return false, nil
	default:
		o.logger.Printf("pipeline %s in state %s; stopping", p.ID, p.Status)
		return false, nil
	}
}

func (o *Orchestrator) failPipeline(ctx context.Context, p Pipeline, code, msg string) error {
	if err := o.store.FailPipeline(ctx, p.ID, code, msg); err != nil {
		return fmt.Errorf("fail pipeline %s: %w", p.ID, err)
	}
	o.appendStatusAudit(ctx, p, StatusFailed, code)
	if o.notifier != nil {
		o.notifier.Notify(ctx, p.OrgID, EventPipelineFailed, map[string]interface{}{
			"pipeline_id": p.ID,
			"error_code":  code,
			"error":       msg,
		})
	}
	o.logger.Printf("pipeline %s failed: %s (%s)", p.ID, code, msg)
	return nil
}

func (o *Orchestrator) appendStatusAudit(ctx context.Context, p Pipeline, to Status, code string) {
	if o.auditor == nil {
		return
	}
	entry := audit.Entry{
		OrgID:         p.OrgID,
		Action:        audit.ActionPipelineUpdated,
		EntityType:    "pipeline",
		EntityID:      p.ID,
		OldValue:      audit.Snapshot(map[string]interface{}{"status": p.Status}),
		NewValue:      audit.Snapshot(map[string]interface{}{"status": to, "error_code": code}),
		ChangedFields: []string{"status"},
		Success:       true,
	}
	if err := o.auditor.Append(ctx, entry); err != nil {
		// Surfaced by the recorder's own counter/logging; the business
		// operation has already committed at this point.
		o.logger.Printf("warn: audit append for pipeline %s: %v", p.ID, err)
	}
}

func (o *Orchestrator) stepIndex(ctx context.Context, pipelineID string) (map[registry.AgentKind]Step, error) {
	steps, err := o.store.ListSteps(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list steps for %s: %w", pipelineID, err)
	}
	idx := make(map[registry.AgentKind]Step, len(steps))
	for _, st := range steps {
		idx[st.Agent] = st
	}
	return idx, nil
}
