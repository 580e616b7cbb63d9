package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/articleforge/articleforge/internal/audit"
	"github.com/articleforge/articleforge/internal/budget"
	"github.com/articleforge/articleforge/internal/ledger"
	"github.com/articleforge/articleforge/internal/registry"
)

// ErrNotAuthorized is returned when an actor may not operate on a pipeline.
var ErrNotAuthorized = errors.New("actor not authorized for this pipeline")

// ErrInvalidTransition is returned when the requested state change is not
// an edge of the status graph, including any attempt to leave a terminal
// state.
var ErrInvalidTransition = errors.New("invalid pipeline state transition")

// ServiceStore captures the persistence the service needs.
type ServiceStore interface {
	CreatePipeline(ctx context.Context, p Pipeline, steps []Step) (Pipeline, error)
	GetPipeline(ctx context.Context, id string) (Pipeline, error)
	ListPipelines(ctx context.Context, orgID string, status Status, limit int) ([]Pipeline, error)
	ListSteps(ctx context.Context, pipelineID string) ([]Step, error)
	TransitionPipeline(ctx context.Context, id string, from []Status, to Status) (bool, error)
	UserRole(ctx context.Context, orgID, userID string) (string, error)
}

// Enqueuer hands admitted pipelines to the worker pool.
type Enqueuer interface {
	EnqueuePipeline(ctx context.Context, p Pipeline) error
}

// Admitter is the pre-start admission check.
type Admitter interface {
	Admit(ctx context.Context, orgID string) (budget.Decision, error)
}

// Spend answers monthly aggregate queries.
type Spend interface {
	MonthlyTotal(ctx context.Context, orgID string, month ledger.Month) (ledger.Cents, error)
	Breakdown(ctx context.Context, orgID string, month ledger.Month) (map[string]ledger.Cents, error)
}

// Limits resolves organization governance settings for spend reporting.
type Limits interface {
	OrganizationLimits(ctx context.Context, orgID string) (budget.Limits, error)
}

// Service is the pipeline API surface consumed by the HTTP layer.
type Service struct {
	store    ServiceStore
	guard    Admitter
	spend    Spend
	limits   Limits
	auditor  Auditor
	queue    Enqueuer
	notifier Notifier
	logger   *log.Logger
	now      func() time.Time
}

// NewService wires a Service.
func NewService(st ServiceStore, guard Admitter, spend Spend, limits Limits, auditor Auditor, queue Enqueuer, notifier Notifier, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	return &Service{
		store:    st,
		guard:    guard,
		spend:    spend,
		limits:   limits,
		auditor:  auditor,
		queue:    queue,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Create admits and enqueues a new pipeline. A rejected request is still
// persisted as a failed pipeline with the rejection reason, so the caller
// always has a record to query; in that case the returned error is a
// *budget.RejectionError alongside the stored pipeline.
func (s *Service) Create(ctx context.Context, orgID, userID string, req ArticleRequest, priority int) (Pipeline, error) {
	if orgID == "" || userID == "" {
		return Pipeline{}, fmt.Errorf("org_id and user_id must be provided")
	}
	if req.Topic == "" {
		return Pipeline{}, fmt.Errorf("article topic must be provided")
	}
	if priority < 1 || priority > 10 {
		priority = 5
	}

	dec, err := s.guard.Admit(ctx, orgID)
	if err != nil {
		return Pipeline{}, fmt.Errorf("admission check: %w", err)
	}

	now := s.now().UTC()
	p := Pipeline{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		UserID:    userID,
		Request:   req,
		Priority:  priority,
		CreatedAt: now,
	}

	if !dec.Allowed {
		p.Status = StatusFailed
		p.ErrorCode = dec.Reason
		p.ErrorMessage = rejectionMessage(dec)
		completedAt := now
		p.CompletedAt = &completedAt
		saved, err := s.store.CreatePipeline(ctx, p, nil)
		if err != nil {
			return Pipeline{}, fmt.Errorf("persist rejected pipeline: %w", err)
		}
		s.appendAudit(ctx, saved, audit.ActionPipelineRejected, &userID, map[string]interface{}{
			"status": saved.Status, "error_code": saved.ErrorCode,
		})
		rej := &budget.RejectionError{
			Reason: dec.Reason,
			Usage:  dec.Spend.String(),
			Limit:  dec.Limit.String(),
		}
		if dec.Reason == budget.ReasonArticleLimitExceeded {
			// A quota rejection reports article counts, not money.
			rej.Usage = strconv.Itoa(dec.ArticlesUsed)
			rej.Limit = strconv.Itoa(dec.ArticlesLimit)
		}
		return saved, rej
	}

	p.Status = StatusQueued
	queuedAt := now
	p.QueuedAt = &queuedAt
	steps := make([]Step, 0, len(registry.AgentOrder))
	for _, kind := range registry.AgentOrder {
		steps = append(steps, Step{PipelineID: p.ID, Agent: kind, Status: StepPending})
	}
	saved, err := s.store.CreatePipeline(ctx, p, steps)
	if err != nil {
		return Pipeline{}, fmt.Errorf("persist pipeline: %w", err)
	}
	s.appendAudit(ctx, saved, audit.ActionPipelineCreated, &userID, map[string]interface{}{
		"status": saved.Status, "priority": saved.Priority,
	})

	if err := s.queue.EnqueuePipeline(ctx, saved); err != nil {
		// The recovery sweep re-queues stranded queued pipelines, so a
		// publish failure is degraded service, not data loss.
		s.logger.Printf("warn: enqueue pipeline %s: %v", saved.ID, err)
	}
	s.logger.Printf("pipeline %s admitted for org %s (spend %s of %s)", saved.ID, orgID, dec.Spend, dec.Limit)
	return saved, nil
}

// Get returns the pipeline and its step records.
func (s *Service) Get(ctx context.Context, id string) (Snapshot, error) {
	p, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	steps, err := s.store.ListSteps(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Pipeline: p, Steps: steps}, nil
}

// List returns pipelines for an organization, optionally filtered by status.
func (s *Service) List(ctx context.Context, orgID string, status Status, limit int) ([]Pipeline, error) {
	if orgID == "" {
		return nil, fmt.Errorf("org_id must be provided")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListPipelines(ctx, orgID, status, limit)
}

// Cancel stops a pipeline. Cooperative: an in-flight agent call finishes
// and bills, but no further steps start.
func (s *Service) Cancel(ctx context.Context, id, actorID string) error {
	p, err := s.authorize(ctx, id, actorID)
	if err != nil {
		return err
	}
	ok, err := s.store.TransitionPipeline(ctx, id, []Status{StatusQueued, StatusRunning, StatusPaused}, StatusCancelled)
	if err != nil {
		return fmt.Errorf("cancel pipeline %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: cannot cancel pipeline in state %s", ErrInvalidTransition, p.Status)
	}
	s.appendAudit(ctx, p, audit.ActionPipelineCancelled, &actorID, map[string]interface{}{"status": StatusCancelled})
	return nil
}

// Pause suspends a running pipeline at the next step boundary.
func (s *Service) Pause(ctx context.Context, id, actorID string) error {
	p, err := s.authorize(ctx, id, actorID)
	if err != nil {
		return err
	}
	ok, err := s.store.TransitionPipeline(ctx, id, []Status{StatusRunning}, StatusPaused)
	if err != nil {
		return fmt.Errorf("pause pipeline %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: cannot pause pipeline in state %s", ErrInvalidTransition, p.Status)
	}
	s.appendAudit(ctx, p, audit.ActionPipelinePaused, &actorID, map[string]interface{}{"status": StatusPaused})
	return nil
}

// Resume returns a paused pipeline to running and hands it back to the
// worker pool for continuation from the last completed step.
func (s *Service) Resume(ctx context.Context, id, actorID string) error {
	p, err := s.authorize(ctx, id, actorID)
	if err != nil {
		return err
	}
	ok, err := s.store.TransitionPipeline(ctx, id, []Status{StatusPaused}, StatusRunning)
	if err != nil {
		return fmt.Errorf("resume pipeline %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: cannot resume pipeline in state %s", ErrInvalidTransition, p.Status)
	}
	s.appendAudit(ctx, p, audit.ActionPipelineResumed, &actorID, map[string]interface{}{"status": StatusRunning})
	p.Status = StatusRunning
	if err := s.queue.EnqueuePipeline(ctx, p); err != nil {
		s.logger.Printf("warn: re-enqueue resumed pipeline %s: %v", p.ID, err)
	}
	return nil
}

// MonthlySpendReport is the spend view exposed to the dashboard.
type MonthlySpendReport struct {
	Month         ledger.Month
	Spend         ledger.Cents
	MonthlyBudget ledger.Cents
	Percentage    float64
	ByAgent       map[string]ledger.Cents
}

// MonthlySpend reports the organization's current-month spend against its
// budget, recomputed from the ledger.
func (s *Service) MonthlySpend(ctx context.Context, orgID string) (MonthlySpendReport, error) {
	if orgID == "" {
		return MonthlySpendReport{}, fmt.Errorf("org_id must be provided")
	}
	month := ledger.CurrentMonth()
	total, err := s.spend.MonthlyTotal(ctx, orgID, month)
	if err != nil {
		return MonthlySpendReport{}, fmt.Errorf("monthly total: %w", err)
	}
	byAgent, err := s.spend.Breakdown(ctx, orgID, month)
	if err != nil {
		return MonthlySpendReport{}, fmt.Errorf("spend breakdown: %w", err)
	}
	limits, err := s.limits.OrganizationLimits(ctx, orgID)
	if err != nil {
		return MonthlySpendReport{}, fmt.Errorf("organization limits: %w", err)
	}
	return MonthlySpendReport{
		Month:         month,
		Spend:         total,
		MonthlyBudget: limits.MonthlyBudget,
		Percentage:    total.PercentOf(limits.MonthlyBudget),
		ByAgent:       byAgent,
	}, nil
}

// authorize loads the pipeline and verifies the actor is the owner or an
// organization admin.
func (s *Service) authorize(ctx context.Context, id, actorID string) (Pipeline, error) {
	if actorID == "" {
		return Pipeline{}, ErrNotAuthorized
	}
	p, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return Pipeline{}, err
	}
	if p.UserID == actorID {
		return p, nil
	}
	role, err := s.store.UserRole(ctx, p.OrgID, actorID)
	if err != nil {
		return Pipeline{}, fmt.Errorf("resolve role: %w", err)
	}
	if role == "admin" || role == "owner" {
		return p, nil
	}
	return Pipeline{}, ErrNotAuthorized
}

func (s *Service) appendAudit(ctx context.Context, p Pipeline, action string, actorID *string, newValue map[string]interface{}) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Append(ctx, audit.Entry{
		OrgID:      p.OrgID,
		ActorID:    actorID,
		Action:     action,
		EntityType: "pipeline",
		EntityID:   p.ID,
		OldValue:   audit.Snapshot(map[string]interface{}{"status": p.Status}),
		NewValue:   audit.Snapshot(newValue),
		Success:    true,
	}); err != nil {
		s.logger.Printf("warn: audit append for pipeline %s action %s: %v", p.ID, action, err)
	}
}

func rejectionMessage(dec budget.Decision) string {
	switch dec.Reason {
	case budget.ReasonArticleLimitExceeded:
		return "monthly article quota exhausted"
	case budget.ReasonBudgetExceeded:
		return fmt.Sprintf("monthly spend %s has reached the budget ceiling %s", dec.Spend, dec.Limit)
	default:
		return "admission rejected"
	}
}

// AlertRecorder adapts budget alerts into audit entries and notifications.
type AlertRecorder struct {
	Auditor  Auditor
	Notifier Notifier
	Logger   *log.Logger
}

// BudgetAlert implements budget.AlertSink.
func (a *AlertRecorder) BudgetAlert(ctx context.Context, orgID string, spend, limit ledger.Cents, percentage float64) {
	if a.Auditor != nil {
		err := a.Auditor.Append(ctx, audit.Entry{
			OrgID:      orgID,
			Action:     audit.ActionBudgetAlert,
			EntityType: "organization",
			EntityID:   orgID,
			NewValue: audit.Snapshot(map[string]interface{}{
				"spend":      spend.String(),
				"budget":     limit.String(),
				"percentage": percentage,
			}),
			Success: true,
		})
		if err != nil && a.Logger != nil {
			a.Logger.Printf("warn: budget alert audit for org %s: %v", orgID, err)
		}
	}
	if a.Notifier != nil {
		a.Notifier.Notify(ctx, orgID, EventBudgetAlert, map[string]interface{}{
			"spend":      spend.String(),
			"budget":     limit.String(),
			"percentage": percentage,
		})
	}
}
