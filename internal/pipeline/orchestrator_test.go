package pipeline

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/articleforge/articleforge/internal/audit"
	"github.com/articleforge/articleforge/internal/budget"
	"github.com/articleforge/articleforge/internal/ledger"
	"github.com/articleforge/articleforge/internal/registry"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// memStore is an in-memory orchestrator store for tests.
type memStore struct {
	pipeline Pipeline
	steps    map[registry.AgentKind]Step

	// controlAfter flips the pipeline status to controlStatus once that
	// many agents completed, simulating an operator pause/cancel landing
	// mid-run.
	controlAfter  int
	controlStatus Status
}

func newMemStore(p Pipeline) *memStore {
	st := &memStore{pipeline: p, steps: map[registry.AgentKind]Step{}, controlAfter: -1}
	for _, kind := range registry.AgentOrder {
		st.steps[kind] = Step{PipelineID: p.ID, Agent: kind, Status: StepPending}
	}
	return st
}

func (m *memStore) GetPipeline(_ context.Context, _ string) (Pipeline, error) {
	if m.controlAfter >= 0 && len(m.pipeline.CompletedAgents) >= m.controlAfter {
		m.pipeline.Status = m.controlStatus
	}
	return m.pipeline, nil
}

func (m *memStore) FailPipeline(_ context.Context, _ string, code, msg string) error {
	m.pipeline.Status = StatusFailed
	m.pipeline.ErrorCode = code
	m.pipeline.ErrorMessage = msg
	return nil
}

func (m *memStore) CompletePipeline(_ context.Context, _ string) error {
	m.pipeline.Status = StatusCompleted
	return nil
}

func (m *memStore) UpdatePipelineProgress(_ context.Context, _ string, currentAgent string, completedAgents []string) error {
	m.pipeline.CurrentAgent = currentAgent
	m.pipeline.CompletedAgents = append([]string(nil), completedAgents...)
	return nil
}

func (m *memStore) AddPipelineCost(_ context.Context, _ string, agent registry.AgentKind, amount ledger.Cents) (ledger.Cents, error) {
	if m.pipeline.CostByAgent == nil {
		m.pipeline.CostByAgent = map[string]ledger.Cents{}
	}
	m.pipeline.CostByAgent[string(agent)] += amount
	m.pipeline.TotalCost += amount
	return m.pipeline.TotalCost, nil
}

func (m *memStore) SetPipelineArticle(_ context.Context, _ string, articleID string) error {
	m.pipeline.ArticleID = articleID
	return nil
}

func (m *memStore) UpsertStep(_ context.Context, st Step) error {
	m.steps[st.Agent] = st
	return nil
}

func (m *memStore) ListSteps(_ context.Context, _ string) ([]Step, error) {
	out := make([]Step, 0, len(m.steps))
	for _, kind := range registry.AgentOrder {
		if st, ok := m.steps[kind]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *memStore) ReleaseClaim(_ context.Context, _ string) error { return nil }

// memCosts records ledger entries in memory.
type memCosts struct {
	entries []ledger.Entry
}

func (c *memCosts) Record(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	c.entries = append(c.entries, e)
	return e, nil
}

// stubGuard approves everything unless rejectAt matches the current total.
type stubGuard struct {
	rejectWhenTotalAtLeast ledger.Cents
	rejectReason           string
	calls                  int
}

func (g *stubGuard) Recheck(_ context.Context, _ string, pipelineTotal ledger.Cents) (budget.Decision, error) {
	g.calls++
	if g.rejectReason != "" && pipelineTotal >= g.rejectWhenTotalAtLeast {
		return budget.Decision{Allowed: false, Reason: g.rejectReason, Spend: pipelineTotal}, nil
	}
	return budget.Decision{Allowed: true, Spend: pipelineTotal}, nil
}

// stubConfigs serves one shared config per agent with per-agent overrides.
type stubConfigs struct {
	base      registry.Config
	overrides map[registry.AgentKind]registry.Config
}

func (c *stubConfigs) Get(_ context.Context, orgID string, agent registry.AgentKind) (registry.Config, error) {
	if cfg, ok := c.overrides[agent]; ok {
		cfg.OrgID = orgID
		cfg.Agent = agent
		return cfg, nil
	}
	cfg := c.base
	cfg.OrgID = orgID
	cfg.Agent = agent
	return cfg, nil
}

type nopAuditor struct{}

func (nopAuditor) Append(_ context.Context, _ audit.Entry) error { return nil }

// scriptedInvoker replays per-agent results in order of invocation.
type scriptedInvoker struct {
	results map[registry.AgentKind][]invocationScript
	calls   []registry.AgentKind
}

type invocationScript struct {
	res InvocationResult
	err error
}

func (s *scriptedInvoker) Invoke(_ context.Context, inv Invocation) (InvocationResult, error) {
	s.calls = append(s.calls, inv.Agent)
	script := s.results[inv.Agent]
	if len(script) == 0 {
		return InvocationResult{Cost: 10, Output: map[string]interface{}{"agent": string(inv.Agent)}}, nil
	}
	next := script[0]
	s.results[inv.Agent] = script[1:]
	return next.res, next.err
}

func baseConfig() registry.Config {
	return registry.Config{Enabled: true, TimeoutSecs: 5, MaxRetries: 3, MaxCostPerRun: 0}
}

func runningPipeline() Pipeline {
	return Pipeline{ID: "p-1", OrgID: "org-1", UserID: "u-1", Status: StatusRunning,
		Request: ArticleRequest{Topic: "industrial pumps"}}
}

func newTestOrchestrator(st *memStore, guard Guard, cfgs Configs, costs Costs, inv Invoker) *Orchestrator {
	o := NewOrchestrator(st, guard, cfgs, costs, nopAuditor{}, inv, nil, testLogger())
	o.retryBackoff = 0
	return o
}

func TestRunExecutesAgentsInOrder(t *testing.T) {
	st := newMemStore(runningPipeline())
	costs := &memCosts{}
	inv := &scriptedInvoker{results: map[registry.AgentKind][]invocationScript{}}
	o := newTestOrchestrator(st, &stubGuard{}, &stubConfigs{base: baseConfig()}, costs, inv)

	if err := o.Run(context.Background(), "p-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.pipeline.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", st.pipeline.Status)
	}
	if len(inv.calls) != len(registry.AgentOrder) {
		t.Fatalf("expected %d invocations, got %d", len(registry.AgentOrder), len(inv.calls))
	}
	for i, kind := range registry.AgentOrder {
		if inv.calls[i] != kind {
			t.Fatalf("call %d: expected %s, got %s", i, kind, inv.calls[i])
		}
	}
	if len(costs.entries) != len(registry.AgentOrder) {
		t.Fatalf("expected one ledger entry per agent, got %d", len(costs.entries))
	}
	if st.pipeline.TotalCost != ledger.Cents(50) {
		t.Fatalf("expected total 0.50, got %s", st.pipeline.TotalCost)
	}
}

func TestRunRetriesAndBillsEveryAttempt(t *testing.T) {
	st := newMemStore(runningPipeline())
	costs := &memCosts{}
	inv := &scriptedInvoker{results: map[registry.AgentKind][]invocationScript{
		registry.AgentTopicAnalysis: {
			{res: InvocationResult{Cost: 7}, err: errors.New("model overloaded")},
			{res: InvocationResult{Cost: 7}, err: errors.New("model overloaded")},
			{res: InvocationResult{Cost: 7, Output: map[string]interface{}{"ok": true}}},
		},
	}}
	o := newTestOrchestrator(st, &stubGuard{}, &stubConfigs{base: baseConfig()}, costs, inv)

	if err := o.Run(context.Background(), "p-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.pipeline.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", st.pipeline.Status, st.pipeline.ErrorMessage)
	}
	// Two failed attempts plus the success, each billed.
	var analysisEntries int
	for _, e := range costs.entries {
		if e.AgentKind == string(registry.AgentTopicAnalysis) {
			analysisEntries++
		}
	}
	if analysisEntries != 3 {
		t.Fatalf("expected 3 billed attempts for topic-analysis, got %d", analysisEntries)
	}
	step := st.steps[registry.AgentTopicAnalysis]
	if step.Attempts != 3 {
		t.Fatalf("expected 3 attempts recorded, got %d", step.Attempts)
	}
	if step.Cost != 21 {
		t.Fatalf("expected step cost 0.21, got %s", step.Cost)
	}
}

func TestRunFailsAfterRetriesExhausted(t *testing.T) {
	st := newMemStore(runningPipeline())
	costs := &memCosts{}
	inv := &scriptedInvoker{results: map[registry.AgentKind][]invocationScript{
		registry.AgentLegalFactCheck: {
			{res: InvocationResult{Cost: 3}, err: errors.New("upstream 500")},
			{res: InvocationResult{Cost: 3}, err: errors.New("upstream 500")},
			{res: InvocationResult{Cost: 3}, err: errors.New("upstream 500")},
		},
	}}
	o := newTestOrchestrator(st, &stubGuard{}, &stubConfigs{base: baseConfig()}, costs, inv)

	if err := o.Run(context.Background(), "p-1"); err != nil {
		t.Fatalf("run should terminate the pipeline, not error: %v", err)
	}
	if st.pipeline.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", st.pipeline.Status)
	}
	if st.pipeline.ErrorCode != ErrCodeAgentFailed {
		t.Fatalf("expected error code %s, got %s", ErrCodeAgentFailed, st.pipeline.ErrorCode)
	}
	if st.steps[registry.AgentLegalFactCheck].Status != StepFailed {
		t.Fatalf("expected failed step, got %s", st.steps[registry.AgentLegalFactCheck].Status)
	}
	// The publish agent never ran.
	if st.steps[registry.AgentPublish].Status != StepPending {
		t.Fatalf("publish should not have started, got %s", st.steps[registry.AgentPublish].Status)
	}
}

func TestRunSkipsDisabledAgent(t *testing.T) {
	st := newMemStore(runningPipeline())
	disabled := baseConfig()
	disabled.Enabled = false
	inv := &scriptedInvoker{results: map[registry.AgentKind][]invocationScript{}}
	o := newTestOrchestrator(st, &stubGuard{}, &stubConfigs{
		base:      baseConfig(),
		overrides: map[registry.AgentKind]registry.Config{registry.AgentCompetitorMonitoring: disabled},
	}, &memCosts{}, inv)

	if err := o.Run(context.Background(), "p-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.steps[registry.AgentCompetitorMonitoring].Status != StepSkipped {
		t.Fatalf("expected skipped, got %s", st.steps[registry.AgentCompetitorMonitoring].Status)
	}
	for _, kind := range inv.calls {
		if kind == registry.AgentCompetitorMonitoring {
			t.Fatalf("disabled agent must not be invoked")
		}
	}
	if st.pipeline.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", st.pipeline.Status)
	}
}

func TestRunStopsWhenBudgetExhaustedMidRun(t *testing.T) {
	st := newMemStore(runningPipeline())
	costs := &memCosts{}
	inv := &scriptedInvoker{results: map[registry.AgentKind][]invocationScript{}}
	// Reject once the pipeline has billed anything, i.e. before agent two.
	guard := &stubGuard{rejectWhenTotalAtLeast: 1, rejectReason: budget.ReasonBudgetExceededMidRun}
	o := newTestOrchestrator(st, guard, &stubConfigs{base: baseConfig()}, costs, inv)

	if err := o.Run(context.Background(), "p-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.pipeline.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", st.pipeline.Status)
	}
	if st.pipeline.ErrorCode != budget.ReasonBudgetExceededMidRun {
		t.Fatalf("expected %s, got %s", budget.ReasonBudgetExceededMidRun, st.pipeline.ErrorCode)
	}
	if len(inv.calls) != 1 {
		t.Fatalf("expected exactly one agent invoked before the stop, got %d", len(inv.calls))
	}
	// The cost already billed stays in the ledger; the stop never rolls it
	// back.
	if len(costs.entries) != 1 {
		t.Fatalf("expected the billed entry to remain, got %d entries", len(costs.entries))
	}
	if costs.entries[0].Amount != 10 {
		t.Fatalf("ledger entry amount = %d, want 10", costs.entries[0].Amount)
	}
}

func TestSetRetryBackoff(t *testing.T) {
	o := NewOrchestrator(newMemStore(runningPipeline()), &stubGuard{}, &stubConfigs{base: baseConfig()}, &memCosts{}, nopAuditor{}, &scriptedInvoker{}, nil, testLogger())
	if o.retryBackoff != 2*time.Second {
		t.Fatalf("default backoff = %v, want 2s", o.retryBackoff)
	}
	o.SetRetryBackoff(250 * time.Millisecond)
	if o.retryBackoff != 250*time.Millisecond {
		t.Fatalf("backoff = %v, want 250ms", o.retryBackoff)
	}
	o.SetRetryBackoff(0)
	if o.retryBackoff != 250*time.Millisecond {
		t.Fatalf("non-positive backoff must be ignored, got %v", o.retryBackoff)
	}
}

func TestRunHonorsPauseAtStepBoundary(t *testing.T) {
	st := newMemStore(runningPipeline())
	st.controlAfter = 2
	st.controlStatus = StatusPaused
	inv := &scriptedInvoker{results: map[registry.AgentKind][]invocationScript{}}
	o := newTestOrchestrator(st, &stubGuard{}, &stubConfigs{base: baseConfig()}, &memCosts{}, inv)

	if err := o.Run(context.Background(), "p-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(inv.calls) != 2 {
		t.Fatalf("expected 2 agents before the pause, got %d", len(inv.calls))
	}
	if st.pipeline.Status != StatusPaused {
		t.Fatalf("expected paused, got %s", st.pipeline.Status)
	}
	// The two finished steps stay done.
	if !st.steps[registry.AgentCompetitorMonitoring].Status.Done() || !st.steps[registry.AgentTopicAnalysis].Status.Done() {
		t.Fatalf("completed steps must stay recorded across a pause")
	}
}

func TestRunHonorsCancelAtStepBoundary(t *testing.T) {
	st := newMemStore(runningPipeline())
	st.controlAfter = 1
	st.controlStatus = StatusCancelled
	inv := &scriptedInvoker{results: map[registry.AgentKind][]invocationScript{}}
	o := newTestOrchestrator(st, &stubGuard{}, &stubConfigs{base: baseConfig()}, &memCosts{}, inv)

	if err := o.Run(context.Background(), "p-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(inv.calls) != 1 {
		t.Fatalf("expected 1 agent before the cancel, got %d", len(inv.calls))
	}
	if st.pipeline.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", st.pipeline.Status)
	}
}

func TestRunResumeSkipsCompletedStepsWithoutRebilling(t *testing.T) {
	p := runningPipeline()
	p.CompletedAgents = []string{string(registry.AgentCompetitorMonitoring), string(registry.AgentTopicAnalysis)}
	p.TotalCost = 20
	st := newMemStore(p)
	for _, kind := range []registry.AgentKind{registry.AgentCompetitorMonitoring, registry.AgentTopicAnalysis} {
		done := st.steps[kind]
		done.Status = StepCompleted
		done.Cost = 10
		done.Output = map[string]interface{}{"agent": string(kind)}
		st.steps[kind] = done
	}

	costs := &memCosts{}
	inv := &scriptedInvoker{results: map[registry.AgentKind][]invocationScript{}}
	o := newTestOrchestrator(st, &stubGuard{}, &stubConfigs{base: baseConfig()}, costs, inv)

	if err := o.Run(context.Background(), "p-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.pipeline.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", st.pipeline.Status)
	}
	if len(inv.calls) != 3 {
		t.Fatalf("expected only the 3 remaining agents to run, got %d", len(inv.calls))
	}
	for _, e := range costs.entries {
		if e.AgentKind == string(registry.AgentCompetitorMonitoring) || e.AgentKind == string(registry.AgentTopicAnalysis) {
			t.Fatalf("finished step %s was billed again", e.AgentKind)
		}
	}
}

func TestRunEnforcesPerRunCostCeiling(t *testing.T) {
	st := newMemStore(runningPipeline())
	capped := baseConfig()
	capped.MaxCostPerRun = 5
	inv := &scriptedInvoker{results: map[registry.AgentKind][]invocationScript{
		registry.AgentCompetitorMonitoring: {
			{res: InvocationResult{Cost: 9, Output: map[string]interface{}{}}},
		},
	}}
	o := newTestOrchestrator(st, &stubGuard{}, &stubConfigs{
		base:      baseConfig(),
		overrides: map[registry.AgentKind]registry.Config{registry.AgentCompetitorMonitoring: capped},
	}, &memCosts{}, inv)

	if err := o.Run(context.Background(), "p-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.pipeline.Status != StatusFailed {
		t.Fatalf("expected failed on per-run ceiling, got %s", st.pipeline.Status)
	}
}

func TestRunRefusesUnclaimedPipeline(t *testing.T) {
	p := runningPipeline()
	p.Status = StatusQueued
	st := newMemStore(p)
	o := newTestOrchestrator(st, &stubGuard{}, &stubConfigs{base: baseConfig()}, &memCosts{}, &scriptedInvoker{results: map[registry.AgentKind][]invocationScript{}})

	if err := o.Run(context.Background(), "p-1"); err == nil {
		t.Fatalf("expected error running an unclaimed pipeline")
	}
}

func TestRunNoopOnTerminalPipeline(t *testing.T) {
	p := runningPipeline()
	p.Status = StatusCompleted
	st := newMemStore(p)
	inv := &scriptedInvoker{results: map[registry.AgentKind][]invocationScript{}}
	o := newTestOrchestrator(st, &stubGuard{}, &stubConfigs{base: baseConfig()}, &memCosts{}, inv)

	if err := o.Run(context.Background(), "p-1"); err != nil {
		t.Fatalf("run on terminal pipeline should be a no-op: %v", err)
	}
	if len(inv.calls) != 0 {
		t.Fatalf("no agents should run on a terminal pipeline")
	}
}

