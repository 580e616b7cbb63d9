// Package pipeline implements the five-agent content pipeline: the record
// types, the legal state graph, the orchestrator that executes one claimed
// pipeline, and the service surface the API layer calls.
package pipeline

import (
	"time"

	"github.com/articleforge/articleforge/internal/ledger"
	"github.com/articleforge/articleforge/internal/registry"
)

// Error codes recorded on failed pipelines.
const (
	ErrCodeAgentFailed = "agent_failed"
)

// ArticleRequest is the caller's description of the article to produce.
type ArticleRequest struct {
	Topic    string   `json:"topic"`
	Keywords []string `json:"keywords,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

// Pipeline is one end-to-end execution of the five-agent sequence.
type Pipeline struct {
	ID              string
	OrgID           string
	UserID          string
	ArticleID       string
	Status          Status
	CurrentAgent    string
	CompletedAgents []string
	Request         ArticleRequest
	EstimatedCost   ledger.Cents
	TotalCost       ledger.Cents
	CostByAgent     map[string]ledger.Cents
	RetryCount      int
	ErrorCode       string
	ErrorMessage    string
	Priority        int
	QueuedAt        *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
}

// Step is one agent execution slot within a pipeline. A row exists per
// (pipeline, agent kind) from creation; completion is recorded before the
// orchestrator advances, which is what makes crash recovery resume instead
// of re-running (and re-billing) finished steps.
type Step struct {
	PipelineID  string
	Agent       registry.AgentKind
	Status      StepStatus
	Attempts    int
	Cost        ledger.Cents
	Output      map[string]interface{}
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Snapshot is the externally visible view of a pipeline.
type Snapshot struct {
	Pipeline Pipeline
	Steps    []Step
}
