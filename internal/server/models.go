package server

import (
	"time"

	"github.com/articleforge/articleforge/internal/ledger"
	"github.com/articleforge/articleforge/internal/pipeline"
)

type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	OrgName  string `json:"org_name"`
	PlanTier string `json:"plan_tier"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type CreatePipelineRequest struct {
	Topic    string   `json:"topic"`
	Keywords []string `json:"keywords,omitempty"`
	Notes    string   `json:"notes,omitempty"`
	Priority int      `json:"priority,omitempty"`
}

type PipelineResponse struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`
	CurrentAgent    string            `json:"current_agent,omitempty"`
	CompletedAgents []string          `json:"completed_agents,omitempty"`
	ArticleID       string            `json:"article_id,omitempty"`
	TotalCost       string            `json:"total_cost"`
	CostByAgent     map[string]string `json:"cost_by_agent,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Priority        int               `json:"priority"`
	CreatedAt       time.Time         `json:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

type StepResponse struct {
	Agent       string     `json:"agent"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	Cost        string     `json:"cost"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type PipelineDetailResponse struct {
	PipelineResponse
	Steps []StepResponse `json:"steps"`
}

type SpendResponse struct {
	Month         string            `json:"month"`
	Spend         string            `json:"spend"`
	MonthlyBudget string            `json:"monthly_budget"`
	Percentage    float64           `json:"percentage"`
	ByAgent       map[string]string `json:"by_agent,omitempty"`
}

type AgentConfigRequest struct {
	Enabled       *bool   `json:"enabled,omitempty"`
	TimeoutSecs   *int    `json:"timeout_seconds,omitempty"`
	MaxRetries    *int    `json:"max_retries,omitempty"`
	MaxCostPerRun *string `json:"max_cost_per_run,omitempty"`
	ModelOverride *string `json:"model_override,omitempty"`
	RunsPerHour   *int    `json:"runs_per_hour,omitempty"`
	RunsPerDay    *int    `json:"runs_per_day,omitempty"`
}

type AgentConfigResponse struct {
	Agent         string    `json:"agent"`
	Enabled       bool      `json:"enabled"`
	TimeoutSecs   int       `json:"timeout_seconds"`
	MaxRetries    int       `json:"max_retries"`
	MaxCostPerRun string    `json:"max_cost_per_run"`
	ModelOverride string    `json:"model_override,omitempty"`
	RunsPerHour   int       `json:"runs_per_hour,omitempty"`
	RunsPerDay    int       `json:"runs_per_day,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type CredentialRequest struct {
	Kind     string `json:"kind"`
	Material string `json:"material"`
}

type CredentialResponse struct {
	Handle string `json:"handle"`
}

func toPipelineResponse(p pipeline.Pipeline) PipelineResponse {
	resp := PipelineResponse{
		ID:              p.ID,
		Status:          string(p.Status),
		CurrentAgent:    p.CurrentAgent,
		CompletedAgents: p.CompletedAgents,
		ArticleID:       p.ArticleID,
		TotalCost:       p.TotalCost.String(),
		ErrorCode:       p.ErrorCode,
		ErrorMessage:    p.ErrorMessage,
		Priority:        p.Priority,
		CreatedAt:       p.CreatedAt,
		CompletedAt:     p.CompletedAt,
	}
	if len(p.CostByAgent) > 0 {
		resp.CostByAgent = centsMap(p.CostByAgent)
	}
	return resp
}

func toStepResponse(st pipeline.Step) StepResponse {
	return StepResponse{
		Agent:       string(st.Agent),
		Status:      string(st.Status),
		Attempts:    st.Attempts,
		Cost:        st.Cost.String(),
		Error:       st.Error,
		StartedAt:   st.StartedAt,
		CompletedAt: st.CompletedAt,
	}
}

func centsMap(in map[string]ledger.Cents) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v.String()
	}
	return out
}
