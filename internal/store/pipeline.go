package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/articleforge/articleforge/internal/ledger"
	"github.com/articleforge/articleforge/internal/pipeline"
	"github.com/articleforge/articleforge/internal/registry"
)

const pipelineColumns = `id, org_id, user_id, article_id, status, current_agent, completed_agents, request,
estimated_cost_cents, total_cost_cents, cost_by_agent, retry_count, error_code, error_message, priority,
queued_at, started_at, completed_at, created_at`

// CreatePipeline inserts the pipeline and its step rows in one transaction.
func (s *Store) CreatePipeline(ctx context.Context, p pipeline.Pipeline, steps []pipeline.Step) (pipeline.Pipeline, error) {
	request, err := json.Marshal(p.Request)
	if err != nil {
		return pipeline.Pipeline{}, fmt.Errorf("marshal request: %w", err)
	}
	costByAgent, err := marshalCostMap(p.CostByAgent)
	if err != nil {
		return pipeline.Pipeline{}, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return pipeline.Pipeline{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO pipelines (id, org_id, user_id, article_id, status, current_agent, completed_agents, request,
  estimated_cost_cents, total_cost_cents, cost_by_agent, retry_count, error_code, error_message, priority,
  queued_at, started_at, completed_at, created_at)
VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,NULLIF($13,''),NULLIF($14,''),$15,$16,$17,$18,$19)
`, p.ID, p.OrgID, p.UserID, p.ArticleID, string(p.Status), p.CurrentAgent,
		pq.Array(p.CompletedAgents), request, int64(p.EstimatedCost), int64(p.TotalCost), costByAgent,
		p.RetryCount, p.ErrorCode, p.ErrorMessage, p.Priority,
		p.QueuedAt, p.StartedAt, p.CompletedAt, p.CreatedAt); err != nil {
		return pipeline.Pipeline{}, fmt.Errorf("insert pipeline: %w", err)
	}

	for _, st := range steps {
		if err := upsertStepTx(ctx, tx, st); err != nil {
			return pipeline.Pipeline{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return pipeline.Pipeline{}, fmt.Errorf("commit pipeline: %w", err)
	}
	return p, nil
}

// GetPipeline loads one live pipeline.
func (s *Store) GetPipeline(ctx context.Context, id string) (pipeline.Pipeline, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+pipelineColumns+`
FROM pipelines
WHERE id=$1 AND deleted_at IS NULL
`, id)
	p, err := scanPipeline(row)
	if err == sql.ErrNoRows {
		return pipeline.Pipeline{}, fmt.Errorf("pipeline %s not found", id)
	}
	return p, err
}

// ListPipelines returns the organization's pipelines, newest first.
func (s *Store) ListPipelines(ctx context.Context, orgID string, status pipeline.Status, limit int) ([]pipeline.Pipeline, error) {
	query := `
SELECT ` + pipelineColumns + `
FROM pipelines
WHERE org_id=$1 AND deleted_at IS NULL`
	args := []interface{}{orgID}
	if status != "" {
		query += ` AND status=$2`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pipeline.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TransitionPipeline is a compare-and-set on status. It returns false when
// the pipeline was not in one of the expected source states, which is what
// keeps every observed transition an edge of the status graph regardless
// of interleaving.
func (s *Store) TransitionPipeline(ctx context.Context, id string, from []pipeline.Status, to pipeline.Status) (bool, error) {
	states := make([]string, len(from))
	for i, st := range from {
		if !pipeline.CanTransition(st, to) {
			return false, fmt.Errorf("illegal transition %s -> %s", st, to)
		}
		states[i] = string(st)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE pipelines SET status=$2, updated_at=NOW() WHERE id=$1 AND status = ANY($3) AND deleted_at IS NULL
`, id, string(to), pq.Array(states))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClaimPipeline atomically claims a pipeline for execution. Exactly one
// worker wins; redelivered queue messages lose the compare-and-set and
// walk away.
func (s *Store) ClaimPipeline(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE pipelines
SET status='running', claimed=true, started_at=COALESCE(started_at, NOW()), updated_at=NOW()
WHERE id=$1 AND claimed=false AND status IN ('queued','running') AND deleted_at IS NULL
`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseClaim lets a paused or stranded pipeline be claimed again.
func (s *Store) ReleaseClaim(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE pipelines SET claimed=false, updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL
`, id)
	return err
}

// FailPipeline records a terminal failure.
func (s *Store) FailPipeline(ctx context.Context, id, code, msg string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE pipelines
SET status='failed', error_code=$2, error_message=$3, completed_at=NOW(), claimed=false, updated_at=NOW()
WHERE id=$1 AND status NOT IN ('completed','failed','cancelled') AND deleted_at IS NULL
`, id, code, msg)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pipeline %s already terminal", id)
	}
	return nil
}

// CompletePipeline records successful completion.
func (s *Store) CompletePipeline(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE pipelines
SET status='completed', completed_at=NOW(), claimed=false, current_agent='', updated_at=NOW()
WHERE id=$1 AND status='running' AND deleted_at IS NULL
`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pipeline %s not running", id)
	}
	return nil
}

// UpdatePipelineProgress records the current agent and the completed list.
func (s *Store) UpdatePipelineProgress(ctx context.Context, id, currentAgent string, completedAgents []string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE pipelines SET current_agent=$2, completed_agents=$3, updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL
`, id, currentAgent, pq.Array(completedAgents))
	return err
}

// AddPipelineCost accumulates billed cost onto the pipeline and its
// per-agent breakdown, returning the new total. The total only ever grows.
func (s *Store) AddPipelineCost(ctx context.Context, id string, agent registry.AgentKind, amount ledger.Cents) (ledger.Cents, error) {
	var total int64
	err := s.DB.QueryRowContext(ctx, `
UPDATE pipelines
SET total_cost_cents = total_cost_cents + $2,
    cost_by_agent = jsonb_set(COALESCE(cost_by_agent,'{}'::jsonb), ARRAY[$3::text],
      to_jsonb(COALESCE((cost_by_agent->>$3)::bigint,0) + $2)),
    updated_at = NOW()
WHERE id=$1 AND deleted_at IS NULL
RETURNING total_cost_cents
`, id, int64(amount), string(agent)).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("pipeline %s not found", id)
	}
	if err != nil {
		return 0, err
	}
	return ledger.Cents(total), nil
}

// SetPipelineArticle links the generated article once the generation agent
// produced it.
func (s *Store) SetPipelineArticle(ctx context.Context, id, articleID string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE pipelines SET article_id=$2, updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL
`, id, articleID)
	return err
}

// ListStrandedPipelines finds work no worker will otherwise touch again:
// claimed running pipelines whose worker went quiet, and queued pipelines
// whose enqueue publish was lost. The recovery sweep releases and
// re-queues them; execution resumes from the last completed step.
func (s *Store) ListStrandedPipelines(ctx context.Context, staleMinutes int) ([]pipeline.Pipeline, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+pipelineColumns+`
FROM pipelines
WHERE deleted_at IS NULL
  AND ((status='running' AND claimed=true) OR (status='queued' AND claimed=false))
  AND updated_at < NOW() - ($1 || ' minutes')::interval
ORDER BY updated_at ASC
`, fmt.Sprintf("%d", staleMinutes))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pipeline.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertStep writes one step row.
func (s *Store) UpsertStep(ctx context.Context, st pipeline.Step) error {
	return upsertStepTx(ctx, s.DB, st)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertStepTx(ctx context.Context, db execer, st pipeline.Step) error {
	var output []byte
	if st.Output != nil {
		raw, err := json.Marshal(st.Output)
		if err != nil {
			return fmt.Errorf("marshal step output: %w", err)
		}
		output = raw
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO pipeline_steps (pipeline_id, agent, status, attempts, cost_cents, output, error, started_at, completed_at)
VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9)
ON CONFLICT (pipeline_id, agent) DO UPDATE SET
  status = EXCLUDED.status,
  attempts = EXCLUDED.attempts,
  cost_cents = EXCLUDED.cost_cents,
  output = EXCLUDED.output,
  error = EXCLUDED.error,
  started_at = EXCLUDED.started_at,
  completed_at = EXCLUDED.completed_at;
`, st.PipelineID, string(st.Agent), string(st.Status), st.Attempts, int64(st.Cost),
		output, st.Error, st.StartedAt, st.CompletedAt)
	if err != nil {
		return fmt.Errorf("upsert step %s/%s: %w", st.PipelineID, st.Agent, err)
	}
	return nil
}

// ListSteps returns the pipeline's step rows in execution order.
func (s *Store) ListSteps(ctx context.Context, pipelineID string) ([]pipeline.Step, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT pipeline_id, agent, status, attempts, cost_cents, output, COALESCE(error,''), started_at, completed_at
FROM pipeline_steps
WHERE pipeline_id=$1
`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byAgent := make(map[registry.AgentKind]pipeline.Step)
	for rows.Next() {
		var st pipeline.Step
		var agent string
		var status string
		var output []byte
		if err := rows.Scan(&st.PipelineID, &agent, &status, &st.Attempts, &st.Cost, &output, &st.Error, &st.StartedAt, &st.CompletedAt); err != nil {
			return nil, err
		}
		st.Agent = registry.AgentKind(agent)
		st.Status = pipeline.StepStatus(status)
		if len(output) > 0 {
			if err := json.Unmarshal(output, &st.Output); err != nil {
				return nil, fmt.Errorf("unmarshal step output: %w", err)
			}
		}
		byAgent[st.Agent] = st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]pipeline.Step, 0, len(byAgent))
	for _, kind := range registry.AgentOrder {
		if st, ok := byAgent[kind]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPipeline(row rowScanner) (pipeline.Pipeline, error) {
	var p pipeline.Pipeline
	var articleID, errorCode, errorMessage sql.NullString
	var status string
	var completedAgents pq.StringArray
	var request, costByAgent []byte

	err := row.Scan(&p.ID, &p.OrgID, &p.UserID, &articleID, &status, &p.CurrentAgent, &completedAgents, &request,
		&p.EstimatedCost, &p.TotalCost, &costByAgent, &p.RetryCount, &errorCode, &errorMessage, &p.Priority,
		&p.QueuedAt, &p.StartedAt, &p.CompletedAt, &p.CreatedAt)
	if err != nil {
		return pipeline.Pipeline{}, err
	}
	p.ArticleID = articleID.String
	p.Status = pipeline.Status(status)
	p.CompletedAgents = []string(completedAgents)
	p.ErrorCode = errorCode.String
	p.ErrorMessage = errorMessage.String
	if len(request) > 0 {
		if err := json.Unmarshal(request, &p.Request); err != nil {
			return pipeline.Pipeline{}, fmt.Errorf("unmarshal request: %w", err)
		}
	}
	if len(costByAgent) > 0 {
		var raw map[string]int64
		if err := json.Unmarshal(costByAgent, &raw); err != nil {
			return pipeline.Pipeline{}, fmt.Errorf("unmarshal cost breakdown: %w", err)
		}
		p.CostByAgent = make(map[string]ledger.Cents, len(raw))
		for k, v := range raw {
			p.CostByAgent[k] = ledger.Cents(v)
		}
	}
	return p, nil
}

func marshalCostMap(m map[string]ledger.Cents) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	raw := make(map[string]int64, len(m))
	for k, v := range m {
		raw[k] = int64(v)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal cost breakdown: %w", err)
	}
	return b, nil
}
