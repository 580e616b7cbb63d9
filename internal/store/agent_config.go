package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/articleforge/articleforge/internal/registry"
)

// Seed values applied inside the organization-creation transaction.
var seedAgentKinds = registry.AgentOrder

const (
	seedTimeoutSeconds = registry.DefaultTimeoutSecs
	seedMaxRetries     = registry.DefaultMaxRetries
	seedMaxCostPerRun  = int64(registry.DefaultMaxCostRun)
)

// GetAgentConfig loads the configuration row for (org, agent).
func (s *Store) GetAgentConfig(ctx context.Context, orgID string, agent registry.AgentKind) (registry.Config, bool, error) {
	var cfg registry.Config
	var modelOverride sql.NullString
	err := s.DB.QueryRowContext(ctx, `
SELECT org_id, agent, enabled, timeout_seconds, max_retries, max_cost_per_run_cents, model_override, runs_per_hour, runs_per_day, updated_at
FROM agent_configs
WHERE org_id=$1 AND agent=$2
`, orgID, string(agent)).Scan(&cfg.OrgID, &cfg.Agent, &cfg.Enabled, &cfg.TimeoutSecs,
		&cfg.MaxRetries, &cfg.MaxCostPerRun, &modelOverride, &cfg.RunsPerHour, &cfg.RunsPerDay, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return registry.Config{}, false, nil
	}
	if err != nil {
		return registry.Config{}, false, err
	}
	cfg.ModelOverride = modelOverride.String
	return cfg, true, nil
}

// UpsertAgentConfig writes one configuration row.
func (s *Store) UpsertAgentConfig(ctx context.Context, cfg registry.Config) error {
	var modelOverride interface{}
	if cfg.ModelOverride != "" {
		modelOverride = cfg.ModelOverride
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO agent_configs (org_id, agent, enabled, timeout_seconds, max_retries, max_cost_per_run_cents, model_override, runs_per_hour, runs_per_day, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
ON CONFLICT (org_id, agent) DO UPDATE SET
  enabled = EXCLUDED.enabled,
  timeout_seconds = EXCLUDED.timeout_seconds,
  max_retries = EXCLUDED.max_retries,
  max_cost_per_run_cents = EXCLUDED.max_cost_per_run_cents,
  model_override = EXCLUDED.model_override,
  runs_per_hour = EXCLUDED.runs_per_hour,
  runs_per_day = EXCLUDED.runs_per_day,
  updated_at = NOW();
`, cfg.OrgID, string(cfg.Agent), cfg.Enabled, cfg.TimeoutSecs, cfg.MaxRetries,
		int64(cfg.MaxCostPerRun), modelOverride, cfg.RunsPerHour, cfg.RunsPerDay)
	if err != nil {
		return fmt.Errorf("upsert agent config: %w", err)
	}
	return nil
}

// SeedAgentConfigs inserts default rows, keeping any that already exist.
func (s *Store) SeedAgentConfigs(ctx context.Context, cfgs []registry.Config) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed tx: %w", err)
	}
	defer tx.Rollback()
	for _, cfg := range cfgs {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO agent_configs (org_id, agent, enabled, timeout_seconds, max_retries, max_cost_per_run_cents)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (org_id, agent) DO NOTHING
`, cfg.OrgID, string(cfg.Agent), cfg.Enabled, cfg.TimeoutSecs, cfg.MaxRetries, int64(cfg.MaxCostPerRun)); err != nil {
			return fmt.Errorf("seed agent config %s: %w", cfg.Agent, err)
		}
	}
	return tx.Commit()
}
