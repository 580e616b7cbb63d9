package registry

import (
	"context"
	"testing"
)

type memConfigStore struct {
	rows map[string]Config // orgID|agent
}

func key(orgID string, agent AgentKind) string { return orgID + "|" + string(agent) }

func (m *memConfigStore) GetAgentConfig(_ context.Context, orgID string, agent AgentKind) (Config, bool, error) {
	cfg, ok := m.rows[key(orgID, agent)]
	return cfg, ok, nil
}

func (m *memConfigStore) UpsertAgentConfig(_ context.Context, cfg Config) error {
	if m.rows == nil {
		m.rows = map[string]Config{}
	}
	m.rows[key(cfg.OrgID, cfg.Agent)] = cfg
	return nil
}

func (m *memConfigStore) SeedAgentConfigs(_ context.Context, cfgs []Config) error {
	for _, cfg := range cfgs {
		if _, ok := m.rows[key(cfg.OrgID, cfg.Agent)]; ok {
			continue
		}
		if err := m.UpsertAgentConfig(context.Background(), cfg); err != nil {
			return err
		}
	}
	return nil
}

func TestSeedCreatesAllFiveAgents(t *testing.T) {
	st := &memConfigStore{}
	r := New(st)
	if err := r.Seed(context.Background(), "org-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, kind := range AgentOrder {
		cfg, err := r.Get(context.Background(), "org-1", kind)
		if err != nil {
			t.Fatalf("get %s: %v", kind, err)
		}
		if !cfg.Enabled {
			t.Fatalf("seeded %s should be enabled", kind)
		}
		if cfg.TimeoutSecs != DefaultTimeoutSecs || cfg.MaxRetries != DefaultMaxRetries {
			t.Fatalf("seeded %s has wrong defaults: %+v", kind, cfg)
		}
	}
}

func TestGetMissingRowIsError(t *testing.T) {
	r := New(&memConfigStore{})
	if _, err := r.Get(context.Background(), "org-1", AgentPublish); err == nil {
		t.Fatalf("missing seeded row must surface as an error, not a default")
	}
}

func TestGetRejectsUnknownAgent(t *testing.T) {
	r := New(&memConfigStore{})
	if _, err := r.Get(context.Background(), "org-1", AgentKind("seo-scoring")); err == nil {
		t.Fatalf("unknown agent kind must be rejected")
	}
}

func TestSetValidation(t *testing.T) {
	r := New(&memConfigStore{})
	ctx := context.Background()
	valid := Config{OrgID: "org-1", Agent: AgentPublish, Enabled: true, TimeoutSecs: 60, MaxRetries: 2, MaxCostPerRun: 500}

	if err := r.Set(ctx, valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := valid
	bad.TimeoutSecs = 0
	if err := r.Set(ctx, bad); err == nil {
		t.Fatalf("zero timeout must be rejected")
	}
	bad = valid
	bad.MaxRetries = -1
	if err := r.Set(ctx, bad); err == nil {
		t.Fatalf("negative retries must be rejected")
	}
	bad = valid
	bad.MaxCostPerRun = -5
	if err := r.Set(ctx, bad); err == nil {
		t.Fatalf("negative cost ceiling must be rejected")
	}
	bad = valid
	bad.Agent = AgentKind("unknown")
	if err := r.Set(ctx, bad); err == nil {
		t.Fatalf("unknown agent must be rejected")
	}
}

func TestAgentOrderFixed(t *testing.T) {
	want := []AgentKind{
		AgentCompetitorMonitoring,
		AgentTopicAnalysis,
		AgentArticleGeneration,
		AgentLegalFactCheck,
		AgentPublish,
	}
	if len(AgentOrder) != len(want) {
		t.Fatalf("expected %d agents, got %d", len(want), len(AgentOrder))
	}
	for i, kind := range want {
		if AgentOrder[i] != kind {
			t.Fatalf("position %d: expected %s, got %s", i, kind, AgentOrder[i])
		}
	}
}
