// Package registry holds per-organization agent configuration. Every
// organization owns exactly one configuration row per agent kind; the rows
// are seeded when the organization is created and the orchestrator reads
// them before each step.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/articleforge/articleforge/internal/ledger"
)

// AgentKind names one of the five fixed pipeline steps.
type AgentKind string

const (
	AgentCompetitorMonitoring AgentKind = "competitor-monitoring"
	AgentTopicAnalysis        AgentKind = "topic-analysis"
	AgentArticleGeneration    AgentKind = "article-generation"
	AgentLegalFactCheck       AgentKind = "legal-fact-check"
	AgentPublish              AgentKind = "publish"
)

// AgentOrder is the fixed execution order of pipeline steps.
var AgentOrder = []AgentKind{
	AgentCompetitorMonitoring,
	AgentTopicAnalysis,
	AgentArticleGeneration,
	AgentLegalFactCheck,
	AgentPublish,
}

// Valid reports whether k is one of the known agent kinds.
func (k AgentKind) Valid() bool {
	for _, known := range AgentOrder {
		if k == known {
			return true
		}
	}
	return false
}

// Config is the per-(organization, agent kind) tuning read before each step.
type Config struct {
	OrgID         string
	Agent         AgentKind
	Enabled       bool
	TimeoutSecs   int
	MaxRetries    int
	MaxCostPerRun ledger.Cents
	ModelOverride string
	RunsPerHour   int
	RunsPerDay    int
	UpdatedAt     time.Time
}

// Timeout returns the configured step timeout as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Defaults seeded for every new organization.
const (
	DefaultTimeoutSecs = 300
	DefaultMaxRetries  = 3
	DefaultMaxCostRun  = ledger.Cents(100) // 1.00 per run
)

// DefaultConfigs returns the five seed rows for a new organization.
func DefaultConfigs(orgID string) []Config {
	out := make([]Config, 0, len(AgentOrder))
	for _, kind := range AgentOrder {
		out = append(out, Config{
			OrgID:         orgID,
			Agent:         kind,
			Enabled:       true,
			TimeoutSecs:   DefaultTimeoutSecs,
			MaxRetries:    DefaultMaxRetries,
			MaxCostPerRun: DefaultMaxCostRun,
		})
	}
	return out
}

// Store captures the persistence the registry needs.
type Store interface {
	GetAgentConfig(ctx context.Context, orgID string, agent AgentKind) (Config, bool, error)
	UpsertAgentConfig(ctx context.Context, cfg Config) error
	SeedAgentConfigs(ctx context.Context, cfgs []Config) error
}

// Registry reads and writes agent configuration.
type Registry struct {
	store Store
}

// New constructs a Registry.
func New(st Store) *Registry {
	return &Registry{store: st}
}

// Get returns the configuration for (orgID, agent). A missing row is a
// broken seeding invariant, not a runtime case, so it is returned as an
// error rather than a default.
func (r *Registry) Get(ctx context.Context, orgID string, agent AgentKind) (Config, error) {
	if !agent.Valid() {
		return Config{}, fmt.Errorf("unknown agent kind %q", agent)
	}
	cfg, ok, err := r.store.GetAgentConfig(ctx, orgID, agent)
	if err != nil {
		return Config{}, fmt.Errorf("get agent config: %w", err)
	}
	if !ok {
		return Config{}, fmt.Errorf("agent config missing for org %s agent %s: seeding invariant violated", orgID, agent)
	}
	return cfg, nil
}

// Set validates and stores a configuration row. Role checks happen at the
// API boundary; the registry only guards value sanity.
func (r *Registry) Set(ctx context.Context, cfg Config) error {
	if cfg.OrgID == "" {
		return fmt.Errorf("org_id must be provided")
	}
	if !cfg.Agent.Valid() {
		return fmt.Errorf("unknown agent kind %q", cfg.Agent)
	}
	if cfg.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if cfg.MaxCostPerRun < 0 {
		return fmt.Errorf("max_cost_per_run cannot be negative")
	}
	return r.store.UpsertAgentConfig(ctx, cfg)
}

// Seed inserts the five default rows for a freshly created organization.
func (r *Registry) Seed(ctx context.Context, orgID string) error {
	if orgID == "" {
		return fmt.Errorf("org_id must be provided")
	}
	return r.store.SeedAgentConfigs(ctx, DefaultConfigs(orgID))
}
