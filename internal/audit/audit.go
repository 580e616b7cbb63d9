// Package audit records an append-only trail of every mutation to tracked
// entities. Entries carry full old/new snapshots so any prior state can be
// reconstructed without replaying deltas.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Actions recorded by the core subsystems.
const (
	ActionOrgCreated        = "org.created"
	ActionOrgUpdated        = "org.updated"
	ActionOrgDeleted        = "org.deleted"
	ActionPipelineCreated   = "pipeline.created"
	ActionPipelineRejected  = "pipeline.rejected"
	ActionPipelineUpdated   = "pipeline.updated"
	ActionPipelineCancelled = "pipeline.cancelled"
	ActionPipelinePaused    = "pipeline.paused"
	ActionPipelineResumed   = "pipeline.resumed"
	ActionBudgetAlert       = "budget.alert"
	ActionAgentConfigSet    = "agent_config.updated"
	ActionCredentialStored  = "credential.stored"
	ActionCredentialRemoved = "credential.removed"
)

// Entry is one write-once audit record.
type Entry struct {
	ID            string          `json:"id"`
	OrgID         string          `json:"org_id"`
	ActorID       *string         `json:"actor_id,omitempty"`
	Action        string          `json:"action"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	OldValue      json.RawMessage `json:"old_value,omitempty"`
	NewValue      json.RawMessage `json:"new_value,omitempty"`
	ChangedFields []string        `json:"changed_fields,omitempty"`
	Success       bool            `json:"success"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Filter narrows audit queries.
type Filter struct {
	EntityType string
	EntityID   string
	Action     string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Store captures the persistence the recorder needs.
type Store interface {
	InsertAuditEntry(ctx context.Context, e Entry) (Entry, error)
	ListAuditEntries(ctx context.Context, orgID string, f Filter) ([]Entry, error)
}

// Recorder appends and queries audit entries. Append failures are counted
// and surfaced to the caller; they are a consistency violation to detect,
// never something to auto-heal.
type Recorder struct {
	store    Store
	logger   *log.Logger
	failures prometheus.Counter
	now      func() time.Time
}

// New constructs a Recorder. The failure counter is optional.
func New(st Store, logger *log.Logger, failures prometheus.Counter) *Recorder {
	if logger == nil {
		logger = log.New(log.Writer(), "[AUDIT] ", log.LstdFlags)
	}
	return &Recorder{store: st, logger: logger, failures: failures, now: time.Now}
}

// Append persists an entry. It must complete before the triggering
// operation is considered committed; callers run it inside their own
// transactional boundary where one exists.
func (r *Recorder) Append(ctx context.Context, e Entry) error {
	if e.OrgID == "" {
		return fmt.Errorf("org_id must be provided")
	}
	if e.Action == "" {
		return fmt.Errorf("action must be provided")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if _, err := r.store.InsertAuditEntry(ctx, e); err != nil {
		if r.failures != nil {
			r.failures.Inc()
		}
		r.logger.Printf("ERROR audit append failed for org %s action %s: %v", e.OrgID, e.Action, err)
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}

// Query lists entries for an organization, ordered by creation time.
func (r *Recorder) Query(ctx context.Context, orgID string, f Filter) ([]Entry, error) {
	if orgID == "" {
		return nil, fmt.Errorf("org_id must be provided")
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return r.store.ListAuditEntries(ctx, orgID, f)
}

// Snapshot serialises an entity state for an audit entry. Marshal errors
// degrade to a descriptive payload instead of dropping the entry.
func Snapshot(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"_unserializable":%q}`, err.Error()))
	}
	return raw
}
