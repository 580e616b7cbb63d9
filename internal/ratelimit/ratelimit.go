// Package ratelimit implements fixed-window request counting per
// organization and endpoint. Windows roll over lazily: the current window
// is derived from the wall clock on each check, so no background timer is
// needed.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// ErrLimited is returned when the window's request budget is spent.
type ErrLimited struct {
	OrgID    string
	Endpoint string
	ResetAt  time.Time
}

func (e *ErrLimited) Error() string {
	return fmt.Sprintf("rate limit exceeded for org %s on %s (resets at %s)",
		e.OrgID, e.Endpoint, e.ResetAt.UTC().Format(time.RFC3339))
}

// Store captures the persistence the limiter needs. IncrementWindow must
// atomically create-or-increment the counter for the given window key and
// return the post-increment count.
type Store interface {
	IncrementWindow(ctx context.Context, orgID, endpoint, method string, periodStart, periodEnd time.Time, max int) (int, error)
}

// MaxResolver reports an organization's request ceiling, typically seeded
// from its plan tier. A zero ceiling means the limiter default applies.
type MaxResolver interface {
	OrgMaxRequests(ctx context.Context, orgID string) (int, error)
}

// Limiter enforces a fixed-window request ceiling.
type Limiter struct {
	store  Store
	window time.Duration
	max    int
	orgMax MaxResolver
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithOrgMax resolves each organization's ceiling through r instead of
// applying the shared default to every tenant.
func WithOrgMax(r MaxResolver) Option {
	return func(l *Limiter) { l.orgMax = r }
}

// New constructs a Limiter. Window defaults to one hour and max to 100
// when unset.
func New(st Store, window time.Duration, max int, opts ...Option) *Limiter {
	if window <= 0 {
		window = time.Hour
	}
	if max <= 0 {
		max = 100
	}
	l := &Limiter{store: st, window: window, max: max, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndIncrement counts the request against the current window and
// reports whether it is allowed. The first request past the ceiling and
// every one after it in the same window get ErrLimited; a fresh window
// starts counting at 1.
func (l *Limiter) CheckAndIncrement(ctx context.Context, orgID, endpoint, method string) error {
	if orgID == "" {
		return fmt.Errorf("org_id must be provided")
	}
	now := l.now().UTC()
	periodStart := now.Truncate(l.window)
	periodEnd := periodStart.Add(l.window)

	max := l.max
	if l.orgMax != nil {
		// A resolver failure falls back to the shared default rather
		// than rejecting the request.
		if m, err := l.orgMax.OrgMaxRequests(ctx, orgID); err == nil && m > 0 {
			max = m
		}
	}

	count, err := l.store.IncrementWindow(ctx, orgID, endpoint, method, periodStart, periodEnd, max)
	if err != nil {
		return fmt.Errorf("increment rate window: %w", err)
	}
	if count > max {
		return &ErrLimited{OrgID: orgID, Endpoint: endpoint, ResetAt: periodEnd}
	}
	return nil
}
