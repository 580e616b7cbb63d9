package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// memWindows is an in-memory window counter store.
type memWindows struct {
	counts map[string]int
}

func windowKey(orgID, endpoint, method string, periodStart time.Time) string {
	return orgID + "|" + endpoint + "|" + method + "|" + periodStart.UTC().Format(time.RFC3339)
}

func (m *memWindows) IncrementWindow(_ context.Context, orgID, endpoint, method string, periodStart, _ time.Time, _ int) (int, error) {
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	k := windowKey(orgID, endpoint, method, periodStart)
	m.counts[k]++
	return m.counts[k], nil
}

func TestLimiterRejectsPastCeiling(t *testing.T) {
	st := &memWindows{}
	l := New(st, time.Hour, 100)
	base := time.Date(2026, 5, 1, 12, 15, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if err := l.CheckAndIncrement(ctx, "org-1", "/api/pipelines", "POST"); err != nil {
			t.Fatalf("request %d should pass: %v", i+1, err)
		}
	}
	err := l.CheckAndIncrement(ctx, "org-1", "/api/pipelines", "POST")
	var limited *ErrLimited
	if !errors.As(err, &limited) {
		t.Fatalf("101st request must be limited, got %v", err)
	}
	if want := base.Truncate(time.Hour).Add(time.Hour); !limited.ResetAt.Equal(want) {
		t.Fatalf("reset at %s, want %s", limited.ResetAt, want)
	}
}

func TestLimiterWindowRollover(t *testing.T) {
	st := &memWindows{}
	l := New(st, time.Hour, 2)
	now := time.Date(2026, 5, 1, 12, 59, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.CheckAndIncrement(ctx, "org-1", "/api/pipelines", "POST"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	if err := l.CheckAndIncrement(ctx, "org-1", "/api/pipelines", "POST"); err == nil {
		t.Fatalf("third request in the window must be limited")
	}

	// Two minutes later the clock has crossed into a fresh window and the
	// counter starts over.
	now = now.Add(2 * time.Minute)
	if err := l.CheckAndIncrement(ctx, "org-1", "/api/pipelines", "POST"); err != nil {
		t.Fatalf("fresh window should admit: %v", err)
	}
}

func TestLimiterKeysByEndpointAndOrg(t *testing.T) {
	st := &memWindows{}
	l := New(st, time.Hour, 1)
	l.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	if err := l.CheckAndIncrement(ctx, "org-1", "/api/pipelines", "POST"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := l.CheckAndIncrement(ctx, "org-1", "/api/pipelines", "POST"); err == nil {
		t.Fatalf("same key must be limited")
	}
	if err := l.CheckAndIncrement(ctx, "org-2", "/api/pipelines", "POST"); err != nil {
		t.Fatalf("another org must have its own window: %v", err)
	}
	if err := l.CheckAndIncrement(ctx, "org-1", "/api/agents", "GET"); err != nil {
		t.Fatalf("another endpoint must have its own window: %v", err)
	}
}

type tierMax struct {
	byOrg map[string]int
	err   error
}

func (r *tierMax) OrgMaxRequests(_ context.Context, orgID string) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	return r.byOrg[orgID], nil
}

func TestLimiterUsesPerOrgCeiling(t *testing.T) {
	st := &memWindows{}
	l := New(st, time.Hour, 100, WithOrgMax(&tierMax{byOrg: map[string]int{"org-starter": 2, "org-scale": 5}}))
	l.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.CheckAndIncrement(ctx, "org-starter", "/api/pipelines", "POST"); err != nil {
			t.Fatalf("starter request %d: %v", i+1, err)
		}
	}
	var limited *ErrLimited
	if err := l.CheckAndIncrement(ctx, "org-starter", "/api/pipelines", "POST"); !errors.As(err, &limited) {
		t.Fatalf("starter ceiling of 2 must reject the third request, got %v", err)
	}
	// A bigger tier on the same endpoint keeps going past the small ceiling.
	for i := 0; i < 5; i++ {
		if err := l.CheckAndIncrement(ctx, "org-scale", "/api/pipelines", "POST"); err != nil {
			t.Fatalf("scale request %d: %v", i+1, err)
		}
	}
	if err := l.CheckAndIncrement(ctx, "org-scale", "/api/pipelines", "POST"); !errors.As(err, &limited) {
		t.Fatalf("scale ceiling of 5 must reject the sixth request, got %v", err)
	}
}

func TestLimiterFallsBackWithoutOrgCeiling(t *testing.T) {
	st := &memWindows{}
	l := New(st, time.Hour, 1, WithOrgMax(&tierMax{byOrg: map[string]int{}}))
	l.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	// Zero from the resolver means no tier ceiling; the shared default of 1
	// applies.
	if err := l.CheckAndIncrement(ctx, "org-1", "/api/pipelines", "POST"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := l.CheckAndIncrement(ctx, "org-1", "/api/pipelines", "POST"); err == nil {
		t.Fatalf("default ceiling must apply when the resolver has no value")
	}
}

func TestLimiterFallsBackOnResolverError(t *testing.T) {
	st := &memWindows{}
	l := New(st, time.Hour, 3, WithOrgMax(&tierMax{err: errors.New("db down")}))
	l.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.CheckAndIncrement(ctx, "org-1", "/api/pipelines", "POST"); err != nil {
			t.Fatalf("request %d must fall back to the shared default: %v", i+1, err)
		}
	}
	if err := l.CheckAndIncrement(ctx, "org-1", "/api/pipelines", "POST"); err == nil {
		t.Fatalf("fourth request past the default must still be limited")
	}
}

func TestLimiterDefaults(t *testing.T) {
	l := New(&memWindows{}, 0, 0)
	if l.window != time.Hour || l.max != 100 {
		t.Fatalf("expected 1h/100 defaults, got %v/%d", l.window, l.max)
	}
}
