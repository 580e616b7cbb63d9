package store

import (
	"context"
	"time"
)

// IncrementWindow atomically creates or increments the fixed-window
// counter keyed by (org, endpoint, method, period start) and returns the
// post-increment count. A new window key starts the count at 1, which is
// the lazy rollover: no timer ever resets counters.
func (s *Store) IncrementWindow(ctx context.Context, orgID, endpoint, method string, periodStart, periodEnd time.Time, max int) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO rate_limit_windows (org_id, endpoint, method, period_start, period_end, request_count, max_requests)
VALUES ($1,$2,$3,$4,$5,1,$6)
ON CONFLICT (org_id, endpoint, method, period_start) DO UPDATE SET
  request_count = rate_limit_windows.request_count + 1
RETURNING request_count
`, orgID, endpoint, method, periodStart, periodEnd, max).Scan(&count)
	return count, err
}

// PruneExpiredWindows removes windows that ended before the cutoff. Called
// opportunistically; correctness never depends on it.
func (s *Store) PruneExpiredWindows(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM rate_limit_windows WHERE period_end < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
