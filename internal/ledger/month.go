package ledger

import (
	"fmt"
	"time"
)

// Month identifies a calendar billing month, formatted as "2006-01".
type Month string

// MonthOf buckets a timestamp into its billing month (UTC).
func MonthOf(t time.Time) Month {
	return Month(t.UTC().Format("2006-01"))
}

// CurrentMonth returns the billing month for the current wall clock.
func CurrentMonth() Month {
	return MonthOf(time.Now())
}

// Start returns the first instant of the month in UTC.
func (m Month) Start() (time.Time, error) {
	t, err := time.Parse("2006-01", string(m))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid billing month %q: %w", m, err)
	}
	return t, nil
}

// Valid reports whether the month parses.
func (m Month) Valid() bool {
	_, err := time.Parse("2006-01", string(m))
	return err == nil
}
