package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// Cents is a monetary amount in hundredths of a currency unit. Spend and
// budget arithmetic is done in integers so aggregation never drifts the way
// float sums do.
type Cents int64

// ParseCents converts a decimal string such as "12.50" into Cents.
func ParseCents(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("amount must be provided")
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	whole, frac := s, "0"
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
		if whole == "" {
			whole = "0"
		}
		if len(frac) > 2 {
			return 0, fmt.Errorf("amount %q has more than two decimal places", s)
		}
		for len(frac) < 2 {
			frac += "0"
		}
	} else {
		frac = "00"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	c := Cents(w*100 + f)
	if neg {
		c = -c
	}
	return c, nil
}

// String renders the amount as a plain decimal, e.g. "12.50".
func (c Cents) String() string {
	v := int64(c)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// PercentOf reports c as a percentage of limit. A zero limit yields 0.
func (c Cents) PercentOf(limit Cents) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(c) / float64(limit) * 100
}
