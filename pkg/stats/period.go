package stats

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Window bounds. Anything longer must be answered from offline exports,
// not this API; the cap is a DoS guard enforced before query planning.
const (
	maxPeriodHours = 720
	maxPeriodDays  = 365

	// defaultPeriod applies when the query string omits period.
	defaultPeriod = "24h"
)

var periodPattern = regexp.MustCompile(`^(\d+)([hd])$`)

// Period is a validated stats window: a count of hours or days ending
// now.
type Period struct {
	Count int
	Unit  byte
}

// ParsePeriod validates raw against the period grammar and bounds. The
// returned error text is safe to echo to clients.
func ParsePeriod(raw string) (Period, error) {
	m := periodPattern.FindStringSubmatch(raw)
	if m == nil {
		return Period{}, fmt.Errorf("period %q must be a positive integer followed by h or d", raw)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return Period{}, fmt.Errorf("period %q must be a positive integer followed by h or d", raw)
	}
	unit := m[2][0]
	switch unit {
	case 'h':
		if n > maxPeriodHours {
			return Period{}, fmt.Errorf("hour periods range from 1h to %dh", maxPeriodHours)
		}
	case 'd':
		if n > maxPeriodDays {
			return Period{}, fmt.Errorf("day periods range from 1d to %dd", maxPeriodDays)
		}
	}
	return Period{Count: n, Unit: unit}, nil
}

// String renders the canonical form, normalizing away leading zeros.
// Cache keys use this, so "007d" and "7d" share an entry.
func (p Period) String() string {
	return strconv.Itoa(p.Count) + string(p.Unit)
}

// Duration is the window length.
func (p Period) Duration() time.Duration {
	if p.Unit == 'd' {
		return time.Duration(p.Count) * 24 * time.Hour
	}
	return time.Duration(p.Count) * time.Hour
}
