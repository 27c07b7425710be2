package spendcache

import (
	"fmt"
	"time"
)

// periodGrace keeps period keys alive slightly past month end so late
// reconciliation still finds them.
const periodGrace = 72 * time.Hour

// Period identifies a UTC calendar month, the granularity monthly budgets
// apply at.
type Period struct {
	Year  int
	Month time.Month
}

// MonthOf returns the period containing t.
func MonthOf(t time.Time) Period {
	u := t.UTC()
	return Period{Year: u.Year(), Month: u.Month()}
}

// Key is the period's cache-key component, e.g. "2026-08".
func (p Period) Key() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Start is the first instant of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the first instant of the following period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// TTL is how long a key touched at now should live: until the period ends
// plus the grace window.
func (p Period) TTL(now time.Time) time.Duration {
	d := p.End().Add(periodGrace).Sub(now.UTC())
	if d < time.Minute {
		return time.Minute
	}
	return d
}

func (p Period) String() string { return p.Key() }
