// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock reports UTC time truncated to Precision. Postgres keeps microseconds,
// so truncating there makes a stored checked_at compare equal to the value the
// engine used in memory.
type Clock struct {
	Precision time.Duration
}

// New creates a Clock truncating to precision; zero keeps full resolution.
func New(precision time.Duration) *Clock {
	return &Clock{Precision: precision}
}

// Now returns the current time.
func (c Clock) Now() time.Time {
	now := time.Now().UTC()
	if c.Precision > 0 {
		now = now.Truncate(c.Precision)
	}
	return now
}
