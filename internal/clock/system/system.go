// Package system provides the wall clock used outside tests.
package system

import "time"

// Precision matches Postgres timestamptz so in-memory and persisted
// timestamps compare equal.
const Precision = time.Microsecond

// Clock implements crawler.Clock.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to Precision.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(Precision)
}
