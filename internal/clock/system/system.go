// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements fleet.Clock. Timestamps are UTC so they compare cleanly
// with values read back from Postgres.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
