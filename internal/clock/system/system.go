// Package system provides clocks for capture timestamps.
package system

import "time"

// Clock implements capture.Clock using the wall clock in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a capture.Clock frozen at T. Capture folders are named after the
// capture time, so a frozen clock yields reproducible folder names.
type Fixed struct {
	T time.Time
}

// Now returns the frozen time.
func (f Fixed) Now() time.Time {
	return f.T
}
