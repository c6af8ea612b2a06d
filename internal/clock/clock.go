/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package clock abstracts the wall clock so rotation windows and play
// timestamps can be pinned in tests.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns the wall clock.
func System() Clock {
	return systemClock{}
}

// Fixed is a Clock frozen at a settable instant.
type Fixed struct {
	Instant time.Time
}

// NewFixed creates a frozen clock.
func NewFixed(at time.Time) *Fixed {
	return &Fixed{Instant: at}
}

// Now returns the frozen instant.
func (f *Fixed) Now() time.Time { return f.Instant }

// Advance moves the frozen instant forward.
func (f *Fixed) Advance(d time.Duration) {
	f.Instant = f.Instant.Add(d)
}
