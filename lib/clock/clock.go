// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the subset of the time package that Patchbay schedules with.
type Clock interface {
	Now() time.Time

	// After delivers the fire time once, after d. d <= 0 fires at once.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f after d. The real clock calls f on its own
	// goroutine; the fake calls it from Advance.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker panics if d <= 0.
	NewTicker(d time.Duration) Ticker
}

// Timer cancels a pending AfterFunc.
type Timer interface {
	// Stop reports whether the call prevented f from running.
	Stop() bool
}

// Ticker delivers periodic ticks, dropping ticks the reader misses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ ticker *time.Ticker }

func (t realTicker) C() <-chan time.Time { return t.ticker.C }
func (t realTicker) Stop()               { t.ticker.Stop() }
