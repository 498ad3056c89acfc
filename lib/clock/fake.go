// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	changed *sync.Cond
	now     time.Time
	pending []*schedule
}

type schedule struct {
	at       time.Time
	interval time.Duration
	channel  chan time.Time
	callback func()
	done     bool
}

// NewFake returns a Fake frozen at start.
func NewFake(start time.Time) *Fake {
	fake := &Fake{now: start}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if d <= 0 {
		channel <- f.now
		return channel
	}
	f.addLocked(&schedule{at: f.now.Add(d), channel: channel})
	return channel
}

func (f *Fake) AfterFunc(d time.Duration, callback func()) Timer {
	entry := &schedule{callback: callback}
	f.mu.Lock()
	if d <= 0 {
		entry.done = true
		f.mu.Unlock()
		callback()
		return fakeTimer{f, entry}
	}
	entry.at = f.now.Add(d)
	f.addLocked(entry)
	f.mu.Unlock()
	return fakeTimer{f, entry}
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	entry := &schedule{interval: d, channel: make(chan time.Time, 1)}
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.at = f.now.Add(d)
	f.addLocked(entry)
	return fakeTicker{f, entry}
}

func (f *Fake) addLocked(entry *schedule) {
	f.pending = append(f.pending, entry)
	f.changed.Broadcast()
}

// Advance moves the clock forward by d, firing everything due on the
// way in deadline order. A ticker spanning several intervals fires once
// per interval (ticks beyond the channel buffer are dropped).
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDueLocked(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = next.at
		fireAt := next.at
		if next.interval > 0 {
			next.at = next.at.Add(next.interval)
		} else {
			next.done = true
			f.removeLocked(next)
		}
		f.mu.Unlock()

		if next.callback != nil {
			next.callback()
		} else {
			select {
			case next.channel <- fireAt:
			default:
			}
		}
	}
}

func (f *Fake) nextDueLocked(target time.Time) *schedule {
	var earliest *schedule
	for _, entry := range f.pending {
		if entry.at.After(target) {
			continue
		}
		if earliest == nil || entry.at.Before(earliest.at) {
			earliest = entry
		}
	}
	return earliest
}

func (f *Fake) removeLocked(entry *schedule) {
	f.pending = slices.DeleteFunc(f.pending, func(candidate *schedule) bool {
		return candidate == entry
	})
}

// Pending returns the number of armed timers, tickers, and After
// channels.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// BlockUntil waits until at least n schedules are armed. Use it to
// close the race between a goroutine arming a deadline and the test
// advancing past it.
func (f *Fake) BlockUntil(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.pending) < n {
		f.changed.Wait()
	}
}

type fakeTimer struct {
	fake  *Fake
	entry *schedule
}

func (t fakeTimer) Stop() bool {
	t.fake.mu.Lock()
	defer t.fake.mu.Unlock()
	if t.entry.done {
		return false
	}
	t.entry.done = true
	t.fake.removeLocked(t.entry)
	return true
}

type fakeTicker struct {
	fake  *Fake
	entry *schedule
}

func (t fakeTicker) C() <-chan time.Time { return t.entry.channel }

func (t fakeTicker) Stop() {
	t.fake.mu.Lock()
	defer t.fake.mu.Unlock()
	t.entry.done = true
	t.fake.removeLocked(t.entry)
}
