// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the passage of time so deadlines are testable.
//
// Components that arm timeouts (signaling answer and connect deadlines,
// close grace periods, DMX refresh, link heartbeats) take a Clock
// instead of calling the time package. Production wiring passes Real();
// tests pass a Fake and drive it explicitly:
//
//	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	manager := signaling.NewManager(signaling.Config{Clock: fake, ...})
//	fake.BlockUntil(1)          // the manager armed its deadline
//	fake.Advance(30 * time.Second)
//
// Fake AfterFunc callbacks run synchronously inside Advance, in
// deadline order, so a test observes their effects as soon as Advance
// returns.
package clock
