// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream provides the two queue shapes the router moves
// messages through.
//
// [Unbounded] is an order-preserving FIFO exposed as a receive channel.
// Producers never block, so a protocol read loop can hand off every
// decoded message without stalling its socket. Adapters use it for
// their inbound stream; the signaling manager uses it for ICE candidates
// and inbound signals.
//
// [Ring] is a fixed-capacity FIFO that evicts its oldest element when
// full. The router core gives each destination one, so a slow
// destination loses stale values instead of slowing everyone else.
package stream
