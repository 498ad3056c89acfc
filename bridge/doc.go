// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge owns the one table of bridges: pairings that move
// messages between an adapter and the router core (a router connection)
// or between two adapters directly (a direct bridge).
//
// [Manager] is the only writer of that table. Every mutation runs inside
// a [router.Core] Update step, so a bridge becoming Active and its
// subscriptions entering the routing table happen together, as do a
// bridge leaving the table and its subscriptions disappearing. Bridges
// created through [Manager.QuickConnect] are marked implicit but live in
// the same table and show up in [Manager.List] like any other.
//
// Adapters are constructed and started outside the core loop. A start
// failure leaves nothing registered. Once a bridge is Active, pump
// goroutines move messages: a router connection pushes inbound messages
// into [router.Core.Dispatch] and receives routed messages through a
// core destination; a direct bridge moves messages between its two
// adapters through drop-oldest rings and never touches the routing
// table.
//
// An adapter whose read loop fails moves its bridge to Error and out of
// the routing table. The bridge stays listed, with the adapter's error,
// until it is destroyed.
package bridge
