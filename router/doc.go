// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package router is the router core: it owns the routing table, fans
// each dispatched message out to every destination whose subscription
// pattern matches the message address, and relays peer signaling by
// correlation id.
//
// All state lives on one goroutine. Callers interact through Dispatch,
// Update, and the relay methods, each of which enqueues a command on
// that goroutine. Update lets a caller run several table mutations (and
// mutations of its own state) as one atomic step; the bridge manager
// uses it so the bridge table and routing table never disagree.
//
// Every destination has its own bounded outbox and writer goroutine. A
// full outbox evicts its oldest message, so a stalled destination costs
// only itself. Messages from one origin reach each destination in the
// order they were dispatched; nothing orders messages across origins.
package router
