// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package node is the Patchbay control plane. A [Node] owns one router
// core, the bridge manager in front of it, the router's own signaling
// peer, the TCP and WebSocket listeners remote clients link through,
// and the optional metrics endpoint.
//
// Every accepted client connection becomes an implicit router bridge
// of protocol link, and the name in its first heartbeat makes it a
// relay peer. Remote offers addressed to the router itself are
// answered by the node's signaling manager, and each session that
// connects is served as one more link, so a client can reach the
// router peer to peer.
//
// Commands that change the bridge table save it through the
// configured store. Link bridges are tied to a live connection and are
// never saved.
package node
