// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries router frames between a Patchbay router
// and its remote clients.
//
// A [FrameConn] moves whole [wire.Frame] values. [TCPListener] and
// [TCPDialer] frame them as a CBOR stream on a TCP connection;
// [WebSocketListener] and [WebSocketDialer] send one frame per binary
// WebSocket message. [SessionConn] runs the same frames over the data
// channel of a negotiated peer-to-peer session.
//
// On the router side each accepted connection becomes a [LinkAdapter],
// an adapter of protocol link that a bridge connects to the router
// core like any other adapter. Its subscribe and signal frames are
// handed to callbacks, and signals it writes jump ahead of queued data.
//
// On the peer side, [Client] publishes, subscribes, and exchanges
// signals with the router. It implements signaling.Signaler.
package transport
