// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package message defines the canonical representation every adapter
// translates to and from: an immutable [Message] carrying a
// hierarchical address, a typed [Value], a timestamp, and an optional
// correlation id.
//
// Addresses are "/"-rooted paths ("/fader/1", "/midi/default/ch/0/cc/7").
// Subscriptions use a [Pattern] over those paths where "*" matches
// exactly one segment and "**" matches zero or more segments:
//
//	/fader/*        matches /fader/1, not /fader/1/fine
//	/lights/**      matches /lights, /lights/a, /lights/a/b/c
//	/midi/**/cc/7   matches /midi/cc/7 and /midi/dev/ch/0/cc/7
//
// Values have both a JSON form (used by the WebSocket, HTTP, MQTT, and
// Socket.IO adapters) and a CBOR form (used on the router wire). The
// two agree on every kind except Bytes, which JSON carries as base64
// text and therefore reads back as a String.
package message
