// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package signaling negotiates peer-to-peer sessions between Patchbay
// peers over the router's signaling relay.
//
// A [Manager] owns every session of one local peer. Each session runs a
// state machine on its own goroutine:
//
//	Idle -> OfferCreated -> AnswerReceived -> IceExchanging -> Connected
//
// with Failed reachable from any non-terminal state and Closed from any
// state. The offerer creates a session description, sends an Offer, and
// applies the Answer; both sides trickle ICE candidates to each other
// one signal at a time. Deadlines run on an injected [clock.Clock] so
// tests can drive them.
//
// The media plane is a [PeerEngine]. [PionEngine] implements it with
// pion/webrtc and an ordered data channel; tests substitute fakes.
package signaling
