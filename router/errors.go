// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package router

import "errors"

var (
	ErrClosed             = errors.New("router: closed")
	ErrUnknownDestination = errors.New("router: unknown destination")
	ErrDestinationExists  = errors.New("router: destination already attached")
	ErrInvalidPattern     = errors.New("router: invalid pattern")

	ErrUnknownSession = errors.New("router: unknown correlation id")
	ErrSessionExists  = errors.New("router: correlation id already registered")
	ErrUnknownPeer    = errors.New("router: unknown peer")
	ErrPeerExists     = errors.New("router: peer already attached")
	ErrNotParticipant = errors.New("router: sender is not a party to the session")
	ErrInvalidSignal  = errors.New("router: invalid signal")
)
