// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"

	"github.com/patchbay-dev/patchbay/lib/wire"
)

// PeerEngine is the media plane of one session. Descriptions and
// candidates are opaque strings the manager relays without reading.
type PeerEngine interface {
	// CreateOffer creates and applies the local offer.
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer applies a remote offer and returns the local answer.
	CreateAnswer(ctx context.Context, offer string) (string, error)

	// AddRemoteDescription applies the remote answer.
	AddRemoteDescription(ctx context.Context, answer string) error

	AddICECandidate(ctx context.Context, candidate string) error

	// Candidates yields local candidates in gathering order. It is
	// closed when gathering completes or the engine closes.
	Candidates() <-chan string

	// Established is closed once the data path is usable.
	Established() <-chan struct{}

	// Failed delivers the error that broke the connection.
	Failed() <-chan error

	SendData(data []byte) error
	Data() <-chan []byte
	Close() error
}

// EngineFactory builds a fresh engine for each session.
type EngineFactory func() (PeerEngine, error)

// Signaler carries signals to the relay.
type Signaler interface {
	SendSignal(ctx context.Context, signal wire.Signal) error
}
