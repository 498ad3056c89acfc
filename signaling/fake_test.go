// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/patchbay-dev/patchbay/lib/clock"
	"github.com/patchbay-dev/patchbay/lib/wire"
)

// fakeEngine scripts the media plane. Tests push local candidates and
// close established by hand; every call is logged in order.
type fakeEngine struct {
	candidates  chan string
	established chan struct{}
	failed      chan error
	data        chan []byte

	mu     sync.Mutex
	calls  []string
	sent   [][]byte
	closes int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		candidates:  make(chan string, 16),
		established: make(chan struct{}),
		failed:      make(chan error, 1),
		data:        make(chan []byte, 16),
	}
}

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
}

func (e *fakeEngine) CreateOffer(context.Context) (string, error) {
	e.record("offer")
	return "offer-sdp", nil
}

func (e *fakeEngine) CreateAnswer(_ context.Context, offer string) (string, error) {
	e.record("answer:" + offer)
	return "answer-sdp", nil
}

func (e *fakeEngine) AddRemoteDescription(_ context.Context, answer string) error {
	e.record("remote:" + answer)
	return nil
}

func (e *fakeEngine) AddICECandidate(_ context.Context, candidate string) error {
	e.record("candidate:" + candidate)
	return nil
}

func (e *fakeEngine) Candidates() <-chan string     { return e.candidates }
func (e *fakeEngine) Established() <-chan struct{} { return e.established }
func (e *fakeEngine) Failed() <-chan error         { return e.failed }
func (e *fakeEngine) Data() <-chan []byte          { return e.data }

func (e *fakeEngine) SendData(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, data)
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

func (e *fakeEngine) callLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

// fakeFactory hands out fakeEngines and reports each one on created.
type fakeFactory struct {
	created chan *fakeEngine
	err     error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(chan *fakeEngine, 16)}
}

func (f *fakeFactory) build() (PeerEngine, error) {
	if f.err != nil {
		return nil, f.err
	}
	engine := newFakeEngine()
	f.created <- engine
	return engine, nil
}

// signalLog is a Signaler that records outbound signals.
type signalLog chan wire.Signal

func (log signalLog) SendSignal(ctx context.Context, signal wire.Signal) error {
	select {
	case log <- signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type failingSignaler struct{}

func (failingSignaler) SendSignal(context.Context, wire.Signal) error {
	return errors.New("relay unreachable")
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, config Config) *Manager {
	t.Helper()
	if config.Clock == nil {
		config.Clock = clock.NewFake(epoch)
	}
	manager, err := NewManager(config)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Close(ctx)
	})
	return manager
}
