// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/patchbay-dev/patchbay/lib/clock"
	"github.com/patchbay-dev/patchbay/lib/testutil"
	"github.com/patchbay-dev/patchbay/lib/wire"
	"github.com/patchbay-dev/patchbay/router"
)

func stateIs(session *Session, want State) func() bool {
	return func() bool { return session.State() == want }
}

// Two peers on one router negotiate a session end to end, trading one
// candidate each.
func TestSessionReachesConnected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core, err := router.New(router.Config{ID: "main"})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	t.Cleanup(func() { core.Close() })

	fake := clock.NewFake(epoch)
	aliceEngines, bobEngines := newFakeFactory(), newFakeFactory()
	alice := newTestManager(t, Config{
		PeerID: "alice", Signaler: RouterPort{Core: core, PeerID: "alice"},
		NewEngine: aliceEngines.build, Clock: fake,
	})
	bob := newTestManager(t, Config{
		PeerID: "bob", Signaler: RouterPort{Core: core, PeerID: "bob"},
		NewEngine: bobEngines.build, Clock: fake,
	})
	for _, manager := range []*Manager{alice, bob} {
		if _, err := AttachLocal(ctx, core, manager); err != nil {
			t.Fatalf("AttachLocal(%s): %v", manager.PeerID(), err)
		}
	}

	offerer, err := alice.StartSession(ctx, "bob", "abc123")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	offererEngine := testutil.RequireReceive(t, aliceEngines.created, 5*time.Second, "offerer engine")
	answerer := testutil.RequireReceive(t, bob.Incoming(), 5*time.Second, "incoming session")
	if answerer.ID() != "abc123" || answerer.Peer() != "alice" || answerer.Role() != RoleAnswerer {
		t.Fatalf("incoming session = %s from %s as %s", answerer.ID(), answerer.Peer(), answerer.Role())
	}
	answererEngine := testutil.RequireReceive(t, bobEngines.created, 5*time.Second, "answerer engine")

	testutil.Eventually(t, 5*time.Second, stateIs(offerer, StateAnswerReceived), "offerer applies answer")
	testutil.Eventually(t, 5*time.Second, stateIs(answerer, StateAnswerReceived), "answerer sends answer")

	offererEngine.candidates <- "host-alice"
	answererEngine.candidates <- "host-bob"
	testutil.Eventually(t, 5*time.Second, stateIs(offerer, StateIceExchanging), "offerer exchanging")
	testutil.Eventually(t, 5*time.Second, stateIs(answerer, StateIceExchanging), "answerer exchanging")
	testutil.Eventually(t, 5*time.Second, func() bool {
		return slices.Contains(answererEngine.callLog(), "candidate:host-alice") &&
			slices.Contains(offererEngine.callLog(), "candidate:host-bob")
	}, "candidates applied on both sides")

	close(offererEngine.established)
	close(answererEngine.established)
	testutil.Eventually(t, 5*time.Second, stateIs(offerer, StateConnected), "offerer connected")
	testutil.Eventually(t, 5*time.Second, stateIs(answerer, StateConnected), "answerer connected")
	testutil.RequireClosed(t, offerer.Established(), 5*time.Second, "offerer Established")

	info := offerer.Info()
	if info.LocalDescription != "offer-sdp" || info.RemoteDescription != "answer-sdp" {
		t.Errorf("offerer descriptions = %q / %q", info.LocalDescription, info.RemoteDescription)
	}
	if len(info.Candidates) != 2 {
		t.Errorf("offerer recorded %d candidates, want 2", len(info.Candidates))
	}
	if got := answererEngine.callLog()[0]; got != "answer:offer-sdp" {
		t.Errorf("answerer first engine call = %q", got)
	}
	if core.SignalErrors() != 0 || alice.Errors() != 0 || bob.Errors() != 0 {
		t.Errorf("errors: router %d alice %d bob %d", core.SignalErrors(), alice.Errors(), bob.Errors())
	}

	if err := offerer.SendData([]byte("ping")); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	if err := alice.CloseSession(ctx, "abc123"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	testutil.RequireClosed(t, answerer.Done(), 5*time.Second, "peer close reaches answerer")
	if answerer.State() != StateClosed {
		t.Fatalf("answerer state = %s, want closed", answerer.State())
	}
	if answererEngine.closeCount() != 1 || offererEngine.closeCount() != 1 {
		t.Fatalf("engine closes = %d / %d", offererEngine.closeCount(), answererEngine.closeCount())
	}
}

// Without an answer the session fails exactly at the answer deadline
// and tells the peer.
func TestAnswerDeadline(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	signals := make(signalLog, 64)
	engines := newFakeFactory()
	manager := newTestManager(t, Config{PeerID: "alice", Signaler: signals, NewEngine: engines.build, Clock: fake})

	session, err := manager.StartSession(context.Background(), "bob", "abc123")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	engine := testutil.RequireReceive(t, engines.created, time.Second, "engine")
	offer := testutil.RequireReceive(t, signals, time.Second, "offer")
	if offer.Kind != wire.SignalOffer || offer.From != "alice" || offer.To != "bob" || offer.Description != "offer-sdp" {
		t.Fatalf("offer = %+v", offer)
	}

	fake.Advance(DefaultAnswerTimeout - time.Millisecond)
	testutil.RequireNoReceive(t, session.Done(), 50*time.Millisecond, "session ended before the deadline")
	if session.State() != StateOfferCreated {
		t.Fatalf("state before deadline = %s", session.State())
	}

	fake.Advance(time.Millisecond)
	testutil.RequireClosed(t, session.Done(), 5*time.Second, "session fails at the deadline")
	if session.State() != StateFailed {
		t.Fatalf("state = %s, want failed", session.State())
	}
	if !errors.Is(session.Err(), ErrSignalTimeout) {
		t.Fatalf("Err() = %v, want ErrSignalTimeout", session.Err())
	}
	closing := testutil.RequireReceive(t, signals, time.Second, "session close")
	if closing.Kind != wire.SignalSessionClose || closing.To != "bob" || closing.CorrelationID != "abc123" {
		t.Fatalf("close signal = %+v", closing)
	}
	if engine.closeCount() != 1 {
		t.Fatalf("engine closed %d times", engine.closeCount())
	}

	fake.BlockUntil(1)
	fake.Advance(DefaultCloseGrace)
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, err := manager.Session("abc123")
		return errors.Is(err, ErrNoSession)
	}, "session removed after grace")
}

func TestConnectDeadline(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	signals := make(signalLog, 64)
	manager := newTestManager(t, Config{
		PeerID: "alice", Signaler: signals, NewEngine: newFakeFactory().build, Clock: fake,
		AnswerTimeout: time.Minute, ConnectTimeout: 10 * time.Second,
	})
	session, err := manager.StartSession(context.Background(), "bob", "s1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	manager.DeliverSignal(wire.Signal{Kind: wire.SignalAnswer, CorrelationID: "s1", From: "bob", Description: "answer-sdp"})
	testutil.Eventually(t, 5*time.Second, stateIs(session, StateAnswerReceived), "answer applied")

	fake.Advance(10 * time.Second)
	testutil.RequireClosed(t, session.Done(), 5*time.Second, "connect deadline")
	if !errors.Is(session.Err(), ErrSignalTimeout) {
		t.Fatalf("Err() = %v", session.Err())
	}
}

// Candidates that arrive ahead of the answer wait for it and are then
// applied in arrival order.
func TestEarlyCandidatesHeldUntilAnswer(t *testing.T) {
	t.Parallel()

	engines := newFakeFactory()
	manager := newTestManager(t, Config{PeerID: "alice", Signaler: make(signalLog, 64), NewEngine: engines.build})
	session, err := manager.StartSession(context.Background(), "bob", "s1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	engine := testutil.RequireReceive(t, engines.created, time.Second, "engine")

	for _, candidate := range []string{"c1", "c2"} {
		manager.DeliverSignal(wire.Signal{Kind: wire.SignalICECandidate, CorrelationID: "s1", From: "bob", Candidate: candidate})
	}
	manager.DeliverSignal(wire.Signal{Kind: wire.SignalAnswer, CorrelationID: "s1", From: "bob", Description: "answer-sdp"})

	want := []string{"offer", "remote:answer-sdp", "candidate:c1", "candidate:c2"}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return slices.Equal(engine.callLog(), want)
	}, "engine calls %v", want)
	testutil.Eventually(t, 5*time.Second, stateIs(session, StateIceExchanging), "exchanging")
}

func TestCandidateLimit(t *testing.T) {
	t.Parallel()

	engines := newFakeFactory()
	manager := newTestManager(t, Config{PeerID: "alice", Signaler: make(signalLog, 64), NewEngine: engines.build, MaxCandidates: 2})
	session, err := manager.StartSession(context.Background(), "bob", "s1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	engine := testutil.RequireReceive(t, engines.created, time.Second, "engine")
	manager.DeliverSignal(wire.Signal{Kind: wire.SignalAnswer, CorrelationID: "s1", Description: "answer-sdp"})
	for _, candidate := range []string{"c1", "c2", "c3"} {
		manager.DeliverSignal(wire.Signal{Kind: wire.SignalICECandidate, CorrelationID: "s1", Candidate: candidate})
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return slices.Contains(engine.callLog(), "candidate:c2")
	}, "second candidate applied")
	// A later unknown-id signal proves c3 was processed before it.
	manager.DeliverSignal(wire.Signal{Kind: wire.SignalICECandidate, CorrelationID: "other", Candidate: "x"})
	testutil.Eventually(t, 5*time.Second, func() bool { return manager.Errors() == 1 }, "sentinel signal counted")
	testutil.Eventually(t, 5*time.Second, func() bool { return len(session.Info().Candidates) == 2 }, "two candidates recorded")
	if slices.Contains(engine.callLog(), "candidate:c3") {
		t.Fatalf("candidate over the limit was applied: %v", engine.callLog())
	}
}

func TestSessionLimits(t *testing.T) {
	t.Parallel()

	signals := make(signalLog, 64)
	manager := newTestManager(t, Config{PeerID: "alice", Signaler: signals, NewEngine: newFakeFactory().build, MaxSessions: 1})
	ctx := context.Background()

	if _, err := manager.StartSession(ctx, "bob", "s1"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := manager.StartSession(ctx, "carol", "s1"); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("duplicate id: %v, want ErrSessionExists", err)
	}
	if _, err := manager.StartSession(ctx, "carol", "s2"); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("over limit: %v, want ErrTooManySessions", err)
	}
	testutil.RequireReceive(t, signals, time.Second, "first offer")

	// A remote offer over the limit is refused with a SessionClose.
	manager.DeliverSignal(wire.Signal{Kind: wire.SignalOffer, CorrelationID: "s3", From: "dave", Description: "offer-sdp"})
	refusal := testutil.RequireReceive(t, signals, 5*time.Second, "refusal")
	if refusal.Kind != wire.SignalSessionClose || refusal.To != "dave" || refusal.CorrelationID != "s3" || refusal.Reason == "" {
		t.Fatalf("refusal = %+v", refusal)
	}
	if manager.Errors() != 1 {
		t.Fatalf("Errors() = %d, want 1", manager.Errors())
	}
}

func TestGeneratedCorrelationID(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t, Config{PeerID: "alice", Signaler: make(signalLog, 64), NewEngine: newFakeFactory().build})
	first, err := manager.StartSession(context.Background(), "bob", "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	second, err := manager.StartSession(context.Background(), "bob", "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if first.ID() == "" || first.ID() == second.ID() {
		t.Fatalf("generated ids %q and %q", first.ID(), second.ID())
	}
	if got := manager.Sessions(); len(got) != 2 {
		t.Fatalf("Sessions() has %d entries, want 2", len(got))
	}
}

// Unknown ids and malformed payloads are counted; late signals for a
// session in its grace period are not.
func TestInboundSignalErrors(t *testing.T) {
	t.Parallel()

	signals := make(signalLog, 64)
	manager := newTestManager(t, Config{PeerID: "alice", Signaler: signals, NewEngine: newFakeFactory().build})
	ctx := context.Background()

	if _, err := manager.StartSession(ctx, "bob", "s1"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := manager.CloseSession(ctx, "s1"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	manager.DeliverSignal(wire.Signal{Kind: wire.SignalICECandidate, CorrelationID: "s1", Candidate: "late"})
	manager.DeliverSignal(wire.Signal{Kind: wire.SignalICECandidate, CorrelationID: "nobody", Candidate: "c"})
	testutil.Eventually(t, 5*time.Second, func() bool { return manager.Errors() == 1 }, "unknown id counted")

	manager.DeliverSignal(wire.Signal{Kind: wire.SignalICECandidate, CorrelationID: "s1"})
	manager.DeliverSignal(wire.Signal{Kind: wire.SignalAnswer, CorrelationID: "s2"})
	testutil.Eventually(t, 5*time.Second, func() bool { return manager.Errors() == 3 }, "malformed payloads counted")

	if err := manager.CloseSession(ctx, "nobody"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("CloseSession(unknown) = %v, want ErrNoSession", err)
	}
}

// A SessionClose from the peer ends the session without echoing one
// back.
func TestRemoteClose(t *testing.T) {
	t.Parallel()

	signals := make(signalLog, 64)
	manager := newTestManager(t, Config{PeerID: "alice", Signaler: signals, NewEngine: newFakeFactory().build})
	session, err := manager.StartSession(context.Background(), "bob", "s1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	testutil.RequireReceive(t, signals, time.Second, "offer")

	manager.DeliverSignal(wire.Signal{Kind: wire.SignalSessionClose, CorrelationID: "s1", From: "bob", Reason: "busy"})
	testutil.RequireClosed(t, session.Done(), 5*time.Second, "remote close")
	if session.State() != StateClosed || session.Err() != nil {
		t.Fatalf("state %s err %v", session.State(), session.Err())
	}
	testutil.RequireNoReceive(t, signals, 50*time.Millisecond, "echoed close")
	if err := session.SendData([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendData after close = %v", err)
	}
}

func TestEngineFailure(t *testing.T) {
	t.Parallel()

	signals := make(signalLog, 64)
	engines := newFakeFactory()
	manager := newTestManager(t, Config{PeerID: "alice", Signaler: signals, NewEngine: engines.build})
	session, err := manager.StartSession(context.Background(), "bob", "s1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	engine := testutil.RequireReceive(t, engines.created, time.Second, "engine")
	testutil.RequireReceive(t, signals, time.Second, "offer")

	engine.failed <- errors.New("ice failed")
	testutil.RequireClosed(t, session.Done(), 5*time.Second, "failure")
	if session.State() != StateFailed {
		t.Fatalf("state = %s", session.State())
	}
	closing := testutil.RequireReceive(t, signals, time.Second, "close to peer")
	if closing.Kind != wire.SignalSessionClose || closing.Reason != "ice failed" {
		t.Fatalf("close = %+v", closing)
	}
}

func TestStartSessionErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	manager := newTestManager(t, Config{PeerID: "alice", Signaler: failingSignaler{}, NewEngine: newFakeFactory().build})
	if _, err := manager.StartSession(ctx, "", "s1"); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("empty peer: %v", err)
	}
	if _, err := manager.StartSession(ctx, "bob", "s1"); err == nil {
		t.Fatal("StartSession succeeded with an unreachable relay")
	}
	session, err := manager.Session("s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if session.State() != StateFailed {
		t.Fatalf("state = %s, want failed", session.State())
	}

	broken := newFakeFactory()
	broken.err = errors.New("no interfaces")
	other := newTestManager(t, Config{PeerID: "alice", Signaler: make(signalLog, 64), NewEngine: broken.build})
	if _, err := other.StartSession(ctx, "bob", "s1"); err == nil {
		t.Fatal("StartSession succeeded without an engine")
	}
	if _, err := other.Session("s1"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("session kept after engine failure: %v", err)
	}
}

func TestCloseEndsSessions(t *testing.T) {
	t.Parallel()

	signals := make(signalLog, 64)
	manager, err := NewManager(Config{PeerID: "alice", Signaler: signals, NewEngine: newFakeFactory().build, Clock: clock.NewFake(epoch)})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	session, err := manager.StartSession(context.Background(), "bob", "s1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if session.State() != StateClosed {
		t.Fatalf("state = %s, want closed", session.State())
	}
	testutil.RequireClosed(t, manager.Incoming(), time.Second, "incoming closed")
	if _, err := manager.StartSession(context.Background(), "bob", "s2"); !errors.Is(err, ErrClosed) {
		t.Fatalf("StartSession after Close = %v", err)
	}
}

func TestTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateOfferCreated, true},
		{StateOfferCreated, StateAnswerReceived, true},
		{StateAnswerReceived, StateIceExchanging, true},
		{StateIceExchanging, StateConnected, true},
		{StateIdle, StateConnected, false},
		{StateOfferCreated, StateIceExchanging, false},
		{StateConnected, StateOfferCreated, false},
		{StateConnected, StateFailed, true},
		{StateFailed, StateFailed, false},
		{StateFailed, StateClosed, true},
		{StateClosed, StateClosed, false},
		{StateClosed, StateConnected, false},
	}
	for _, test := range tests {
		if got := canTransition(test.from, test.to); got != test.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", test.from, test.to, got, test.want)
		}
	}
}
