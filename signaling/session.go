// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patchbay-dev/patchbay/lib/clock"
	"github.com/patchbay-dev/patchbay/lib/events"
	"github.com/patchbay-dev/patchbay/lib/stream"
	"github.com/patchbay-dev/patchbay/lib/wire"
)

// State is a session's place in the negotiation.
type State int

const (
	StateIdle State = iota
	StateOfferCreated
	StateAnswerReceived
	StateIceExchanging
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferCreated:
		return "offer_created"
	case StateAnswerReceived:
		return "answer_received"
	case StateIceExchanging:
		return "ice_exchanging"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions except Failed to
// Closed are possible.
func (s State) Terminal() bool { return s == StateFailed || s == StateClosed }

// canTransition encodes the state machine. The forward path is linear;
// Failed is reachable from any live state and Closed from any state.
func canTransition(from, to State) bool {
	switch to {
	case StateClosed:
		return from != StateClosed
	case StateFailed:
		return !from.Terminal()
	}
	return !from.Terminal() && to == from+1
}

// Role is the side a session plays.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// Candidate is one ICE candidate a session sent or received.
type Candidate struct {
	Local bool
	Value string
}

// Info is a snapshot of one session.
type Info struct {
	// ID is the correlation id shared by both peers.
	ID                string
	Peer              string
	Role              Role
	State             State
	LocalDescription  string
	RemoteDescription string
	Candidates        []Candidate
	LastError         error
	Started           time.Time
}

// Session is one negotiation with a remote peer. Its state machine runs
// on a dedicated goroutine, so a slow engine call in one session never
// delays another.
type Session struct {
	manager *Manager
	id      string
	peer    string
	role    Role
	started time.Time
	engine  PeerEngine

	inbox          *stream.Unbounded[wire.Signal]
	deadlines      chan error
	closeRequested chan struct{}
	closeOnce      sync.Once
	established    chan struct{}
	done           chan struct{}

	mu         sync.Mutex
	state      State
	local      string
	remote     string
	candidates []Candidate
	lastErr    error

	// Owned by whichever goroutine drives the session: StartSession
	// until it launches run, then run.
	answerTimer   clock.Timer
	connectTimer  clock.Timer
	remoteApplied bool
	pending       []string
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Peer() string { return s.peer }
func (s *Session) Role() Role   { return s.role }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches Failed or Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Established is closed once the session reaches Connected. It stays
// open for sessions that end before connecting.
func (s *Session) Established() <-chan struct{} { return s.established }

// Err is the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:                s.id,
		Peer:              s.peer,
		Role:              s.role,
		State:             s.state,
		LocalDescription:  s.local,
		RemoteDescription: s.remote,
		Candidates:        append([]Candidate(nil), s.candidates...),
		LastError:         s.lastErr,
		Started:           s.started,
	}
}

// SendData writes to the session's data channel.
func (s *Session) SendData(data []byte) error {
	if s.State() != StateConnected {
		return sessionError(ErrNotConnected, s.id, nil)
	}
	return s.engine.SendData(data)
}

// Data yields payloads the remote peer sent on the data channel.
func (s *Session) Data() <-chan []byte { return s.engine.Data() }

func (s *Session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) requestClose() {
	s.closeOnce.Do(func() { close(s.closeRequested) })
}

func (s *Session) expire(detail string) {
	select {
	case s.deadlines <- fmt.Errorf("%w: %s", ErrSignalTimeout, detail):
	default:
	}
}

// run drives the session until it ends. offer is set for answerer
// sessions, whose first step is answering it.
func (s *Session) run(offer *wire.Signal) {
	defer s.manager.actors.Done()
	if offer != nil && !s.answer(*offer) {
		return
	}

	candidates := s.engine.Candidates()
	established := s.engine.Established()
	failed := s.engine.Failed()
	for {
		select {
		case <-s.closeRequested:
			s.finish(StateClosed, nil, "closed", true)
			return
		case signal, ok := <-s.inbox.Out():
			if !ok || s.handle(signal) {
				return
			}
		case candidate, ok := <-candidates:
			if !ok {
				candidates = nil
				continue
			}
			s.sendCandidate(candidate)
		case <-established:
			established = nil
			s.connected()
		case err := <-failed:
			s.finish(StateFailed, err, err.Error(), true)
			return
		case err := <-s.deadlines:
			s.finish(StateFailed, err, "signaling timed out", true)
			return
		}
	}
}

// answer applies a remote offer and sends the local answer.
func (s *Session) answer(offer wire.Signal) bool {
	ctx := s.manager.ctx
	s.mu.Lock()
	s.remote = offer.Description
	s.mu.Unlock()

	answer, err := s.engine.CreateAnswer(ctx, offer.Description)
	if err != nil {
		s.finish(StateFailed, fmt.Errorf("creating answer: %w", err), "answer failed", true)
		return false
	}
	s.remoteApplied = true
	s.transition(StateOfferCreated)

	s.mu.Lock()
	s.local = answer
	s.mu.Unlock()
	if err := s.manager.send(ctx, wire.Signal{
		Kind:          wire.SignalAnswer,
		CorrelationID: s.id,
		To:            s.peer,
		Description:   answer,
	}); err != nil {
		s.finish(StateFailed, fmt.Errorf("sending answer: %w", err), "answer failed", true)
		return false
	}
	s.transition(StateAnswerReceived)
	return true
}

// handle applies one inbound signal and reports whether the session
// ended.
func (s *Session) handle(signal wire.Signal) bool {
	ctx := s.manager.ctx
	switch signal.Kind {
	case wire.SignalAnswer:
		if s.role != RoleOfferer || s.State() != StateOfferCreated {
			s.manager.logger.Debug("ignoring unexpected answer",
				"session", s.id, "role", s.role, "state", s.State())
			return false
		}
		if err := s.engine.AddRemoteDescription(ctx, signal.Description); err != nil {
			s.finish(StateFailed, fmt.Errorf("applying answer: %w", err), "answer rejected", true)
			return true
		}
		stopTimer(s.answerTimer)
		s.mu.Lock()
		s.remote = signal.Description
		s.mu.Unlock()
		s.remoteApplied = true
		s.transition(StateAnswerReceived)

		pending := s.pending
		s.pending = nil
		for _, candidate := range pending {
			s.applyCandidate(candidate)
		}

	case wire.SignalICECandidate:
		if !s.admitCandidate(Candidate{Value: signal.Candidate}) {
			return false
		}
		if !s.remoteApplied {
			s.pending = append(s.pending, signal.Candidate)
			return false
		}
		s.applyCandidate(signal.Candidate)

	case wire.SignalSessionClose:
		s.finish(StateClosed, nil, "", false)
		return true

	default:
		s.manager.logger.Debug("ignoring signal", "session", s.id, "kind", signal.Kind)
	}
	return false
}

// admitCandidate records a candidate unless the session already holds
// the maximum.
func (s *Session) admitCandidate(candidate Candidate) bool {
	s.mu.Lock()
	full := len(s.candidates) >= s.manager.maxCandidates
	if !full {
		s.candidates = append(s.candidates, candidate)
	}
	s.mu.Unlock()
	if full {
		err := fmt.Errorf("candidate limit %d reached", s.manager.maxCandidates)
		s.manager.logger.Warn("dropping ICE candidate", "session", s.id, "local", candidate.Local, "error", err)
		s.manager.events.Publish(events.Event{
			Kind:   events.SessionError,
			Source: s.id,
			Detail: "candidate dropped",
			Err:    err,
		})
	}
	return !full
}

func (s *Session) applyCandidate(candidate string) {
	if err := s.engine.AddICECandidate(s.manager.ctx, candidate); err != nil {
		s.manager.logger.Warn("applying remote candidate", "session", s.id, "error", err)
		s.manager.events.Publish(events.Event{
			Kind:   events.SessionError,
			Source: s.id,
			Detail: "remote candidate rejected",
			Err:    err,
		})
		return
	}
	s.exchanging()
}

// sendCandidate trickles one local candidate to the peer.
func (s *Session) sendCandidate(candidate string) {
	if !s.admitCandidate(Candidate{Local: true, Value: candidate}) {
		return
	}
	// Send errors are logged and published by the manager.
	s.manager.send(s.manager.ctx, wire.Signal{
		Kind:          wire.SignalICECandidate,
		CorrelationID: s.id,
		To:            s.peer,
		Candidate:     candidate,
	})
	s.exchanging()
}

func (s *Session) exchanging() {
	if s.State() == StateAnswerReceived {
		s.transition(StateIceExchanging)
	}
}

func (s *Session) connected() {
	s.exchanging()
	if s.transition(StateConnected) {
		stopTimer(s.answerTimer)
		stopTimer(s.connectTimer)
		close(s.established)
	}
}

// transition moves the session to next if the state machine allows it.
func (s *Session) transition(next State) bool {
	s.mu.Lock()
	previous := s.state
	if !canTransition(previous, next) {
		s.mu.Unlock()
		s.manager.logger.Debug("ignoring illegal session transition",
			"session", s.id, "from", previous, "to", next)
		return false
	}
	s.state = next
	s.mu.Unlock()

	s.manager.logger.Debug("session state", "session", s.id, "peer", s.peer, "from", previous, "to", next)
	s.manager.events.Publish(events.Event{
		Kind:   events.SessionState,
		Source: s.id,
		State:  next.String(),
		Detail: s.peer,
	})
	return true
}

// finish ends the session. When notify is set the peer is told with a
// SessionClose carrying reason.
func (s *Session) finish(state State, cause error, reason string, notify bool) {
	stopTimer(s.answerTimer)
	stopTimer(s.connectTimer)
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.manager.logger.Debug("closing engine", "session", s.id, "error", err)
		}
	}
	if notify {
		s.manager.send(context.WithoutCancel(s.manager.ctx), wire.Signal{
			Kind:          wire.SignalSessionClose,
			CorrelationID: s.id,
			To:            s.peer,
			Reason:        reason,
		})
	}
	s.inbox.Close()

	s.mu.Lock()
	s.lastErr = cause
	s.mu.Unlock()
	s.transition(state)

	if cause != nil {
		level := s.manager.logger.Warn
		if errors.Is(cause, ErrSignalTimeout) {
			level = s.manager.logger.Info
		}
		level("session failed", "session", s.id, "peer", s.peer, "error", cause)
		s.manager.events.Publish(events.Event{
			Kind:   events.SessionError,
			Source: s.id,
			Detail: s.peer,
			Err:    cause,
		})
	} else {
		s.manager.logger.Info("session closed", "session", s.id, "peer", s.peer)
	}
	close(s.done)
	s.manager.retire(s)
}

func stopTimer(timer clock.Timer) {
	if timer != nil {
		timer.Stop()
	}
}
