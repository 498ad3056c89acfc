// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/patchbay-dev/patchbay/lib/clock"
	"github.com/patchbay-dev/patchbay/lib/events"
	"github.com/patchbay-dev/patchbay/lib/stream"
	"github.com/patchbay-dev/patchbay/lib/wire"
)

const (
	DefaultAnswerTimeout  = 30 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultCloseGrace     = 10 * time.Second
	DefaultMaxSessions    = 64
	DefaultMaxCandidates  = 128
)

// Config configures a Manager. Zero durations and limits take the
// defaults above.
type Config struct {
	// PeerID is this peer's identity on the relay.
	PeerID   string
	Signaler Signaler

	// NewEngine builds each session's engine. Nil means PionEngine with
	// host candidates only.
	NewEngine EngineFactory

	Clock clock.Clock

	AnswerTimeout  time.Duration
	ConnectTimeout time.Duration
	CloseGrace     time.Duration
	MaxSessions    int
	MaxCandidates  int

	Logger *slog.Logger
	Events *events.Bus
}

// Manager owns the signaling sessions of one local peer. It satisfies
// router.SignalEndpoint, so a router core can deliver relayed signals
// to it directly.
type Manager struct {
	peerID    string
	signaler  Signaler
	newEngine EngineFactory
	clock     clock.Clock
	logger    *slog.Logger
	events    *events.Bus

	answerTimeout  time.Duration
	connectTimeout time.Duration
	closeGrace     time.Duration
	maxSessions    int
	maxCandidates  int

	ctx    context.Context
	cancel context.CancelFunc

	inbox        *stream.Unbounded[wire.Signal]
	incoming     *stream.Unbounded[*Session]
	dispatchDone chan struct{}
	actors       sync.WaitGroup
	errors       atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(config Config) (*Manager, error) {
	if config.PeerID == "" {
		return nil, errors.New("signaling: peer id is required")
	}
	if config.Signaler == nil {
		return nil, errors.New("signaling: signaler is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("peer_id", config.PeerID)
	if config.NewEngine == nil {
		config.NewEngine = PionFactory(PionConfig{Logger: logger})
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		peerID:         config.PeerID,
		signaler:       config.Signaler,
		newEngine:      config.NewEngine,
		clock:          config.Clock,
		logger:         logger,
		events:         config.Events,
		answerTimeout:  orDefault(config.AnswerTimeout, DefaultAnswerTimeout),
		connectTimeout: orDefault(config.ConnectTimeout, DefaultConnectTimeout),
		closeGrace:     orDefault(config.CloseGrace, DefaultCloseGrace),
		maxSessions:    orDefault(config.MaxSessions, DefaultMaxSessions),
		maxCandidates:  orDefault(config.MaxCandidates, DefaultMaxCandidates),
		ctx:            ctx,
		cancel:         cancel,
		inbox:          stream.NewUnbounded[wire.Signal](),
		incoming:       stream.NewUnbounded[*Session](),
		dispatchDone:   make(chan struct{}),
		sessions:       make(map[string]*Session),
	}
	go m.dispatch()
	return m, nil
}

func orDefault[T comparable](value, fallback T) T {
	var zero T
	if value == zero {
		return fallback
	}
	return value
}

func (m *Manager) PeerID() string { return m.peerID }

// Errors counts inbound signals dropped as invalid or unroutable.
func (m *Manager) Errors() uint64 { return m.errors.Load() }

// Incoming yields answerer sessions as remote offers arrive. It is
// closed by Close.
func (m *Manager) Incoming() <-chan *Session { return m.incoming.Out() }

// StartSession offers a session to peer. An empty correlationID is
// generated. The returned session has sent its Offer; negotiation
// continues in the background.
func (m *Manager) StartSession(ctx context.Context, peer, correlationID string) (*Session, error) {
	if peer == "" {
		return nil, sessionError(ErrInvalidPayload, correlationID, errors.New("empty peer id"))
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	m.mu.Lock()
	if err := m.admitLocked(correlationID); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	session := m.newSession(correlationID, peer, RoleOfferer)
	m.sessions[correlationID] = session
	m.mu.Unlock()

	engine, err := m.newEngine()
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, correlationID)
		m.mu.Unlock()
		return nil, fmt.Errorf("creating engine for session %s: %w", correlationID, err)
	}
	session.engine = engine
	session.connectTimer = m.clock.AfterFunc(m.connectTimeout, func() {
		session.expire("not connected within " + m.connectTimeout.String())
	})

	offer, err := engine.CreateOffer(ctx)
	if err != nil {
		err = fmt.Errorf("creating offer for session %s: %w", correlationID, err)
		session.finish(StateFailed, err, "", false)
		return nil, err
	}
	session.mu.Lock()
	session.local = offer
	session.mu.Unlock()
	session.transition(StateOfferCreated)

	if err := m.send(ctx, wire.Signal{
		Kind:          wire.SignalOffer,
		CorrelationID: correlationID,
		To:            peer,
		Description:   offer,
	}); err != nil {
		session.finish(StateFailed, err, "", false)
		return nil, fmt.Errorf("sending offer for session %s: %w", correlationID, err)
	}
	session.answerTimer = m.clock.AfterFunc(m.answerTimeout, func() {
		session.expire("no answer within " + m.answerTimeout.String())
	})

	m.logger.Info("session offered", "session", correlationID, "peer", peer)
	m.actors.Add(1)
	go session.run(nil)
	return session, nil
}

// admitLocked checks a new session id against existing sessions and
// the session limit.
func (m *Manager) admitLocked(id string) error {
	if m.closed {
		return ErrClosed
	}
	if _, exists := m.sessions[id]; exists {
		return sessionError(ErrSessionExists, id, nil)
	}
	live := 0
	for _, session := range m.sessions {
		if !session.finished() {
			live++
		}
	}
	if live >= m.maxSessions {
		return sessionError(ErrTooManySessions, id, fmt.Errorf("limit %d", m.maxSessions))
	}
	return nil
}

func (m *Manager) newSession(id, peer string, role Role) *Session {
	return &Session{
		manager:        m,
		id:             id,
		peer:           peer,
		role:           role,
		started:        m.clock.Now(),
		inbox:          stream.NewUnbounded[wire.Signal](),
		deadlines:      make(chan error, 2),
		closeRequested: make(chan struct{}),
		established:    make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// DeliverSignal queues an inbound signal. It never blocks.
func (m *Manager) DeliverSignal(signal wire.Signal) {
	if !m.inbox.Push(signal) {
		m.logger.Debug("signal after close", "kind", signal.Kind, "correlation_id", signal.CorrelationID)
	}
}

// dispatch routes inbound signals in arrival order.
func (m *Manager) dispatch() {
	defer close(m.dispatchDone)
	for signal := range m.inbox.Out() {
		m.route(signal)
	}
}

func (m *Manager) route(signal wire.Signal) {
	if err := signal.Validate(); err != nil {
		m.reject(ErrInvalidPayload, signal, err)
		return
	}

	m.mu.Lock()
	session, known := m.sessions[signal.CorrelationID]
	m.mu.Unlock()

	if known && session.finished() {
		m.logger.Debug("ignoring signal for finished session",
			"kind", signal.Kind, "session", signal.CorrelationID)
		return
	}
	if signal.Kind == wire.SignalOffer {
		if known {
			m.reject(ErrSessionExists, signal, nil)
			return
		}
		m.accept(signal)
		return
	}
	if !known {
		m.reject(ErrNoSession, signal, nil)
		return
	}
	session.inbox.Push(signal)
}

// accept starts an answerer session for a remote offer. A refused offer
// is answered with SessionClose so the offerer does not wait out its
// deadline.
func (m *Manager) accept(offer wire.Signal) {
	id := offer.CorrelationID
	m.mu.Lock()
	err := m.admitLocked(id)
	m.mu.Unlock()
	if err != nil {
		m.refuse(offer, err)
		return
	}

	engine, err := m.newEngine()
	if err != nil {
		m.refuse(offer, fmt.Errorf("creating engine: %w", err))
		return
	}

	m.mu.Lock()
	if err := m.admitLocked(id); err != nil {
		m.mu.Unlock()
		engine.Close()
		m.refuse(offer, err)
		return
	}
	session := m.newSession(id, offer.From, RoleAnswerer)
	session.engine = engine
	session.connectTimer = m.clock.AfterFunc(m.connectTimeout, func() {
		session.expire("not connected within " + m.connectTimeout.String())
	})
	m.sessions[id] = session
	m.actors.Add(1)
	m.mu.Unlock()

	m.logger.Info("session accepted", "session", id, "peer", offer.From)
	go session.run(&offer)
	m.incoming.Push(session)
}

func (m *Manager) refuse(offer wire.Signal, cause error) {
	kind := ErrInvalidPayload
	for _, candidate := range []error{ErrClosed, ErrSessionExists, ErrTooManySessions} {
		if errors.Is(cause, candidate) {
			kind = candidate
		}
	}
	m.reject(kind, offer, cause)
	if errors.Is(cause, ErrClosed) {
		return
	}
	m.send(m.ctx, wire.Signal{
		Kind:          wire.SignalSessionClose,
		CorrelationID: offer.CorrelationID,
		To:            offer.From,
		Reason:        cause.Error(),
	})
}

// reject drops an inbound signal and counts it.
func (m *Manager) reject(kind error, signal wire.Signal, cause error) {
	m.errors.Add(1)
	err := sessionError(kind, signal.CorrelationID, cause)
	m.logger.Warn("dropping signal", "kind", signal.Kind, "from", signal.From, "error", err)
	m.events.Publish(events.Event{
		Kind:   events.SessionError,
		Source: signal.CorrelationID,
		Detail: signal.Kind.String(),
		Err:    err,
	})
}

// send stamps and forwards an outbound signal. Failures are logged and
// published as well as returned.
func (m *Manager) send(ctx context.Context, signal wire.Signal) error {
	signal.From = m.peerID
	err := m.signaler.SendSignal(ctx, signal)
	if err != nil {
		m.logger.Warn("sending signal", "kind", signal.Kind, "session", signal.CorrelationID, "to", signal.To, "error", err)
		m.events.Publish(events.Event{
			Kind:   events.SessionError,
			Source: signal.CorrelationID,
			Detail: "send " + signal.Kind.String(),
			Err:    err,
		})
	}
	return err
}

// retire forgets a finished session once the grace period passes.
// Until then late signals for it are ignored rather than counted.
func (m *Manager) retire(session *Session) {
	m.clock.AfterFunc(m.closeGrace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sessions[session.id] == session {
			delete(m.sessions, session.id)
		}
	})
}

// CloseSession ends a session, telling the peer. Closing a finished
// session is a no-op.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	session, err := m.Session(id)
	if err != nil {
		return err
	}
	session.requestClose()
	select {
	case <-session.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session returns the session with correlation id id, including a
// finished one still in its grace period.
func (m *Manager) Session(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, sessionError(ErrNoSession, id, nil)
	}
	return session, nil
}

// Sessions snapshots every known session ordered by id.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}
	slices.SortFunc(infos, func(a, b Info) int { return strings.Compare(a.ID, b.ID) })
	return infos
}

// Close ends every live session, telling each peer, then stops the
// manager.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()

	var err error
	for _, session := range sessions {
		session.requestClose()
	}
	for _, session := range sessions {
		select {
		case <-session.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}

	m.inbox.Close()
	m.cancel()
	if err == nil {
		select {
		case <-m.dispatchDone:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err == nil {
		m.actors.Wait()
	}
	m.incoming.Close()
	return err
}
