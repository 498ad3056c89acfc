// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/patchbay-dev/patchbay/lib/stream"
)

// DataChannelLabel names the ordered channel every session opens.
const DataChannelLabel = "data"

// PionConfig configures PionEngine.
type PionConfig struct {
	// ICEServers lists STUN and TURN servers. Empty means host
	// candidates only, which is enough on one machine or one LAN.
	ICEServers []webrtc.ICEServer

	Logger *slog.Logger
}

// ICEServers builds an ICE server list from STUN or TURN URLs sharing
// one set of credentials.
func ICEServers(urls []string, username, credential string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{
		URLs:       urls,
		Username:   username,
		Credential: credential,
	}}
}

// PionEngine is a PeerEngine on a pion PeerConnection. Candidates cross
// the signaling channel as JSON-encoded ICECandidateInit values.
type PionEngine struct {
	connection *webrtc.PeerConnection
	logger     *slog.Logger

	candidates *stream.Unbounded[string]
	data       *stream.Unbounded[[]byte]

	established     chan struct{}
	establishedOnce sync.Once
	failed          chan error
	failedOnce      sync.Once
	closeOnce       sync.Once

	mu      sync.Mutex
	channel *webrtc.DataChannel
}

// NewPionEngine creates a PeerConnection with loopback candidates
// enabled so sessions can form on a machine whose only interface is
// loopback.
func NewPionEngine(config PionConfig) (*PionEngine, error) {
	settings := webrtc.SettingEngine{}
	settings.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	connection, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	engine := &PionEngine{
		connection:  connection,
		logger:      logger,
		candidates:  stream.NewUnbounded[string](),
		data:        stream.NewUnbounded[[]byte](),
		established: make(chan struct{}),
		failed:      make(chan error, 1),
	}

	connection.OnICECandidate(engine.handleCandidate)
	connection.OnConnectionStateChange(engine.handleStateChange)
	connection.OnDataChannel(func(channel *webrtc.DataChannel) {
		if channel.Label() != DataChannelLabel {
			logger.Debug("ignoring unexpected data channel", "label", channel.Label())
			return
		}
		engine.attach(channel)
	})
	return engine, nil
}

// PionFactory returns an EngineFactory building engines from config.
func PionFactory(config PionConfig) EngineFactory {
	return func() (PeerEngine, error) {
		return NewPionEngine(config)
	}
}

func (e *PionEngine) CreateOffer(ctx context.Context) (string, error) {
	ordered := true
	channel, err := e.connection.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return "", fmt.Errorf("creating data channel: %w", err)
	}
	e.attach(channel)

	offer, err := e.connection.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	if err := e.connection.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return offer.SDP, nil
}

func (e *PionEngine) CreateAnswer(ctx context.Context, offer string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}
	if err := e.connection.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("setting remote offer: %w", err)
	}
	answer, err := e.connection.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	if err := e.connection.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return answer.SDP, nil
}

func (e *PionEngine) AddRemoteDescription(ctx context.Context, answer string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}
	if err := e.connection.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}
	return nil
}

func (e *PionEngine) AddICECandidate(ctx context.Context, candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("decoding candidate: %w", err)
	}
	if err := e.connection.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding candidate: %w", err)
	}
	return nil
}

func (e *PionEngine) Candidates() <-chan string     { return e.candidates.Out() }
func (e *PionEngine) Established() <-chan struct{} { return e.established }
func (e *PionEngine) Failed() <-chan error         { return e.failed }
func (e *PionEngine) Data() <-chan []byte          { return e.data.Out() }

func (e *PionEngine) SendData(data []byte) error {
	e.mu.Lock()
	channel := e.channel
	e.mu.Unlock()
	if channel == nil || channel.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotConnected
	}
	return channel.Send(data)
}

func (e *PionEngine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.connection.Close()
		e.candidates.Close()
		e.data.Close()
	})
	return err
}

// handleCandidate runs on pion's goroutine. A nil candidate ends
// gathering.
func (e *PionEngine) handleCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		e.candidates.Close()
		return
	}
	encoded, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		e.logger.Warn("encoding local candidate", "error", err)
		return
	}
	e.candidates.Push(string(encoded))
}

func (e *PionEngine) handleStateChange(state webrtc.PeerConnectionState) {
	e.logger.Debug("peer connection state", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateFailed:
		e.fail(errors.New("peer connection failed"))
	case webrtc.PeerConnectionStateDisconnected:
		e.logger.Info("peer connection disconnected, waiting for ICE to recover")
	}
}

func (e *PionEngine) attach(channel *webrtc.DataChannel) {
	e.mu.Lock()
	e.channel = channel
	e.mu.Unlock()

	channel.OnOpen(func() {
		e.establishedOnce.Do(func() { close(e.established) })
	})
	channel.OnMessage(func(message webrtc.DataChannelMessage) {
		e.data.Push(message.Data)
	})
	channel.OnError(func(err error) {
		e.fail(fmt.Errorf("data channel: %w", err))
	})
}

func (e *PionEngine) fail(err error) {
	e.failedOnce.Do(func() { e.failed <- err })
}
