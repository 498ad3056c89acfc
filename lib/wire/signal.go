// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/patchbay-dev/patchbay/lib/codec"
	"github.com/patchbay-dev/patchbay/lib/message"
)

// SignalKind is the signaling message type.
type SignalKind uint8

const (
	SignalOffer SignalKind = iota + 1
	SignalAnswer
	SignalICECandidate
	SignalSessionClose
)

func (k SignalKind) String() string {
	switch k {
	case SignalOffer:
		return "offer"
	case SignalAnswer:
		return "answer"
	case SignalICECandidate:
		return "ice_candidate"
	case SignalSessionClose:
		return "session_close"
	}
	return fmt.Sprintf("signal(%d)", uint8(k))
}

// Signal is a signaling message. The router reads only Kind,
// CorrelationID, From, and To; Description and Candidate are opaque to
// it.
type Signal struct {
	Kind          SignalKind `cbor:"1,keyasint"`
	CorrelationID string     `cbor:"2,keyasint"`
	From          string     `cbor:"3,keyasint,omitempty"`
	To            string     `cbor:"4,keyasint,omitempty"`
	Description   string     `cbor:"5,keyasint,omitempty"`
	Candidate     string     `cbor:"6,keyasint,omitempty"`
	Reason        string     `cbor:"7,keyasint,omitempty"`
}

// Validate checks the fields each kind requires.
func (s Signal) Validate() error {
	if s.CorrelationID == "" {
		return fmt.Errorf("%w: %s without correlation id", ErrInvalidPayload, s.Kind)
	}
	switch s.Kind {
	case SignalOffer, SignalAnswer:
		if s.Description == "" {
			return fmt.Errorf("%w: %s without session description", ErrInvalidPayload, s.Kind)
		}
	case SignalICECandidate:
		if s.Candidate == "" {
			return fmt.Errorf("%w: ice_candidate without candidate", ErrInvalidPayload)
		}
	case SignalSessionClose:
	default:
		return fmt.Errorf("%w: unknown signal kind %d", ErrInvalidPayload, s.Kind)
	}
	return nil
}

// SignalFrame wraps a signal for the wire. The frame address names the
// intended recipient.
func SignalFrame(s Signal) (Frame, error) {
	body, err := codec.Marshal(s)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s signal: %w", s.Kind, err)
	}
	return Frame{
		Type:          FrameSignal,
		CorrelationID: s.CorrelationID,
		Address:       message.Join("signal", s.To),
		Payload:       message.Bytes(body),
	}, nil
}

// ParseSignal unwraps and validates the signal in a Signal frame.
func ParseSignal(f Frame) (Signal, error) {
	if f.Type != FrameSignal {
		return Signal{}, fmt.Errorf("%w: %s frame is not a signal", ErrInvalidPayload, f.Type)
	}
	body, ok := f.Payload.AsBytes()
	if !ok {
		return Signal{}, fmt.Errorf("%w: signal payload is %s, want bytes", ErrInvalidPayload, f.Payload.Kind())
	}
	var s Signal
	if err := codec.Unmarshal(body, &s); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if s.CorrelationID == "" {
		s.CorrelationID = f.CorrelationID
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}
