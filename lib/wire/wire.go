// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the router frame exchanged between a router and
// its remote clients, and the signaling payload carried inside Signal
// frames.
//
// A frame is a CBOR map with small integer keys:
//
//	1 type            uint  (1 data, 2 subscribe, 3 signal, 4 heartbeat)
//	2 correlation_id  text  (optional)
//	3 address         text
//	4 payload         any   (a message value; signals carry CBOR bytes)
//	5 timestamp       int   (unix microseconds, optional)
//
// Subscribe frames carry the pattern in address and Bool(true) or
// Bool(false) in payload for subscribe and unsubscribe. The first
// Heartbeat a client sends names the client in its address.
package wire

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patchbay-dev/patchbay/lib/codec"
	"github.com/patchbay-dev/patchbay/lib/message"
)

// ErrInvalidPayload marks frames or signals whose contents do not match
// their declared type.
var ErrInvalidPayload = errors.New("invalid payload")

type FrameType uint8

const (
	FrameData FrameType = iota + 1
	FrameSubscribe
	FrameSignal
	FrameHeartbeat
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "data"
	case FrameSubscribe:
		return "subscribe"
	case FrameSignal:
		return "signal"
	case FrameHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("frame(%d)", uint8(t))
}

// Frame is the router wire unit.
type Frame struct {
	Type          FrameType     `cbor:"1,keyasint"`
	CorrelationID string        `cbor:"2,keyasint,omitempty"`
	Address       string        `cbor:"3,keyasint"`
	Payload       message.Value `cbor:"4,keyasint"`
	Timestamp     int64         `cbor:"5,keyasint,omitempty"`
}

// DataFrame wraps a message for the wire.
func DataFrame(m message.Message) Frame {
	frame := Frame{
		Type:          FrameData,
		CorrelationID: m.CorrelationID(),
		Address:       m.Address(),
		Payload:       m.Value(),
	}
	if !m.Timestamp().IsZero() {
		frame.Timestamp = m.Timestamp().UnixMicro()
	}
	return frame
}

// Message converts a Data frame back into a message. A frame without a
// timestamp is stamped with the current time.
func (f Frame) Message(origin message.Protocol) message.Message {
	m := message.New(origin, f.Address, f.Payload).WithCorrelationID(f.CorrelationID)
	if f.Timestamp != 0 {
		m = m.WithTimestamp(time.UnixMicro(f.Timestamp))
	}
	return m
}

// SubscribeFrame requests (or, with subscribe false, cancels) delivery
// of addresses matching pattern.
func SubscribeFrame(pattern string, subscribe bool) Frame {
	return Frame{Type: FrameSubscribe, Address: pattern, Payload: message.Bool(subscribe)}
}

// IsUnsubscribe reports whether a Subscribe frame cancels its pattern.
func (f Frame) IsUnsubscribe() bool {
	subscribe, ok := f.Payload.AsBool()
	return ok && !subscribe
}

// HeartbeatFrame announces name and keeps idle connections alive.
func HeartbeatFrame(name string, now time.Time) Frame {
	return Frame{Type: FrameHeartbeat, Address: "/" + strings.TrimPrefix(name, "/"), Timestamp: now.UnixMicro()}
}

// HeartbeatName extracts the client name from a Heartbeat frame.
func (f Frame) HeartbeatName() string {
	return strings.TrimPrefix(f.Address, "/")
}

// Encode and Decode are the buffer forms used by message-oriented
// transports.
func Encode(f Frame) ([]byte, error) {
	return codec.Marshal(f)
}

func Decode(data []byte) (Frame, error) {
	var frame Frame
	if err := codec.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if frame.Type < FrameData || frame.Type > FrameHeartbeat {
		return Frame{}, fmt.Errorf("%w: frame type %d", ErrInvalidPayload, frame.Type)
	}
	return frame, nil
}
