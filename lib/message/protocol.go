// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package message

import "fmt"

// Protocol identifies the wire protocol a message entered the router
// through. The zero value is invalid.
type Protocol uint8

const (
	OSC Protocol = iota + 1
	MIDI
	MQTT
	WebSocket
	HTTP
	ArtNet
	DMX
	SACN
	SocketIO

	// Link is a router client connected over the transport layer.
	Link

	// Router marks messages synthesized by the router itself.
	Router
)

var protocolNames = map[Protocol]string{
	OSC:       "osc",
	MIDI:      "midi",
	MQTT:      "mqtt",
	WebSocket: "websocket",
	HTTP:      "http",
	ArtNet:    "artnet",
	DMX:       "dmx",
	SACN:      "sacn",
	SocketIO:  "socketio",
	Link:      "link",
	Router:    "router",
}

// String returns the lower-case protocol name used in configuration
// files, addresses, and log output.
func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return fmt.Sprintf("protocol(%d)", uint8(p))
}

// ParseProtocol is the inverse of [Protocol.String].
func ParseProtocol(name string) (Protocol, error) {
	for protocol, candidate := range protocolNames {
		if candidate == name {
			return protocol, nil
		}
	}
	return 0, fmt.Errorf("unknown protocol %q", name)
}

// MarshalText implements encoding.TextMarshaler so protocols appear by
// name in YAML, JSON, and CBOR.
func (p Protocol) MarshalText() ([]byte, error) {
	if _, ok := protocolNames[p]; !ok {
		return nil, fmt.Errorf("invalid protocol %d", uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Protocol) UnmarshalText(text []byte) error {
	parsed, err := ParseProtocol(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
