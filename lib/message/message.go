// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"fmt"
	"time"
)

// Message is the canonical unit of data flowing through the router.
// Messages are values: the With* methods return modified copies and
// never change the receiver.
type Message struct {
	origin        Protocol
	address       string
	value         Value
	timestamp     time.Time
	correlationID string
}

// New constructs a message stamped with the current wall-clock time.
// The address is not validated here; adapters call [ValidateAddress]
// at their translation boundary.
func New(origin Protocol, address string, value Value) Message {
	return Message{
		origin:    origin,
		address:   address,
		value:     value,
		timestamp: time.Now(),
	}
}

func (m Message) Origin() Protocol      { return m.origin }
func (m Message) Address() string       { return m.address }
func (m Message) Value() Value          { return m.value }
func (m Message) Timestamp() time.Time  { return m.timestamp }
func (m Message) CorrelationID() string { return m.correlationID }

func (m Message) WithOrigin(origin Protocol) Message {
	m.origin = origin
	return m
}

func (m Message) WithAddress(address string) Message {
	m.address = address
	return m
}

func (m Message) WithValue(value Value) Message {
	m.value = value
	return m
}

func (m Message) WithTimestamp(timestamp time.Time) Message {
	m.timestamp = timestamp
	return m
}

func (m Message) WithCorrelationID(id string) Message {
	m.correlationID = id
	return m
}

func (m Message) String() string {
	return fmt.Sprintf("%s %s %s", m.origin, m.address, m.value)
}

// Equal reports whether two messages carry the same address and value.
// Origin, timestamp, and correlation id are not compared: a message
// that crossed two protocols and came back is still "the same".
func Equal(a, b Message, tolerance float64) bool {
	return a.address == b.address && ApproxEqual(a.value, b.value, tolerance)
}
