// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"bytes"
	"encoding/json"

	"github.com/patchbay-dev/patchbay/lib/message"
)

// envelope names the JSON object fields that carry an address and a
// value on text transports (WebSocket, HTTP, Socket.IO).
type envelope struct {
	addressField string
	valueField   string
}

func envelopeFor(spec Spec) envelope {
	return envelope{
		addressField: spec.Option("address_field", "address"),
		valueField:   spec.Option("value_field", "value"),
	}
}

// decode reads an envelope object. ok is false when data is not a JSON
// object with a string address field. A missing value field is Null.
func (e envelope) decode(data []byte) (address string, value message.Value, ok bool, err error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return "", message.Value{}, false, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", message.Value{}, false, nil
	}
	rawAddress, found := fields[e.addressField]
	if !found || json.Unmarshal(rawAddress, &address) != nil {
		return "", message.Value{}, false, nil
	}
	value = message.Null()
	if rawValue, found := fields[e.valueField]; found {
		value, err = message.ParseJSON(rawValue)
		if err != nil {
			return "", message.Value{}, true, translationError("envelope value: %v", err)
		}
	}
	return address, value, true, nil
}

// encode builds the envelope object for address and value.
func (e envelope) encode(address string, value message.Value) ([]byte, error) {
	return json.Marshal(map[string]any{
		e.addressField: address,
		e.valueField:   value,
	})
}
