// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/patchbay-dev/patchbay/lib/codec"
)

// Kind is the discriminant of a [Value].
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a typed payload. The zero Value is Null. Values are
// immutable: Bytes and List copy their input on construction and on
// access.
type Value struct {
	kind    Kind
	boolean bool
	integer int64
	float   float64
	text    string
	raw     []byte
	items   []Value
}

func Null() Value           { return Value{} }
func Bool(b bool) Value     { return Value{kind: KindBool, boolean: b} }
func Int(i int64) Value     { return Value{kind: KindInt, integer: i} }
func Float(f float64) Value { return Value{kind: KindFloat, float: f} }
func String(s string) Value { return Value{kind: KindString, text: s} }
func Bytes(b []byte) Value  { return Value{kind: KindBytes, raw: bytes.Clone(b)} }
func List(items ...Value) Value {
	return Value{kind: KindList, items: append([]Value(nil), items...)}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsInt returns the value as an integer. Floats are truncated toward
// zero and bools map to 0/1; other kinds report false.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.integer, true
	case KindFloat:
		if math.IsNaN(v.float) || math.IsInf(v.float, 0) {
			return 0, false
		}
		return int64(v.float), true
	case KindBool:
		if v.boolean {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// AsFloat returns the value as a float, converting integers and bools.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.float, true
	case KindInt:
		return float64(v.integer), true
	case KindBool:
		if v.boolean {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func (v Value) AsBool() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.boolean, true
	case KindInt:
		return v.integer != 0, true
	case KindFloat:
		return v.float != 0, true
	}
	return false, false
}

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.text, true
}

func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return bytes.Clone(v.raw), true
}

// Items returns a copy of a List's elements, or nil for other kinds.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return append([]Value(nil), v.items...)
}

// Len returns the number of list items, or 0 for other kinds.
func (v Value) Len() int { return len(v.items) }

// String renders the value for logs. It is not a wire format.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.boolean)
	case KindInt:
		return strconv.FormatInt(v.integer, 10)
	case KindFloat:
		return strconv.FormatFloat(v.float, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.text)
	case KindBytes:
		return fmt.Sprintf("bytes[%d]", len(v.raw))
	case KindList:
		parts := make([]string, len(v.items))
		for i, item := range v.items {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return v.kind.String()
}

// ApproxEqual reports whether a and b carry the same value. Numbers
// compare numerically across Int and Float, within tolerance.
func ApproxEqual(a, b Value, tolerance float64) bool {
	aNumeric := a.kind == KindInt || a.kind == KindFloat
	bNumeric := b.kind == KindInt || b.kind == KindFloat
	if aNumeric && bNumeric {
		if a.kind == KindInt && b.kind == KindInt {
			return a.integer == b.integer
		}
		af, _ := a.AsFloat()
		bf, _ := b.AsFloat()
		return math.Abs(af-bf) <= tolerance
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.boolean == b.boolean
	case KindString:
		return a.text == b.text
	case KindBytes:
		return bytes.Equal(a.raw, b.raw)
	case KindList:
		if len(a.items) != len(b.items) {
			return false
		}
		for i := range a.items {
			if !ApproxEqual(a.items[i], b.items[i], tolerance) {
				return false
			}
		}
		return true
	}
	return false
}

// Native converts the value to plain Go data: nil, bool, int64,
// float64, string, []byte, or []any.
func (v Value) Native() any {
	switch v.kind {
	case KindBool:
		return v.boolean
	case KindInt:
		return v.integer
	case KindFloat:
		return v.float
	case KindString:
		return v.text
	case KindBytes:
		return bytes.Clone(v.raw)
	case KindList:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			out[i] = item.Native()
		}
		return out
	}
	return nil
}

// FromNative is the inverse of [Value.Native]. It also accepts the
// integer and float widths that decoders and protocol libraries
// produce, and json.Number. Maps have no Value representation and are
// carried as their compact JSON text.
func FromNative(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Float(float64(t)), nil
		}
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case json.Number:
		return numberValue(string(t))
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, element := range t {
			item, err := FromNative(element)
			if err != nil {
				return Value{}, fmt.Errorf("list item %d: %w", i, err)
			}
			items[i] = item
		}
		return Value{kind: KindList, items: items}, nil
	case map[string]any, map[any]any:
		encoded, err := json.Marshal(normalizeMap(t))
		if err != nil {
			return Value{}, fmt.Errorf("encoding map value: %w", err)
		}
		return String(string(encoded)), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", x)
}

// normalizeMap converts CBOR's map[any]any into something encoding/json
// accepts.
func normalizeMap(x any) any {
	switch t := x.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for key, element := range t {
			out[fmt.Sprint(key)] = normalizeMap(element)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for key, element := range t {
			out[key] = normalizeMap(element)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, element := range t {
			out[i] = normalizeMap(element)
		}
		return out
	}
	return x
}

// numberValue parses a JSON number literal. Literals without a
// fraction or exponent that fit in int64 become Int.
func numberValue(literal string) (Value, error) {
	if !strings.ContainsAny(literal, ".eE") {
		if i, err := strconv.ParseInt(literal, 10, 64); err == nil {
			return Int(i), nil
		}
	}
	f, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return Value{}, fmt.Errorf("invalid number %q: %w", literal, err)
	}
	return Float(f), nil
}

// MarshalJSON encodes the value as the natural JSON literal. Bytes are
// base64 text; non-finite floats encode as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindFloat && (math.IsNaN(v.float) || math.IsInf(v.float, 0)) {
		return []byte("null"), nil
	}
	if v.kind == KindList {
		var buffer bytes.Buffer
		buffer.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buffer.WriteByte(',')
			}
			encoded, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buffer.Write(encoded)
		}
		buffer.WriteByte(']')
		return buffer.Bytes(), nil
	}
	if v.kind == KindFloat && v.float == math.Trunc(v.float) && math.Abs(v.float) < 1e15 {
		// Keep the fraction so the value reads back as a Float.
		return []byte(strconv.FormatFloat(v.float, 'f', 1, 64)), nil
	}
	return json.Marshal(v.Native())
}

// UnmarshalJSON decodes any JSON literal. Objects become String values
// holding their compact JSON text.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return err
	}
	if _, err := decoder.Token(); err != io.EOF {
		return fmt.Errorf("trailing data after JSON value")
	}
	parsed, err := FromNative(decoded)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseJSON decodes a JSON document into a Value.
func ParseJSON(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Value{}, err
	}
	return v, nil
}

// MarshalCBOR encodes the value with the native CBOR major type for its
// kind.
func (v Value) MarshalCBOR() ([]byte, error) {
	return codec.Marshal(v.Native())
}

// UnmarshalCBOR decodes any CBOR item representable as a Value.
func (v *Value) UnmarshalCBOR(data []byte) error {
	var decoded any
	if err := codec.Unmarshal(data, &decoded); err != nil {
		return err
	}
	parsed, err := FromNative(decoded)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
