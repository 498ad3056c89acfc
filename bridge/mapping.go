// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/patchbay-dev/patchbay/lib/message"
)

// Mapping rewrites the messages a bridge's source adapter produces.
//
// From is a pattern. Each "*" captures one segment and a trailing "**"
// captures the rest of the address. To is the new address; its "*" and
// "**" segments are filled with the captures in order. An empty To
// keeps the address. Transforms run in order on numeric values; other
// kinds pass through unchanged.
type Mapping struct {
	From       string      `yaml:"from" json:"from"`
	To         string      `yaml:"to,omitempty" json:"to,omitempty"`
	Transforms []Transform `yaml:"transforms,omitempty" json:"transforms,omitempty"`
}

// TransformType names a value transform.
type TransformType string

const (
	// TransformScale maps [FromMin, FromMax] linearly onto [ToMin, ToMax].
	TransformScale TransformType = "scale"
	// TransformClamp limits the value to [Min, Max].
	TransformClamp TransformType = "clamp"
	// TransformInvert is 1 - x, for normalized values.
	TransformInvert TransformType = "invert"
	// TransformInt truncates toward zero and yields an Int.
	TransformInt TransformType = "int"
	// TransformFloat yields a Float.
	TransformFloat TransformType = "float"
	// TransformThreshold yields 1 at or above Threshold and 0 below it.
	TransformThreshold TransformType = "threshold"
	// TransformDeadZone zeroes values whose magnitude is below Threshold.
	TransformDeadZone TransformType = "dead_zone"
	// TransformQuantize snaps a normalized value to Steps even steps.
	TransformQuantize TransformType = "quantize"
	// TransformRound rounds to Decimals decimal places.
	TransformRound TransformType = "round"
)

// Transform is one step of a mapping's value chain. Only the fields
// its Type uses are read.
type Transform struct {
	Type TransformType `yaml:"type" json:"type"`

	FromMin float64 `yaml:"from_min,omitempty" json:"from_min,omitempty"`
	FromMax float64 `yaml:"from_max,omitempty" json:"from_max,omitempty"`
	ToMin   float64 `yaml:"to_min,omitempty" json:"to_min,omitempty"`
	ToMax   float64 `yaml:"to_max,omitempty" json:"to_max,omitempty"`

	Min float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max float64 `yaml:"max,omitempty" json:"max,omitempty"`

	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Steps     int     `yaml:"steps,omitempty" json:"steps,omitempty"`
	Decimals  int     `yaml:"decimals,omitempty" json:"decimals,omitempty"`
}

// Validate reports a transform whose parameters cannot be applied.
func (t Transform) Validate() error {
	switch t.Type {
	case TransformScale:
		if t.FromMin == t.FromMax {
			return fmt.Errorf("scale: from_min and from_max are both %g", t.FromMin)
		}
	case TransformClamp:
		if t.Min > t.Max {
			return fmt.Errorf("clamp: min %g above max %g", t.Min, t.Max)
		}
	case TransformQuantize:
		if t.Steps < 1 {
			return fmt.Errorf("quantize: steps must be positive, got %d", t.Steps)
		}
	case TransformRound:
		if t.Decimals < 0 || t.Decimals > 15 {
			return fmt.Errorf("round: decimals %d outside 0..15", t.Decimals)
		}
	case TransformInvert, TransformInt, TransformFloat, TransformThreshold, TransformDeadZone:
	case "":
		return errors.New("transform type is required")
	default:
		return fmt.Errorf("unknown transform %q", t.Type)
	}
	return nil
}

// Apply runs the transform on value. Non-numeric values are returned
// as they are.
func (t Transform) Apply(value message.Value) message.Value {
	x, ok := value.AsFloat()
	if !ok || value.Kind() == message.KindBool {
		return value
	}
	switch t.Type {
	case TransformScale:
		x = t.ToMin + (x-t.FromMin)/(t.FromMax-t.FromMin)*(t.ToMax-t.ToMin)
	case TransformClamp:
		x = math.Max(t.Min, math.Min(t.Max, x))
		if value.Kind() == message.KindInt {
			return message.Int(int64(x))
		}
	case TransformInvert:
		x = 1 - x
	case TransformInt:
		i, _ := value.AsInt()
		return message.Int(i)
	case TransformFloat:
	case TransformThreshold:
		if x >= t.Threshold {
			x = 1
		} else {
			x = 0
		}
	case TransformDeadZone:
		if math.Abs(x) < t.Threshold {
			x = 0
		}
		if value.Kind() == message.KindInt {
			return message.Int(int64(x))
		}
	case TransformQuantize:
		steps := float64(t.Steps)
		x = math.Round(x*steps) / steps
	case TransformRound:
		scale := math.Pow(10, float64(t.Decimals))
		x = math.Round(x*scale) / scale
	default:
		return value
	}
	return message.Float(x)
}

// mappingTable is a bridge's compiled mappings. The first mapping
// whose From matches a message applies; other messages pass unchanged.
type mappingTable []compiledMapping

type compiledMapping struct {
	from       []string
	to         []string
	transforms []Transform
}

// ValidateMappings reports the first mapping that cannot be compiled.
func ValidateMappings(mappings []Mapping) error {
	_, err := compileMappings(mappings)
	return err
}

func compileMappings(mappings []Mapping) (mappingTable, error) {
	table := make(mappingTable, 0, len(mappings))
	for i, mapping := range mappings {
		compiled, err := compileMapping(mapping)
		if err != nil {
			return nil, fmt.Errorf("mapping %d (%s): %w", i, mapping.From, err)
		}
		table = append(table, compiled)
	}
	return table, nil
}

func compileMapping(mapping Mapping) (compiledMapping, error) {
	if _, err := message.CompilePattern(mapping.From); err != nil {
		return compiledMapping{}, err
	}
	from := message.Segments(mapping.From)
	captures := 0
	for i, segment := range from {
		switch segment {
		case "**":
			if i != len(from)-1 {
				return compiledMapping{}, errors.New(`"**" may only end a mapping pattern`)
			}
			captures++
		case "*":
			captures++
		}
	}

	var to []string
	if mapping.To != "" {
		if err := message.ValidateAddress(mapping.To); err != nil {
			return compiledMapping{}, err
		}
		to = message.Segments(mapping.To)
		placeholders := 0
		for _, segment := range to {
			if segment == "*" || segment == "**" {
				placeholders++
			}
		}
		if placeholders > captures {
			return compiledMapping{}, fmt.Errorf("%s has %d placeholders but %s captures %d", mapping.To, placeholders, mapping.From, captures)
		}
	}

	for _, transform := range mapping.Transforms {
		if err := transform.Validate(); err != nil {
			return compiledMapping{}, err
		}
	}
	return compiledMapping{from: from, to: to, transforms: mapping.Transforms}, nil
}

// capture matches address against the mapping's From and returns the
// captured segments.
func (c compiledMapping) capture(address string) ([]string, bool) {
	segments := message.Segments(address)
	var captured []string
	for i, segment := range c.from {
		if segment == "**" {
			captured = append(captured, strings.Join(segments[i:], "/"))
			return captured, true
		}
		if i >= len(segments) {
			return nil, false
		}
		switch segment {
		case "*":
			captured = append(captured, segments[i])
		case segments[i]:
		default:
			return nil, false
		}
	}
	return captured, len(segments) == len(c.from)
}

func (c compiledMapping) rewrite(captured []string) string {
	segments := make([]string, 0, len(c.to))
	next := 0
	for _, segment := range c.to {
		if segment == "*" || segment == "**" {
			segments = append(segments, captured[next])
			next++
			continue
		}
		segments = append(segments, segment)
	}
	return message.Join(segments...)
}

// apply returns m rewritten by the first matching mapping.
func (table mappingTable) apply(m message.Message) message.Message {
	for _, mapping := range table {
		captured, ok := mapping.capture(m.Address())
		if !ok {
			continue
		}
		if mapping.to != nil {
			m = m.WithAddress(mapping.rewrite(captured))
		}
		value := m.Value()
		for _, transform := range mapping.transforms {
			value = transform.Apply(value)
		}
		return m.WithValue(value)
	}
	return m
}
