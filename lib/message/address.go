// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAddress is returned (wrapped) for malformed addresses and
// patterns.
var ErrInvalidAddress = errors.New("invalid address")

const (
	wildcardOne  = "*"
	wildcardMany = "**"
)

// ValidateAddress checks that address is "/"-rooted and has no empty
// interior segments. A single trailing slash is tolerated.
func ValidateAddress(address string) error {
	_, err := splitAddress(address)
	return err
}

// Segments returns the path segments of address without the leading
// slash. It does not validate.
func Segments(address string) []string {
	trimmed := strings.TrimPrefix(address, "/")
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Join builds an address from segments, skipping empty ones.
func Join(segments ...string) string {
	var builder strings.Builder
	for _, segment := range segments {
		segment = strings.Trim(segment, "/")
		if segment == "" {
			continue
		}
		builder.WriteByte('/')
		builder.WriteString(segment)
	}
	if builder.Len() == 0 {
		return "/"
	}
	return builder.String()
}

func splitAddress(address string) ([]string, error) {
	if address == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if address[0] != '/' {
		return nil, fmt.Errorf("%w: %q must start with '/'", ErrInvalidAddress, address)
	}
	segments := Segments(address)
	for _, segment := range segments {
		if segment == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidAddress, address)
		}
	}
	return segments, nil
}

// Pattern is a compiled subscription pattern. The zero Pattern matches
// nothing.
type Pattern struct {
	raw      string
	segments []string
	wildcard bool
}

// CompilePattern parses a pattern. Wildcards must occupy a whole
// segment: "/fader/*" is a pattern, "/fader*" is a literal address.
func CompilePattern(raw string) (Pattern, error) {
	segments, err := splitAddress(raw)
	if err != nil {
		return Pattern{}, err
	}
	pattern := Pattern{raw: raw, segments: segments}
	for _, segment := range segments {
		if segment == wildcardOne || segment == wildcardMany {
			pattern.wildcard = true
		}
	}
	return pattern, nil
}

// MustCompilePattern is CompilePattern for constant patterns.
func MustCompilePattern(raw string) Pattern {
	pattern, err := CompilePattern(raw)
	if err != nil {
		panic(err)
	}
	return pattern
}

func (p Pattern) String() string { return p.raw }

// IsWildcard reports whether the pattern contains "*" or "**".
func (p Pattern) IsWildcard() bool { return p.wildcard }

// Match reports whether address is matched by the pattern.
func (p Pattern) Match(address string) bool {
	if p.raw == "" {
		return false
	}
	if !p.wildcard {
		return strings.TrimSuffix(address, "/") == strings.TrimSuffix(p.raw, "/")
	}
	return matchSegments(p.segments, Segments(address))
}

// matchSegments runs a segment-level glob match. reachable[j] records
// whether the pattern prefix consumed so far can align with the first
// j address segments, so "**" runs in linear time per pattern segment.
func matchSegments(pattern, address []string) bool {
	reachable := make([]bool, len(address)+1)
	reachable[0] = true
	for _, segment := range pattern {
		next := make([]bool, len(address)+1)
		switch segment {
		case wildcardMany:
			seen := false
			for j := range reachable {
				seen = seen || reachable[j]
				next[j] = seen
			}
		default:
			for j := 1; j <= len(address); j++ {
				if reachable[j-1] && (segment == wildcardOne || segment == address[j-1]) {
					next[j] = true
				}
			}
		}
		reachable = next
	}
	return reachable[len(address)]
}
