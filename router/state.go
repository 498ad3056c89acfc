// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"slices"
	"strings"

	"github.com/patchbay-dev/patchbay/lib/message"
)

// DefaultStateLimit bounds how many addresses the last-value store
// keeps.
const DefaultStateLimit = 65536

type retained struct {
	message message.Message
	origin  string
}

// state is the last value routed to each address. It is owned by the
// loop goroutine.
type state struct {
	limit  int
	values map[string]retained
}

func newState(limit int) *state {
	return &state{limit: limit, values: make(map[string]retained)}
}

// record stores m as the value of its address. A full store keeps
// updating known addresses but refuses new ones.
func (s *state) record(m message.Message, origin string) bool {
	if s.limit < 0 {
		return false
	}
	if _, known := s.values[m.Address()]; !known && len(s.values) >= s.limit {
		return false
	}
	s.values[m.Address()] = retained{message: m, origin: origin}
	return true
}

// matching returns the retained messages whose address matches any of
// patterns, ordered by address. Values that originated at exclude are
// left out, the same way dispatch never echoes to the origin.
func (s *state) matching(exclude string, patterns ...message.Pattern) []message.Message {
	var found []message.Message
	for address, value := range s.values {
		if value.origin == exclude && exclude != "" {
			continue
		}
		for _, pattern := range patterns {
			if pattern.Match(address) {
				found = append(found, value.message)
				break
			}
		}
	}
	slices.SortFunc(found, func(a, b message.Message) int {
		return strings.Compare(a.Address(), b.Address())
	})
	return found
}

func (s *state) len() int { return len(s.values) }
