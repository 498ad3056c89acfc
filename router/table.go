// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"slices"
	"sort"

	"github.com/patchbay-dev/patchbay/lib/message"
)

// Table maps subscription patterns to the destinations subscribed with
// them. Literal patterns resolve through a map; wildcard patterns are
// scanned. Not safe for concurrent use: the core's loop owns it.
type Table struct {
	literal  map[string]*tableEntry
	wildcard map[string]*tableEntry
}

type tableEntry struct {
	pattern message.Pattern
	members map[string]struct{}
}

func NewTable() *Table {
	return &Table{
		literal:  make(map[string]*tableEntry),
		wildcard: make(map[string]*tableEntry),
	}
}

func (t *Table) bucket(pattern message.Pattern) map[string]*tableEntry {
	if pattern.IsWildcard() {
		return t.wildcard
	}
	return t.literal
}

// Add subscribes id to pattern. It reports false if the subscription
// already existed.
func (t *Table) Add(pattern message.Pattern, id string) bool {
	bucket := t.bucket(pattern)
	key := pattern.String()
	entry, ok := bucket[key]
	if !ok {
		entry = &tableEntry{pattern: pattern, members: make(map[string]struct{})}
		bucket[key] = entry
	}
	if _, exists := entry.members[id]; exists {
		return false
	}
	entry.members[id] = struct{}{}
	return true
}

// Remove unsubscribes id from pattern, dropping the pattern once it has
// no members.
func (t *Table) Remove(pattern message.Pattern, id string) bool {
	bucket := t.bucket(pattern)
	key := pattern.String()
	entry, ok := bucket[key]
	if !ok {
		return false
	}
	if _, exists := entry.members[id]; !exists {
		return false
	}
	delete(entry.members, id)
	if len(entry.members) == 0 {
		delete(bucket, key)
	}
	return true
}

// RemoveAll drops every subscription held by id.
func (t *Table) RemoveAll(id string) {
	for _, bucket := range []map[string]*tableEntry{t.literal, t.wildcard} {
		for key, entry := range bucket {
			delete(entry.members, id)
			if len(entry.members) == 0 {
				delete(bucket, key)
			}
		}
	}
}

// Match returns the sorted, de-duplicated ids subscribed to any pattern
// matching address.
func (t *Table) Match(address string) []string {
	seen := make(map[string]struct{})
	if entry, ok := t.literal[address]; ok {
		for id := range entry.members {
			seen[id] = struct{}{}
		}
	}
	for _, entry := range t.wildcard {
		if !entry.pattern.Match(address) {
			continue
		}
		for id := range entry.members {
			seen[id] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Patterns returns the sorted patterns id is subscribed with.
func (t *Table) Patterns(id string) []string {
	var patterns []string
	for _, bucket := range []map[string]*tableEntry{t.literal, t.wildcard} {
		for key, entry := range bucket {
			if _, ok := entry.members[id]; ok {
				patterns = append(patterns, key)
			}
		}
	}
	slices.Sort(patterns)
	return patterns
}

// Len counts distinct patterns.
func (t *Table) Len() int { return len(t.literal) + len(t.wildcard) }
