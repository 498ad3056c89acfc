// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"time"

	"github.com/patchbay-dev/patchbay/adapter"
)

// Kind distinguishes router connections from direct bridges.
type Kind string

const (
	RouterConnection Kind = "router"
	Direct           Kind = "direct"
)

// Status is a bridge's place in its lifecycle.
type Status string

const (
	StatusActive  Status = "active"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

// Target is where a bridge's source adapter is connected: the router
// core named by Router, or a second adapter built from Adapter. Exactly
// one is set.
type Target struct {
	Router  string        `yaml:"router,omitempty" json:"router,omitempty"`
	Adapter *adapter.Spec `yaml:"adapter,omitempty" json:"adapter,omitempty"`
}

// RouterTarget connects a bridge to the router core with id routerID.
func RouterTarget(routerID string) Target { return Target{Router: routerID} }

// AdapterTarget connects a bridge directly to the adapter built from
// spec.
func AdapterTarget(spec adapter.Spec) Target { return Target{Adapter: &spec} }

// Kind is the bridge kind the target produces.
func (t Target) Kind() Kind {
	if t.Adapter != nil {
		return Direct
	}
	return RouterConnection
}

func (t Target) String() string {
	if t.Adapter != nil {
		return "adapter:" + t.Adapter.ID
	}
	return "router:" + t.Router
}

// Request asks the manager for a new bridge. An empty ID is generated.
// An empty Source.ID defaults to the bridge id, and an empty target
// adapter id to the bridge id with a "-target" suffix.
type Request struct {
	ID            string
	Source        adapter.Spec
	Target        Target
	Implicit      bool
	Subscriptions []string
	// Mappings rewrite what the source adapter produces before it
	// reaches the router or the target adapter.
	Mappings []Mapping
}

// Config is the persisted record of a bridge.
type Config struct {
	ID            string       `yaml:"id" json:"id"`
	Kind          Kind         `yaml:"kind" json:"kind"`
	Source        adapter.Spec `yaml:"source" json:"source"`
	Target        Target       `yaml:"target" json:"target"`
	Implicit      bool         `yaml:"implicit,omitempty" json:"implicit,omitempty"`
	Subscriptions []string     `yaml:"subscriptions,omitempty" json:"subscriptions,omitempty"`
	Mappings      []Mapping    `yaml:"mappings,omitempty" json:"mappings,omitempty"`
}

// Request turns a persisted record back into a creation request.
func (c Config) Request() Request {
	return Request{
		ID:            c.ID,
		Source:        c.Source,
		Target:        c.Target,
		Implicit:      c.Implicit,
		Subscriptions: append([]string(nil), c.Subscriptions...),
		Mappings:      append([]Mapping(nil), c.Mappings...),
	}
}

// Info is a read-only snapshot of one bridge.
type Info struct {
	ID            string
	Kind          Kind
	Source        adapter.Spec
	SourceState   adapter.State
	Target        Target
	TargetState   adapter.State
	Implicit      bool
	Status        Status
	Subscriptions []string
	Mappings      []Mapping
	LastError     error
	Created       time.Time
}
