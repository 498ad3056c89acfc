// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"errors"
	"fmt"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrTooManySessions = errors.New("too many sessions")
	ErrNoSession       = errors.New("no such session")
	ErrInvalidPayload  = errors.New("invalid signal payload")
	ErrSignalTimeout   = errors.New("signaling timed out")
	ErrClosed          = errors.New("signaling manager closed")
	ErrNotConnected    = errors.New("session not connected")
)

// Error reports a failure tied to one session. Kind is one of the
// sentinel errors above; errors.Is matches both Kind and the wrapped
// cause.
type Error struct {
	Kind    error
	Session string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session %s: %v", e.Session, e.Kind)
	}
	return fmt.Sprintf("session %s: %v: %v", e.Session, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func sessionError(kind error, session string, cause error) *Error {
	return &Error{Kind: kind, Session: session, Err: cause}
}
