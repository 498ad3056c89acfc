// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds socket helpers shared by adapters and the
// transport layer.
package netutil

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// IsExpectedCloseError reports whether err is what a read or write
// returns when the local side closed the socket or the remote side hung
// up: EOF, a closed connection or file, EPIPE, or ECONNRESET. Read
// loops treat these as a normal end of stream rather than a failure.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
