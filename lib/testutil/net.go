// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

// FreeUDPAddress returns a loopback UDP address that was free a moment
// ago.
func FreeUDPAddress(t testing.TB) string {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving UDP port: %v", err)
	}
	address := conn.LocalAddr().String()
	conn.Close()
	return address
}

// FreeTCPAddress returns a loopback TCP address that was free a moment
// ago.
func FreeTCPAddress(t testing.TB) string {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving TCP port: %v", err)
	}
	address := listener.Addr().String()
	listener.Close()
	return address
}

// FIFO creates a named pipe in a test temp directory.
func FIFO(t testing.TB, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := unix.Mkfifo(path, 0o600); err != nil {
		t.Fatalf("mkfifo %s: %v", path, err)
	}
	return path
}

// OpenFIFOReader opens path for reading without waiting for a writer.
func OpenFIFOReader(t testing.TB, path string) *os.File {
	t.Helper()
	file, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("opening fifo %s: %v", path, err)
	}
	if err := unix.SetNonblock(int(file.Fd()), false); err != nil {
		file.Close()
		t.Fatalf("clearing O_NONBLOCK on %s: %v", path, err)
	}
	t.Cleanup(func() { file.Close() })
	return file
}
