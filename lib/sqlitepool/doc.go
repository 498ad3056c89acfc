// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens SQLite connection pools with Patchbay's
// standard pragmas.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and exposes the
// zombiezen types directly: callers [Pool.Take] a connection, run SQL
// with sqlitex.Execute, and [Pool.Put] it back. Connections are not
// safe for concurrent use.
//
// Every connection runs in WAL mode with synchronous=NORMAL and a five
// second busy timeout, so a router writing its bridge table never
// blocks a reader and survives a process crash mid-write.
package sqlitepool
