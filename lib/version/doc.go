// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for Patchbay
// binaries.
//
// [GitCommit], [GitDirty], [BuildTime], and [Version] are injected at
// build time via -ldflags -X and default to "unknown" / "0.1.0-dev"
// otherwise.
//
// [Info] is the one-line form printed by --version. [Full] adds the Go
// toolchain, platform, and a BLAKE3 digest of the running binary from
// [SelfHash], which tells two deployed builds with the same version
// string apart.
package version
