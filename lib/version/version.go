// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/zeebo/blake3"
)

// These variables are set via -ldflags at build time.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"

	// Version is set manually for releases.
	Version = "0.1.0-dev"
)

// Info returns a formatted version string suitable for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full returns Info plus the Go version, platform, and binary digest.
func Full() string {
	full := fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if hash, _, err := SelfHash(); err == nil {
		full += "\n  Binary: " + hash
	}
	return full
}

// Print writes "<binary> <Info>" to stdout.
func Print(binary string) {
	fmt.Printf("%s %s\n", binary, Info())
}

// SelfHash returns the hex BLAKE3 digest and absolute path of the
// running binary. On Linux the path resolves through /proc/self/exe,
// so it names the original binary even if it was replaced on disk.
func SelfHash() (hash string, binaryPath string, err error) {
	executable, err := os.Executable()
	if err != nil {
		return "", "", fmt.Errorf("resolving own executable path: %w", err)
	}
	file, err := os.Open(executable)
	if err != nil {
		return "", "", fmt.Errorf("opening own binary: %w", err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", "", fmt.Errorf("hashing own binary at %s: %w", executable, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), executable, nil
}
