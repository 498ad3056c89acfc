// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads Patchbay router configuration.
//
// Configuration comes from a single file named by the --config flag
// (via [LoadFile]) or the PATCHBAY_CONFIG environment variable (via
// [Load]). There is no discovery and no per-field environment
// override. Files ending in .json or .jsonc are parsed as JSON with
// comments and trailing commas; anything else is YAML.
//
// ${VAR} and ${VAR:-default} are expanded in path-like fields after
// loading.
//
// A [Store] persists the bridge table between runs. [FileStore] keeps
// it in a YAML file replaced atomically on every save.
package config
