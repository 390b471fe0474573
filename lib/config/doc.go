// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the veilfs
// mount command.
//
// Configuration is loaded from a single file specified by either the
// VEILFS_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. Command-line flags override config
// file values field by field.
//
// Variable expansion is performed on path fields after loading:
// ${HOME} and ${VAR:-default} patterns are expanded. No other
// environment variables override config values.
//
// This package depends on no other veilfs packages.
package config
