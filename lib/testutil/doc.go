// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for veilfs packages.
package testutil
