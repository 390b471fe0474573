// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse mounts an encrypting overlay as a FUSE filesystem.
//
// The mount mirrors the directory tree of the overlay's backing
// target. Regular file contents pass through the overlay core, which
// decrypts them on open (when the mount permits reading) and encrypts
// them through an external program when the last handle closes.
// Directories, symlinks, permissions, and timestamps pass through to
// the backing filesystem unchanged.
//
// All file I/O uses direct I/O so plaintext never enters the kernel
// page cache, and so sizes reported by the overlay (which differ from
// the on-disk ciphertext sizes) stay authoritative.
package fuse
