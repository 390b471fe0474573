// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package overlay implements the encrypted pass-through filesystem
// core: a table of open file handles layered over a backing directory,
// where file contents live decrypted in sparse page buffers while open
// and are re-encrypted through the external program when the last
// reference to a file is released.
//
// All paths are relative to the backing root and resolved with the
// *at() syscall family against an open directory descriptor, so the
// overlay can never escape its root.
//
// Operations return syscall.Errno values (zero on success), ready for
// the FUSE front-end in the fuse subpackage to hand to the kernel.
// A single mutex serializes every table and handle mutation; it is
// held across decrypt and encrypt subprocess calls, so operations on
// one handle appear fully serialized to callers.
package overlay
