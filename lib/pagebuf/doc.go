// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package pagebuf provides a sparse, page-granular byte buffer backed by
// anonymous mmap allocations outside the Go heap.
//
// A Buffer maps page-aligned byte offsets to owned memory regions. Gaps
// between regions read as zero, so largely-sparse files never materialize
// their zero pages. The buffer can drain itself to a pipe with vmsplice,
// moving whole pages without a user-space copy and falling back to an
// ordinary write for the sub-page tail.
//
// Allocations are optionally locked into physical RAM (MAP_LOCKED) so
// decrypted plaintext never reaches swap. The locking policy is fixed at
// buffer creation.
package pagebuf
