// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

package pagebuf

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// LockPolicy controls whether buffer memory is locked against swapping.
type LockPolicy int

const (
	// LockNone leaves buffer memory swappable.
	LockNone LockPolicy = iota
	// LockBuffers locks decrypted buffer pages into physical RAM.
	LockBuffers
	// LockAll locks buffer pages and is intended to be combined with a
	// process-wide mlockall by the caller.
	LockAll
)

// ParseLockPolicy parses a policy name as given on the command line or
// in a config file: "none", "buffers", or "all".
func ParseLockPolicy(name string) (LockPolicy, error) {
	switch name {
	case "none":
		return LockNone, nil
	case "buffers":
		return LockBuffers, nil
	case "all":
		return LockAll, nil
	default:
		return LockNone, fmt.Errorf("invalid memory lock policy %q (want none, buffers, or all)", name)
	}
}

func (p LockPolicy) String() string {
	switch p {
	case LockNone:
		return "none"
	case LockBuffers:
		return "buffers"
	case LockAll:
		return "all"
	default:
		return fmt.Sprintf("LockPolicy(%d)", int(p))
	}
}

// allocation is an owned, page-size-multiple anonymous mmap region.
// Exactly one buffer slot owns each allocation; release unmaps it.
// The region is never copied: moving it between slots moves the
// pointer, not the pages.
type allocation struct {
	data []byte
}

// newAllocation maps a fresh anonymous region of the given size. The
// size must be a multiple of the page size. Under LockBuffers and
// LockAll the region is locked into physical RAM at map time.
func newAllocation(size int, policy LockPolicy) (*allocation, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if policy == LockBuffers || policy == LockAll {
		flags |= unix.MAP_LOCKED
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("pagebuf: mmap of %d bytes failed: %w", size, err)
	}
	return &allocation{data: data}, nil
}

func (a *allocation) size() int {
	return len(a.data)
}

// release unmaps the region. The munmap error is ignored: release runs
// on eviction and teardown paths where there is no caller to report to,
// and the mapping is reclaimed at process exit regardless.
func (a *allocation) release() {
	if a.data != nil {
		_ = unix.Munmap(a.data)
		a.data = nil
	}
}
