// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

package pagebuf

import (
	"os"
	"sort"
)

// region associates a page-aligned byte offset with the allocation
// that backs it.
type region struct {
	off   int64
	alloc *allocation
}

// Buffer is a sparse virtual byte buffer. Every region starts on a
// page boundary and spans a whole-page multiple; regions never overlap.
// Bytes in the gaps between regions, and bytes between the last region
// and the logical size, read as zero.
//
// Buffer is not safe for concurrent use. The overlay serializes access
// per file handle.
type Buffer struct {
	pageSize int64
	size     int64
	policy   LockPolicy
	regions  []region // sorted by off

	// scratch is the reusable zero allocation for splicing gaps.
	scratch *allocation
}

// New returns an empty buffer using the given memory locking policy
// for all of its allocations.
func New(policy LockPolicy) *Buffer {
	return &Buffer{
		pageSize: int64(os.Getpagesize()),
		policy:   policy,
	}
}

// Size returns the logical size of the buffer in bytes.
func (b *Buffer) Size() int64 {
	return b.size
}

// PageSize returns the allocation granularity.
func (b *Buffer) PageSize() int64 {
	return b.pageSize
}

func (b *Buffer) pageFloor(n int64) int64 {
	return n &^ (b.pageSize - 1)
}

func (b *Buffer) pageCeil(n int64) int64 {
	return (n + b.pageSize - 1) &^ (b.pageSize - 1)
}

// searchIndex returns the index of the first region whose offset is
// >= off.
func (b *Buffer) searchIndex(off int64) int {
	return sort.Search(len(b.regions), func(i int) bool {
		return b.regions[i].off >= off
	})
}

// floorIndex returns the index of the region with the greatest offset
// <= off. When every region starts past off, it returns 0 so a scan
// can zero-fill up to the first region. Returns -1 on an empty buffer.
func (b *Buffer) floorIndex(off int64) int {
	if len(b.regions) == 0 {
		return -1
	}
	i := b.searchIndex(off)
	if i < len(b.regions) && b.regions[i].off == off {
		return i
	}
	if i == 0 {
		return 0
	}
	return i - 1
}

// Read fills dest with the buffer's contents starting at offset and
// returns the number of bytes produced: min(len(dest), size-offset),
// or zero when offset is at or past the logical size. Gaps between
// regions and any tail past the last region are zero-filled. There
// are no short reads.
func (b *Buffer) Read(dest []byte, offset int64) int {
	if offset >= b.size {
		return 0
	}
	n := int64(len(dest))
	if remaining := b.size - offset; n > remaining {
		n = remaining
	}

	var position int64
	for i := b.floorIndex(b.pageFloor(offset)); i >= 0 && i < len(b.regions) && b.regions[i].off < offset+n; i++ {
		r := b.regions[i]

		// Zero-fill the gap before this region.
		if r.off > offset+position {
			zeroLength := r.off - offset - position
			zeroFill(dest[position : position+zeroLength])
			position += zeroLength
		}

		internalOffset := offset + position - r.off
		if internalOffset >= int64(r.alloc.size()) {
			// The floor region ends before our start offset.
			continue
		}

		internalLength := int64(r.alloc.size()) - internalOffset
		if rest := n - position; internalLength > rest {
			internalLength = rest
		}
		copy(dest[position:position+internalLength], r.alloc.data[internalOffset:])
		position += internalLength
	}

	// Zero-fill the tail past the last region.
	if position < n {
		zeroFill(dest[position:n])
		position = n
	}
	return int(position)
}

// Write copies data into the buffer at offset, allocating page-aligned
// regions for any pages not yet backed. A new region is sized to fill
// the gap from the target page up to the next existing region, or up
// to the end of the write when none follows. The logical size grows to
// cover the written extent.
func (b *Buffer) Write(data []byte, offset int64) error {
	n := int64(len(data))
	for position := int64(0); position < n; {
		target := offset + position
		base := b.pageFloor(target)

		r := b.covering(base)
		if r == nil {
			// Allocate a fresh region from base up to the next
			// existing region, or the end of this write.
			next := b.searchIndex(base + 1)
			var end int64
			if next == len(b.regions) {
				end = b.pageCeil(base + (n - position))
			} else {
				end = b.regions[next].off
			}

			alloc, err := newAllocation(int(end-base), b.policy)
			if err != nil {
				return err
			}
			b.regions = append(b.regions, region{})
			copy(b.regions[next+1:], b.regions[next:])
			b.regions[next] = region{off: base, alloc: alloc}
			r = &b.regions[next]
		}

		internalOffset := target - r.off
		internalLength := int64(r.alloc.size()) - internalOffset
		if rest := n - position; internalLength > rest {
			internalLength = rest
		}
		copy(r.alloc.data[internalOffset:], data[position:position+internalLength])
		position += internalLength

		if end := offset + position; end > b.size {
			b.size = end
		}
	}
	return nil
}

// covering returns the region containing the page-aligned offset base,
// or nil when no region backs that page.
func (b *Buffer) covering(base int64) *region {
	i := b.floorIndex(base)
	if i < 0 {
		return nil
	}
	r := &b.regions[i]
	if r.off <= base && base < r.off+int64(r.alloc.size()) {
		return r
	}
	return nil
}

// Resize sets the logical size to n. Shrinking drops (and unmaps)
// every region starting at or past n; the bytes of a region straddling
// n are retained but never read past the logical size. Growing adds no
// allocations; the new extent reads as zero until written.
func (b *Buffer) Resize(n int64) {
	if b.size > n {
		cut := b.searchIndex(n)
		for i := cut; i < len(b.regions); i++ {
			b.regions[i].alloc.release()
		}
		b.regions = b.regions[:cut]
	}
	b.size = n
}

// Clear drops every region and resets the logical size to zero.
func (b *Buffer) Clear() {
	for i := range b.regions {
		b.regions[i].alloc.release()
	}
	b.regions = nil
	b.size = 0
}

// Close releases all buffer memory, including the splice scratch
// allocation. The buffer is empty but reusable afterwards.
func (b *Buffer) Close() {
	b.Clear()
	if b.scratch != nil {
		b.scratch.release()
		b.scratch = nil
	}
}

func zeroFill(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
