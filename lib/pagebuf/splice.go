// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

package pagebuf

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// scratchSize caps the reusable zero allocation used to synthesize
// gaps during a splice.
const scratchSize = 1 << 20

// uioMaxIOV is the kernel's per-call iovec limit (IOV_MAX on Linux).
// vmsplice rejects longer vectors with EINVAL, so batches are capped
// at this length.
const uioMaxIOV = 1024

// Splice transfers exactly Size() bytes of buffer content into fd,
// which must be a pipe. Whole pages up to the last complete page
// boundary move via vmsplice; gaps are synthesized from a reusable
// all-zero allocation; the sub-page tail goes out with an ordinary
// write. Returns the number of bytes transferred.
//
// flags is passed through to vmsplice, except that SPLICE_F_GIFT is
// never applied to the shared zero allocation.
func (b *Buffer) Splice(fd int, flags int) (int64, error) {
	lastWholePage := b.pageFloor(b.size)

	var position int64
	index := 0
	for index < len(b.regions) && position < lastWholePage {
		r := b.regions[index]

		// Synthesize the gap before this region.
		if position < r.off {
			gap := r.off - position
			if gap > lastWholePage-position {
				gap = lastWholePage - position
			}
			if err := b.zeroSplice(fd, gap, flags); err != nil {
				return position, err
			}
			position += gap
			continue
		}

		// Collect a batch of contiguous regions, bounded by the
		// kernel's iovec limit.
		var iovecs []unix.Iovec
		for len(iovecs) < uioMaxIOV && index < len(b.regions) {
			r := b.regions[index]
			if position < r.off {
				// Not contiguous; flush what we have.
				break
			}

			internalSize := int64(r.alloc.size())
			if rest := lastWholePage - position; internalSize > rest {
				internalSize = rest
			}
			if internalSize == 0 {
				break
			}

			var iov unix.Iovec
			iov.Base = &r.alloc.data[0]
			iov.SetLen(int(internalSize))
			iovecs = append(iovecs, iov)

			position += internalSize
			if position == lastWholePage {
				// Retain index: the tail may resume inside
				// this region.
				break
			}
			index++
		}

		if err := flushIovecs(fd, iovecs, flags); err != nil {
			return position, err
		}
	}

	// Trailing whole-page extent with no region behind it.
	if position < lastWholePage {
		if err := b.zeroSplice(fd, lastWholePage-position, flags); err != nil {
			return position, err
		}
		position = lastWholePage
	}

	// Byte-accurate sub-page tail.
	if lastWholePage < b.size {
		tail := make([]byte, b.size-lastWholePage)
		b.Read(tail, lastWholePage)
		for len(tail) > 0 {
			n, err := unix.Write(fd, tail)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return position, fmt.Errorf("pagebuf: tail write failed: %w", err)
			}
			tail = tail[n:]
			position += int64(n)
		}
	}

	return position, nil
}

// zeroSplice pushes size zero bytes into fd by repeatedly splicing the
// shared scratch allocation. The scratch pages are reused across calls,
// so SPLICE_F_GIFT is masked off; gifted pages may not be touched
// again.
func (b *Buffer) zeroSplice(fd int, size int64, flags int) error {
	flags &^= unix.SPLICE_F_GIFT

	if b.scratch == nil {
		alloc, err := newAllocation(scratchSize, LockNone)
		if err != nil {
			return err
		}
		b.scratch = alloc
	}

	for position := int64(0); position < size; {
		var iovecs []unix.Iovec
		for len(iovecs) < uioMaxIOV && position < size {
			length := int64(b.scratch.size())
			if rest := size - position; length > rest {
				length = rest
			}

			var iov unix.Iovec
			iov.Base = &b.scratch.data[0]
			iov.SetLen(int(length))
			iovecs = append(iovecs, iov)
			position += length
		}

		if err := flushIovecs(fd, iovecs, flags); err != nil {
			return err
		}
	}
	return nil
}

// flushIovecs drives vmsplice until every iovec is fully consumed,
// advancing through partially-consumed segments between calls.
func flushIovecs(fd int, iovecs []unix.Iovec, flags int) error {
	for index := 0; index < len(iovecs); {
		n, err := unix.Vmsplice(fd, iovecs[index:], flags)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("pagebuf: vmsplice failed: %w", err)
		}

		for remaining := uint64(n); index < len(iovecs) && remaining > 0; {
			length := iovecs[index].Len
			if length > remaining {
				length = remaining
			}

			iovecs[index].Len -= length
			remaining -= length
			if iovecs[index].Len == 0 {
				index++
			} else {
				iovecs[index].Base = (*byte)(unsafe.Add(unsafe.Pointer(iovecs[index].Base), length))
			}
		}
	}
	return nil
}
