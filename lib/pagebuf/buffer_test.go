// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

package pagebuf

import (
	"bytes"
	"os"
	"testing"
)

func TestBuffer_EmptyRead(t *testing.T) {
	buffer := New(LockNone)
	defer buffer.Close()

	dest := make([]byte, 16)
	if n := buffer.Read(dest, 0); n != 0 {
		t.Errorf("expected 0 bytes from empty buffer, got %d", n)
	}
	if buffer.Size() != 0 {
		t.Errorf("expected size 0, got %d", buffer.Size())
	}
}

func TestBuffer_WriteReadRoundTrip(t *testing.T) {
	buffer := New(LockNone)
	defer buffer.Close()

	content := []byte("the quick brown fox jumps over the lazy dog")
	if err := buffer.Write(content, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buffer.Size() != int64(len(content)) {
		t.Fatalf("expected size %d, got %d", len(content), buffer.Size())
	}

	dest := make([]byte, len(content))
	if n := buffer.Read(dest, 0); n != len(content) {
		t.Fatalf("expected %d bytes, got %d", len(content), n)
	}
	if !bytes.Equal(dest, content) {
		t.Errorf("content mismatch: %q", dest)
	}
}

func TestBuffer_ReadShrinksToSize(t *testing.T) {
	buffer := New(LockNone)
	defer buffer.Close()

	if err := buffer.Write([]byte("abc"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dest := make([]byte, 16)
	if n := buffer.Read(dest, 0); n != 3 {
		t.Errorf("expected 3 bytes, got %d", n)
	}
	if n := buffer.Read(dest, 3); n != 0 {
		t.Errorf("expected 0 bytes past end, got %d", n)
	}
	if n := buffer.Read(dest, 100); n != 0 {
		t.Errorf("expected 0 bytes far past end, got %d", n)
	}
}

func TestBuffer_GapReadsAsZero(t *testing.T) {
	buffer := New(LockNone)
	defer buffer.Close()

	pageSize := int64(os.Getpagesize())

	if err := buffer.Write([]byte("A"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := buffer.Write([]byte("B"), 2*pageSize); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dest := make([]byte, 2*pageSize+1)
	if n := buffer.Read(dest, 0); n != len(dest) {
		t.Fatalf("expected %d bytes, got %d", len(dest), n)
	}
	if dest[0] != 'A' {
		t.Errorf("expected 'A' at offset 0, got %q", dest[0])
	}
	for i := int64(1); i < 2*pageSize; i++ {
		if dest[i] != 0 {
			t.Fatalf("expected zero at offset %d, got %d", i, dest[i])
		}
	}
	if dest[2*pageSize] != 'B' {
		t.Errorf("expected 'B' at offset %d, got %q", 2*pageSize, dest[2*pageSize])
	}
}

func TestBuffer_OverlappingWrites(t *testing.T) {
	buffer := New(LockNone)
	defer buffer.Close()

	if err := buffer.Write(bytes.Repeat([]byte{'x'}, 10), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := buffer.Write([]byte("ABC"), 4); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dest := make([]byte, 10)
	buffer.Read(dest, 0)
	if got := string(dest); got != "xxxxABCxxx" {
		t.Errorf("expected xxxxABCxxx, got %q", got)
	}
}

// A write landing mid-way into a multi-page allocation must reuse the
// covering allocation instead of shadowing it with a new region.
func TestBuffer_WriteIntoCoveringAllocation(t *testing.T) {
	buffer := New(LockNone)
	defer buffer.Close()

	pageSize := int64(os.Getpagesize())

	// One contiguous two-page allocation.
	if err := buffer.Write(bytes.Repeat([]byte{'a'}, int(2*pageSize)), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(buffer.regions) != 1 {
		t.Fatalf("expected a single region, got %d", len(buffer.regions))
	}

	// Rewrite a byte in the second page.
	if err := buffer.Write([]byte("Z"), pageSize); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(buffer.regions) != 1 {
		t.Fatalf("expected write to reuse the covering region, got %d regions", len(buffer.regions))
	}

	// The update must be visible both from the start of the buffer
	// and when reading at the written offset directly.
	dest := make([]byte, 2*pageSize)
	buffer.Read(dest, 0)
	if dest[pageSize] != 'Z' {
		t.Errorf("spanning read missed the update: got %q", dest[pageSize])
	}
	one := make([]byte, 1)
	buffer.Read(one, pageSize)
	if one[0] != 'Z' {
		t.Errorf("direct read missed the update: got %q", one[0])
	}
}

func TestBuffer_WriteUnalignedOffset(t *testing.T) {
	buffer := New(LockNone)
	defer buffer.Close()

	pageSize := int64(os.Getpagesize())

	// Straddle a page boundary from an unaligned offset.
	content := bytes.Repeat([]byte{'q'}, int(pageSize))
	offset := pageSize / 2
	if err := buffer.Write(content, offset); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buffer.Size() != offset+pageSize {
		t.Fatalf("expected size %d, got %d", offset+pageSize, buffer.Size())
	}

	dest := make([]byte, offset+pageSize)
	buffer.Read(dest, 0)
	for i := int64(0); i < offset; i++ {
		if dest[i] != 0 {
			t.Fatalf("expected zero at %d, got %d", i, dest[i])
		}
	}
	if !bytes.Equal(dest[offset:], content) {
		t.Error("unaligned write content mismatch")
	}
}

func TestBuffer_ResizeShrinkReclaims(t *testing.T) {
	buffer := New(LockNone)
	defer buffer.Close()

	pageSize := int64(os.Getpagesize())

	if err := buffer.Write(bytes.Repeat([]byte{'w'}, int(pageSize)), pageSize); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buffer.Size() != 2*pageSize {
		t.Fatalf("expected size %d, got %d", 2*pageSize, buffer.Size())
	}

	buffer.Resize(pageSize)
	if buffer.Size() != pageSize {
		t.Fatalf("expected size %d after resize, got %d", pageSize, buffer.Size())
	}
	if len(buffer.regions) != 0 {
		t.Errorf("expected the dropped region to be reclaimed, got %d regions", len(buffer.regions))
	}

	// The first page was never written, so it reads as zero.
	dest := make([]byte, pageSize)
	if n := buffer.Read(dest, 0); n != int(pageSize) {
		t.Fatalf("expected %d bytes, got %d", pageSize, n)
	}
	for i, value := range dest {
		if value != 0 {
			t.Fatalf("expected zero at %d, got %d", i, value)
		}
	}
}

func TestBuffer_ResizeGrowReadsZero(t *testing.T) {
	buffer := New(LockNone)
	defer buffer.Close()

	if err := buffer.Write([]byte("abc"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buffer.Resize(100)
	if buffer.Size() != 100 {
		t.Fatalf("expected size 100, got %d", buffer.Size())
	}

	dest := make([]byte, 100)
	if n := buffer.Read(dest, 0); n != 100 {
		t.Fatalf("expected 100 bytes, got %d", n)
	}
	if string(dest[:3]) != "abc" {
		t.Errorf("expected prefix abc, got %q", dest[:3])
	}
	for i := 3; i < 100; i++ {
		if dest[i] != 0 {
			t.Fatalf("expected zero at %d, got %d", i, dest[i])
		}
	}
}

func TestBuffer_ResizeStraddlingRegion(t *testing.T) {
	buffer := New(LockNone)
	defer buffer.Close()

	if err := buffer.Write([]byte("retained-then-cut"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buffer.Resize(8)

	dest := make([]byte, 32)
	if n := buffer.Read(dest, 0); n != 8 {
		t.Fatalf("expected 8 bytes, got %d", n)
	}
	if got := string(dest[:8]); got != "retained" {
		t.Errorf("expected %q, got %q", "retained", got)
	}
}

func TestBuffer_Clear(t *testing.T) {
	buffer := New(LockNone)
	defer buffer.Close()

	if err := buffer.Write([]byte("stale"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buffer.Clear()

	if buffer.Size() != 0 {
		t.Errorf("expected size 0 after clear, got %d", buffer.Size())
	}
	if len(buffer.regions) != 0 {
		t.Errorf("expected no regions after clear, got %d", len(buffer.regions))
	}
}

func TestBuffer_LatestWriteWins(t *testing.T) {
	buffer := New(LockNone)
	defer buffer.Close()

	writes := []struct {
		offset  int64
		content string
	}{
		{0, "aaaaaaaa"},
		{4, "bbbb"},
		{2, "c"},
		{7, "dd"},
	}
	expected := []byte("aacabbbdd")

	for _, w := range writes {
		if err := buffer.Write([]byte(w.content), w.offset); err != nil {
			t.Fatalf("Write at %d: %v", w.offset, err)
		}
	}

	dest := make([]byte, len(expected))
	if n := buffer.Read(dest, 0); n != len(expected) {
		t.Fatalf("expected %d bytes, got %d", len(expected), n)
	}
	if !bytes.Equal(dest, expected) {
		t.Errorf("expected %q, got %q", expected, dest)
	}
}

func TestParseLockPolicy(t *testing.T) {
	cases := []struct {
		name   string
		policy LockPolicy
		ok     bool
	}{
		{"none", LockNone, true},
		{"buffers", LockBuffers, true},
		{"all", LockAll, true},
		{"everything", LockNone, false},
		{"", LockNone, false},
	}
	for _, c := range cases {
		policy, err := ParseLockPolicy(c.name)
		if c.ok && err != nil {
			t.Errorf("ParseLockPolicy(%q): unexpected error %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("ParseLockPolicy(%q): expected error", c.name)
		}
		if c.ok && policy != c.policy {
			t.Errorf("ParseLockPolicy(%q) = %v, want %v", c.name, policy, c.policy)
		}
	}
}
