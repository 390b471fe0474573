// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline streams file contents between a page buffer and the
// external encryption program.
//
// Load maps a ciphertext file, splits it into armored blocks, and
// decrypts each block with a fresh subprocess into the buffer; the
// decrypting program cannot handle concatenated blocks in a single
// session. Flush drains the buffer through an encrypting subprocess
// whose stdout is the backing file.
package pipeline

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/veilfs/veilfs/lib/gpg"
	"github.com/veilfs/veilfs/lib/pagebuf"
	"github.com/veilfs/veilfs/lib/subproc"
)

// communicateChunkSize is the receive budget per communicate round
// while streaming a block through the decrypting subprocess.
const communicateChunkSize = 1 << 20

// ErrDecryptFailed reports a decrypting subprocess that exited
// nonzero. The buffer is left unmaterialized so a later read can
// retry.
var ErrDecryptFailed = errors.New("decryption program failed")

// ErrEncryptFailed reports an encrypting subprocess that exited
// nonzero. The backing file may be left truncated or partially
// written.
var ErrEncryptFailed = errors.New("encryption program failed")

// Load clears buffer and materializes the decrypted contents of the
// file behind fd into it. A zero-length file materializes as an empty
// buffer without spawning anything. On error the buffer's contents are
// undefined and the caller must treat it as unmaterialized.
func Load(fd int, buffer *pagebuf.Buffer, tool gpg.Tool) error {
	buffer.Clear()

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return err
	}
	if stat.Size <= 0 {
		return nil
	}

	ciphertext, err := unix.Mmap(fd, 0, int(stat.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	defer unix.Munmap(ciphertext)

	blocks := gpg.SplitBlocks(ciphertext)
	wholeFile := len(blocks) == 1

	for _, block := range blocks {
		if err := decryptBlock(fd, buffer, tool, block, wholeFile); err != nil {
			return err
		}
	}
	return nil
}

// decryptBlock runs one decrypting subprocess for a single armored
// block. A block spanning the entire file is handed to the child as
// its stdin directly, avoiding a copy; otherwise the block bytes are
// streamed through a pipe in fixed-size rounds, appending each round's
// plaintext at the buffer's current end.
func decryptBlock(fd int, buffer *pagebuf.Buffer, tool gpg.Tool, block []byte, wholeFile bool) error {
	inputFD := subproc.UsePipe
	src := block
	if wholeFile {
		// The child reads the backing file itself; rewind first
		// since the descriptor's offset is shared with the child.
		if _, err := unix.Seek(fd, 0, 0); err != nil {
			return err
		}
		inputFD = fd
		src = nil
	}

	channel, err := tool.Spawn(inputFD, subproc.UsePipe, tool.DecryptArgs())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	receive := make([]byte, communicateChunkSize)
	for {
		bytesRead, bytesWritten, err := channel.Communicate(receive, src)
		if err != nil {
			// A child that died mid-stream surfaces here as a
			// broken pipe; report its exit status instead.
			if code := channel.Wait(); code != 0 {
				return fmt.Errorf("%w: exit status %d", ErrDecryptFailed, code)
			}
			return err
		}
		src = src[bytesWritten:]

		if bytesRead > 0 {
			if err := buffer.Write(receive[:bytesRead], buffer.Size()); err != nil {
				channel.Wait()
				return err
			}
		}
		if bytesRead < len(receive) {
			// End-of-file on the child's stdout.
			break
		}
	}

	if code := channel.Wait(); code != 0 {
		return fmt.Errorf("%w: exit status %d", ErrDecryptFailed, code)
	}
	return nil
}

// Flush truncates the file behind fd and rewrites it as the encryption
// of the buffer's contents for the given recipients. The buffer is
// spliced into the encrypting subprocess's stdin; the child's stdout
// is the backing file itself. A failed encryption leaves the file
// truncated or partially written; the caller still owns and closes
// fd either way.
func Flush(fd int, buffer *pagebuf.Buffer, tool gpg.Tool, recipients []gpg.Recipient) error {
	if err := unix.Ftruncate(fd, 0); err != nil {
		return err
	}
	if _, err := unix.Seek(fd, 0, 0); err != nil {
		return err
	}

	channel, err := tool.Spawn(subproc.UsePipe, fd, tool.EncryptArgs(recipients))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}

	_, spliceErr := buffer.Splice(channel.InputFD(), 0)
	code := channel.Wait()

	// The child's exit status is authoritative: a splice error is
	// usually just the broken pipe left behind by a child that died.
	if code != 0 {
		return fmt.Errorf("%w: exit status %d", ErrEncryptFailed, code)
	}
	if spliceErr != nil {
		return spliceErr
	}
	return nil
}
