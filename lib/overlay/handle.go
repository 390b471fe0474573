// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"golang.org/x/sys/unix"

	"github.com/veilfs/veilfs/lib/gpg"
	"github.com/veilfs/veilfs/lib/pagebuf"
	"github.com/veilfs/veilfs/lib/pipeline"
)

// fileState is the live state behind one logical open file. Every
// filesystem-level open of the same path shares a single fileState
// through the handle table, tracked by references. The recipient list
// and tool are captured at open time and stay valid for the state's
// lifetime (SetRecipients refuses to run with open files).
//
// Access is serialized by the filesystem mutex.
type fileState struct {
	fd    int
	flags int
	path  string

	references uint32

	// materialized distinguishes "not yet decrypted" from "confirmed
	// empty or loaded". An unmaterialized buffer must not be trusted.
	materialized bool
	dirty        bool
	buffer       *pagebuf.Buffer

	tool       gpg.Tool
	recipients []gpg.Recipient

	open bool
}

func newFileState(fd, flags int, path string, tool gpg.Tool, recipients []gpg.Recipient, policy pagebuf.LockPolicy) *fileState {
	return &fileState{
		fd:         fd,
		flags:      flags,
		path:       path,
		references: 1,
		buffer:     pagebuf.New(policy),
		tool:       tool,
		recipients: recipients,
		open:       true,
	}
}

// load materializes the decrypted file contents into the buffer. A
// no-op once materialized. On failure the buffer stays unmaterialized
// so a later read retries the decryption.
func (s *fileState) load() error {
	if s.materialized {
		return nil
	}

	s.dirty = false
	if err := pipeline.Load(s.fd, s.buffer, s.tool); err != nil {
		return err
	}
	s.materialized = true
	return nil
}

// close flushes the buffer through the encrypting subprocess when
// dirty, then closes the backing descriptor and releases the buffer
// memory. The descriptor is closed even when encryption fails, so a
// failed flush cannot leak it. Idempotent.
func (s *fileState) close() error {
	if !s.open {
		return nil
	}
	s.open = false

	var flushErr error
	if s.dirty {
		flushErr = pipeline.Flush(s.fd, s.buffer, s.tool, s.recipients)
		s.dirty = false
	}

	closeErr := unix.Close(s.fd)
	s.buffer.Close()

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
