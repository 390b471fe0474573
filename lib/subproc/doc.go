// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package subproc spawns a child process with redirected standard
// streams and exchanges bytes with it without deadlocking.
//
// Either standard stream can be wired to a caller-supplied file
// descriptor (the channel never closes those) or to a fresh pipe the
// channel owns. Communicate multiplexes writes to the child's stdin
// with reads from its stdout using poll, so a child that refuses to
// read more input until its output is drained cannot wedge the caller.
// When the outgoing bytes are exhausted the owned stdin pipe is closed,
// signaling end-of-input.
package subproc
