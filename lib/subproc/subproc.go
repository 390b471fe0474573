// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

package subproc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// UsePipe directs Start to create a pipe for a standard stream.
const UsePipe = -1

// pipeChunkSize caps a single write to the child's stdin. A blocking
// pipe write larger than PIPE_BUF can park the caller until the child
// drains the pipe, which it cannot do while the caller is parked.
// POLLOUT guarantees space for PIPE_BUF bytes, so writes of at most
// that size never block after a successful poll. PIPE_BUF is 4096 on
// Linux.
const pipeChunkSize = 4096

// Channel is one live or exited child process together with the pipe
// ends the parent retains. At most one Wait takes effect; later calls
// return a cached success.
//
// Channel is not safe for concurrent use.
type Channel struct {
	cmd *exec.Cmd

	// input is the write end of the child's stdin pipe; nil when the
	// caller supplied the child's stdin directly.
	input      *os.File
	inputOwned bool

	// output is the read end of the child's stdout pipe; nil when the
	// caller supplied the child's stdout directly.
	output      *os.File
	outputOwned bool

	finished bool
}

// Start spawns program with the given arguments. When inputFD (or
// outputFD) is negative, a pipe is created and the channel keeps the
// parent's end; otherwise the descriptor is handed to the child as its
// standard input (or output) and the channel never closes it. The
// child inherits the parent's stderr.
func Start(inputFD, outputFD int, program string, args []string) (*Channel, error) {
	channel := &Channel{cmd: exec.Command(program, args...)}
	channel.cmd.Stderr = os.Stderr

	// Parent-side dup of any caller-supplied descriptor; closed again
	// once the child holds its own copy.
	var borrowed []*os.File
	// Child-side pipe ends, closed after the spawn either way.
	var childEnds []*os.File

	cleanup := func() {
		for _, f := range borrowed {
			f.Close()
		}
		for _, f := range childEnds {
			f.Close()
		}
	}

	if inputFD >= 0 {
		duplicate, err := unix.Dup(inputFD)
		if err != nil {
			return nil, fmt.Errorf("subproc: dup of input descriptor: %w", err)
		}
		f := os.NewFile(uintptr(duplicate), "stdin")
		borrowed = append(borrowed, f)
		channel.cmd.Stdin = f
	} else {
		readEnd, writeEnd, err := os.Pipe()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("subproc: stdin pipe: %w", err)
		}
		channel.cmd.Stdin = readEnd
		childEnds = append(childEnds, readEnd)
		channel.input = writeEnd
		channel.inputOwned = true
	}

	if outputFD >= 0 {
		duplicate, err := unix.Dup(outputFD)
		if err != nil {
			cleanup()
			if channel.input != nil {
				channel.input.Close()
			}
			return nil, fmt.Errorf("subproc: dup of output descriptor: %w", err)
		}
		f := os.NewFile(uintptr(duplicate), "stdout")
		borrowed = append(borrowed, f)
		channel.cmd.Stdout = f
	} else {
		readEnd, writeEnd, err := os.Pipe()
		if err != nil {
			cleanup()
			if channel.input != nil {
				channel.input.Close()
			}
			return nil, fmt.Errorf("subproc: stdout pipe: %w", err)
		}
		channel.cmd.Stdout = writeEnd
		childEnds = append(childEnds, writeEnd)
		channel.output = readEnd
		channel.outputOwned = true
	}

	if err := channel.cmd.Start(); err != nil {
		cleanup()
		if channel.input != nil {
			channel.input.Close()
		}
		if channel.output != nil {
			channel.output.Close()
		}
		return nil, fmt.Errorf("subproc: starting %s: %w", program, err)
	}

	// The child holds its own descriptors now.
	cleanup()
	return channel, nil
}

// InputFD returns the descriptor feeding the child's standard input,
// or -1 when the caller supplied the child's stdin (or the input has
// already been closed). Suitable as a splice target.
func (c *Channel) InputFD() int {
	if c.input == nil {
		return -1
	}
	return int(c.input.Fd())
}

// Communicate feeds src to the child's stdin while draining the
// child's stdout into dest, multiplexed with poll so neither side can
// block the other. Returns the number of bytes read and written.
//
// The call ends when dest is full and src is consumed, or, on
// success, when the child closes its stdout (bytesRead may be short of
// len(dest)). Once src is fully written the owned stdin pipe is closed
// to signal end-of-input; src must be empty on later calls. Requesting
// a write on a channel whose stdin was caller-supplied fails with
// EINVAL.
func (c *Channel) Communicate(dest, src []byte) (bytesRead, bytesWritten int, err error) {
	if len(src) > 0 && !c.inputOwned {
		return 0, 0, unix.EINVAL
	}
	if len(dest) > 0 && c.output == nil {
		return 0, 0, unix.EINVAL
	}

	readRemaining := len(dest)
	writeRemaining := len(src)

	for readRemaining > 0 || writeRemaining > 0 {
		pollFDs := make([]unix.PollFd, 0, 2)
		inputIndex, outputIndex := -1, -1
		if writeRemaining > 0 {
			pollFDs = append(pollFDs, unix.PollFd{Fd: int32(c.input.Fd()), Events: unix.POLLOUT})
			inputIndex = len(pollFDs) - 1
		}
		if readRemaining > 0 {
			pollFDs = append(pollFDs, unix.PollFd{Fd: int32(c.output.Fd()), Events: unix.POLLIN})
			outputIndex = len(pollFDs) - 1
		}

		if _, err := unix.Poll(pollFDs, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return bytesRead, bytesWritten, err
		}

		if inputIndex >= 0 && pollFDs[inputIndex].Revents != 0 {
			chunk := src[bytesWritten:]
			if len(chunk) > pipeChunkSize {
				chunk = chunk[:pipeChunkSize]
			}
			n, writeErr := unix.Write(int(c.input.Fd()), chunk)
			if writeErr != nil && writeErr != unix.EINTR {
				return bytesRead, bytesWritten, writeErr
			}
			if n > 0 {
				bytesWritten += n
				writeRemaining -= n
				if writeRemaining == 0 {
					// Half-close: end-of-input for the child.
					c.input.Close()
					c.input = nil
					c.inputOwned = false
				}
			}
		}

		if outputIndex >= 0 && pollFDs[outputIndex].Revents != 0 {
			n, readErr := unix.Read(int(c.output.Fd()), dest[bytesRead:])
			if readErr != nil && readErr != unix.EINTR {
				return bytesRead, bytesWritten, readErr
			}
			if readErr == nil {
				if n == 0 {
					// End-of-file on the child's stdout.
					return bytesRead, bytesWritten, nil
				}
				bytesRead += n
				readRemaining -= n
			}
		}
	}

	return bytesRead, bytesWritten, nil
}

// Wait closes any still-owned pipe ends and waits for the child to
// terminate. Returns the child's exit code, or -1 when it did not exit
// normally. Idempotent: later calls return 0 without re-waiting, so
// Wait is safe on deferred cleanup paths.
func (c *Channel) Wait() int {
	if c.finished {
		return 0
	}
	c.finished = true

	// Close errors are swallowed: these are pipes we own and this is
	// commonly a deferred cleanup path with no one to report to.
	if c.inputOwned && c.input != nil {
		c.input.Close()
		c.input = nil
	}
	if c.outputOwned && c.output != nil {
		c.output.Close()
		c.output = nil
	}

	err := c.cmd.Wait()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ProcessState.Exited() {
		return exitErr.ExitCode()
	}
	return -1
}
