// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/veilfs/veilfs/lib/gpg"
	"github.com/veilfs/veilfs/lib/pagebuf"
)

// ErrTargetUnset reports a filesystem constructed without a backing
// directory.
var ErrTargetUnset = errors.New("overlay: backing target not set")

// ErrNoRecipients reports a filesystem constructed without any
// encryption recipients.
var ErrNoRecipients = errors.New("overlay: no recipients configured")

// ErrFilesOpen reports a configuration change attempted while file
// handles are outstanding. Open handles hold a reference to the
// recipient list for their whole lifetime.
var ErrFilesOpen = errors.New("overlay: recipient list is referenced by open files")

// Options configures the filesystem. All fields are fixed before the
// first operation; the recipient list may only be replaced later via
// SetRecipients while no files are open.
type Options struct {
	// Target is the backing directory holding the ciphertext.
	Target string

	// Recipients is the validated recipient list every flushed file
	// is encrypted for. Must not be empty.
	Recipients []gpg.Recipient

	// Tool locates the external encryption program.
	Tool gpg.Tool

	// Decrypt enables decrypting (read) mode. Without it the overlay
	// is write-only: existing ciphertext can never be read back, and
	// reads are only permitted on files this mount created.
	Decrypt bool

	// LockPolicy controls whether plaintext buffer pages are locked
	// against swap. Fixed for the life of the filesystem.
	LockPolicy pagebuf.LockPolicy

	// Logger receives diagnostic messages. If nil, a no-op error-level
	// logger is used.
	Logger *slog.Logger
}

// Filesystem is the encrypted overlay core. One instance bridges one
// backing directory to the FUSE front-end.
type Filesystem struct {
	root       int // O_DIRECTORY descriptor for the backing root
	decrypt    bool
	tool       gpg.Tool
	lockPolicy pagebuf.LockPolicy
	logger     *slog.Logger

	// mu guards the maps, refcounts, and every per-handle mutation,
	// including the (long) decrypt and encrypt subprocess runs.
	mu         sync.Mutex
	recipients []gpg.Recipient
	nextHandle uint64
	openPaths  map[string]uint64
	handles    map[uint64]*fileState
}

// New opens the backing directory and returns a ready filesystem.
// The caller must call Close when the filesystem is unmounted.
func New(options Options) (*Filesystem, error) {
	if options.Target == "" {
		return nil, ErrTargetUnset
	}
	if len(options.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	root, err := unix.Open(options.Target, unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("overlay: opening target %s: %w", options.Target, err)
	}

	return &Filesystem{
		root:       root,
		decrypt:    options.Decrypt,
		tool:       options.Tool,
		lockPolicy: options.LockPolicy,
		logger:     options.Logger,
		recipients: options.Recipients,
		openPaths:  make(map[string]uint64),
		handles:    make(map[uint64]*fileState),
	}, nil
}

// Close releases every remaining handle (flushing dirty buffers) and
// the backing root descriptor.
func (fs *Filesystem) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for handle, state := range fs.handles {
		if err := state.close(); err != nil {
			fs.logger.Error("closing leftover handle", "path", state.path, "error", err)
		}
		delete(fs.handles, handle)
		delete(fs.openPaths, state.path)
	}
	return unix.Close(fs.root)
}

// SetRecipients replaces the recipient list. Rejected with
// ErrFilesOpen while any handle is outstanding, since handles keep a
// reference to the list they were opened under.
func (fs *Filesystem) SetRecipients(recipients []gpg.Recipient) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if len(fs.handles) != 0 {
		return ErrFilesOpen
	}
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	fs.recipients = recipients
	return nil
}

// rel converts an overlay path (slash-separated, no leading slash,
// empty for the root) into the argument for the *at() syscalls.
func rel(path string) string {
	if path == "" {
		return "."
	}
	return path
}

// makeRDWR promotes the access mode to O_RDWR in decrypting mode.
// Utilities like truncate open files write-only, which would make the
// decrypt-modify-reencrypt cycle impossible; the EACCES fallbacks in
// Open and Create recover the cases where the promotion is not
// permitted by the backing file's mode bits.
func (fs *Filesystem) makeRDWR(flags int) int {
	if !fs.decrypt {
		return flags
	}
	return (flags &^ unix.O_ACCMODE) | unix.O_RDWR
}

// toErrno translates an internal error into the errno reported to the
// kernel: syscall errors pass through, anything from the encryption
// pipeline (spawn failure, nonzero exit) is an I/O error.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return syscall.Errno(errno)
	}
	return syscall.EIO
}

// newHandleLocked allocates a handle identifier. Callers hold fs.mu.
func (fs *Filesystem) newHandleLocked() uint64 {
	id := fs.nextHandle
	fs.nextHandle++
	return id
}
