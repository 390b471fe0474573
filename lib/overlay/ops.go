// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Open opens path and returns a handle identifier. Opening a path
// that is already open attaches to the existing state and bumps its
// reference count; flags of the first open win.
//
// In write-only mode, a read-capable open of a pre-existing file is
// impossible to honor (ciphertext cannot be read back as plaintext),
// so O_CREAT opens are forced exclusive: the open only succeeds when
// the file did not exist, and a read-capable open without O_CREAT is
// caught later by Read and Access.
func (fs *Filesystem) Open(path string, flags int) (uint64, syscall.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if handle, ok := fs.openPaths[path]; ok {
		fs.handles[handle].references++
		return handle, 0
	}

	accessMode := flags & unix.O_ACCMODE
	forReading := accessMode == unix.O_RDWR || accessMode == unix.O_RDONLY
	forWriting := accessMode == unix.O_RDWR || accessMode == unix.O_WRONLY

	if !fs.decrypt && forReading && flags&unix.O_CREAT != 0 {
		flags |= unix.O_EXCL
	}
	flags |= unix.O_CLOEXEC

	fd, err := unix.Openat(fs.root, rel(path), fs.makeRDWR(flags), 0)
	if err != nil {
		// The read-write promotion can exceed what the backing
		// file's mode bits allow; retry a genuinely read-only
		// open as requested.
		if fs.decrypt && !forWriting && err == unix.EACCES {
			fd, err = unix.Openat(fs.root, rel(path), flags, 0)
		}
		if err != nil {
			return 0, toErrno(err)
		}
	}

	state := newFileState(fd, flags, path, fs.tool, fs.recipients, fs.lockPolicy)

	// A file that is empty on open needs no decryption; treating the
	// empty buffer as materialized lets write-only mode truncate and
	// append to fresh files. A failed stat is nonfatal and just defers
	// decryption to the first read.
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err == nil {
		state.materialized = stat.Size == 0
	}

	handle := fs.newHandleLocked()
	fs.openPaths[path] = handle
	fs.handles[handle] = state
	return handle, 0
}

// Create creates path with the given mode and opens it. The fresh
// file is empty, so its buffer starts materialized.
func (fs *Filesystem) Create(path string, flags int, mode uint32) (uint64, syscall.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if handle, ok := fs.openPaths[path]; ok {
		fs.handles[handle].references++
		return handle, 0
	}

	flags |= unix.O_CLOEXEC | unix.O_CREAT

	fd, err := unix.Openat(fs.root, rel(path), fs.makeRDWR(flags), mode)
	if err != nil {
		if fs.decrypt && flags&unix.O_WRONLY != 0 && err == unix.EACCES {
			fd, err = unix.Openat(fs.root, rel(path), flags, mode)
		}
		if err != nil {
			return 0, toErrno(err)
		}
	}

	state := newFileState(fd, flags, path, fs.tool, fs.recipients, fs.lockPolicy)
	state.materialized = true

	handle := fs.newHandleLocked()
	fs.openPaths[path] = handle
	fs.handles[handle] = state
	return handle, 0
}

// Read copies file contents at offset into dest, lazily decrypting
// the backing file on the first read in decrypting mode. Returns the
// number of bytes produced.
//
// In write-only mode the buffer holds exactly what this mount wrote,
// and only files known to have started empty may be read back:
// append handles and opens of pre-existing files are refused.
func (fs *Filesystem) Read(handle uint64, dest []byte, offset int64) (int, syscall.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state, ok := fs.handles[handle]
	if !ok {
		return 0, syscall.EBADF
	}
	if offset < 0 {
		return 0, 0
	}

	if !fs.decrypt {
		if !state.materialized {
			if state.flags&unix.O_APPEND != 0 {
				return 0, syscall.EACCES
			}
			if state.flags&unix.O_CREAT == 0 {
				// O_CREAT implies O_EXCL here, so its absence
				// means the file predates this open and its
				// plaintext is unavailable.
				return 0, syscall.EACCES
			}
		}
	} else {
		if err := state.load(); err != nil {
			fs.logger.Error("decrypt on read failed", "path", state.path, "error", err)
			return 0, toErrno(err)
		}
	}

	return state.buffer.Read(dest, offset), 0
}

// Write copies data into the handle's buffer at offset and marks it
// dirty. Nothing reaches the backing file until the last reference is
// released.
func (fs *Filesystem) Write(handle uint64, data []byte, offset int64) (int, syscall.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state, ok := fs.handles[handle]
	if !ok {
		return 0, syscall.EBADF
	}
	if len(data) == 0 {
		return 0, 0
	}
	if offset < 0 {
		return 0, syscall.EINVAL
	}

	if err := state.buffer.Write(data, offset); err != nil {
		return 0, toErrno(err)
	}
	state.dirty = true
	return len(data), 0
}

// Release drops one reference to the handle. The last release closes
// the file: a dirty buffer is encrypted back to the backing file, and
// the table entry disappears. An encryption failure is reported, but
// the handle is gone regardless; the pending data is lost beyond the
// returned error.
func (fs *Filesystem) Release(handle uint64) syscall.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state, ok := fs.handles[handle]
	if !ok {
		return 0
	}

	state.references--
	if state.references > 0 {
		return 0
	}

	delete(fs.openPaths, state.path)
	delete(fs.handles, handle)

	if err := state.close(); err != nil {
		fs.logger.Error("closing file failed", "path", state.path, "error", err)
		return toErrno(err)
	}
	return 0
}

// TruncateHandle resizes an open file through its handle.
func (fs *Filesystem) TruncateHandle(handle uint64, size int64) syscall.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.truncateHandleLocked(handle, size)
}

// truncateHandleLocked implements truncation against an open handle.
// Truncation to zero never needs the decrypted contents: the backing
// file is truncated directly and the buffer reset. Any other size
// must operate on a consistent decrypted view, so the buffer is
// loaded first (decrypting mode only).
func (fs *Filesystem) truncateHandleLocked(handle uint64, size int64) syscall.Errno {
	state, ok := fs.handles[handle]
	if !ok {
		return syscall.EBADF
	}
	if size < 0 {
		return syscall.EINVAL
	}

	if size == 0 {
		if err := unix.Ftruncate(state.fd, 0); err != nil {
			return toErrno(err)
		}
		state.buffer.Resize(0)
		state.dirty = true
		return 0
	}

	if !fs.decrypt {
		return syscall.EACCES
	}
	if err := state.load(); err != nil {
		fs.logger.Error("decrypt for truncate failed", "path", state.path, "error", err)
		return toErrno(err)
	}
	state.buffer.Resize(size)
	state.dirty = true
	return 0
}

// Truncate resizes path. An open path routes through its handle; a
// closed one is truncated directly for size zero, and otherwise goes
// through a transient decrypt-resize-reencrypt cycle (decrypting mode
// only).
func (fs *Filesystem) Truncate(path string, size int64) syscall.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if size < 0 {
		return syscall.EINVAL
	}

	if handle, ok := fs.openPaths[path]; ok {
		return fs.truncateHandleLocked(handle, size)
	}

	if size == 0 {
		fd, err := unix.Openat(fs.root, rel(path), unix.O_WRONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return toErrno(err)
		}
		truncErr := unix.Ftruncate(fd, 0)
		unix.Close(fd)
		return toErrno(truncErr)
	}

	if !fs.decrypt {
		return syscall.EACCES
	}

	fd, err := unix.Openat(fs.root, rel(path), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return toErrno(err)
	}

	// Transient state: never enters the handle table.
	state := newFileState(fd, unix.O_RDWR, path, fs.tool, fs.recipients, fs.lockPolicy)
	state.references = 0

	if err := state.load(); err != nil {
		fs.logger.Error("decrypt for truncate failed", "path", path, "error", err)
		state.dirty = false
		state.close()
		return toErrno(err)
	}
	state.buffer.Resize(size)
	state.dirty = true
	return toErrno(state.close())
}

// GetattrHandle stats an open file. The reported size is the logical
// buffer size once materialized; append handles on unmaterialized
// buffers report the on-disk size plus the buffered bytes.
func (fs *Filesystem) GetattrHandle(handle uint64) (unix.Stat_t, syscall.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.getattrHandleLocked(handle)
}

func (fs *Filesystem) getattrHandleLocked(handle uint64) (unix.Stat_t, syscall.Errno) {
	var stat unix.Stat_t

	state, ok := fs.handles[handle]
	if !ok {
		return stat, syscall.EBADF
	}
	if err := unix.Fstat(state.fd, &stat); err != nil {
		return stat, toErrno(err)
	}

	if fs.decrypt {
		if err := state.load(); err != nil {
			fs.logger.Error("decrypt on getattr failed", "path", state.path, "error", err)
			return stat, toErrno(err)
		}
	}

	size := state.buffer.Size()
	switch {
	case state.materialized:
		stat.Size = size
	case state.flags&unix.O_APPEND != 0:
		stat.Size += size
	}
	// Otherwise leave the on-disk (ciphertext) size as-is.
	return stat, 0
}

// Getattr stats path. Open paths answer from their handle so the
// decrypted size is reported; in write-only mode, closed regular
// files have their read permission bits masked off.
func (fs *Filesystem) Getattr(path string) (unix.Stat_t, syscall.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if handle, ok := fs.openPaths[path]; ok {
		return fs.getattrHandleLocked(handle)
	}

	var stat unix.Stat_t
	if err := unix.Fstatat(fs.root, rel(path), &stat, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return stat, toErrno(err)
	}

	if !fs.decrypt && stat.Mode&unix.S_IFMT != unix.S_IFDIR {
		stat.Mode &^= unix.S_IRUSR | unix.S_IRGRP | unix.S_IROTH
	}
	return stat, 0
}

// Rename moves oldPath to newPath on the backing filesystem and, when
// the old path is open, relocates its table entry without disturbing
// the refcount or buffer. Table metadata changes if and only if the
// backing rename succeeded.
func (fs *Filesystem) Rename(oldPath, newPath string) syscall.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := unix.Renameat(fs.root, rel(oldPath), fs.root, rel(newPath)); err != nil {
		return toErrno(err)
	}

	if handle, ok := fs.openPaths[oldPath]; ok {
		delete(fs.openPaths, oldPath)
		fs.openPaths[newPath] = handle
		fs.handles[handle].path = newPath
	}
	return 0
}

// Access checks permissions on path. In write-only mode, read access
// is only granted to files this mount is currently writing from
// scratch: open, created exclusively, and not append-only. Everything
// else defers to the backing filesystem.
func (fs *Filesystem) Access(path string, mask uint32) syscall.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if mask&unix.R_OK != 0 && !fs.decrypt {
		handle, ok := fs.openPaths[path]
		if !ok {
			return syscall.EACCES
		}
		state := fs.handles[handle]
		if state.flags&unix.O_APPEND != 0 {
			return syscall.EACCES
		}
		if state.flags&unix.O_CREAT == 0 {
			return syscall.EACCES
		}
	}

	if err := unix.Faccessat(fs.root, rel(path), mask, 0); err != nil {
		return toErrno(err)
	}
	return 0
}
