// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// DirEntry is one directory listing entry. Mode carries only the
// S_IFMT file type bits.
type DirEntry struct {
	Name string
	Mode uint32
}

// ReadDir lists a directory, restricted to the entry types the
// overlay exposes: regular files, directories, and symlinks.
func (fs *Filesystem) ReadDir(path string) ([]DirEntry, syscall.Errno) {
	fd, err := unix.Openat(fs.root, rel(path), unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, toErrno(err)
	}
	dir := os.NewFile(uintptr(fd), path)
	defer dir.Close()

	listing, err := dir.ReadDir(-1)
	if err != nil {
		return nil, syscall.EIO
	}

	entries := make([]DirEntry, 0, len(listing))
	for _, entry := range listing {
		var mode uint32
		switch entry.Type() & os.ModeType {
		case 0:
			mode = unix.S_IFREG
		case os.ModeDir:
			mode = unix.S_IFDIR
		case os.ModeSymlink:
			mode = unix.S_IFLNK
		default:
			continue
		}
		entries = append(entries, DirEntry{Name: entry.Name(), Mode: mode})
	}
	return entries, 0
}

// Mkdir creates a directory under the overlay target.
func (fs *Filesystem) Mkdir(path string, mode uint32) syscall.Errno {
	return toErrno(unix.Mkdirat(fs.root, rel(path), mode))
}

// Rmdir removes an empty directory.
func (fs *Filesystem) Rmdir(path string) syscall.Errno {
	return toErrno(unix.Unlinkat(fs.root, rel(path), unix.AT_REMOVEDIR))
}

// Unlink removes a file. Any open handle keeps its descriptor and
// buffer; the final release still encrypts into the now-unlinked
// inode, matching ordinary unlink-while-open semantics.
func (fs *Filesystem) Unlink(path string) syscall.Errno {
	return toErrno(unix.Unlinkat(fs.root, rel(path), 0))
}

// Symlink creates a symlink at path pointing to target. The target
// string is stored verbatim and never encrypted.
func (fs *Filesystem) Symlink(target, path string) syscall.Errno {
	return toErrno(unix.Symlinkat(target, fs.root, rel(path)))
}

// Readlink returns the target of the symlink at path.
func (fs *Filesystem) Readlink(path string) (string, syscall.Errno) {
	buf := make([]byte, unix.PathMax)
	n, err := unix.Readlinkat(fs.root, rel(path), buf)
	if err != nil {
		return "", toErrno(err)
	}
	return string(buf[:n]), 0
}

// Link always fails: hard links would let two paths share one inode
// while the handle table tracks encryption state per path.
func (fs *Filesystem) Link(oldPath, newPath string) syscall.Errno {
	return syscall.EPERM
}

// Chmod changes the permission bits of path.
func (fs *Filesystem) Chmod(path string, mode uint32) syscall.Errno {
	return toErrno(unix.Fchmodat(fs.root, rel(path), mode, 0))
}

// Chown changes the ownership of path. Either id may be -1 to leave
// it unchanged.
func (fs *Filesystem) Chown(path string, uid, gid int) syscall.Errno {
	return toErrno(unix.Fchownat(fs.root, rel(path), uid, gid, unix.AT_SYMLINK_NOFOLLOW))
}

// Utimens sets the access and modification times of path.
func (fs *Filesystem) Utimens(path string, atime, mtime unix.Timespec) syscall.Errno {
	times := []unix.Timespec{atime, mtime}
	return toErrno(unix.UtimesNanoAt(fs.root, rel(path), times, unix.AT_SYMLINK_NOFOLLOW))
}

// Statfs reports the backing filesystem's statistics. The overlay
// adds no storage of its own, so the target's numbers stand.
func (fs *Filesystem) Statfs() (unix.Statfs_t, syscall.Errno) {
	var stat unix.Statfs_t
	if err := unix.Fstatfs(fs.root, &stat); err != nil {
		return stat, toErrno(err)
	}
	return stat, 0
}
