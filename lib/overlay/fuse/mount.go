// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/veilfs/veilfs/lib/overlay"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// Filesystem is the encrypting overlay core serving every
	// operation.
	Filesystem *overlay.Filesystem

	// AllowOther permits other users (including root) to access
	// the mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Mount mounts the overlay at the configured mountpoint. The caller
// must call Unmount on the returned Server when done. The mountpoint
// directory is created if it does not exist.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Filesystem == nil {
		return nil, fmt.Errorf("filesystem is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &node{options: &options}

	// Attribute caching is kept short: the reported size of an open
	// file changes as the plaintext buffer grows, and a stale cached
	// size would truncate reads.
	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "veilfs",
			Name:       "veilfs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("overlay mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// node serves every inode in the tree. Nodes are stateless: the
// overlay path is recovered from the inode's position at call time,
// so lookups, renames, and forgotten inodes need no bookkeeping here.
type node struct {
	gofuse.Inode
	options *Options
}

var _ gofuse.InodeEmbedder = (*node)(nil)
var _ gofuse.NodeLookuper = (*node)(nil)
var _ gofuse.NodeGetattrer = (*node)(nil)
var _ gofuse.NodeSetattrer = (*node)(nil)
var _ gofuse.NodeOpener = (*node)(nil)
var _ gofuse.NodeCreater = (*node)(nil)
var _ gofuse.NodeReaddirer = (*node)(nil)
var _ gofuse.NodeMkdirer = (*node)(nil)
var _ gofuse.NodeRmdirer = (*node)(nil)
var _ gofuse.NodeUnlinker = (*node)(nil)
var _ gofuse.NodeRenamer = (*node)(nil)
var _ gofuse.NodeSymlinker = (*node)(nil)
var _ gofuse.NodeReadlinker = (*node)(nil)
var _ gofuse.NodeLinker = (*node)(nil)
var _ gofuse.NodeAccesser = (*node)(nil)
var _ gofuse.NodeStatfser = (*node)(nil)

// overlayPath is the node's path relative to the overlay root, empty
// for the root itself.
func (n *node) overlayPath() string {
	return n.Path(n.Root())
}

func (n *node) childPath(name string) string {
	return path.Join(n.overlayPath(), name)
}

func (n *node) newChild(ctx context.Context, stat *unix.Stat_t) *gofuse.Inode {
	return n.NewInode(ctx, &node{options: n.options}, gofuse.StableAttr{
		Mode: stat.Mode & unix.S_IFMT,
		Ino:  stat.Ino,
	})
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	stat, errno := n.options.Filesystem.Getattr(n.childPath(name))
	if errno != 0 {
		return nil, errno
	}
	fillAttr(&out.Attr, &stat)
	return n.newChild(ctx, &stat), 0
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	var stat unix.Stat_t
	var errno syscall.Errno
	if file, ok := f.(*fileHandle); ok {
		stat, errno = n.options.Filesystem.GetattrHandle(file.id)
	} else {
		stat, errno = n.options.Filesystem.Getattr(n.overlayPath())
	}
	if errno != 0 {
		return errno
	}
	fillAttr(&out.Attr, &stat)
	return 0
}

func (n *node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	core := n.options.Filesystem
	nodePath := n.overlayPath()

	if size, ok := in.GetSize(); ok {
		var errno syscall.Errno
		if file, isFile := f.(*fileHandle); isFile {
			errno = core.TruncateHandle(file.id, int64(size))
		} else {
			errno = core.Truncate(nodePath, int64(size))
		}
		if errno != 0 {
			return errno
		}
	}

	if mode, ok := in.GetMode(); ok {
		if errno := core.Chmod(nodePath, mode); errno != 0 {
			return errno
		}
	}

	uid, gid := -1, -1
	if v, ok := in.GetUID(); ok {
		uid = int(v)
	}
	if v, ok := in.GetGID(); ok {
		gid = int(v)
	}
	if uid != -1 || gid != -1 {
		if errno := core.Chown(nodePath, uid, gid); errno != 0 {
			return errno
		}
	}

	atime := unix.Timespec{Nsec: unix.UTIME_OMIT}
	mtime := unix.Timespec{Nsec: unix.UTIME_OMIT}
	if v, ok := in.GetATime(); ok {
		atime = unix.NsecToTimespec(v.UnixNano())
	}
	if v, ok := in.GetMTime(); ok {
		mtime = unix.NsecToTimespec(v.UnixNano())
	}
	if atime.Nsec != unix.UTIME_OMIT || mtime.Nsec != unix.UTIME_OMIT {
		if errno := core.Utimens(nodePath, atime, mtime); errno != 0 {
			return errno
		}
	}

	return n.Getattr(ctx, f, out)
}

// Open routes through the overlay's shared handle table. Direct I/O
// is forced so the kernel never caches plaintext pages, and so reads
// observe the overlay's own view of file sizes.
func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	id, errno := n.options.Filesystem.Open(n.overlayPath(), int(flags))
	if errno != 0 {
		return nil, 0, errno
	}
	return &fileHandle{core: n.options.Filesystem, id: id}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	childPath := n.childPath(name)
	core := n.options.Filesystem

	id, errno := core.Create(childPath, int(flags), mode)
	if errno != 0 {
		return nil, nil, 0, errno
	}

	stat, errno := core.GetattrHandle(id)
	if errno != 0 {
		core.Release(id)
		return nil, nil, 0, errno
	}
	fillAttr(&out.Attr, &stat)

	handle := &fileHandle{core: core, id: id}
	return n.newChild(ctx, &stat), handle, fuse.FOPEN_DIRECT_IO, 0
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	listing, errno := n.options.Filesystem.ReadDir(n.overlayPath())
	if errno != 0 {
		return nil, errno
	}
	entries := make([]fuse.DirEntry, len(listing))
	for i, entry := range listing {
		entries[i] = fuse.DirEntry{Name: entry.Name, Mode: entry.Mode}
	}
	return &sliceDirStream{entries: entries}, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	childPath := n.childPath(name)
	if errno := n.options.Filesystem.Mkdir(childPath, mode); errno != 0 {
		return nil, errno
	}
	stat, errno := n.options.Filesystem.Getattr(childPath)
	if errno != 0 {
		return nil, errno
	}
	fillAttr(&out.Attr, &stat)
	return n.newChild(ctx, &stat), 0
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.options.Filesystem.Rmdir(n.childPath(name))
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.options.Filesystem.Unlink(n.childPath(name))
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	newPath := path.Join(newParent.EmbeddedInode().Path(n.Root()), newName)
	return n.options.Filesystem.Rename(n.childPath(name), newPath)
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	childPath := n.childPath(name)
	if errno := n.options.Filesystem.Symlink(target, childPath); errno != 0 {
		return nil, errno
	}
	stat, errno := n.options.Filesystem.Getattr(childPath)
	if errno != 0 {
		return nil, errno
	}
	fillAttr(&out.Attr, &stat)
	return n.newChild(ctx, &stat), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, errno := n.options.Filesystem.Readlink(n.overlayPath())
	if errno != 0 {
		return nil, errno
	}
	return []byte(target), 0
}

func (n *node) Link(ctx context.Context, target gofuse.InodeEmbedder, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	return nil, syscall.EPERM
}

func (n *node) Access(ctx context.Context, mask uint32) syscall.Errno {
	return n.options.Filesystem.Access(n.overlayPath(), mask)
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	stat, errno := n.options.Filesystem.Statfs()
	if errno != 0 {
		return errno
	}
	out.Blocks = stat.Blocks
	out.Bfree = stat.Bfree
	out.Bavail = stat.Bavail
	out.Files = stat.Files
	out.Ffree = stat.Ffree
	out.Bsize = uint32(stat.Bsize)
	out.NameLen = uint32(stat.Namelen)
	out.Frsize = uint32(stat.Frsize)
	return 0
}

// fileHandle bridges a kernel file handle to an overlay handle table
// entry. The overlay shares one entry between every open of a path,
// so multiple fileHandles may carry the same id; the table's
// reference count keeps the entry alive until the last Release.
type fileHandle struct {
	core *overlay.Filesystem
	id   uint64
}

var _ gofuse.FileReader = (*fileHandle)(nil)
var _ gofuse.FileWriter = (*fileHandle)(nil)
var _ gofuse.FileFlusher = (*fileHandle)(nil)
var _ gofuse.FileFsyncer = (*fileHandle)(nil)
var _ gofuse.FileReleaser = (*fileHandle)(nil)
var _ gofuse.FileGetattrer = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, dest []byte, offset int64) (fuse.ReadResult, syscall.Errno) {
	n, errno := h.core.Read(h.id, dest, offset)
	if errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, offset int64) (uint32, syscall.Errno) {
	n, errno := h.core.Write(h.id, data, offset)
	if errno != 0 {
		return 0, errno
	}
	return uint32(n), 0
}

// Flush is called once per close of a descriptor, including dup'd
// ones. Encryption happens on the final Release instead, so Flush
// has nothing to do.
func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

// Fsync cannot do better than Flush: the plaintext lives in the
// buffer until the last release, and syncing the backing file would
// only sync stale ciphertext.
func (h *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	return h.core.Release(h.id)
}

func (h *fileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	stat, errno := h.core.GetattrHandle(h.id)
	if errno != 0 {
		return errno
	}
	fillAttr(&out.Attr, &stat)
	return 0
}

func fillAttr(attr *fuse.Attr, stat *unix.Stat_t) {
	attr.Ino = stat.Ino
	attr.Size = uint64(stat.Size)
	attr.Blocks = uint64(stat.Blocks)
	attr.Blksize = uint32(stat.Blksize)
	attr.Atime = uint64(stat.Atim.Sec)
	attr.Atimensec = uint32(stat.Atim.Nsec)
	attr.Mtime = uint64(stat.Mtim.Sec)
	attr.Mtimensec = uint32(stat.Mtim.Nsec)
	attr.Ctime = uint64(stat.Ctim.Sec)
	attr.Ctimensec = uint32(stat.Ctim.Nsec)
	attr.Mode = stat.Mode
	attr.Nlink = uint32(stat.Nlink)
	attr.Uid = stat.Uid
	attr.Gid = stat.Gid
	attr.Rdev = uint32(stat.Rdev)
}

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
