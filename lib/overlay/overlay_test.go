// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/veilfs/veilfs/lib/gpg"
	"github.com/veilfs/veilfs/lib/pagebuf"
	"github.com/veilfs/veilfs/lib/testutil"
)

func newTestFilesystem(t *testing.T, target string, decrypt bool) *Filesystem {
	t.Helper()
	fs, err := New(Options{
		Target:     target,
		Recipients: []gpg.Recipient{"alice@example.com"},
		Tool:       gpg.Tool{Program: testutil.FakeTool(t)},
		Decrypt:    decrypt,
		LockPolicy: pagebuf.LockNone,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs
}

// writeFile creates path through the overlay, writes contents, and
// releases the handle so the ciphertext lands in the backing file.
func writeFile(t *testing.T, fs *Filesystem, path string, contents []byte) {
	t.Helper()
	handle, errno := fs.Create(path, unix.O_WRONLY, 0o644)
	if errno != 0 {
		t.Fatalf("Create(%s): %v", path, errno)
	}
	if _, errno := fs.Write(handle, contents, 0); errno != 0 {
		t.Fatalf("Write(%s): %v", path, errno)
	}
	if errno := fs.Release(handle); errno != 0 {
		t.Fatalf("Release(%s): %v", path, errno)
	}
}

func TestFilesystem_EncryptsOnRelease(t *testing.T) {
	target := t.TempDir()
	fs := newTestFilesystem(t, target, false)

	plaintext := []byte("attack at dawn\n")
	writeFile(t, fs, "note.txt", plaintext)

	stored, err := os.ReadFile(filepath.Join(target, "note.txt"))
	if err != nil {
		t.Fatalf("reading backing file: %v", err)
	}
	if !bytes.Contains(stored, []byte("-----BEGIN PGP MESSAGE-----")) {
		t.Fatalf("backing file is not armored: %q", stored)
	}
	if bytes.Contains(stored, plaintext) {
		t.Fatalf("plaintext leaked into backing file: %q", stored)
	}

	reader := newTestFilesystem(t, target, true)
	handle, errno := reader.Open("note.txt", unix.O_RDONLY)
	if errno != 0 {
		t.Fatalf("Open: %v", errno)
	}
	dest := make([]byte, 64)
	n, errno := reader.Read(handle, dest, 0)
	if errno != 0 {
		t.Fatalf("Read: %v", errno)
	}
	if !bytes.Equal(dest[:n], plaintext) {
		t.Fatalf("decrypted %q, want %q", dest[:n], plaintext)
	}
	if errno := reader.Release(handle); errno != 0 {
		t.Fatalf("Release: %v", errno)
	}
}

func TestFilesystem_SharedHandleFlushesOnLastRelease(t *testing.T) {
	target := t.TempDir()
	fs := newTestFilesystem(t, target, false)

	first, errno := fs.Create("shared.txt", unix.O_WRONLY, 0o644)
	if errno != 0 {
		t.Fatalf("Create: %v", errno)
	}
	second, errno := fs.Open("shared.txt", unix.O_WRONLY)
	if errno != 0 {
		t.Fatalf("second Open: %v", errno)
	}
	if first != second {
		t.Fatalf("second open got handle %d, want shared handle %d", second, first)
	}

	if _, errno := fs.Write(first, []byte("pending"), 0); errno != 0 {
		t.Fatalf("Write: %v", errno)
	}

	if errno := fs.Release(first); errno != 0 {
		t.Fatalf("first Release: %v", errno)
	}
	info, err := os.Stat(filepath.Join(target, "shared.txt"))
	if err != nil {
		t.Fatalf("stat after first release: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("flush happened before last release: backing size %d", info.Size())
	}

	if errno := fs.Release(second); errno != 0 {
		t.Fatalf("last Release: %v", errno)
	}
	info, err = os.Stat(filepath.Join(target, "shared.txt"))
	if err != nil {
		t.Fatalf("stat after last release: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("last release did not flush")
	}
}

func TestFilesystem_WriteOnlyRefusesReadingExisting(t *testing.T) {
	target := t.TempDir()
	fs := newTestFilesystem(t, target, false)
	writeFile(t, fs, "secret.txt", []byte("secret"))

	handle, errno := fs.Open("secret.txt", unix.O_RDONLY)
	if errno != 0 {
		t.Fatalf("Open: %v", errno)
	}
	defer fs.Release(handle)

	if _, errno := fs.Read(handle, make([]byte, 16), 0); errno != syscall.EACCES {
		t.Fatalf("Read errno = %v, want EACCES", errno)
	}
	if errno := fs.Access("secret.txt", unix.R_OK); errno != syscall.EACCES {
		t.Fatalf("Access errno = %v, want EACCES", errno)
	}
}

func TestFilesystem_WriteOnlyAllowsReadingOwnCreation(t *testing.T) {
	fs := newTestFilesystem(t, t.TempDir(), false)

	handle, errno := fs.Create("fresh.txt", unix.O_RDWR, 0o644)
	if errno != 0 {
		t.Fatalf("Create: %v", errno)
	}
	defer fs.Release(handle)

	contents := []byte("visible while open")
	if _, errno := fs.Write(handle, contents, 0); errno != 0 {
		t.Fatalf("Write: %v", errno)
	}
	dest := make([]byte, len(contents))
	n, errno := fs.Read(handle, dest, 0)
	if errno != 0 {
		t.Fatalf("Read: %v", errno)
	}
	if !bytes.Equal(dest[:n], contents) {
		t.Fatalf("read back %q, want %q", dest[:n], contents)
	}
	if errno := fs.Access("fresh.txt", unix.R_OK); errno != 0 {
		t.Fatalf("Access: %v", errno)
	}
}

func TestFilesystem_WriteOnlyForcesExclusiveCreate(t *testing.T) {
	target := t.TempDir()
	fs := newTestFilesystem(t, target, false)
	writeFile(t, fs, "taken.txt", []byte("already here"))

	if _, errno := fs.Open("taken.txt", unix.O_RDWR|unix.O_CREAT); errno != syscall.EEXIST {
		t.Fatalf("Open errno = %v, want EEXIST", errno)
	}
}

func TestFilesystem_RenameRelocatesOpenHandle(t *testing.T) {
	target := t.TempDir()
	fs := newTestFilesystem(t, target, false)

	handle, errno := fs.Create("before.txt", unix.O_WRONLY, 0o644)
	if errno != 0 {
		t.Fatalf("Create: %v", errno)
	}
	if _, errno := fs.Write(handle, []byte("moved in flight"), 0); errno != 0 {
		t.Fatalf("Write: %v", errno)
	}

	if errno := fs.Rename("before.txt", "after.txt"); errno != 0 {
		t.Fatalf("Rename: %v", errno)
	}

	// The open path entry must have moved with the file.
	attached, errno := fs.Open("after.txt", unix.O_WRONLY)
	if errno != 0 {
		t.Fatalf("Open after rename: %v", errno)
	}
	if attached != handle {
		t.Fatalf("open of renamed path got handle %d, want %d", attached, handle)
	}
	fs.Release(attached)

	if errno := fs.Release(handle); errno != 0 {
		t.Fatalf("Release: %v", errno)
	}
	stored, err := os.ReadFile(filepath.Join(target, "after.txt"))
	if err != nil {
		t.Fatalf("reading renamed file: %v", err)
	}
	if len(stored) == 0 {
		t.Fatal("renamed file did not receive the flush")
	}
	if _, err := os.Lstat(filepath.Join(target, "before.txt")); !os.IsNotExist(err) {
		t.Fatalf("old path still present: %v", err)
	}
}

func TestFilesystem_GetattrMasksReadBitsForClosedFiles(t *testing.T) {
	target := t.TempDir()
	fs := newTestFilesystem(t, target, false)
	writeFile(t, fs, "masked.txt", []byte("contents"))

	stat, errno := fs.Getattr("masked.txt")
	if errno != 0 {
		t.Fatalf("Getattr: %v", errno)
	}
	if stat.Mode&(unix.S_IRUSR|unix.S_IRGRP|unix.S_IROTH) != 0 {
		t.Fatalf("read bits still set: mode %o", stat.Mode)
	}

	// Directories keep their bits, or traversal would break.
	stat, errno = fs.Getattr("")
	if errno != 0 {
		t.Fatalf("Getattr root: %v", errno)
	}
	if stat.Mode&unix.S_IRUSR == 0 {
		t.Fatalf("directory read bit masked: mode %o", stat.Mode)
	}

	reader := newTestFilesystem(t, target, true)
	stat, errno = reader.Getattr("masked.txt")
	if errno != 0 {
		t.Fatalf("Getattr (decrypting): %v", errno)
	}
	if stat.Mode&unix.S_IRUSR == 0 {
		t.Fatalf("decrypting mount masked read bits: mode %o", stat.Mode)
	}
}

func TestFilesystem_GetattrReportsPlaintextSize(t *testing.T) {
	target := t.TempDir()
	fs := newTestFilesystem(t, target, false)
	plaintext := []byte("twelve bytes")
	writeFile(t, fs, "sized.txt", plaintext)

	// Closed ciphertext is larger than the plaintext (armor overhead).
	stat, errno := fs.Getattr("sized.txt")
	if errno != 0 {
		t.Fatalf("Getattr: %v", errno)
	}
	if stat.Size <= int64(len(plaintext)) {
		t.Fatalf("ciphertext size %d not larger than plaintext %d", stat.Size, len(plaintext))
	}

	reader := newTestFilesystem(t, target, true)
	handle, errno := reader.Open("sized.txt", unix.O_RDONLY)
	if errno != 0 {
		t.Fatalf("Open: %v", errno)
	}
	defer reader.Release(handle)

	stat, errno = reader.Getattr("sized.txt")
	if errno != 0 {
		t.Fatalf("Getattr (open): %v", errno)
	}
	if stat.Size != int64(len(plaintext)) {
		t.Fatalf("open file size %d, want plaintext size %d", stat.Size, len(plaintext))
	}
}

func TestFilesystem_TruncateClosedFile(t *testing.T) {
	target := t.TempDir()
	fs := newTestFilesystem(t, target, false)
	writeFile(t, fs, "trunc.txt", []byte("0123456789"))

	reader := newTestFilesystem(t, target, true)
	if errno := reader.Truncate("trunc.txt", 4); errno != 0 {
		t.Fatalf("Truncate: %v", errno)
	}

	handle, errno := reader.Open("trunc.txt", unix.O_RDONLY)
	if errno != 0 {
		t.Fatalf("Open: %v", errno)
	}
	defer reader.Release(handle)
	dest := make([]byte, 16)
	n, errno := reader.Read(handle, dest, 0)
	if errno != 0 {
		t.Fatalf("Read: %v", errno)
	}
	if got := string(dest[:n]); got != "0123" {
		t.Fatalf("after truncate read %q, want %q", got, "0123")
	}
}

func TestFilesystem_TruncateToZeroWithoutDecrypting(t *testing.T) {
	target := t.TempDir()
	fs := newTestFilesystem(t, target, false)
	writeFile(t, fs, "zero.txt", []byte("doomed"))

	// Zero truncation works even write-only: no plaintext is needed.
	if errno := fs.Truncate("zero.txt", 0); errno != 0 {
		t.Fatalf("Truncate: %v", errno)
	}
	info, err := os.Stat(filepath.Join(target, "zero.txt"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("backing size %d after zero truncate", info.Size())
	}

	// Nonzero truncation needs decryption and is refused write-only.
	writeFile(t, fs, "refused.txt", []byte("0123456789"))
	if errno := fs.Truncate("refused.txt", 4); errno != syscall.EACCES {
		t.Fatalf("nonzero truncate errno = %v, want EACCES", errno)
	}
}

func TestFilesystem_TruncateOpenHandle(t *testing.T) {
	target := t.TempDir()
	fs := newTestFilesystem(t, target, false)
	writeFile(t, fs, "open-trunc.txt", []byte("long original contents"))

	reader := newTestFilesystem(t, target, true)
	handle, errno := reader.Open("open-trunc.txt", unix.O_RDWR)
	if errno != 0 {
		t.Fatalf("Open: %v", errno)
	}
	if errno := reader.TruncateHandle(handle, 4); errno != 0 {
		t.Fatalf("TruncateHandle: %v", errno)
	}
	dest := make([]byte, 16)
	n, errno := reader.Read(handle, dest, 0)
	if errno != 0 {
		t.Fatalf("Read: %v", errno)
	}
	if got := string(dest[:n]); got != "long" {
		t.Fatalf("after truncate read %q, want %q", got, "long")
	}
	if errno := reader.Release(handle); errno != 0 {
		t.Fatalf("Release: %v", errno)
	}

	// The shortened contents must round-trip through the re-encrypt.
	second := newTestFilesystem(t, target, true)
	handle, errno = second.Open("open-trunc.txt", unix.O_RDONLY)
	if errno != 0 {
		t.Fatalf("reopen: %v", errno)
	}
	defer second.Release(handle)
	n, errno = second.Read(handle, dest, 0)
	if errno != 0 {
		t.Fatalf("reread: %v", errno)
	}
	if got := string(dest[:n]); got != "long" {
		t.Fatalf("reread %q, want %q", got, "long")
	}
}

func TestFilesystem_EncryptFailureSurfacesOnRelease(t *testing.T) {
	target := t.TempDir()
	fs, err := New(Options{
		Target:     target,
		Recipients: []gpg.Recipient{"alice@example.com"},
		Tool:       gpg.Tool{Program: testutil.FailingTool(t)},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer fs.Close()

	handle, errno := fs.Create("doomed.txt", unix.O_WRONLY, 0o644)
	if errno != 0 {
		t.Fatalf("Create: %v", errno)
	}
	if _, errno := fs.Write(handle, []byte("never stored"), 0); errno != 0 {
		t.Fatalf("Write: %v", errno)
	}
	if errno := fs.Release(handle); errno != syscall.EIO {
		t.Fatalf("Release errno = %v, want EIO", errno)
	}

	// The failed flush leaves the backing file empty, never with
	// partial or plaintext contents.
	info, err := os.Stat(filepath.Join(target, "doomed.txt"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("backing size %d after failed flush", info.Size())
	}
}

func TestFilesystem_SetRecipientsWhileOpen(t *testing.T) {
	fs := newTestFilesystem(t, t.TempDir(), false)

	handle, errno := fs.Create("held.txt", unix.O_WRONLY, 0o644)
	if errno != 0 {
		t.Fatalf("Create: %v", errno)
	}
	if err := fs.SetRecipients([]gpg.Recipient{"bob@example.com"}); err != ErrFilesOpen {
		t.Fatalf("SetRecipients with open file: %v, want ErrFilesOpen", err)
	}
	if errno := fs.Release(handle); errno != 0 {
		t.Fatalf("Release: %v", errno)
	}
	if err := fs.SetRecipients([]gpg.Recipient{"bob@example.com"}); err != nil {
		t.Fatalf("SetRecipients after release: %v", err)
	}
	if err := fs.SetRecipients(nil); err != ErrNoRecipients {
		t.Fatalf("SetRecipients(nil): %v, want ErrNoRecipients", err)
	}
}

func TestFilesystem_ReadDirFiltersEntryTypes(t *testing.T) {
	target := t.TempDir()
	fs := newTestFilesystem(t, target, false)

	writeFile(t, fs, "plain.txt", []byte("x"))
	if errno := fs.Mkdir("sub", 0o755); errno != 0 {
		t.Fatalf("Mkdir: %v", errno)
	}
	if errno := fs.Symlink("plain.txt", "link"); errno != 0 {
		t.Fatalf("Symlink: %v", errno)
	}
	if err := unix.Mkfifo(filepath.Join(target, "pipe"), 0o644); err != nil {
		t.Fatalf("mkfifo: %v", err)
	}

	entries, errno := fs.ReadDir("")
	if errno != 0 {
		t.Fatalf("ReadDir: %v", errno)
	}
	types := make(map[string]uint32, len(entries))
	for _, entry := range entries {
		types[entry.Name] = entry.Mode
	}
	if types["plain.txt"] != unix.S_IFREG {
		t.Fatalf("plain.txt mode %o", types["plain.txt"])
	}
	if types["sub"] != unix.S_IFDIR {
		t.Fatalf("sub mode %o", types["sub"])
	}
	if types["link"] != unix.S_IFLNK {
		t.Fatalf("link mode %o", types["link"])
	}
	if _, ok := types["pipe"]; ok {
		t.Fatal("fifo leaked into the listing")
	}
}

func TestFilesystem_PassthroughOperations(t *testing.T) {
	target := t.TempDir()
	fs := newTestFilesystem(t, target, false)

	if errno := fs.Mkdir("dir", 0o755); errno != 0 {
		t.Fatalf("Mkdir: %v", errno)
	}
	if errno := fs.Rmdir("dir"); errno != 0 {
		t.Fatalf("Rmdir: %v", errno)
	}

	writeFile(t, fs, "gone.txt", []byte("x"))
	if errno := fs.Unlink("gone.txt"); errno != 0 {
		t.Fatalf("Unlink: %v", errno)
	}
	if _, err := os.Lstat(filepath.Join(target, "gone.txt")); !os.IsNotExist(err) {
		t.Fatalf("unlinked file still present: %v", err)
	}

	if errno := fs.Symlink("elsewhere", "sym"); errno != 0 {
		t.Fatalf("Symlink: %v", errno)
	}
	dest, errno := fs.Readlink("sym")
	if errno != 0 {
		t.Fatalf("Readlink: %v", errno)
	}
	if dest != "elsewhere" {
		t.Fatalf("Readlink = %q, want %q", dest, "elsewhere")
	}

	if errno := fs.Link("sym", "hard"); errno != syscall.EPERM {
		t.Fatalf("Link errno = %v, want EPERM", errno)
	}

	writeFile(t, fs, "perms.txt", []byte("x"))
	if errno := fs.Chmod("perms.txt", 0o600); errno != 0 {
		t.Fatalf("Chmod: %v", errno)
	}
	info, err := os.Stat(filepath.Join(target, "perms.txt"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode %o after chmod", info.Mode().Perm())
	}

	when := unix.Timespec{Sec: 1_700_000_000}
	if errno := fs.Utimens("perms.txt", when, when); errno != 0 {
		t.Fatalf("Utimens: %v", errno)
	}
	info, err = os.Stat(filepath.Join(target, "perms.txt"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.ModTime().Unix() != 1_700_000_000 {
		t.Fatalf("mtime %d after utimens", info.ModTime().Unix())
	}

	stat, errno := fs.Statfs()
	if errno != 0 {
		t.Fatalf("Statfs: %v", errno)
	}
	if stat.Bsize == 0 {
		t.Fatal("Statfs returned zero block size")
	}
}

func TestFilesystem_New(t *testing.T) {
	if _, err := New(Options{Recipients: []gpg.Recipient{"a@b"}}); err != ErrTargetUnset {
		t.Fatalf("missing target: %v, want ErrTargetUnset", err)
	}
	if _, err := New(Options{Target: t.TempDir()}); err != ErrNoRecipients {
		t.Fatalf("missing recipients: %v, want ErrNoRecipients", err)
	}
	if _, err := New(Options{Target: "/does/not/exist", Recipients: []gpg.Recipient{"a@b"}}); err == nil {
		t.Fatal("nonexistent target accepted")
	}
}
