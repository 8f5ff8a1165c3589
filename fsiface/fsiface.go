// Package fsiface defines the minimal file-I/O surface the process model's
// FileIO syscall class dispatches against, and an in-memory
// implementation backed by afero. Built around an Fd_t wrapping an
// Fdops_i-style interface, FD_READ/FD_WRITE permission bits, and
// Copyfd/Close semantics, reworked from a real POSIX filesystem onto a
// swappable afero.Fs, since a full filesystem is out of scope (spec
// Non-goals) but user processes still need to read/write named byte
// streams.
package fsiface

import (
	"io"
	"sync"

	"github.com/spf13/afero"

	"corekernel/defs"
)

// Perm mirrors a conventional FD_READ/FD_WRITE/FD_CLOEXEC bitmask.
type Perm int

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermCloexec
)

// FD is one process's open file descriptor: a reference to an afero file
// plus the permission bits it was opened with, the same shape as an
// Fd_t wrapping an Fdops_i.
type FD struct {
	mu    sync.Mutex
	file  afero.File
	perms Perm
}

// FS is the per-process file table: a bounded set of open FDs backed by a
// shared afero.Fs, keyed by small integer descriptor numbers the way a
// process struct indexes Fd_t by fd number.
type FS struct {
	mu      sync.Mutex
	backing afero.Fs
	open    map[int]*FD
	next    int
	maxOpen int
}

// New builds an FS backed by an in-memory afero filesystem, bounded to
// maxOpen simultaneously open descriptors, the MAX_FILES_PER_PROCESS limit.
func New(maxOpen int) *FS {
	return &FS{
		backing: afero.NewMemMapFs(),
		open:    make(map[int]*FD),
		maxOpen: maxOpen,
	}
}

// NewWithBacking builds an FS over an already-constructed afero.Fs, for
// tests that want to pre-seed files or swap in afero.NewOsFs().
func NewWithBacking(backing afero.Fs, maxOpen int) *FS {
	return &FS{backing: backing, open: make(map[int]*FD), maxOpen: maxOpen}
}

// Open opens path with the given permissions and returns a new descriptor
// number. Fails with OpenFileLimit once maxOpen descriptors are already
// open, and InvalidFile if the backing store refuses to open path, for
// whatever reason it gives.
func (f *FS) Open(path string, perms Perm) (int, defs.KError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.open) >= f.maxOpen {
		return 0, defs.Err(defs.KindOpenFileLimit)
	}
	flags := osFlagsFor(perms)
	file, err := f.backing.OpenFile(path, flags, 0644)
	if err != nil {
		return 0, defs.Err(defs.KindInvalidFile)
	}
	fdnum := f.next
	f.next++
	f.open[fdnum] = &FD{file: file, perms: perms}
	return fdnum, defs.KError{}
}

func osFlagsFor(perms Perm) int {
	switch {
	case perms&PermWrite != 0 && perms&PermRead != 0:
		return osFlagRdwrCreate
	case perms&PermWrite != 0:
		return osFlagWriteCreate
	default:
		return osFlagReadOnly
	}
}

// Read reads up to len(buf) bytes from fdnum into buf, returning the
// number of bytes read. Returns PermissionError if fdnum was opened without
// PermRead, the same permission check an Fd_t's Fops performs.
func (f *FS) Read(fdnum int, buf []byte) (int, defs.KError) {
	fd, kerr := f.lookup(fdnum)
	if kerr.Kind != defs.KindOK {
		return 0, kerr
	}
	if fd.perms&PermRead == 0 {
		return 0, defs.Err(defs.KindPermissionError)
	}
	fd.mu.Lock()
	defer fd.mu.Unlock()
	n, err := fd.file.Read(buf)
	if err != nil && err != io.EOF {
		return n, defs.Err(defs.KindInvalidFile)
	}
	return n, defs.KError{}
}

// Write writes buf to fdnum, returning the number of bytes written.
func (f *FS) Write(fdnum int, buf []byte) (int, defs.KError) {
	fd, kerr := f.lookup(fdnum)
	if kerr.Kind != defs.KindOK {
		return 0, kerr
	}
	if fd.perms&PermWrite == 0 {
		return 0, defs.Err(defs.KindPermissionError)
	}
	fd.mu.Lock()
	defer fd.mu.Unlock()
	n, err := fd.file.Write(buf)
	if err != nil {
		return n, defs.Err(defs.KindInvalidFile)
	}
	return n, defs.KError{}
}

// Close releases fdnum, returning an error instead of panicking on a bad
// fd number, since that's a user-space mistake rather than a kernel
// invariant violation.
func (f *FS) Close(fdnum int) defs.KError {
	f.mu.Lock()
	defer f.mu.Unlock()
	fd, ok := f.open[fdnum]
	if !ok {
		return defs.Err(defs.KindInvalidFile)
	}
	delete(f.open, fdnum)
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if err := fd.file.Close(); err != nil {
		return defs.Err(defs.KindInvalidFile)
	}
	return defs.KError{}
}

// Copyfd duplicates fdnum onto a new descriptor number sharing the same
// underlying afero.File, used for fork-time descriptor table duplication.
func (f *FS) Copyfd(fdnum int) (int, defs.KError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.open) >= f.maxOpen {
		return 0, defs.Err(defs.KindOpenFileLimit)
	}
	fd, ok := f.open[fdnum]
	if !ok {
		return 0, defs.Err(defs.KindInvalidFile)
	}
	newnum := f.next
	f.next++
	f.open[newnum] = &FD{file: fd.file, perms: fd.perms}
	return newnum, defs.KError{}
}

func (f *FS) lookup(fdnum int) (*FD, defs.KError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fd, ok := f.open[fdnum]
	if !ok {
		return nil, defs.Err(defs.KindInvalidFile)
	}
	return fd, defs.KError{}
}

// OpenCount reports how many descriptors are currently open, for the
// MAX_FILES_PER_PROCESS boundary tests.
func (f *FS) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

// ReadAt reads len(buf) bytes from fdnum at offset off without disturbing
// the descriptor's own read position.
func (f *FS) ReadAt(fdnum int, buf []byte, off int64) (int, defs.KError) {
	fd, kerr := f.lookup(fdnum)
	if kerr.Kind != defs.KindOK {
		return 0, kerr
	}
	if fd.perms&PermRead == 0 {
		return 0, defs.Err(defs.KindPermissionError)
	}
	fd.mu.Lock()
	defer fd.mu.Unlock()
	ra, ok := fd.file.(io.ReaderAt)
	if !ok {
		return 0, defs.Err(defs.KindNotSupported)
	}
	n, err := ra.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return n, defs.Err(defs.KindInvalidFile)
	}
	return n, defs.KError{}
}

// WriteAt writes buf to fdnum at offset off.
func (f *FS) WriteAt(fdnum int, buf []byte, off int64) (int, defs.KError) {
	fd, kerr := f.lookup(fdnum)
	if kerr.Kind != defs.KindOK {
		return 0, kerr
	}
	if fd.perms&PermWrite == 0 {
		return 0, defs.Err(defs.KindPermissionError)
	}
	fd.mu.Lock()
	defer fd.mu.Unlock()
	wa, ok := fd.file.(io.WriterAt)
	if !ok {
		return 0, defs.Err(defs.KindNotSupported)
	}
	n, err := wa.WriteAt(buf, off)
	if err != nil {
		return n, defs.Err(defs.KindInvalidFile)
	}
	return n, defs.KError{}
}

// Delete removes the named path from the backing store.
func (f *FS) Delete(path string) defs.KError {
	if err := f.backing.Remove(path); err != nil {
		return defs.Err(defs.KindInvalidFile)
	}
	return defs.KError{}
}

// FileInfo is the subset of os.FileInfo the get_info operation exposes to
// user space.
type FileInfo struct {
	Size  int64
	IsDir bool
}

// Stat returns FileInfo for path, the backing for the FileIO get_info
// operation.
func (f *FS) Stat(path string) (FileInfo, defs.KError) {
	info, err := f.backing.Stat(path)
	if err != nil {
		return FileInfo{}, defs.Err(defs.KindInvalidFile)
	}
	return FileInfo{Size: info.Size(), IsDir: info.IsDir()}, defs.KError{}
}

// Mkdir creates a directory at path.
func (f *FS) Mkdir(path string) defs.KError {
	if err := f.backing.Mkdir(path, 0755); err != nil {
		return defs.Err(defs.KindInvalidFile)
	}
	return defs.KError{}
}

// Rename moves oldpath to newpath.
func (f *FS) Rename(oldpath, newpath string) defs.KError {
	if err := f.backing.Rename(oldpath, newpath); err != nil {
		return defs.Err(defs.KindInvalidFile)
	}
	return defs.KError{}
}
