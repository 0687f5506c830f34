// Package vfs is the descriptor layer of the library OS. It owns the
// descriptor table and the open-file state behind each descriptor, and
// dispatches the file syscalls onto the vnode tree in package fs.
package vfs

import (
	"log/slog"
	"math"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kmrgirish/libos/internal/fdtable"
	"github.com/kmrgirish/libos/internal/fs"
	"github.com/kmrgirish/libos/internal/syscallabi"
)

// IovMax is the most buffers Readv and Writev accept.
const IovMax = 1024

type Options struct {
	// MaxFiles bounds the descriptor table. Defaults to fdtable.DefaultMax.
	MaxFiles int
	// Umask masks the mode of created files and directories.
	Umask  uint32
	Logger *slog.Logger
}

type VFS struct {
	fs     *fs.Filesystem
	files  *fdtable.Table[*OpenFile]
	logger *slog.Logger

	mu    sync.Mutex
	cwd   *fs.Vnode // referenced
	umask uint32
}

func New(filesystem *fs.Filesystem, opts Options) *VFS {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	root := filesystem.Root()
	root.IncRef()
	return &VFS{
		fs:     filesystem,
		files:  fdtable.New[*OpenFile](opts.MaxFiles),
		logger: opts.Logger,
		cwd:    root,
		umask:  opts.Umask & 0o777,
	}
}

func (v *VFS) Filesystem() *fs.Filesystem {
	return v.fs
}

// cwdRef returns the working directory with a reference held.
func (v *VFS) cwdRef() *fs.Vnode {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cwd.IncRef()
	return v.cwd
}

func (v *VFS) mask(mode uint32) uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return mode & 0o7777 &^ v.umask
}

// SetUmask sets the umask and returns the previous one.
func (v *VFS) SetUmask(mask uint32) uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	old := v.umask
	v.umask = mask & 0o777
	return old
}

// get returns the open file behind fd with a reference held. Callers release
// it when done, so a concurrent Close never frees state in use.
func (v *VFS) get(fd int) (*OpenFile, error) {
	f, ok := v.files.Lookup(fd, (*OpenFile).acquire)
	if !ok {
		return nil, unix.EBADF
	}
	return f, nil
}

// Open opens path and returns the lowest free descriptor.
func (v *VFS) Open(path string, flags int, mode uint32) (int, error) {
	acc := flags & unix.O_ACCMODE
	if acc != unix.O_RDONLY && acc != unix.O_WRONLY && acc != unix.O_RDWR {
		return -1, unix.EINVAL
	}
	if v.files.Len() >= v.files.Max() {
		return -1, unix.EMFILE
	}

	cwd := v.cwdRef()
	defer cwd.DecRef()

	node, err := v.fs.Open(cwd, path, flags, v.mask(mode))
	if err != nil {
		return -1, err
	}
	if flags&unix.O_TRUNC != 0 && acc != unix.O_RDONLY && node.Type == fs.Regular {
		if err := node.Truncate(0); err != nil {
			node.DecRef()
			return -1, err
		}
	}

	fd, err := v.files.Insert(newOpenFile(node, flags))
	if err != nil {
		node.DecRef()
		return -1, err
	}
	return fd, nil
}

func (v *VFS) Creat(path string, mode uint32) (int, error) {
	return v.Open(path, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, mode)
}

func (v *VFS) Close(fd int) error {
	f, ok := v.files.Delete(fd)
	if !ok {
		return unix.EBADF
	}
	f.release()
	return nil
}

// Dup returns the lowest free descriptor sharing fd's open file.
func (v *VFS) Dup(fd int) (int, error) {
	f, err := v.get(fd)
	if err != nil {
		return -1, err
	}
	newfd, err := v.files.Insert(f)
	if err != nil {
		f.release()
		return -1, err
	}
	return newfd, nil
}

// An FdInfo describes one descriptor the way /proc/self/fdinfo does.
type FdInfo struct {
	Fd    int
	Pos   int64
	Flags int
	Ino   uint64
	// Refs counts the references on the file: one per open file description
	// plus one per mapping.
	Refs int64
}

// Fdinfo describes descriptor fd.
func (v *VFS) Fdinfo(fd int) (FdInfo, error) {
	f, err := v.get(fd)
	if err != nil {
		return FdInfo{}, err
	}
	defer f.release()

	f.mu.Lock()
	pos := f.off
	f.mu.Unlock()
	return FdInfo{
		Fd:    fd,
		Pos:   pos,
		Flags: f.flags,
		Ino:   f.vnode.Ino,
		Refs:  f.vnode.Refs(),
	}, nil
}

// Fds returns the open descriptors in increasing order.
func (v *VFS) Fds() []int {
	var fds []int
	v.files.Range(func(fd int, _ *OpenFile) bool {
		fds = append(fds, fd)
		return true
	})
	return fds
}

func (v *VFS) Read(fd int, buf []byte) (int, error) {
	f, err := v.get(fd)
	if err != nil {
		return 0, err
	}
	defer f.release()
	if !f.readable() {
		return 0, unix.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.vnode.ReadAt(buf, f.off)
	f.off += int64(n)
	return n, err
}

func (v *VFS) Write(fd int, buf []byte) (int, error) {
	f, err := v.get(fd)
	if err != nil {
		return 0, err
	}
	defer f.release()
	if !f.writable() {
		return 0, unix.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked([][]byte{buf})
}

// writeLocked writes bufs at the offset, or at the end of file with
// O_APPEND, as one vnode write.
func (f *OpenFile) writeLocked(bufs [][]byte) (int, error) {
	if f.flags&unix.O_APPEND != 0 {
		n, end, err := f.vnode.Appendv(bufs)
		if err == nil || n > 0 {
			f.off = end
		}
		return n, err
	}
	n, err := f.vnode.WritevAt(bufs, f.off)
	f.off += int64(n)
	return n, err
}

// Pread reads at off without moving the descriptor offset.
func (v *VFS) Pread(fd int, buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, unix.EINVAL
	}
	f, err := v.get(fd)
	if err != nil {
		return 0, err
	}
	defer f.release()
	if !f.readable() {
		return 0, unix.EBADF
	}
	return f.vnode.ReadAt(buf, off)
}

// Pwrite writes at off without moving the descriptor offset.
func (v *VFS) Pwrite(fd int, buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, unix.EINVAL
	}
	f, err := v.get(fd)
	if err != nil {
		return 0, err
	}
	defer f.release()
	if !f.writable() {
		return 0, unix.EBADF
	}
	return f.vnode.WriteAt(buf, off)
}

// Readv reads into bufs in order as a single read; no write to the file
// lands between two of the buffers.
func (v *VFS) Readv(fd int, bufs [][]byte) (int, error) {
	if len(bufs) > IovMax {
		return 0, unix.EINVAL
	}
	f, err := v.get(fd)
	if err != nil {
		return 0, err
	}
	defer f.release()
	if !f.readable() {
		return 0, unix.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.vnode.ReadvAt(bufs, f.off)
	if err != nil && n == 0 {
		return 0, err
	}
	f.off += int64(n)
	return n, nil
}

// Writev writes bufs in order as a single write; no other write to the
// file lands between two of the buffers.
func (v *VFS) Writev(fd int, bufs [][]byte) (int, error) {
	if len(bufs) > IovMax {
		return 0, unix.EINVAL
	}
	f, err := v.get(fd)
	if err != nil {
		return 0, err
	}
	defer f.release()
	if !f.writable() {
		return 0, unix.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.writeLocked(bufs)
	if err != nil && n == 0 {
		return 0, err
	}
	return n, nil
}

// Lseek moves the descriptor offset. On a directory only SEEK_SET is
// allowed and the offset is a cookie from Getdents64.
func (v *VFS) Lseek(fd int, off int64, whence int) (int64, error) {
	f, err := v.get(fd)
	if err != nil {
		return 0, err
	}
	defer f.release()

	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.vnode.Type {
	case fs.CharDevice:
		if whence != unix.SEEK_SET && whence != unix.SEEK_CUR && whence != unix.SEEK_END {
			return 0, unix.EINVAL
		}
		return 0, nil

	case fs.Directory:
		if whence != unix.SEEK_SET || off < 0 {
			return 0, unix.EINVAL
		}
		cursor, err := f.vnode.SeekDir(off)
		if err != nil {
			return 0, err
		}
		f.dir = cursor
		f.off = off
		return off, nil
	}

	var base int64
	switch whence {
	case unix.SEEK_SET:
	case unix.SEEK_CUR:
		base = f.off
	case unix.SEEK_END:
		if base, err = f.vnode.Size(); err != nil {
			return 0, err
		}
	default:
		return 0, unix.EINVAL
	}
	if (off > 0 && base > math.MaxInt64-off) || base+off < 0 {
		return 0, unix.EINVAL
	}
	f.off = base + off
	return f.off, nil
}

func (v *VFS) Stat(path string) (syscallabi.Stat, error) {
	cwd := v.cwdRef()
	defer cwd.DecRef()
	return v.fs.Stat(cwd, path, true)
}

func (v *VFS) Lstat(path string) (syscallabi.Stat, error) {
	cwd := v.cwdRef()
	defer cwd.DecRef()
	return v.fs.Stat(cwd, path, false)
}

func (v *VFS) Fstat(fd int) (syscallabi.Stat, error) {
	f, err := v.get(fd)
	if err != nil {
		return syscallabi.Stat{}, err
	}
	defer f.release()
	return f.vnode.Stat()
}

func (v *VFS) Mkdir(path string, mode uint32) error {
	cwd := v.cwdRef()
	defer cwd.DecRef()
	return v.fs.Mkdir(cwd, path, v.mask(mode))
}

func (v *VFS) Rmdir(path string) error {
	cwd := v.cwdRef()
	defer cwd.DecRef()
	return v.fs.Rmdir(cwd, path)
}

func (v *VFS) Link(oldpath, newpath string) error {
	cwd := v.cwdRef()
	defer cwd.DecRef()
	return v.fs.Link(cwd, oldpath, newpath)
}

func (v *VFS) Unlink(path string) error {
	cwd := v.cwdRef()
	defer cwd.DecRef()
	return v.fs.Unlink(cwd, path)
}

func (v *VFS) Symlink(target, linkpath string) error {
	cwd := v.cwdRef()
	defer cwd.DecRef()
	return v.fs.Symlink(cwd, target, linkpath)
}

func (v *VFS) Rename(oldpath, newpath string) error {
	cwd := v.cwdRef()
	defer cwd.DecRef()
	return v.fs.Rename(cwd, oldpath, newpath)
}

func (v *VFS) Truncate(path string, length int64) error {
	if length < 0 {
		return unix.EINVAL
	}
	cwd := v.cwdRef()
	defer cwd.DecRef()

	node, err := v.fs.Lookup(cwd, path, true)
	if err != nil {
		return err
	}
	defer node.DecRef()
	return node.Truncate(length)
}

func (v *VFS) Ftruncate(fd int, length int64) error {
	if length < 0 {
		return unix.EINVAL
	}
	f, err := v.get(fd)
	if err != nil {
		return err
	}
	defer f.release()
	if !f.writable() || f.vnode.Type != fs.Regular {
		return unix.EINVAL
	}
	return f.vnode.Truncate(length)
}

// Readlink copies the symlink target into buf, truncating it silently.
func (v *VFS) Readlink(path string, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, unix.EINVAL
	}
	cwd := v.cwdRef()
	defer cwd.DecRef()

	target, err := v.fs.Readlink(cwd, path)
	if err != nil {
		return 0, err
	}
	return copy(buf, target), nil
}

func (v *VFS) Access(path string, mode uint32) error {
	cwd := v.cwdRef()
	defer cwd.DecRef()
	return v.fs.Access(cwd, path, mode)
}

func (v *VFS) Chdir(path string) error {
	cwd := v.cwdRef()
	node, err := v.fs.Lookup(cwd, path, true)
	cwd.DecRef()
	if err != nil {
		return err
	}
	if !node.IsDir() {
		node.DecRef()
		return unix.ENOTDIR
	}

	v.mu.Lock()
	old := v.cwd
	v.cwd = node
	v.mu.Unlock()

	old.DecRef()
	return nil
}

func (v *VFS) Getcwd() (string, error) {
	cwd := v.cwdRef()
	defer cwd.DecRef()
	return v.fs.Getpath(cwd)
}

// Getdents64 packs as many linux_dirent64 records as fit into buf and
// returns the number of bytes used, 0 at the end of the directory.
func (v *VFS) Getdents64(fd int, buf []byte) (int, error) {
	f, err := v.get(fd)
	if err != nil {
		return 0, err
	}
	defer f.release()
	if !f.vnode.IsDir() {
		return 0, unix.ENOTDIR
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// every record takes at least 24 bytes
	entries, err := f.vnode.ReadDir(f.dir, len(buf)/24+1)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, d := range entries {
		reclen, ok := syscallabi.PutDirent(buf[n:], d)
		if !ok {
			if n == 0 {
				return 0, unix.EINVAL
			}
			break
		}
		n += reclen
		f.dir = f.dir.Next(d)
		f.off = d.Off
	}
	return n, nil
}

// OpenMapping checks that fd can back a mapping with prot and flags and
// returns its vnode with a reference held. readOnly reports that the
// descriptor is not open for writing, so the mapping may never become shared
// and writable.
func (v *VFS) OpenMapping(fd int, prot, flags int) (vnode *fs.Vnode, readOnly bool, err error) {
	f, err := v.get(fd)
	if err != nil {
		return nil, false, err
	}
	defer f.release()

	switch f.vnode.Type {
	case fs.Regular:
	case fs.CharDevice:
		if f.vnode.Device() != fs.DevZero {
			return nil, false, unix.ENODEV
		}
	default:
		return nil, false, unix.ENODEV
	}
	if !f.readable() {
		return nil, false, unix.EACCES
	}
	shared := flags&unix.MAP_SHARED != 0
	if shared && prot&unix.PROT_WRITE != 0 && !f.writable() {
		return nil, false, unix.EACCES
	}

	f.vnode.IncRef()
	return f.vnode, !f.writable(), nil
}

// Len returns the number of open descriptors.
func (v *VFS) Len() int {
	return v.files.Len()
}

// CloseAll closes every descriptor.
func (v *VFS) CloseAll() int {
	files := v.files.Clear()
	for _, f := range files {
		f.release()
	}
	if len(files) > 0 {
		v.logger.Debug("closed descriptors", "count", len(files))
	}
	return len(files)
}

// Shutdown closes every descriptor and drops the working directory.
func (v *VFS) Shutdown() {
	v.CloseAll()
	v.mu.Lock()
	cwd := v.cwd
	v.cwd = v.fs.Root()
	v.cwd.IncRef()
	v.mu.Unlock()
	cwd.DecRef()
}
