package libos

import (
	"golang.org/x/sys/unix"

	"github.com/kmrgirish/libos/internal/syscallabi"
)

// Open opens path and returns the lowest free descriptor. flags and mode
// follow open(2); mode is masked by the umask.
func (o *OS) Open(path string, flags int, mode uint32) (int, error) {
	fd, err := o.vfs.Open(path, flags, mode)
	o.logCall("open", err, "path", path, "flags", syscallabi.OpenFlags.Format(flags), "fd", fd)
	return fd, err
}

func (o *OS) Creat(path string, mode uint32) (int, error) {
	fd, err := o.vfs.Creat(path, mode)
	o.logCall("creat", err, "path", path, "fd", fd)
	return fd, err
}

func (o *OS) Close(fd int) error {
	err := o.vfs.Close(fd)
	o.logCall("close", err, "fd", fd)
	return err
}

// Dup returns the lowest free descriptor sharing fd's offset and flags.
func (o *OS) Dup(fd int) (int, error) {
	newfd, err := o.vfs.Dup(fd)
	o.logCall("dup", err, "fd", fd, "newfd", newfd)
	return newfd, err
}

func (o *OS) Read(fd int, buf []byte) (int, error) {
	n, err := o.vfs.Read(fd, buf)
	o.logCall("read", err, "fd", fd, "len", len(buf), "n", n)
	return n, err
}

// Write writes buf at the descriptor offset. A host-backed file may accept
// fewer bytes; the short count is returned without an error.
func (o *OS) Write(fd int, buf []byte) (int, error) {
	n, err := o.vfs.Write(fd, buf)
	o.logCall("write", err, "fd", fd, "len", len(buf), "n", n)
	return n, err
}

func (o *OS) Pread(fd int, buf []byte, off int64) (int, error) {
	n, err := o.vfs.Pread(fd, buf, off)
	o.logCall("pread", err, "fd", fd, "len", len(buf), "off", off, "n", n)
	return n, err
}

func (o *OS) Pwrite(fd int, buf []byte, off int64) (int, error) {
	n, err := o.vfs.Pwrite(fd, buf, off)
	o.logCall("pwrite", err, "fd", fd, "len", len(buf), "off", off, "n", n)
	return n, err
}

func (o *OS) Readv(fd int, bufs [][]byte) (int, error) {
	n, err := o.vfs.Readv(fd, bufs)
	o.logCall("readv", err, "fd", fd, "iovcnt", len(bufs), "n", n)
	return n, err
}

func (o *OS) Writev(fd int, bufs [][]byte) (int, error) {
	n, err := o.vfs.Writev(fd, bufs)
	o.logCall("writev", err, "fd", fd, "iovcnt", len(bufs), "n", n)
	return n, err
}

func (o *OS) Lseek(fd int, off int64, whence int) (int64, error) {
	pos, err := o.vfs.Lseek(fd, off, whence)
	o.logCall("lseek", err, "fd", fd, "off", off, "whence", whence, "pos", pos)
	return pos, err
}

func (o *OS) Stat(path string) (Stat, error) {
	st, err := o.vfs.Stat(path)
	o.logCall("stat", err, "path", path)
	return st, err
}

func (o *OS) Lstat(path string) (Stat, error) {
	st, err := o.vfs.Lstat(path)
	o.logCall("lstat", err, "path", path)
	return st, err
}

func (o *OS) Fstat(fd int) (Stat, error) {
	st, err := o.vfs.Fstat(fd)
	o.logCall("fstat", err, "fd", fd)
	return st, err
}

func (o *OS) Mkdir(path string, mode uint32) error {
	err := o.vfs.Mkdir(path, mode)
	o.logCall("mkdir", err, "path", path, "mode", mode)
	return err
}

func (o *OS) Rmdir(path string) error {
	err := o.vfs.Rmdir(path)
	o.logCall("rmdir", err, "path", path)
	return err
}

func (o *OS) Link(oldpath, newpath string) error {
	err := o.vfs.Link(oldpath, newpath)
	o.logCall("link", err, "old", oldpath, "new", newpath)
	return err
}

// Unlink removes a name. An open file outlives its last name until its last
// descriptor or mapping goes away.
func (o *OS) Unlink(path string) error {
	err := o.vfs.Unlink(path)
	o.logCall("unlink", err, "path", path)
	return err
}

func (o *OS) Symlink(target, linkpath string) error {
	err := o.vfs.Symlink(target, linkpath)
	o.logCall("symlink", err, "target", target, "path", linkpath)
	return err
}

// Rename atomically moves oldpath to newpath, replacing a compatible
// newpath. Renaming a file onto itself succeeds and does nothing.
func (o *OS) Rename(oldpath, newpath string) error {
	err := o.vfs.Rename(oldpath, newpath)
	o.logCall("rename", err, "old", oldpath, "new", newpath)
	return err
}

func (o *OS) Truncate(path string, length int64) error {
	err := o.vfs.Truncate(path, length)
	o.logCall("truncate", err, "path", path, "length", length)
	return err
}

func (o *OS) Ftruncate(fd int, length int64) error {
	err := o.vfs.Ftruncate(fd, length)
	o.logCall("ftruncate", err, "fd", fd, "length", length)
	return err
}

// Readlink copies the target of the symlink at path into buf, truncating
// silently, and returns the bytes copied.
func (o *OS) Readlink(path string, buf []byte) (int, error) {
	n, err := o.vfs.Readlink(path, buf)
	o.logCall("readlink", err, "path", path, "n", n)
	return n, err
}

// Access checks mode (unix.F_OK, or a mask of R_OK, W_OK and X_OK) against
// the owner permission bits of path.
func (o *OS) Access(path string, mode uint32) error {
	err := o.vfs.Access(path, mode)
	o.logCall("access", err, "path", path, "mode", mode)
	return err
}

func (o *OS) Chdir(path string) error {
	err := o.vfs.Chdir(path)
	o.logCall("chdir", err, "path", path)
	return err
}

func (o *OS) Getcwd() (string, error) {
	cwd, err := o.vfs.Getcwd()
	o.logCall("getcwd", err, "cwd", cwd)
	return cwd, err
}

// Umask sets the umask and returns the previous one.
func (o *OS) Umask(mask uint32) uint32 {
	old := o.vfs.SetUmask(mask)
	o.logCall("umask", nil, "mask", mask, "old", old)
	return old
}

// Getdents64 fills buf with linux_dirent64 records from directory fd and
// returns the bytes used, 0 at the end.
func (o *OS) Getdents64(fd int, buf []byte) (int, error) {
	n, err := o.vfs.Getdents64(fd, buf)
	o.logCall("getdents64", err, "fd", fd, "len", len(buf), "n", n)
	return n, err
}

// Fdinfo reports the offset, flags, inode and reference count behind fd.
func (o *OS) Fdinfo(fd int) (FdInfo, error) {
	info, err := o.vfs.Fdinfo(fd)
	o.logCall("fdinfo", err, "fd", fd)
	return info, err
}

// Fds returns the open descriptors in increasing order.
func (o *OS) Fds() []int {
	return o.vfs.Fds()
}

// OpenFiles returns the number of open descriptors.
func (o *OS) OpenFiles() int {
	return o.vfs.Len()
}

// ReadFile reads the whole file at path. It is a convenience for tests and
// tools, built on Open, Read and Close.
func (o *OS) ReadFile(path string) ([]byte, error) {
	fd, err := o.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer o.Close(fd)

	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := o.Read(fd, buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, buf[:n]...)
	}
}

// WriteFile creates or truncates path and writes data to it.
func (o *OS) WriteFile(path string, data []byte, mode uint32) error {
	fd, err := o.Open(path, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, mode)
	if err != nil {
		return err
	}
	for len(data) > 0 {
		n, err := o.Write(fd, data)
		if err == nil && n == 0 {
			err = unix.EIO
		}
		if err != nil {
			o.Close(fd)
			return err
		}
		data = data[n:]
	}
	return o.Close(fd)
}
