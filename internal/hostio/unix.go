package hostio

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/sys/unix"
)

// Unix is a Host backed by real files below a root directory. Targets are
// relative to the root and may not escape it, through ".." or a symlink.
type Unix struct {
	root int
}

func OpenUnix(root string) (*Unix, error) {
	fd, err := unix.Open(root, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening host root %s: %w", root, err)
	}
	return &Unix{root: fd}, nil
}

func (u *Unix) Close() error {
	return unix.Close(u.root)
}

func (u *Unix) open(target string, flags int) (int, error) {
	for _, elem := range strings.Split(target, "/") {
		if elem == ".." {
			return -1, unix.EACCES
		}
	}
	name := strings.TrimPrefix(path.Clean("/"+target), "/")
	if name == "" {
		return -1, unix.EISDIR
	}

	fd, err := unix.Openat2(u.root, name, &unix.OpenHow{
		Flags:   uint64(flags | unix.O_CLOEXEC | unix.O_NOFOLLOW),
		Mode:    0o644,
		Resolve: unix.RESOLVE_BENEATH | unix.RESOLVE_NO_MAGICLINKS,
	})
	switch err {
	case nil:
		return fd, nil
	case unix.EXDEV:
		// a symlink on the way pointed out of the root
		return -1, unix.EACCES
	case unix.ENOSYS:
		return u.walk(name, flags)
	default:
		return -1, err
	}
}

// walk opens name one component at a time, refusing symlinks anywhere on
// the path. It serves kernels without openat2.
func (u *Unix) walk(name string, flags int) (int, error) {
	elems := strings.Split(name, "/")
	dir := u.root
	for _, elem := range elems[:len(elems)-1] {
		next, err := unix.Openat(dir, elem, unix.O_PATH|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if dir != u.root {
			unix.Close(dir)
		}
		if err != nil {
			return -1, err
		}
		dir = next
	}
	fd, err := unix.Openat(dir, elems[len(elems)-1], flags|unix.O_CLOEXEC|unix.O_NOFOLLOW, 0o644)
	if dir != u.root {
		unix.Close(dir)
	}
	return fd, err
}

func (u *Unix) PerformIO(op Op, target string, buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, unix.EINVAL
	}

	var flags int
	switch op {
	case OpRead, OpSize:
		flags = unix.O_RDONLY
	case OpWrite, OpTruncate:
		flags = unix.O_WRONLY | unix.O_CREAT
	default:
		return 0, unix.EINVAL
	}

	fd, err := u.open(target, flags)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	switch op {
	case OpRead:
		return unix.Pread(fd, buf, off)
	case OpWrite:
		return unix.Pwrite(fd, buf, off)
	case OpSize:
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return 0, err
		}
		return int(st.Size), nil
	default:
		return 0, unix.Ftruncate(fd, off)
	}
}
