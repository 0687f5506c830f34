package syscallabi

import (
	"time"

	"golang.org/x/sys/unix"
)

// Stat is the result of stat, lstat and fstat. Mode carries the S_IFMT type
// bits together with the permission bits, as in struct stat.
type Stat struct {
	Dev     uint64
	Ino     uint64
	Mode    uint32
	Nlink   uint64
	Uid     uint32
	Gid     uint32
	Rdev    uint64
	Size    int64
	Blksize int64
	Blocks  int64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
}

func (s *Stat) IsDir() bool {
	return s.Mode&unix.S_IFMT == unix.S_IFDIR
}

func (s *Stat) IsRegular() bool {
	return s.Mode&unix.S_IFMT == unix.S_IFREG
}

func (s *Stat) IsSymlink() bool {
	return s.Mode&unix.S_IFMT == unix.S_IFLNK
}

// Perm returns the permission bits of Mode.
func (s *Stat) Perm() uint32 {
	return s.Mode & 0o7777
}

// DirentType converts the S_IFMT bits of a mode to a d_type value.
func DirentType(mode uint32) uint8 {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return unix.DT_REG
	case unix.S_IFDIR:
		return unix.DT_DIR
	case unix.S_IFLNK:
		return unix.DT_LNK
	case unix.S_IFCHR:
		return unix.DT_CHR
	default:
		return unix.DT_UNKNOWN
	}
}
