// Package hostio is the boundary between host-backed files and the host that
// stores their bytes.
//
// A Host performs one operation at a time on a named target. Errors are
// syscall.Errno values and reach the guest unchanged; the library OS never
// retries a short transfer.
package hostio

import (
	"errors"
	"fmt"
	"syscall"
)

type Op int

const (
	// OpRead reads into buf at off and returns the count read. A count
	// short of len(buf) means end of file.
	OpRead Op = iota
	// OpWrite writes buf at off and returns the count written, which may
	// be short.
	OpWrite
	// OpSize returns the size of the target. buf and off are ignored.
	OpSize
	// OpTruncate sets the size of the target to off, creating it if
	// needed. buf is ignored.
	OpTruncate
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpSize:
		return "size"
	case OpTruncate:
		return "truncate"
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

type Host interface {
	PerformIO(op Op, target string, buf []byte, off int64) (int, error)
}

// errno unwraps err to the syscall.Errno it carries, defaulting to EIO.
func errno(err error) error {
	if err == nil {
		return nil
	}
	var e syscall.Errno
	if errors.As(err, &e) {
		return e
	}
	return syscall.EIO
}
