// Copyright 2019 The Go Authors. All rights reserved.  Use of this source code
// is governed by a BSD-style license that can be found at
// https://go.googlesource.com/go/+/refs/heads/master/LICENSE.

// Based on https://go.googlesource.com/go/+/refs/heads/master/src/internal/poll/errno_unix.go.

package syscallabi

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// Do the interface allocations only once for common
// Errno values.
var (
	errEAGAIN error = unix.EAGAIN
	errEINVAL error = unix.EINVAL
	errENOENT error = unix.ENOENT
	errEBADF  error = unix.EBADF
	errEEXIST error = unix.EEXIST
	errENOMEM error = unix.ENOMEM
)

// ErrnoErr returns common boxed Errno values, to prevent
// allocations at runtime.
func ErrnoErr(e syscall.Errno) error {
	switch e {
	case 0:
		return nil
	case unix.EAGAIN:
		return errEAGAIN
	case unix.EINVAL:
		return errEINVAL
	case unix.ENOENT:
		return errENOENT
	case unix.EBADF:
		return errEBADF
	case unix.EEXIST:
		return errEEXIST
	case unix.ENOMEM:
		return errENOMEM
	}
	return e
}

// ErrErrno extracts the Errno carried by err. Errors that do not wrap an
// Errno are reported as EIO so that a host failure never turns into a
// successful return.
func ErrErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// Ret folds a result and an error into the raw syscall return convention: the
// count on success, or the negated errno on failure.
func Ret(n int, err error) int64 {
	if err != nil {
		return -int64(ErrErrno(err))
	}
	return int64(n)
}

// ErrnoName returns the symbolic name of the errno carried by err, such as
// "ENOENT", or "" for a nil error.
func ErrnoName(err error) string {
	errno := ErrErrno(err)
	if errno == 0 {
		return ""
	}
	if name := unix.ErrnoName(errno); name != "" {
		return name
	}
	return errno.Error()
}
