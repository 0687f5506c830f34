// Package dirstream implements opendir-style directory streams on top of
// raw getdents64 enumeration.
package dirstream

import (
	"golang.org/x/sys/unix"

	"github.com/kmrgirish/libos/internal/syscallabi"
)

// DefaultBufSize is the size of the record buffer filled by each
// Getdents64 call.
const DefaultBufSize = 4096

// An Enumerator is the descriptor layer a Stream reads from.
type Enumerator interface {
	Getdents64(fd int, buf []byte) (int, error)
	Lseek(fd int, off int64, whence int) (int64, error)
	Close(fd int) error
}

// A Stream returns the entries of one open directory. A Stream is not safe
// for concurrent use.
type Stream struct {
	enum   Enumerator
	fd     int
	buf    []byte
	pos    int // next record in buf
	end    int // valid bytes in buf
	eof    bool
	closed bool
}

// New wraps directory descriptor fd. The stream owns fd from here on.
func New(enum Enumerator, fd int, bufSize int) *Stream {
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	return &Stream{
		enum: enum,
		fd:   fd,
		buf:  make([]byte, bufSize),
	}
}

func (s *Stream) Fd() int {
	return s.fd
}

// Read returns the next entry, or nil and no error at the end of the
// directory. Once the end is reached Read keeps returning it without asking
// the enumerator again.
func (s *Stream) Read() (*syscallabi.Dirent, error) {
	if s.closed {
		return nil, unix.EBADF
	}
	if s.pos >= s.end {
		if s.eof {
			return nil, nil
		}
		n, err := s.enum.Getdents64(s.fd, s.buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			s.eof = true
			return nil, nil
		}
		s.pos, s.end = 0, n
	}

	d, reclen, err := syscallabi.ParseDirent(s.buf[s.pos:s.end])
	if err != nil {
		// a record we cannot parse poisons the rest of the buffer
		s.pos = s.end
		return nil, err
	}
	s.pos += reclen
	return &d, nil
}

// Rewind moves back to the first entry.
func (s *Stream) Rewind() error {
	if s.closed {
		return unix.EBADF
	}
	if _, err := s.enum.Lseek(s.fd, 0, unix.SEEK_SET); err != nil {
		return err
	}
	s.pos, s.end = 0, 0
	s.eof = false
	return nil
}

// Close closes the descriptor. Any later use fails with EBADF.
func (s *Stream) Close() error {
	if s.closed {
		return unix.EBADF
	}
	s.closed = true
	s.buf = nil
	return s.enum.Close(s.fd)
}
