package fs

import (
	"sync"
)

// A chunkStore holds the contents of an in-memory regular file as a sparse
// list of fixed-size chunks. A nil chunk is a hole and reads as zeroes.
//
// Chunks come from a sync.Pool and are zeroed before going back, so a chunk
// fresh from the pool is always zero.
type chunkStore struct {
	chunks []*chunk
	size   int64
}

const chunkSize = 4096

type chunk struct {
	data [chunkSize]byte
}

var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

func allocChunk() *chunk {
	return chunkPool.Get().(*chunk)
}

func freeChunk(c *chunk) {
	clear(c.data[:])
	chunkPool.Put(c)
}

var zeroChunk = &chunk{}

// ReadAt copies from the store at off into p and returns the count copied,
// which is short only at end of file.
func (s *chunkStore) ReadAt(p []byte, off int64) int {
	if off >= s.size {
		return 0
	}
	p = p[:min(int64(len(p)), s.size-off)]
	total := len(p)
	for len(p) > 0 {
		idx, pos := off/chunkSize, off%chunkSize
		c := s.chunks[idx]
		if c == nil {
			c = zeroChunk
		}
		n := copy(p, c.data[pos:])
		p = p[n:]
		off += int64(n)
	}
	return total
}

// WriteAt copies p into the store at off, growing it as needed.
func (s *chunkStore) WriteAt(p []byte, off int64) {
	if len(p) == 0 {
		return
	}
	if end := off + int64(len(p)); end > s.size {
		s.grow(end)
	}
	for len(p) > 0 {
		idx, pos := off/chunkSize, off%chunkSize
		c := s.chunks[idx]
		if c == nil {
			c = allocChunk()
			s.chunks[idx] = c
		}
		n := copy(c.data[pos:], p)
		p = p[n:]
		off += int64(n)
	}
}

func (s *chunkStore) grow(size int64) {
	count := int((size + chunkSize - 1) / chunkSize)
	if count > len(s.chunks) {
		s.chunks = append(s.chunks, make([]*chunk, count-len(s.chunks))...)
	}
	s.size = size
}

// Truncate sets the size of the store. Bytes past a shrunk size are zeroed,
// so growing again exposes zeroes.
func (s *chunkStore) Truncate(size int64) {
	if size >= s.size {
		s.grow(size)
		return
	}

	count := int((size + chunkSize - 1) / chunkSize)
	for i := count; i < len(s.chunks); i++ {
		if c := s.chunks[i]; c != nil {
			freeChunk(c)
		}
		s.chunks[i] = nil
	}
	s.chunks = s.chunks[:count]

	if pos := size % chunkSize; pos != 0 {
		if c := s.chunks[count-1]; c != nil {
			clear(c.data[pos:])
		}
	}
	s.size = size
}

// Blocks returns the number of allocated chunks.
func (s *chunkStore) Blocks() int {
	n := 0
	for _, c := range s.chunks {
		if c != nil {
			n++
		}
	}
	return n
}

// Free releases every chunk. The store is empty afterwards.
func (s *chunkStore) Free() {
	for i, c := range s.chunks {
		if c != nil {
			freeChunk(c)
		}
		s.chunks[i] = nil
	}
	s.chunks = nil
	s.size = 0
}
