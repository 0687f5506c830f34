package mman

import (
	"math"
	"unsafe"

	"golang.org/x/sys/unix"
)

// A Reserver hands out the single block of memory backing an arena.
type Reserver interface {
	Reserve(size int) ([]byte, error)
	Release(mem []byte) error
}

// MmapReserver reserves arena memory with an anonymous, private host mapping
// created with MAP_NORESERVE.
type MmapReserver struct{}

func (MmapReserver) Reserve(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
}

func (MmapReserver) Release(mem []byte) error {
	return unix.Munmap(mem)
}

// HeapReserver reserves arena memory from the Go heap, for substrates with no
// host mmap at all. Limit caps the reservation; zero means no cap.
type HeapReserver struct {
	Limit int
}

func (r HeapReserver) Reserve(size int) ([]byte, error) {
	if r.Limit > 0 && size > r.Limit {
		return nil, unix.ENOMEM
	}
	return make([]byte, size), nil
}

func (HeapReserver) Release(mem []byte) error {
	return nil
}

// An Arena is the fixed, page-aligned range that holds every mapping. Offsets
// into the arena are what VMAs record; addresses handed to callers are
// base+offset.
type Arena struct {
	mem      []byte
	base     uintptr
	pageSize uint64
	reserver Reserver
}

func newArena(reserver Reserver, size uint64, pageSize uint64) (*Arena, error) {
	if size == 0 {
		return nil, unix.EINVAL
	}
	if size > math.MaxInt-pageSize {
		return nil, unix.EINVAL
	}
	size = roundUp(size, pageSize)

	mem, err := reserver.Reserve(int(size))
	if err != nil {
		// whatever the host said, the guest sees a reservation that cannot
		// be satisfied
		return nil, unix.ENOMEM
	}
	if uint64(len(mem)) < size {
		reserver.Release(mem)
		return nil, unix.ENOMEM
	}

	return &Arena{
		mem:      mem[:size],
		base:     uintptr(unsafe.Pointer(unsafe.SliceData(mem))),
		pageSize: pageSize,
		reserver: reserver,
	}, nil
}

func (a *Arena) Base() uintptr {
	return a.base
}

func (a *Arena) Size() uint64 {
	return uint64(len(a.mem))
}

func (a *Arena) PageSize() uint64 {
	return a.pageSize
}

// offset translates a caller address into an arena offset. ok is false when
// addr lies outside the arena.
func (a *Arena) offset(addr uintptr) (uint64, bool) {
	if addr < a.base || addr-a.base > uintptr(len(a.mem)) {
		return 0, false
	}
	return uint64(addr - a.base), true
}

// contains reports whether [off, off+length) lies inside the arena.
func (a *Arena) contains(off, length uint64) bool {
	size := a.Size()
	return off <= size && length <= size-off
}

func (a *Arena) bytes(off, length uint64) []byte {
	return a.mem[off : off+length : off+length]
}

func (a *Arena) zero(off, length uint64) {
	clear(a.mem[off : off+length])
}

func (a *Arena) release() error {
	mem := a.mem
	a.mem = nil
	return a.reserver.Release(mem)
}

func roundUp(n, pageSize uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

func aligned(n, pageSize uint64) bool {
	return n&(pageSize-1) == 0
}
