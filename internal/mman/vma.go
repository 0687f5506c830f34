package mman

import (
	"fmt"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
)

// A Mappable is the file side of a file-backed mapping. The manager holds one
// reference per VMA that maps it.
type Mappable interface {
	IncRef()
	DecRef()
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() (int64, error)
}

// A vma is one mapped region of the arena. Start and Length are arena offsets
// and always whole pages.
//
// vmas stored in the tree are never modified; splitting, shrinking or
// reprotecting a vma replaces it with new vmas.
//
// noWrite is set on shared mappings of files that were not open for writing;
// they can never gain PROT_WRITE. dirty is set once a vma has had PROT_WRITE,
// and stays set when the protection is later dropped.
type vma struct {
	start   uint64
	length  uint64
	prot    int
	shared  bool
	file    Mappable
	offset  int64 // file offset of start
	noWrite bool
	dirty   bool
	gen     uint64
}

func (v *vma) end() uint64 {
	return v.start + v.length
}

func (v *vma) Less(than btree.Item) bool {
	return v.start < than.(interface{ key() uint64 }).key()
}

func (v *vma) key() uint64 {
	return v.start
}

// vmaKey is a pivot for tree lookups by start offset.
type vmaKey uint64

func (k vmaKey) Less(than btree.Item) bool {
	return uint64(k) < than.(interface{ key() uint64 }).key()
}

func (k vmaKey) key() uint64 {
	return uint64(k)
}

// slice returns a copy of v restricted to [start, end). The copy shares v's
// file but has not taken a reference on it.
func (v *vma) slice(start, end uint64) *vma {
	nv := *v
	nv.start = start
	nv.length = end - start
	if nv.file != nil {
		nv.offset = v.offset + int64(start-v.start)
	}
	return &nv
}

func (v *vma) String() string {
	kind := "anon"
	if v.file != nil {
		kind = fmt.Sprintf("file@%#x", v.offset)
	}
	sharing := "private"
	if v.shared {
		sharing = "shared"
	}
	return fmt.Sprintf("[%#x-%#x %s %s %s gen=%d]", v.start, v.end(), protString(v.prot), sharing, kind, v.gen)
}

// A Mapping is a snapshot of one vma, as returned by Manager.Mappings.
type Mapping struct {
	Addr       uintptr
	Length     uint64
	Prot       int
	Shared     bool
	FileBacked bool
	Offset     int64
	Gen        uint64
}

func (m Mapping) String() string {
	sharing := "p"
	if m.Shared {
		sharing = "s"
	}
	kind := "anon"
	if m.FileBacked {
		kind = fmt.Sprintf("file@%#x", m.Offset)
	}
	return fmt.Sprintf("%#x-%#x %s%s %s", m.Addr, m.Addr+uintptr(m.Length), protString(m.Prot), sharing, kind)
}

func protString(prot int) string {
	b := []byte("---")
	if prot&unix.PROT_READ != 0 {
		b[0] = 'r'
	}
	if prot&unix.PROT_WRITE != 0 {
		b[1] = 'w'
	}
	if prot&unix.PROT_EXEC != 0 {
		b[2] = 'x'
	}
	return string(b)
}
