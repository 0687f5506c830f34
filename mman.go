package libos

import (
	"golang.org/x/sys/unix"

	"github.com/kmrgirish/libos/internal/mman"
	"github.com/kmrgirish/libos/internal/syscallabi"
)

// SetupMman reserves an arena of at least size bytes for mappings. It fails
// with EALREADY if the arena exists.
func (o *OS) SetupMman(size uint64) error {
	err := o.mman.Setup(size)
	o.logCall("setup", err, "size", size)
	return err
}

// TeardownMman releases the arena. It fails with EBUSY while anything is
// mapped.
func (o *OS) TeardownMman() error {
	err := o.mman.Teardown()
	o.logCall("teardown", err)
	return err
}

// Arena reports the arena's base and size, if it is set up.
func (o *OS) Arena() (base uintptr, size uint64, ok bool) {
	return o.mman.Arena()
}

func (o *OS) PageSize() uint64 {
	return o.mman.PageSize()
}

// Mmap maps length bytes and returns the address. With MAP_ANONYMOUS fd
// and off are ignored; otherwise the mapping shows the file open on fd from
// off, and keeps the file alive after fd is closed.
func (o *OS) Mmap(addr uintptr, length uint64, prot, flags, fd int, off int64) (uintptr, error) {
	req := mman.MapRequest{
		Addr:   addr,
		Length: length,
		Prot:   prot,
		Flags:  flags,
		Offset: off,
	}
	if flags&unix.MAP_ANONYMOUS == 0 {
		vnode, readOnly, err := o.vfs.OpenMapping(fd, prot, flags)
		if err != nil {
			o.logCall("mmap", err, "length", length, "prot", syscallabi.ProtFlags.Format(prot), "flags", syscallabi.MapFlags.Format(flags), "fd", fd)
			return 0, err
		}
		// the manager takes its own references
		defer vnode.DecRef()
		req.File = vnode
		req.FileReadOnly = readOnly
	}

	got, err := o.mman.Mmap(req)
	o.logCall("mmap", err, "length", length, "prot", syscallabi.ProtFlags.Format(prot), "flags", syscallabi.MapFlags.Format(flags), "fd", fd, "addr", got)
	return got, err
}

func (o *OS) Munmap(addr uintptr, length uint64) error {
	err := o.mman.Munmap(addr, length)
	o.logCall("munmap", err, "addr", addr, "length", length)
	return err
}

func (o *OS) Mprotect(addr uintptr, length uint64, prot int) error {
	err := o.mman.Mprotect(addr, length, prot)
	o.logCall("mprotect", err, "addr", addr, "length", length, "prot", syscallabi.ProtFlags.Format(prot))
	return err
}

// Mremap resizes the mapping at oldAddr. It grows in place when the pages
// after it are free, and moves only with MREMAP_MAYMOVE.
func (o *OS) Mremap(oldAddr uintptr, oldLength, newLength uint64, flags int) (uintptr, error) {
	got, err := o.mman.Mremap(oldAddr, oldLength, newLength, flags)
	o.logCall("mremap", err, "addr", oldAddr, "old", oldLength, "new", newLength, "flags", flags, "newaddr", got)
	return got, err
}

// Msync writes shared file-backed pages in the range back to their files.
func (o *OS) Msync(addr uintptr, length uint64, flags int) error {
	err := o.mman.Msync(addr, length, flags)
	o.logCall("msync", err, "addr", addr, "length", length, "flags", flags)
	return err
}

// Memory returns a view of length mapped bytes at addr. Every page in the
// range must be mapped with at least prot, or the call fails with EFAULT.
// The view is valid until the range is unmapped.
func (o *OS) Memory(addr uintptr, length uint64, prot int) (syscallabi.ByteSliceView, error) {
	return o.mman.Bytes(addr, length, prot)
}

// Mappings returns the current mappings in address order.
func (o *OS) Mappings() []Mapping {
	return o.mman.Mappings()
}
