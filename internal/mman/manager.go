// Package mman implements guest virtual memory on top of a single arena
// reserved up front. Mappings are tracked as VMAs in a B-tree ordered by start
// offset; every change to the tree is planned, checked, and then committed, so
// the set stays sorted and non-overlapping.
package mman

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/kmrgirish/libos/internal/syscallabi"
)

const protMask = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC

type Options struct {
	// Reserver provides the arena. Defaults to MmapReserver.
	Reserver Reserver
	// PageSize must be a power of two. Defaults to the host page size.
	PageSize uint64
	Logger   *slog.Logger
}

// A Manager owns one arena and the VMAs inside it. All methods are safe for
// concurrent use.
type Manager struct {
	mu sync.Mutex

	reserver Reserver
	pageSize uint64
	logger   *slog.Logger

	arena *Arena
	vmas  *btree.BTree
	gen   uint64
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Reserver == nil {
		opts.Reserver = MmapReserver{}
	}
	if opts.PageSize == 0 {
		opts.PageSize = uint64(os.Getpagesize())
	}
	if opts.PageSize&(opts.PageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d is not a power of two", opts.PageSize)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		reserver: opts.Reserver,
		pageSize: opts.PageSize,
		logger:   opts.Logger,
	}, nil
}

func (m *Manager) PageSize() uint64 {
	return m.pageSize
}

// Setup reserves an arena of at least size bytes.
func (m *Manager) Setup(size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.arena != nil {
		return unix.EALREADY
	}
	arena, err := newArena(m.reserver, size, m.pageSize)
	if err != nil {
		return err
	}
	m.arena = arena
	m.vmas = btree.New(8)
	m.logger.Info("arena reserved", "base", fmt.Sprintf("%#x", arena.Base()), "size", arena.Size())
	return nil
}

// Teardown releases the arena. It fails with EBUSY while any mapping is live.
func (m *Manager) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.arena == nil {
		return unix.EINVAL
	}
	if m.vmas.Len() > 0 {
		return unix.EBUSY
	}
	if err := m.arena.release(); err != nil {
		m.logger.Error("releasing arena", "err", err)
	}
	m.arena = nil
	m.vmas = nil
	m.logger.Info("arena released")
	return nil
}

// Arena returns the base and size of the current arena, if any.
func (m *Manager) Arena() (base uintptr, size uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.arena == nil {
		return 0, 0, false
	}
	return m.arena.Base(), m.arena.Size(), true
}

// A MapRequest holds the arguments to mmap. File is required unless Flags
// has MAP_ANONYMOUS, and is ignored otherwise.
type MapRequest struct {
	Addr   uintptr
	Length uint64
	Prot   int
	Flags  int
	File   Mappable
	Offset int64
	// FileReadOnly marks File as not open for writing.
	FileReadOnly bool
}

// Mmap maps a new region and returns its address. The address hint is ignored
// unless MAP_FIXED or MAP_FIXED_NOREPLACE is set; otherwise the lowest gap that
// fits is used.
func (m *Manager) Mmap(req MapRequest) (uintptr, error) {
	if req.Length == 0 || req.Prot&^protMask != 0 {
		return 0, unix.EINVAL
	}
	shared := req.Flags&unix.MAP_SHARED != 0
	private := req.Flags&unix.MAP_PRIVATE != 0
	if shared == private {
		return 0, unix.EINVAL
	}
	fixed := req.Flags&(unix.MAP_FIXED|unix.MAP_FIXED_NOREPLACE) != 0

	file := req.File
	if req.Flags&unix.MAP_ANONYMOUS != 0 {
		file = nil
	} else {
		if file == nil {
			return 0, unix.EBADF
		}
		if req.Offset < 0 || !aligned(uint64(req.Offset), m.pageSize) {
			return 0, unix.EINVAL
		}
		if shared && req.FileReadOnly && req.Prot&unix.PROT_WRITE != 0 {
			return 0, unix.EACCES
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.arena == nil {
		return 0, unix.ENOMEM
	}
	if req.Length > m.arena.Size() {
		if fixed {
			return 0, unix.EINVAL
		}
		return 0, unix.ENOMEM
	}
	length := roundUp(req.Length, m.pageSize)
	if file != nil && uint64(req.Offset) > math.MaxInt64-length {
		return 0, unix.EOVERFLOW
	}

	var start uint64
	if fixed {
		off, ok := m.arena.offset(req.Addr)
		if !ok || !aligned(off, m.pageSize) || !m.arena.contains(off, length) {
			return 0, unix.EINVAL
		}
		if len(m.overlapping(off, off+length)) > 0 {
			return 0, unix.EADDRINUSE
		}
		start = off
	} else {
		var ok bool
		start, ok = m.findGap(length)
		if !ok {
			return 0, unix.ENOMEM
		}
	}

	v := &vma{
		start:   start,
		length:  length,
		prot:    req.Prot,
		shared:  shared,
		file:    file,
		offset:  req.Offset,
		noWrite: shared && req.FileReadOnly,
		dirty:   req.Prot&unix.PROT_WRITE != 0,
		gen:     m.nextGen(),
	}
	if file != nil {
		if err := m.populate(v, 0, length); err != nil {
			m.arena.zero(start, length)
			return 0, err
		}
	}
	if err := m.commit("mmap", plan{add: []*vma{v}}); err != nil {
		m.arena.zero(start, length)
		return 0, err
	}

	addr := m.arena.Base() + uintptr(start)
	m.logger.Debug("mapped", "vma", v)
	return addr, nil
}

// Munmap removes every mapped byte in [addr, addr+length). Unmapped parts of
// the range are skipped.
func (m *Manager) Munmap(addr uintptr, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start, end, err := m.rangeLocked(addr, length, unix.EINVAL)
	if err != nil {
		return err
	}
	return m.unmapLocked("munmap", start, end)
}

// Mprotect changes the protection of a fully mapped range.
func (m *Manager) Mprotect(addr uintptr, length uint64, prot int) error {
	if prot&^protMask != 0 {
		return unix.EINVAL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if length == 0 {
		if m.arena != nil {
			if off, ok := m.arena.offset(addr); !ok || !aligned(off, m.pageSize) {
				return unix.EINVAL
			}
		}
		return nil
	}
	start, end, err := m.rangeLocked(addr, length, unix.ENOMEM)
	if err != nil {
		return err
	}
	vs, ok := m.covering(start, end)
	if !ok {
		return unix.ENOMEM
	}

	var p plan
	for _, v := range vs {
		if v.prot == prot {
			continue
		}
		if v.noWrite && prot&unix.PROT_WRITE != 0 {
			return unix.EACCES
		}
		s, e := max(v.start, start), min(v.end(), end)
		p.remove = append(p.remove, v)
		if v.start < s {
			p.add = append(p.add, m.piece(v, v.start, s))
		}
		mid := m.piece(v, s, e)
		mid.prot = prot
		mid.dirty = mid.dirty || prot&unix.PROT_WRITE != 0
		p.add = append(p.add, mid)
		if e < v.end() {
			p.add = append(p.add, m.piece(v, e, v.end()))
		}
	}
	if len(p.remove) == 0 {
		return nil
	}
	return m.commit("mprotect", p)
}

// Mremap grows or shrinks the mapping at oldAddr. The old range must lie
// inside one VMA. Growth happens in place when the following pages are free,
// or else by moving the mapping when MREMAP_MAYMOVE is set.
func (m *Manager) Mremap(oldAddr uintptr, oldLength, newLength uint64, flags int) (uintptr, error) {
	if flags&^unix.MREMAP_MAYMOVE != 0 || oldLength == 0 || newLength == 0 {
		return 0, unix.EINVAL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.arena == nil {
		return 0, unix.EFAULT
	}
	off, ok := m.arena.offset(oldAddr)
	if !ok {
		return 0, unix.EFAULT
	}
	if !aligned(off, m.pageSize) {
		return 0, unix.EINVAL
	}
	if oldLength > m.arena.Size() || !m.arena.contains(off, roundUp(oldLength, m.pageSize)) {
		return 0, unix.EFAULT
	}
	if newLength > m.arena.Size() {
		return 0, unix.ENOMEM
	}
	oldLength = roundUp(oldLength, m.pageSize)
	newLength = roundUp(newLength, m.pageSize)

	vs := m.overlapping(off, off+oldLength)
	if len(vs) != 1 || vs[0].start > off || vs[0].end() < off+oldLength {
		return 0, unix.EFAULT
	}
	v := vs[0]

	switch {
	case newLength == oldLength:
		return oldAddr, nil

	case newLength < oldLength:
		if err := m.unmapLocked("mremap", off+newLength, off+oldLength); err != nil {
			return 0, err
		}
		return oldAddr, nil
	}

	if off+oldLength == v.end() && m.arena.contains(off, newLength) &&
		len(m.overlapping(off+oldLength, off+newLength)) == 0 {
		grown := m.piece(v, off, off+oldLength)
		grown.length = newLength
		p := plan{remove: []*vma{v}, add: []*vma{grown}}
		if v.start < off {
			p.add = append(p.add, m.piece(v, v.start, off))
		}
		if grown.file != nil {
			if err := m.populate(grown, oldLength, newLength); err != nil {
				m.arena.zero(off+oldLength, newLength-oldLength)
				return 0, err
			}
		}
		if err := m.commit("mremap", p); err != nil {
			m.arena.zero(off+oldLength, newLength-oldLength)
			return 0, err
		}
		m.logger.Debug("grew in place", "vma", grown)
		return oldAddr, nil
	}

	if flags&unix.MREMAP_MAYMOVE == 0 {
		return 0, unix.ENOMEM
	}
	dst, ok := m.findGap(newLength)
	if !ok {
		return 0, unix.ENOMEM
	}

	moved := m.piece(v, off, off+oldLength)
	moved.start = dst
	moved.length = newLength
	p := plan{remove: []*vma{v}, add: []*vma{moved}}
	if v.start < off {
		p.add = append(p.add, m.piece(v, v.start, off))
	}
	if off+oldLength < v.end() {
		p.add = append(p.add, m.piece(v, off+oldLength, v.end()))
	}

	copy(m.arena.bytes(dst, oldLength), m.arena.bytes(off, oldLength))
	if moved.file != nil {
		if err := m.populate(moved, oldLength, newLength); err != nil {
			m.arena.zero(dst, newLength)
			return 0, err
		}
	}
	if err := m.commit("mremap", p); err != nil {
		m.arena.zero(dst, newLength)
		return 0, err
	}
	m.arena.zero(off, oldLength)

	m.logger.Debug("moved", "from", fmt.Sprintf("%#x", off), "vma", moved)
	return m.arena.Base() + uintptr(dst), nil
}

// Msync writes shared file-backed mappings in the range back to their files.
// MS_ASYNC is performed synchronously.
func (m *Manager) Msync(addr uintptr, length uint64, flags int) error {
	if flags&^(unix.MS_ASYNC|unix.MS_SYNC|unix.MS_INVALIDATE) != 0 ||
		flags&(unix.MS_ASYNC|unix.MS_SYNC) == unix.MS_ASYNC|unix.MS_SYNC {
		return unix.EINVAL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if length == 0 {
		return nil
	}
	start, end, err := m.rangeLocked(addr, length, unix.ENOMEM)
	if err != nil {
		return err
	}
	vs, ok := m.covering(start, end)
	if !ok {
		return unix.ENOMEM
	}
	for _, v := range vs {
		if !v.shared || v.file == nil {
			continue
		}
		if err := m.writeBack(v, max(v.start, start), min(v.end(), end)); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns a view of length bytes of mapped memory at addr. Every byte
// must be mapped with at least prot.
func (m *Manager) Bytes(addr uintptr, length uint64, prot int) (syscallabi.ByteSliceView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.arena == nil {
		return syscallabi.ByteSliceView{}, unix.EFAULT
	}
	off, ok := m.arena.offset(addr)
	if !ok || !m.arena.contains(off, length) {
		return syscallabi.ByteSliceView{}, unix.EFAULT
	}
	if length == 0 {
		return syscallabi.ByteSliceView{}, nil
	}
	vs, ok := m.covering(off, off+length)
	if !ok {
		return syscallabi.ByteSliceView{}, unix.EFAULT
	}
	for _, v := range vs {
		if v.prot&prot != prot {
			return syscallabi.ByteSliceView{}, unix.EFAULT
		}
	}
	return syscallabi.ByteSliceView{Ptr: m.arena.bytes(off, length)}, nil
}

// Mappings returns the current mappings in address order.
func (m *Manager) Mappings() []Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.arena == nil {
		return nil
	}
	var out []Mapping
	m.vmas.Ascend(func(i btree.Item) bool {
		v := i.(*vma)
		out = append(out, Mapping{
			Addr:       m.arena.Base() + uintptr(v.start),
			Length:     v.length,
			Prot:       v.prot,
			Shared:     v.shared,
			FileBacked: v.file != nil,
			Offset:     v.offset,
			Gen:        v.gen,
		})
		return true
	})
	return out
}

// rangeLocked converts [addr, addr+length) to arena offsets, rounding length
// up to whole pages. A misaligned addr or zero length is EINVAL; a range
// reaching outside the arena is outside.
func (m *Manager) rangeLocked(addr uintptr, length uint64, outside error) (uint64, uint64, error) {
	if m.arena == nil {
		return 0, 0, outside
	}
	if length == 0 {
		return 0, 0, unix.EINVAL
	}
	off, ok := m.arena.offset(addr)
	if !ok {
		return 0, 0, outside
	}
	if !aligned(off, m.pageSize) {
		return 0, 0, unix.EINVAL
	}
	if length > m.arena.Size() {
		return 0, 0, outside
	}
	length = roundUp(length, m.pageSize)
	if !m.arena.contains(off, length) {
		return 0, 0, outside
	}
	return off, off + length, nil
}

func (m *Manager) unmapLocked(op string, start, end uint64) error {
	var p plan
	for _, v := range m.overlapping(start, end) {
		p.remove = append(p.remove, v)
		if v.start < start {
			p.add = append(p.add, m.piece(v, v.start, start))
		}
		if v.end() > end {
			p.add = append(p.add, m.piece(v, end, v.end()))
		}
	}
	if len(p.remove) == 0 {
		return nil
	}

	for _, v := range p.remove {
		if v.shared && v.file != nil && v.dirty {
			if err := m.writeBack(v, max(v.start, start), min(v.end(), end)); err != nil {
				m.logger.Warn("write back on unmap failed", "vma", v, "err", err)
			}
		}
	}
	if err := m.commit(op, p); err != nil {
		return err
	}
	for _, v := range p.remove {
		s, e := max(v.start, start), min(v.end(), end)
		m.arena.zero(s, e-s)
	}
	return nil
}

// overlapping returns the vmas intersecting [start, end) in address order.
func (m *Manager) overlapping(start, end uint64) []*vma {
	var out []*vma
	m.vmas.DescendLessOrEqual(vmaKey(start), func(i btree.Item) bool {
		if v := i.(*vma); v.start < start && v.end() > start {
			out = append(out, v)
		}
		return false
	})
	m.vmas.AscendGreaterOrEqual(vmaKey(start), func(i btree.Item) bool {
		v := i.(*vma)
		if v.start >= end {
			return false
		}
		out = append(out, v)
		return true
	})
	return out
}

// covering returns the vmas intersecting [start, end), and false if any byte
// of the range is unmapped.
func (m *Manager) covering(start, end uint64) ([]*vma, bool) {
	vs := m.overlapping(start, end)
	pos := start
	for _, v := range vs {
		if v.start > pos {
			return nil, false
		}
		pos = v.end()
	}
	return vs, pos >= end
}

// findGap returns the lowest offset with length free bytes.
func (m *Manager) findGap(length uint64) (uint64, bool) {
	pos := uint64(0)
	found := false
	m.vmas.Ascend(func(i btree.Item) bool {
		v := i.(*vma)
		if v.start-pos >= length {
			found = true
			return false
		}
		pos = v.end()
		return true
	})
	if found || m.arena.Size()-pos >= length {
		return pos, true
	}
	return 0, false
}

func (m *Manager) nextGen() uint64 {
	m.gen++
	return m.gen
}

// piece returns the part of v covering [start, end) as a new vma.
func (m *Manager) piece(v *vma, start, end uint64) *vma {
	nv := v.slice(start, end)
	nv.gen = m.nextGen()
	return nv
}

// populate copies file content for [from, to) of v, relative to v.start, into
// the arena.
func (m *Manager) populate(v *vma, from, to uint64) error {
	buf := m.arena.bytes(v.start+from, to-from)
	n, err := v.file.ReadAt(buf, v.offset+int64(from))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	clear(buf[n:])
	return nil
}

// writeBack writes [start, end) of v to its file, stopping at the file's
// current size.
func (m *Manager) writeBack(v *vma, start, end uint64) error {
	fileOff := v.offset + int64(start-v.start)
	size, err := v.file.Size()
	if err != nil {
		return err
	}
	if fileOff >= size {
		return nil
	}
	n := min(int64(end-start), size-fileOff)
	_, err = v.file.WriteAt(m.arena.bytes(start, uint64(n)), fileOff)
	return err
}

type plan struct {
	remove []*vma
	add    []*vma
}

// check verifies that applying p keeps the tree sorted and non-overlapping
// with every vma inside the arena.
func (m *Manager) check(p plan) error {
	removed := make(map[*vma]bool, len(p.remove))
	for _, v := range p.remove {
		if m.vmas.Get(v) != v {
			return fmt.Errorf("removing %s: not in tree", v)
		}
		removed[v] = true
	}

	adds := slices.Clone(p.add)
	slices.SortFunc(adds, func(a, b *vma) int {
		switch {
		case a.start < b.start:
			return -1
		case a.start > b.start:
			return 1
		}
		return 0
	})
	for i, v := range adds {
		if v.length == 0 || !aligned(v.start, m.pageSize) || !aligned(v.length, m.pageSize) {
			return fmt.Errorf("adding %s: bad bounds", v)
		}
		if !m.arena.contains(v.start, v.length) {
			return fmt.Errorf("adding %s: outside arena", v)
		}
		if i > 0 && adds[i-1].end() > v.start {
			return fmt.Errorf("adding %s: overlaps %s", v, adds[i-1])
		}
		for _, old := range m.overlapping(v.start, v.end()) {
			if !removed[old] {
				return fmt.Errorf("adding %s: overlaps %s", v, old)
			}
		}
	}
	return nil
}

func (m *Manager) commit(op string, p plan) error {
	if err := m.check(p); err != nil {
		m.logger.Error("refusing vma update", "op", op, "err", err)
		return unix.ENOTRECOVERABLE
	}
	for _, v := range p.add {
		if v.file != nil {
			v.file.IncRef()
		}
	}
	for _, v := range p.remove {
		m.vmas.Delete(v)
	}
	for _, v := range p.add {
		m.vmas.ReplaceOrInsert(v)
	}
	for _, v := range p.remove {
		if v.file != nil {
			v.file.DecRef()
		}
	}
	return nil
}
