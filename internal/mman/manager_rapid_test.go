package mman

import (
	"testing"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"pgregory.net/rapid"
)

const rapidPages = 32

// pageModel tracks the expected state of every page in the arena: its
// protection (-1 when unmapped) and a stamp written to its first byte.
type pageModel struct {
	prot  [rapidPages]int
	stamp [rapidPages]byte
}

func (pm *pageModel) free(from, to int) bool {
	for i := from; i < to; i++ {
		if pm.prot[i] != -1 {
			return false
		}
	}
	return true
}

func (pm *pageModel) mapped(from, to int) bool {
	for i := from; i < to; i++ {
		if pm.prot[i] == -1 {
			return false
		}
	}
	return true
}

func (pm *pageModel) gap(n int) (int, bool) {
	for i := 0; i+n <= rapidPages; i++ {
		if pm.free(i, i+n) {
			return i, true
		}
	}
	return 0, false
}

func (pm *pageModel) unmap(from, to int) {
	for i := from; i < to; i++ {
		pm.prot[i] = -1
		pm.stamp[i] = 0
	}
}

func TestManagerRapid(t *testing.T) {
	rapid.Check(t, checkManager)
}

func checkManager(t *rapid.T) {
	m := newTestManager(t, rapidPages)
	base, _, _ := m.Arena()

	var model pageModel
	for i := range model.prot {
		model.prot[i] = -1
	}

	prots := []int{unix.PROT_NONE, unix.PROT_READ, unix.PROT_READ | unix.PROT_WRITE, unix.PROT_READ | unix.PROT_EXEC}
	addrOf := func(page int) uintptr {
		return base + uintptr(page*testPage)
	}

	actions := make(map[string]func(t *rapid.T))

	actions["mmap"] = func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "pages")
		prot := rapid.SampledFrom(prots).Draw(t, "prot")
		hint := rapid.IntRange(0, rapidPages-1).Draw(t, "hint")

		addr, err := m.Mmap(MapRequest{Addr: addrOf(hint), Length: uint64(n * testPage), Prot: prot, Flags: unix.MAP_PRIVATE | unix.MAP_ANONYMOUS})
		want, ok := model.gap(n)
		if !ok {
			if err != unix.ENOMEM {
				t.Fatalf("expected ENOMEM, got %v", err)
			}
			return
		}
		if err != nil {
			t.Fatalf("mmap %d pages: %v", n, err)
		}
		if addr != addrOf(want) {
			t.Fatalf("expected first fit at page %d, got +%#x", want, addr-base)
		}
		for i := want; i < want+n; i++ {
			model.prot[i] = prot
		}
	}

	actions["mmap-fixed"] = func(t *rapid.T) {
		page := rapid.IntRange(0, rapidPages-1).Draw(t, "page")
		n := rapid.IntRange(1, 8).Draw(t, "pages")

		_, err := m.Mmap(MapRequest{Addr: addrOf(page), Length: uint64(n * testPage), Prot: unix.PROT_READ, Flags: unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED_NOREPLACE})
		switch {
		case page+n > rapidPages:
			if err != unix.EINVAL {
				t.Fatalf("expected EINVAL, got %v", err)
			}
		case !model.free(page, page+n):
			if err != unix.EADDRINUSE {
				t.Fatalf("expected EADDRINUSE, got %v", err)
			}
		default:
			if err != nil {
				t.Fatalf("fixed mmap: %v", err)
			}
			for i := page; i < page+n; i++ {
				model.prot[i] = unix.PROT_READ
			}
		}
	}

	actions["munmap"] = func(t *rapid.T) {
		page := rapid.IntRange(0, rapidPages-1).Draw(t, "page")
		n := rapid.IntRange(1, 8).Draw(t, "pages")

		err := m.Munmap(addrOf(page), uint64(n*testPage))
		if page+n > rapidPages {
			if err != unix.EINVAL {
				t.Fatalf("expected EINVAL, got %v", err)
			}
			return
		}
		if err != nil {
			t.Fatalf("munmap: %v", err)
		}
		model.unmap(page, page+n)
	}

	actions["mprotect"] = func(t *rapid.T) {
		page := rapid.IntRange(0, rapidPages-1).Draw(t, "page")
		n := rapid.IntRange(1, 4).Draw(t, "pages")
		prot := rapid.SampledFrom(prots).Draw(t, "prot")

		err := m.Mprotect(addrOf(page), uint64(n*testPage), prot)
		if page+n > rapidPages || !model.mapped(page, page+n) {
			if err != unix.ENOMEM {
				t.Fatalf("expected ENOMEM, got %v", err)
			}
			return
		}
		if err != nil {
			t.Fatalf("mprotect: %v", err)
		}
		for i := page; i < page+n; i++ {
			model.prot[i] = prot
		}
	}

	actions["mremap"] = func(t *rapid.T) {
		mappings := m.Mappings()
		if len(mappings) == 0 {
			t.Skip()
		}
		mapping := rapid.SampledFrom(mappings).Draw(t, "mapping")
		start := int(mapping.Addr-base) / testPage
		pages := int(mapping.Length) / testPage
		// remap a tail of the vma, so in-place growth is possible
		from := start + rapid.IntRange(0, pages-1).Draw(t, "from")
		oldN := start + pages - from
		newN := rapid.IntRange(1, 8).Draw(t, "newPages")

		addr, err := m.Mremap(addrOf(from), uint64(oldN*testPage), uint64(newN*testPage), unix.MREMAP_MAYMOVE)
		prot := model.prot[from]
		switch {
		case newN <= oldN:
			if err != nil || addr != addrOf(from) {
				t.Fatalf("shrink: got %#x, %v", addr, err)
			}
			model.unmap(from+newN, from+oldN)

		case from+newN <= rapidPages && model.free(from+oldN, from+newN):
			if err != nil || addr != addrOf(from) {
				t.Fatalf("grow in place: got %#x, %v", addr, err)
			}
			for i := from + oldN; i < from+newN; i++ {
				model.prot[i] = prot
			}

		default:
			dst, ok := model.gap(newN)
			if !ok {
				if err != unix.ENOMEM {
					t.Fatalf("expected ENOMEM, got %v", err)
				}
				return
			}
			if err != nil || addr != addrOf(dst) {
				t.Fatalf("move: expected page %d, got +%#x, %v", dst, addr-base, err)
			}
			var stamps [8]byte
			copy(stamps[:], model.stamp[from:from+oldN])
			model.unmap(from, from+oldN)
			for i := 0; i < newN; i++ {
				model.prot[dst+i] = prot
				model.stamp[dst+i] = stamps[i]
			}
		}
	}

	actions["stamp"] = func(t *rapid.T) {
		var pages []int
		for i, prot := range model.prot {
			if prot != -1 {
				pages = append(pages, i)
			}
		}
		if len(pages) == 0 {
			t.Skip()
		}
		page := rapid.SampledFrom(pages).Draw(t, "page")
		value := rapid.Byte().Draw(t, "value")

		view, err := m.Bytes(addrOf(page), 1, unix.PROT_NONE)
		if err != nil {
			t.Fatalf("bytes: %v", err)
		}
		view.Ptr[0] = value
		model.stamp[page] = value
	}

	actions[""] = func(t *rapid.T) {
		var prev *vma
		m.vmas.Ascend(func(i btree.Item) bool {
			v := i.(*vma)
			if prev != nil && prev.end() > v.start {
				t.Fatalf("vmas overlap or out of order: %s then %s", prev, v)
			}
			prev = v
			return true
		})

		var got [rapidPages]int
		for i := range got {
			got[i] = -1
		}
		for _, mapping := range m.Mappings() {
			first := int(mapping.Addr-base) / testPage
			for i := 0; i < int(mapping.Length)/testPage; i++ {
				got[first+i] = mapping.Prot
			}
		}
		if got != model.prot {
			t.Fatalf("page protections mismatch:\nexpected %v\ngot      %v", model.prot, got)
		}

		for i := range model.stamp {
			if b := m.arena.mem[i*testPage]; b != model.stamp[i] {
				t.Fatalf("page %d: expected stamp %d, got %d", i, model.stamp[i], b)
			}
		}
	}

	t.Repeat(actions)
}
