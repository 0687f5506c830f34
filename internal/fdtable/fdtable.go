// Package fdtable allocates small integer handles, always handing out the
// lowest one not in use.
package fdtable

import (
	"math/bits"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultMax is the default table size, matching the usual RLIMIT_NOFILE soft
// limit.
const DefaultMax = 1024

// A Table maps handles to items. It is safe for concurrent use; allocation
// and release are atomic.
type Table[T any] struct {
	mu    sync.Mutex
	max   int
	used  []uint64 // bitmap of live handles
	items map[int]T
}

func New[T any](size int) *Table[T] {
	if size <= 0 {
		size = DefaultMax
	}
	return &Table[T]{
		max:   size,
		items: make(map[int]T),
	}
}

func (t *Table[T]) Max() int {
	return t.max
}

// lowestFreeLocked returns the lowest free handle >= from, or -1.
func (t *Table[T]) lowestFreeLocked(from int) int {
	for word := from / 64; word*64 < t.max; word++ {
		var w uint64
		if word < len(t.used) {
			w = t.used[word]
		}
		if word == from/64 {
			// pretend handles below from are taken
			w |= (1 << (from % 64)) - 1
		}
		if w == ^uint64(0) {
			continue
		}
		fd := word*64 + bits.TrailingZeros64(^w)
		if fd >= t.max {
			return -1
		}
		return fd
	}
	return -1
}

func (t *Table[T]) setLocked(fd int, item T) {
	for fd/64 >= len(t.used) {
		t.used = append(t.used, 0)
	}
	t.used[fd/64] |= 1 << (fd % 64)
	t.items[fd] = item
}

// Insert stores item under the lowest free handle. It fails with EMFILE when
// the table is full.
func (t *Table[T]) Insert(item T) (int, error) {
	return t.InsertFrom(0, item)
}

// InsertFrom stores item under the lowest free handle >= from.
func (t *Table[T]) InsertFrom(from int, item T) (int, error) {
	if from < 0 {
		return -1, unix.EINVAL
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fd := t.lowestFreeLocked(from)
	if fd < 0 {
		return -1, unix.EMFILE
	}
	t.setLocked(fd, item)
	return fd, nil
}

// Lookup returns the item for fd. A non-nil fn is called with the item before
// the table lock is released; it must not use the table.
func (t *Table[T]) Lookup(fd int, fn func(item T)) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.items[fd]
	if ok && fn != nil {
		fn(item)
	}
	return item, ok
}

// Delete removes fd and returns the item it held.
func (t *Table[T]) Delete(fd int) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.items[fd]
	if !ok {
		return item, false
	}
	delete(t.items, fd)
	t.used[fd/64] &^= 1 << (fd % 64)
	return item, true
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Range calls fn for each live handle in increasing order until fn returns
// false. fn must not use the table.
func (t *Table[T]) Range(fn func(fd int, item T) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rangeLocked(fn)
}

func (t *Table[T]) rangeLocked(fn func(fd int, item T) bool) {
	for word, w := range t.used {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			w &^= 1 << bit
			fd := word*64 + bit
			if !fn(fd, t.items[fd]) {
				return
			}
		}
	}
}

// Clear removes every handle and returns the items in handle order.
func (t *Table[T]) Clear() []T {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []T
	t.rangeLocked(func(fd int, item T) bool {
		out = append(out, item)
		return true
	})
	clear(t.items)
	clear(t.used)
	return out
}
