package syscallabi

// SliceView is a wrapper around guest memory handed to the OS: a caller's
// read or write buffer, or a window into a mapped region of the arena.
type SliceView[T any] struct {
	Ptr []T
}

func (b SliceView[T]) Len() int {
	return len(b.Ptr)
}

// Read copies from the view into into and returns the count copied.
func (b SliceView[T]) Read(into []T) int {
	return copy(into, b.Ptr)
}

// Write copies from into the view and returns the count copied.
func (b SliceView[T]) Write(from []T) int {
	return copy(b.Ptr, from)
}

func (b SliceView[T]) SliceFrom(from int) SliceView[T] {
	return SliceView[T]{Ptr: b.Ptr[from:]}
}

func (b SliceView[T]) Slice(from, to int) SliceView[T] {
	return SliceView[T]{Ptr: b.Ptr[from:to]}
}

type ByteSliceView = SliceView[byte]

// Zero clears every byte in the view.
func Zero(b ByteSliceView) {
	clear(b.Ptr)
}
