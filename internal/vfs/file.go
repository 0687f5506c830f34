package vfs

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/kmrgirish/libos/internal/fs"
)

// An OpenFile is the state behind one or more descriptors: the vnode, the
// open flags and the offset. Dup shares an OpenFile between descriptors.
type OpenFile struct {
	vnode *fs.Vnode
	flags int

	// refs counts descriptors plus in-flight calls using the file.
	refs atomic.Int32

	mu  sync.Mutex // guards off and dir
	off int64
	dir fs.DirCursor
}

func newOpenFile(vnode *fs.Vnode, flags int) *OpenFile {
	f := &OpenFile{
		vnode: vnode,
		flags: flags &^ (unix.O_CREAT | unix.O_EXCL | unix.O_TRUNC | unix.O_NOCTTY),
	}
	f.refs.Store(1)
	return f
}

func (f *OpenFile) readable() bool {
	acc := f.flags & unix.O_ACCMODE
	return acc == unix.O_RDONLY || acc == unix.O_RDWR
}

func (f *OpenFile) writable() bool {
	acc := f.flags & unix.O_ACCMODE
	return acc == unix.O_WRONLY || acc == unix.O_RDWR
}

func (f *OpenFile) acquire() {
	f.refs.Add(1)
}

// release drops a reference; the last one releases the vnode.
func (f *OpenFile) release() {
	if f.refs.Add(-1) == 0 {
		f.vnode.DecRef()
	}
}
