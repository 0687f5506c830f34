package fs

import (
	"fmt"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kmrgirish/libos/internal/hostio"
	"github.com/kmrgirish/libos/internal/syscallabi"
)

type FileType int

const (
	Regular FileType = iota
	Directory
	Symlink
	CharDevice
)

func (t FileType) String() string {
	switch t {
	case Regular:
		return "regular"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	case CharDevice:
		return "chardev"
	default:
		return fmt.Sprintf("FileType(%d)", int(t))
	}
}

func (t FileType) mode() uint32 {
	switch t {
	case Directory:
		return unix.S_IFDIR
	case Symlink:
		return unix.S_IFLNK
	case CharDevice:
		return unix.S_IFCHR
	default:
		return unix.S_IFREG
	}
}

// State is the lifecycle of a vnode. A Linked vnode has at least one name. An
// Unlinked vnode has none but is still referenced. A Freed vnode has released
// its storage and is never used again.
type State int

const (
	Linked State = iota
	Unlinked
	Freed
)

func (s State) String() string {
	switch s {
	case Linked:
		return "linked"
	case Unlinked:
		return "unlinked"
	case Freed:
		return "freed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Device int

const (
	DevNull Device = iota + 1
	DevZero
)

func (d Device) rdev() uint64 {
	switch d {
	case DevNull:
		return unix.Mkdev(1, 3)
	case DevZero:
		return unix.Mkdev(1, 5)
	}
	return 0
}

// A Vnode is a file, directory, symlink or device in a Filesystem.
//
// Descriptors and file mappings hold counted references. A vnode's storage is
// released once it has no names and no references left.
type Vnode struct {
	fs   *Filesystem
	Ino  uint64
	Type FileType

	refs atomic.Int64

	// guarded by fs.mu
	mode                uint32 // permission bits
	nlink               int
	state               State
	atime, mtime, ctime time.Time

	data       *chunkStore       // regular, in memory
	host       hostio.Host       // regular, host-backed
	hostTarget string            // regular, host-backed
	entries    map[string]*Vnode // directory
	parent     *Vnode            // directory
	name       string            // directory, name in parent
	target     string            // symlink
	device     Device            // chardev
}

func (v *Vnode) String() string {
	return fmt.Sprintf("%s#%d", v.Type, v.Ino)
}

func (v *Vnode) IncRef() {
	v.refs.Add(1)
}

// DecRef drops a reference. The last reference to an unlinked vnode frees it.
func (v *Vnode) DecRef() {
	if n := v.refs.Add(-1); n < 0 {
		panic(fmt.Sprintf("vnode %s: negative refcount", v))
	} else if n == 0 {
		v.fs.mu.Lock()
		v.maybeFreeLocked()
		v.fs.mu.Unlock()
	}
}

// Refs returns the current reference count.
func (v *Vnode) Refs() int64 {
	return v.refs.Load()
}

func (v *Vnode) State() State {
	v.fs.mu.Lock()
	defer v.fs.mu.Unlock()
	return v.state
}

// Device returns the device a CharDevice vnode stands for.
func (v *Vnode) Device() Device {
	return v.device
}

func (v *Vnode) IsDir() bool {
	return v.Type == Directory
}

func (v *Vnode) maybeFreeLocked() {
	if v.state != Unlinked || v.nlink > 0 || v.refs.Load() > 0 {
		return
	}
	v.state = Freed
	if v.data != nil {
		v.data.Free()
		v.data = nil
	}
	v.entries = nil
	v.parent = nil
	delete(v.fs.inodes, v.Ino)
	v.fs.logger.Debug("freed vnode", "ino", v.Ino, "type", v.Type)
}

// unlinkLocked drops one name.
func (v *Vnode) unlinkLocked() {
	if v.Type == Directory {
		v.nlink = 0
	} else {
		v.nlink--
	}
	v.ctime = v.fs.now()
	if v.nlink == 0 {
		v.state = Unlinked
		v.maybeFreeLocked()
	}
}

func (v *Vnode) hostBacked() bool {
	return v.host != nil
}

// ReadAt reads file content at off. The count is short only at end of file.
func (v *Vnode) ReadAt(p []byte, off int64) (int, error) {
	return v.ReadvAt([][]byte{p}, off)
}

// ReadvAt fills bufs in order from off as one read, so no write lands
// between two of the buffers. The count is short only at end of file.
func (v *Vnode) ReadvAt(bufs [][]byte, off int64) (int, error) {
	if off < 0 {
		return 0, unix.EINVAL
	}
	switch v.Type {
	case Directory:
		return 0, unix.EISDIR
	case Symlink:
		return 0, unix.EINVAL
	case CharDevice:
		if v.device != DevZero {
			return 0, nil
		}
		n := 0
		for _, p := range bufs {
			clear(p)
			n += len(p)
		}
		return n, nil
	}

	if v.hostBacked() {
		var p []byte
		if len(bufs) == 1 {
			p = bufs[0]
		} else {
			p = make([]byte, totalLen(bufs))
		}
		n, err := v.host.PerformIO(hostio.OpRead, v.hostTarget, p, off)
		if len(bufs) != 1 {
			scatter(bufs, p[:n])
		}
		v.touch(false)
		return n, err
	}

	v.fs.mu.Lock()
	defer v.fs.mu.Unlock()
	if v.data == nil {
		return 0, unix.EBADF
	}
	total := 0
	for _, p := range bufs {
		n := v.data.ReadAt(p, off+int64(total))
		total += n
		if n < len(p) {
			break
		}
	}
	v.atime = v.fs.now()
	return total, nil
}

// WriteAt writes p at off, extending the file as needed. A host-backed file
// may report a short write.
func (v *Vnode) WriteAt(p []byte, off int64) (int, error) {
	return v.WritevAt([][]byte{p}, off)
}

// WritevAt writes bufs in order from off as one write. A host-backed file
// gets a single host write of the joined buffers.
func (v *Vnode) WritevAt(bufs [][]byte, off int64) (int, error) {
	if off < 0 {
		return 0, unix.EINVAL
	}
	n := totalLen(bufs)
	if int64(n) > math.MaxInt64-off {
		return 0, unix.EFBIG
	}
	switch v.Type {
	case Directory:
		return 0, unix.EISDIR
	case Symlink:
		return 0, unix.EINVAL
	case CharDevice:
		return n, nil
	}

	if v.hostBacked() {
		n, err := v.host.PerformIO(hostio.OpWrite, v.hostTarget, joined(bufs), off)
		v.touch(true)
		return n, err
	}

	v.fs.mu.Lock()
	defer v.fs.mu.Unlock()
	if v.data == nil {
		return 0, unix.EBADF
	}
	v.writeLocked(bufs, off)
	return n, nil
}

func (v *Vnode) writeLocked(bufs [][]byte, off int64) {
	for _, p := range bufs {
		v.data.WriteAt(p, off)
		off += int64(len(p))
	}
	v.mtime = v.fs.now()
	v.ctime = v.mtime
}

// Append writes p at the current end of file and returns the offset just past
// the written bytes.
func (v *Vnode) Append(p []byte) (int, int64, error) {
	return v.Appendv([][]byte{p})
}

// Appendv writes bufs in order at the current end of file as one write.
func (v *Vnode) Appendv(bufs [][]byte) (int, int64, error) {
	if !v.hostBacked() && v.Type == Regular {
		v.fs.mu.Lock()
		defer v.fs.mu.Unlock()
		if v.data == nil {
			return 0, 0, unix.EBADF
		}
		off := v.data.size
		n := totalLen(bufs)
		if int64(n) > math.MaxInt64-off {
			return 0, 0, unix.EFBIG
		}
		v.writeLocked(bufs, off)
		return n, off + int64(n), nil
	}

	size, err := v.Size()
	if err != nil {
		return 0, 0, err
	}
	n, err := v.WritevAt(bufs, size)
	return n, size + int64(n), err
}

func totalLen(bufs [][]byte) int {
	n := 0
	for _, p := range bufs {
		n += len(p)
	}
	return n
}

// joined returns bufs as one slice, copying only when there is more than one.
func joined(bufs [][]byte) []byte {
	if len(bufs) == 1 {
		return bufs[0]
	}
	return slices.Concat(bufs...)
}

// scatter copies p across bufs in order.
func scatter(bufs [][]byte, p []byte) {
	for _, b := range bufs {
		if len(p) == 0 {
			return
		}
		p = p[copy(b, p):]
	}
}

func (v *Vnode) touch(modified bool) {
	v.fs.mu.Lock()
	defer v.fs.mu.Unlock()
	now := v.fs.now()
	if modified {
		v.mtime = now
		v.ctime = now
	} else {
		v.atime = now
	}
}

// Size returns the size of the file. Errors from a host come back as is.
func (v *Vnode) Size() (int64, error) {
	switch v.Type {
	case Regular:
		if v.hostBacked() {
			n, err := v.host.PerformIO(hostio.OpSize, v.hostTarget, nil, 0)
			return int64(n), err
		}
		v.fs.mu.Lock()
		defer v.fs.mu.Unlock()
		if v.data == nil {
			return 0, nil
		}
		return v.data.size, nil
	case Symlink:
		return int64(len(v.target)), nil
	case Directory:
		return chunkSize, nil
	default:
		return 0, nil
	}
}

// Truncate sets the size of a regular file.
func (v *Vnode) Truncate(size int64) error {
	if size < 0 {
		return unix.EINVAL
	}
	switch v.Type {
	case Directory:
		return unix.EISDIR
	case Symlink:
		return unix.EINVAL
	case CharDevice:
		return nil
	}

	if v.hostBacked() {
		if _, err := v.host.PerformIO(hostio.OpTruncate, v.hostTarget, nil, size); err != nil {
			return err
		}
		v.touch(true)
		return nil
	}

	v.fs.mu.Lock()
	defer v.fs.mu.Unlock()
	if v.data == nil {
		return unix.EBADF
	}
	v.data.Truncate(size)
	v.mtime = v.fs.now()
	v.ctime = v.mtime
	return nil
}

// Stat describes the vnode.
func (v *Vnode) Stat() (syscallabi.Stat, error) {
	var hostSize int64
	if v.hostBacked() {
		n, err := v.host.PerformIO(hostio.OpSize, v.hostTarget, nil, 0)
		if err != nil {
			return syscallabi.Stat{}, err
		}
		hostSize = int64(n)
	}

	v.fs.mu.Lock()
	defer v.fs.mu.Unlock()

	st := syscallabi.Stat{
		Dev:     v.fs.dev,
		Ino:     v.Ino,
		Mode:    v.Type.mode() | v.mode,
		Nlink:   uint64(v.nlink),
		Rdev:    v.device.rdev(),
		Blksize: chunkSize,
		Atime:   v.atime,
		Mtime:   v.mtime,
		Ctime:   v.ctime,
	}
	switch v.Type {
	case Regular:
		if v.hostBacked() {
			st.Size = hostSize
			st.Blocks = (hostSize + 511) / 512
		} else if v.data != nil {
			st.Size = v.data.size
			st.Blocks = int64(v.data.Blocks()) * (chunkSize / 512)
		}
	case Directory:
		st.Size = chunkSize
		st.Blocks = chunkSize / 512
	case Symlink:
		st.Size = int64(len(v.target))
	}
	return st, nil
}

// Mode returns the permission bits.
func (v *Vnode) Mode() uint32 {
	v.fs.mu.Lock()
	defer v.fs.mu.Unlock()
	return v.mode
}

// A DirCursor is a position in a directory listing. The zero value is the
// start. Entries are listed as ".", "..", then names in byte order; a cursor
// resumes after the last name it saw, so concurrent changes never repeat an
// entry.
type DirCursor struct {
	n    int64
	last string
}

// Next returns the cursor positioned after d.
func (c DirCursor) Next(d syscallabi.Dirent) DirCursor {
	next := DirCursor{n: d.Off, last: c.last}
	if d.Off > 2 {
		next.last = d.Name
	}
	return next
}

// ReadDir returns up to limit entries after c. limit <= 0 means all.
func (v *Vnode) ReadDir(c DirCursor, limit int) ([]syscallabi.Dirent, error) {
	if v.Type != Directory {
		return nil, unix.ENOTDIR
	}

	v.fs.mu.Lock()
	defer v.fs.mu.Unlock()

	if v.state != Linked {
		return nil, nil
	}

	var out []syscallabi.Dirent
	full := func() bool {
		return limit > 0 && len(out) >= limit
	}
	off := c.n
	emit := func(name string, node *Vnode) {
		off++
		out = append(out, syscallabi.Dirent{
			Ino:  node.Ino,
			Off:  off,
			Type: syscallabi.DirentType(node.Type.mode()),
			Name: name,
		})
	}

	if off == 0 {
		emit(".", v)
	}
	if off == 1 && !full() {
		parent := v.parent
		if parent == nil {
			parent = v
		}
		emit("..", parent)
	}
	if full() {
		return out, nil
	}

	names := make([]string, 0, len(v.entries))
	for name := range v.entries {
		if c.n < 2 || name > c.last {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		if full() {
			break
		}
		emit(name, v.entries[name])
	}
	return out, nil
}

// SeekDir returns a cursor positioned after the first n entries.
func (v *Vnode) SeekDir(n int64) (DirCursor, error) {
	var c DirCursor
	if n <= 0 {
		return c, nil
	}
	entries, err := v.ReadDir(c, int(n))
	if err != nil {
		return c, err
	}
	for _, d := range entries {
		c = c.Next(d)
	}
	return c, nil
}
