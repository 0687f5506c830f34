// Package fs is the vnode tree behind the library OS: regular files,
// directories, symlinks and devices, with path resolution and the namespace
// operations that change the tree.
//
// All tree state is guarded by one mutex per Filesystem. Reference counts on
// vnodes are atomic; the last DecRef on an unlinked vnode frees it.
package fs

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kmrgirish/libos/internal/hostio"
	"github.com/kmrgirish/libos/internal/syscallabi"
)

const (
	MaxSymlinks = 40
	MaxNameLen  = 255
	MaxPathLen  = 4095
)

const RootInode = 1

type Options struct {
	Dev uint64
	// Now is the clock for file times. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

type Filesystem struct {
	mu sync.Mutex

	dev     uint64
	root    *Vnode
	nextIno uint64
	inodes  map[uint64]*Vnode

	now    func() time.Time
	logger *slog.Logger
}

// New returns a filesystem holding only an empty root directory.
func New(opts Options) *Filesystem {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	fs := &Filesystem{
		dev:     opts.Dev,
		nextIno: RootInode,
		inodes:  make(map[uint64]*Vnode),
		now:     opts.Now,
		logger:  opts.Logger,
	}
	fs.root = fs.newVnodeLocked(Directory, 0o755)
	fs.root.entries = make(map[string]*Vnode)
	fs.root.nlink = 2
	return fs
}

const defaultHosts = "127.0.0.1\tlocalhost\n::1\tlocalhost\n"

// NewLinux returns a filesystem with the directories and devices a Linux
// program expects to find.
func NewLinux(opts Options) *Filesystem {
	fs := New(opts)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.mkdirLocked(fs.root, "tmp", 0o1777)
	dev := fs.mkdirLocked(fs.root, "dev", 0o755)
	fs.mknodLocked(dev, "null", DevNull)
	fs.mknodLocked(dev, "zero", DevZero)
	etc := fs.mkdirLocked(fs.root, "etc", 0o755)
	hosts := fs.createLocked(etc, "hosts", 0o644)
	hosts.data.WriteAt([]byte(defaultHosts), 0)
	return fs
}

func (fs *Filesystem) Root() *Vnode {
	return fs.root
}

func (fs *Filesystem) newVnodeLocked(typ FileType, mode uint32) *Vnode {
	now := fs.now()
	v := &Vnode{
		fs:    fs,
		Ino:   fs.nextIno,
		Type:  typ,
		mode:  mode & 0o7777,
		nlink: 1,
		atime: now,
		mtime: now,
		ctime: now,
	}
	fs.nextIno++
	fs.inodes[v.Ino] = v
	return v
}

func (fs *Filesystem) addEntryLocked(dir *Vnode, name string, v *Vnode) {
	dir.entries[name] = v
	dir.mtime = fs.now()
	dir.ctime = dir.mtime
}

func (fs *Filesystem) removeEntryLocked(dir *Vnode, name string) {
	delete(dir.entries, name)
	dir.mtime = fs.now()
	dir.ctime = dir.mtime
}

func (fs *Filesystem) mkdirLocked(parent *Vnode, name string, mode uint32) *Vnode {
	v := fs.newVnodeLocked(Directory, mode)
	v.entries = make(map[string]*Vnode)
	v.parent = parent
	v.name = name
	v.nlink = 2
	parent.nlink++
	fs.addEntryLocked(parent, name, v)
	return v
}

func (fs *Filesystem) createLocked(parent *Vnode, name string, mode uint32) *Vnode {
	v := fs.newVnodeLocked(Regular, mode)
	v.data = &chunkStore{}
	fs.addEntryLocked(parent, name, v)
	return v
}

func (fs *Filesystem) mknodLocked(parent *Vnode, name string, device Device) *Vnode {
	v := fs.newVnodeLocked(CharDevice, 0o666)
	v.device = device
	fs.addEntryLocked(parent, name, v)
	return v
}

// A walkResult is the outcome of resolving a path. node is nil when the
// final component does not exist. name is "" when the path names its
// starting directory, like "/" or "a/..".
type walkResult struct {
	parent  *Vnode
	name    string
	node    *Vnode
	dirOnly bool // path ended in a slash
}

// walk resolves path relative to cwd. follow controls whether a final
// symlink is followed; symlinks in earlier components always are.
func (fs *Filesystem) walk(cwd *Vnode, path string, follow bool, links *int) (walkResult, error) {
	if path == "" {
		return walkResult{}, unix.ENOENT
	}
	if len(path) > MaxPathLen {
		return walkResult{}, unix.ENAMETOOLONG
	}

	cur := cwd
	if path[0] == '/' || cur == nil {
		cur = fs.root
	}
	if cur.state != Linked && cur != fs.root {
		return walkResult{}, unix.ENOENT
	}

	res := walkResult{dirOnly: strings.HasSuffix(path, "/")}

	var elems []string
	for _, elem := range strings.Split(path, "/") {
		if elem == "" {
			continue
		}
		if len(elem) > MaxNameLen {
			return walkResult{}, unix.ENAMETOOLONG
		}
		elems = append(elems, elem)
	}
	if len(elems) == 0 {
		res.parent, res.node = cur, cur
		return res, nil
	}

	for i, elem := range elems {
		if cur.Type != Directory {
			return walkResult{}, unix.ENOTDIR
		}

		var next *Vnode
		switch elem {
		case ".":
			next = cur
		case "..":
			next = cur.parent
			if next == nil {
				next = fs.root
			}
		default:
			next = cur.entries[elem]
		}

		if i == len(elems)-1 {
			res.parent, res.name, res.node = cur, elem, next
			if next != nil && next.Type == Symlink && (follow || res.dirOnly) {
				*links++
				if *links > MaxSymlinks {
					return walkResult{}, unix.ELOOP
				}
				target := next.target
				if res.dirOnly {
					target += "/"
				}
				return fs.walk(cur, target, true, links)
			}
			if next != nil && res.dirOnly && next.Type != Directory {
				return walkResult{}, unix.ENOTDIR
			}
			if elem == "." || elem == ".." {
				res.name = ""
				res.parent = next
			}
			return res, nil
		}

		if next == nil {
			return walkResult{}, unix.ENOENT
		}
		if next.Type == Symlink {
			*links++
			if *links > MaxSymlinks {
				return walkResult{}, unix.ELOOP
			}
			sub, err := fs.walk(cur, next.target, true, links)
			if err != nil {
				return walkResult{}, err
			}
			if sub.node == nil {
				return walkResult{}, unix.ENOENT
			}
			next = sub.node
		}
		cur = next
	}
	panic("unreachable")
}

func (fs *Filesystem) resolveLocked(cwd *Vnode, path string, follow bool) (walkResult, error) {
	links := 0
	return fs.walk(cwd, path, follow, &links)
}

// lastElem returns the final component of path as written, so callers can
// tell "a/." from "a".
func lastElem(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Lookup resolves path and returns the vnode with a reference held.
func (fs *Filesystem) Lookup(cwd *Vnode, path string, follow bool) (*Vnode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	res, err := fs.resolveLocked(cwd, path, follow)
	if err != nil {
		return nil, err
	}
	if res.node == nil {
		return nil, unix.ENOENT
	}
	res.node.IncRef()
	return res.node, nil
}

// Open resolves path for open(2) and returns the vnode with a reference held.
// mode is applied to a newly created file as is; callers mask it. O_TRUNC
// is left to the caller.
func (fs *Filesystem) Open(cwd *Vnode, path string, flags int, mode uint32) (*Vnode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	creat := flags&unix.O_CREAT != 0
	excl := creat && flags&unix.O_EXCL != 0
	follow := flags&unix.O_NOFOLLOW == 0 && !excl

	res, err := fs.resolveLocked(cwd, path, follow)
	if err != nil {
		return nil, err
	}

	node := res.node
	if node == nil {
		if !creat {
			return nil, unix.ENOENT
		}
		if res.dirOnly {
			return nil, unix.EISDIR
		}
		if res.parent.state != Linked {
			return nil, unix.ENOENT
		}
		node = fs.createLocked(res.parent, res.name, mode)
		fs.logger.Debug("created file", "path", path, "ino", node.Ino)
	} else {
		if excl {
			return nil, unix.EEXIST
		}
		if node.Type == Symlink {
			return nil, unix.ELOOP
		}
		if flags&unix.O_DIRECTORY != 0 && node.Type != Directory {
			return nil, unix.ENOTDIR
		}
		if node.Type == Directory && (flags&unix.O_ACCMODE != unix.O_RDONLY || creat) {
			return nil, unix.EISDIR
		}
	}

	node.IncRef()
	return node, nil
}

func (fs *Filesystem) Stat(cwd *Vnode, path string, follow bool) (syscallabi.Stat, error) {
	v, err := fs.Lookup(cwd, path, follow)
	if err != nil {
		return syscallabi.Stat{}, err
	}
	defer v.DecRef()
	return v.Stat()
}

func (fs *Filesystem) Mkdir(cwd *Vnode, path string, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	res, err := fs.resolveLocked(cwd, path, false)
	if err != nil {
		return err
	}
	if res.node != nil {
		return unix.EEXIST
	}
	if res.parent.state != Linked {
		return unix.ENOENT
	}
	fs.mkdirLocked(res.parent, res.name, mode)
	return nil
}

// MkdirAll creates path and any missing parents.
func (fs *Filesystem) MkdirAll(path string, mode uint32) error {
	var prefix string
	for _, elem := range strings.Split(path, "/") {
		if elem == "" {
			continue
		}
		prefix += "/" + elem
		if err := fs.Mkdir(nil, prefix, mode); err != nil && err != unix.EEXIST {
			return err
		}
	}
	st, err := fs.Stat(nil, path, true)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return unix.ENOTDIR
	}
	return nil
}

func (fs *Filesystem) Rmdir(cwd *Vnode, path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	switch lastElem(path) {
	case ".":
		return unix.EINVAL
	case "..":
		return unix.ENOTEMPTY
	}

	res, err := fs.resolveLocked(cwd, path, false)
	if err != nil {
		return err
	}
	node := res.node
	if node == nil {
		return unix.ENOENT
	}
	if node == fs.root {
		return unix.EBUSY
	}
	if node.Type != Directory {
		return unix.ENOTDIR
	}
	if res.name == "" {
		return unix.EBUSY
	}
	if len(node.entries) > 0 {
		return unix.ENOTEMPTY
	}

	fs.removeEntryLocked(res.parent, res.name)
	res.parent.nlink--
	node.unlinkLocked()
	return nil
}

func (fs *Filesystem) Link(cwd *Vnode, oldpath, newpath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	old, err := fs.resolveLocked(cwd, oldpath, false)
	if err != nil {
		return err
	}
	if old.node == nil {
		return unix.ENOENT
	}
	if old.node.Type == Directory {
		return unix.EPERM
	}

	res, err := fs.resolveLocked(cwd, newpath, false)
	if err != nil {
		return err
	}
	if res.node != nil {
		return unix.EEXIST
	}
	if res.dirOnly {
		return unix.ENOENT
	}
	if res.parent.state != Linked {
		return unix.ENOENT
	}

	fs.addEntryLocked(res.parent, res.name, old.node)
	old.node.nlink++
	old.node.ctime = fs.now()
	return nil
}

func (fs *Filesystem) Unlink(cwd *Vnode, path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	res, err := fs.resolveLocked(cwd, path, false)
	if err != nil {
		return err
	}
	if res.node == nil {
		return unix.ENOENT
	}
	if res.node.Type == Directory {
		return unix.EISDIR
	}

	fs.removeEntryLocked(res.parent, res.name)
	res.node.unlinkLocked()
	return nil
}

func (fs *Filesystem) Symlink(cwd *Vnode, target, linkpath string) error {
	if target == "" {
		return unix.ENOENT
	}
	if len(target) > MaxPathLen {
		return unix.ENAMETOOLONG
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	res, err := fs.resolveLocked(cwd, linkpath, false)
	if err != nil {
		return err
	}
	if res.node != nil {
		return unix.EEXIST
	}
	if res.dirOnly {
		return unix.ENOENT
	}
	if res.parent.state != Linked {
		return unix.ENOENT
	}

	v := fs.newVnodeLocked(Symlink, 0o777)
	v.target = target
	fs.addEntryLocked(res.parent, res.name, v)
	return nil
}

// Rename moves oldpath to newpath, replacing a compatible newpath.
func (fs *Filesystem) Rename(cwd *Vnode, oldpath, newpath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, p := range []string{oldpath, newpath} {
		if elem := lastElem(p); elem == "." || elem == ".." {
			return unix.EBUSY
		}
	}

	from, err := fs.resolveLocked(cwd, oldpath, false)
	if err != nil {
		return err
	}
	src := from.node
	if src == nil {
		return unix.ENOENT
	}
	if from.name == "" {
		return unix.EBUSY
	}

	to, err := fs.resolveLocked(cwd, newpath, false)
	if err != nil {
		return err
	}
	if to.name == "" {
		return unix.EBUSY
	}
	dst := to.node

	if src == dst {
		return nil
	}
	if to.parent.state != Linked {
		return unix.ENOENT
	}

	if src.Type == Directory {
		for p := to.parent; p != nil; p = p.parent {
			if p == src {
				return unix.EINVAL
			}
		}
	} else if to.dirOnly {
		return unix.ENOTDIR
	}

	if dst != nil {
		switch {
		case src.Type == Directory && dst.Type != Directory:
			return unix.ENOTDIR
		case src.Type != Directory && dst.Type == Directory:
			return unix.EISDIR
		case dst.Type == Directory && len(dst.entries) > 0:
			return unix.ENOTEMPTY
		}

		fs.removeEntryLocked(to.parent, to.name)
		if dst.Type == Directory {
			to.parent.nlink--
		}
		dst.unlinkLocked()
	}

	fs.removeEntryLocked(from.parent, from.name)
	fs.addEntryLocked(to.parent, to.name, src)
	if src.Type == Directory {
		from.parent.nlink--
		to.parent.nlink++
		src.parent = to.parent
		src.name = to.name
	}
	src.ctime = fs.now()
	return nil
}

// Readlink returns the target of the symlink at path.
func (fs *Filesystem) Readlink(cwd *Vnode, path string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	res, err := fs.resolveLocked(cwd, path, false)
	if err != nil {
		return "", err
	}
	if res.node == nil {
		return "", unix.ENOENT
	}
	if res.node.Type != Symlink {
		return "", unix.EINVAL
	}
	res.node.atime = fs.now()
	return res.node.target, nil
}

// Access checks mode (F_OK or a mask of R_OK, W_OK, X_OK) against the owner
// permission bits of path.
func (fs *Filesystem) Access(cwd *Vnode, path string, mode uint32) error {
	if mode&^(unix.R_OK|unix.W_OK|unix.X_OK) != 0 {
		return unix.EINVAL
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	res, err := fs.resolveLocked(cwd, path, true)
	if err != nil {
		return err
	}
	if res.node == nil {
		return unix.ENOENT
	}
	owner := (res.node.mode >> 6) & 0o7
	if mode&owner != mode {
		return unix.EACCES
	}
	return nil
}

// Getpath returns the absolute path of directory dir.
func (fs *Filesystem) Getpath(dir *Vnode) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if dir.Type != Directory {
		return "", unix.ENOTDIR
	}
	if dir.state != Linked {
		return "", unix.ENOENT
	}
	if dir == fs.root {
		return "/", nil
	}
	var elems []string
	for v := dir; v != fs.root; v = v.parent {
		elems = append(elems, v.name)
	}
	var b strings.Builder
	for i := len(elems) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(elems[i])
	}
	return b.String(), nil
}

// BindHost creates a regular file at path whose content lives on host under
// target. Missing parent directories are created and a missing target is
// created empty.
func (fs *Filesystem) BindHost(path string, host hostio.Host, target string, mode uint32) error {
	if _, err := host.PerformIO(hostio.OpSize, target, nil, 0); err == unix.ENOENT {
		if _, err := host.PerformIO(hostio.OpTruncate, target, nil, 0); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if dir := path[:strings.LastIndexByte(path, '/')+1]; dir != "" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	res, err := fs.resolveLocked(nil, path, false)
	if err != nil {
		return err
	}
	if res.node != nil {
		return unix.EEXIST
	}
	if res.name == "" {
		return unix.EISDIR
	}
	v := fs.newVnodeLocked(Regular, mode)
	v.host = host
	v.hostTarget = target
	fs.addEntryLocked(res.parent, res.name, v)
	fs.logger.Info("bound host file", "path", path, "target", target)
	return nil
}

// Live returns the number of vnodes that have not been freed.
func (fs *Filesystem) Live() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.inodes)
}
