package libos

import (
	"golang.org/x/sys/unix"

	"github.com/kmrgirish/libos/internal/dirstream"
)

// A DirStream reads the entries of a directory one at a time. It is not
// safe for concurrent use.
type DirStream struct {
	os *OS
	s  *dirstream.Stream
}

// Opendir opens the directory at path.
func (o *OS) Opendir(path string) (*DirStream, error) {
	fd, err := o.vfs.Open(path, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	o.logCall("opendir", err, "path", path, "fd", fd)
	if err != nil {
		return nil, err
	}
	return &DirStream{os: o, s: dirstream.New(o.vfs, fd, dirstream.DefaultBufSize)}, nil
}

// Readdir returns the next entry, or nil and no error once the directory is
// exhausted.
func (d *DirStream) Readdir() (*Dirent, error) {
	ent, err := d.s.Read()
	if err != nil {
		d.os.logCall("readdir", err, "fd", d.s.Fd())
	}
	return ent, err
}

// Rewinddir restarts the stream at the first entry.
func (d *DirStream) Rewinddir() error {
	err := d.s.Rewind()
	d.os.logCall("rewinddir", err, "fd", d.s.Fd())
	return err
}

// Closedir closes the stream. Any later call fails with EBADF.
func (d *DirStream) Closedir() error {
	err := d.s.Close()
	d.os.logCall("closedir", err, "fd", d.s.Fd())
	return err
}

func (d *DirStream) Fd() int {
	return d.s.Fd()
}

// ReadDir returns every entry of the directory at path, "." and ".."
// included.
func (o *OS) ReadDir(path string) ([]Dirent, error) {
	d, err := o.Opendir(path)
	if err != nil {
		return nil, err
	}
	defer d.Closedir()

	var out []Dirent
	for {
		ent, err := d.Readdir()
		if err != nil {
			return nil, err
		}
		if ent == nil {
			return out, nil
		}
		out = append(out, *ent)
	}
}
