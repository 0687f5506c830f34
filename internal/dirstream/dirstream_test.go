package dirstream_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/kmrgirish/libos/internal/dirstream"
	"github.com/kmrgirish/libos/internal/fs"
	"github.com/kmrgirish/libos/internal/vfs"
)

func newTestVFS(t *testing.T) *vfs.VFS {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return vfs.New(fs.NewLinux(fs.Options{Logger: logger}), vfs.Options{Logger: logger})
}

func opendir(t *testing.T, v *vfs.VFS, path string, bufSize int) *dirstream.Stream {
	t.Helper()
	fd, err := v.Open(path, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	return dirstream.New(v, fd, bufSize)
}

func readNames(t *testing.T, s *dirstream.Stream) []string {
	t.Helper()
	var names []string
	for {
		d, err := s.Read()
		if err != nil {
			t.Fatal(err)
		}
		if d == nil {
			return names
		}
		names = append(names, d.Name)
	}
}

// countingEnum counts Getdents64 calls.
type countingEnum struct {
	*vfs.VFS
	calls int
}

func (c *countingEnum) Getdents64(fd int, buf []byte) (int, error) {
	c.calls++
	return c.VFS.Getdents64(fd, buf)
}

func TestEmptyDirectory(t *testing.T) {
	v := newTestVFS(t)
	if err := v.Mkdir("/tmp/empty", 0o755); err != nil {
		t.Fatal(err)
	}

	enum := &countingEnum{VFS: v}
	fd, err := v.Open("/tmp/empty", unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		t.Fatal(err)
	}
	s := dirstream.New(enum, fd, 0)

	if diff := cmp.Diff([]string{".", ".."}, readNames(t, s)); diff != "" {
		t.Errorf("listing (-want +got):\n%s", diff)
	}
	calls := enum.calls
	for i := 0; i < 3; i++ {
		if d, err := s.Read(); d != nil || err != nil {
			t.Errorf("expected end again, got %v, %v", d, err)
		}
	}
	if enum.calls != calls {
		t.Errorf("end of stream asked the enumerator again")
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(); err != unix.EBADF {
		t.Errorf("read after close: expected EBADF, got %v", err)
	}
	if err := s.Rewind(); err != unix.EBADF {
		t.Errorf("rewind after close: expected EBADF, got %v", err)
	}
	if err := s.Close(); err != unix.EBADF {
		t.Errorf("second close: expected EBADF, got %v", err)
	}
	if v.Len() != 0 {
		t.Errorf("descriptor leaked: %d open", v.Len())
	}
}

func TestRefillAndRewind(t *testing.T) {
	v := newTestVFS(t)
	if err := v.Mkdir("/tmp/d", 0o755); err != nil {
		t.Fatal(err)
	}
	want := []string{".", ".."}
	for _, name := range []string{"alpha", "beta", "gamma", "delta", "epsilon"} {
		fd, err := v.Creat("/tmp/d/"+name, 0o644)
		if err != nil {
			t.Fatal(err)
		}
		v.Close(fd)
	}
	want = append(want, "alpha", "beta", "delta", "epsilon", "gamma")

	// one record per refill
	s := opendir(t, v, "/tmp/d", 32)
	defer s.Close()

	first, err := s.Read()
	if err != nil || first.Name != "." || !first.IsDir() {
		t.Fatalf("first entry: %v, %v", first, err)
	}
	if err := s.Rewind(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, readNames(t, s)); diff != "" {
		t.Errorf("listing (-want +got):\n%s", diff)
	}
	if err := s.Rewind(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, readNames(t, s)); diff != "" {
		t.Errorf("listing after rewind (-want +got):\n%s", diff)
	}
}

func TestConcurrentRemoval(t *testing.T) {
	v := newTestVFS(t)
	if err := v.Mkdir("/tmp/d", 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		fd, _ := v.Creat("/tmp/d/"+name, 0o644)
		v.Close(fd)
	}

	s := opendir(t, v, "/tmp/d", 24)
	defer s.Close()

	var got []string
	for {
		d, err := s.Read()
		if err != nil {
			t.Fatal(err)
		}
		if d == nil {
			break
		}
		got = append(got, d.Name)
		if d.Name == "a" {
			v.Unlink("/tmp/d/a")
			v.Unlink("/tmp/d/b")
			fd, _ := v.Creat("/tmp/d/aa", 0o644)
			v.Close(fd)
		}
	}
	if diff := cmp.Diff([]string{".", "..", "a", "aa", "c", "d"}, got); diff != "" {
		t.Errorf("listing (-want +got):\n%s", diff)
	}
}

func TestNotADirectory(t *testing.T) {
	v := newTestVFS(t)
	fd, err := v.Open("/etc/hosts", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	s := dirstream.New(v, fd, 0)
	if _, err := s.Read(); err != unix.ENOTDIR {
		t.Errorf("expected ENOTDIR, got %v", err)
	}
}
