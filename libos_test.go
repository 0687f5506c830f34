package libos_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/kmrgirish/libos"
	"github.com/kmrgirish/libos/internal/config"
	"github.com/kmrgirish/libos/internal/hostio"
	"github.com/kmrgirish/libos/internal/logging"
)

const pageSize = 4096

func newTestOS(t *testing.T, opts ...libos.Option) *libos.OS {
	t.Helper()
	opts = append([]libos.Option{
		libos.WithLogger(logging.Discard()),
		libos.WithPageSize(pageSize),
		libos.WithHeapReserver(64 * pageSize),
	}, opts...)
	o, err := libos.New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := o.Shutdown(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return o
}

func readDirNames(t *testing.T, o *libos.OS, path string) []string {
	t.Helper()
	entries, err := o.ReadDir(path)
	if err != nil {
		t.Fatalf("readdir %s: %v", path, err)
	}
	var names []string
	for _, d := range entries {
		names = append(names, d.Name)
	}
	return names
}

func TestCreateExclRoundTrip(t *testing.T) {
	o := newTestOS(t)

	fd, err := o.Open("/tmp/data", unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	st, err := o.Stat("/tmp/data")
	if err != nil || st.Size != 0 {
		t.Fatalf("new file: size %d, %v", st.Size, err)
	}
	if _, err := o.Open("/tmp/data", unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o644); err != unix.EEXIST {
		t.Errorf("expected EEXIST, got %v", err)
	}

	data := bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7}, 3000)
	if n, err := o.Write(fd, data); err != nil || n != len(data) {
		t.Fatalf("write: %d, %v", n, err)
	}
	got := make([]byte, len(data))
	if n, err := o.Pread(fd, got, 0); err != nil || n != len(data) {
		t.Fatalf("pread: %d, %v", n, err)
	}
	if !bytes.Equal(got, data) {
		t.Error("content did not round-trip")
	}
	if err := o.Close(fd); err != nil {
		t.Fatal(err)
	}
	if err := o.Close(fd); err != unix.EBADF {
		t.Errorf("second close: expected EBADF, got %v", err)
	}
}

func TestReaddirEmpty(t *testing.T) {
	o := newTestOS(t)
	if err := o.Mkdir("/tmp/empty", 0o755); err != nil {
		t.Fatal(err)
	}

	d, err := o.Opendir("/tmp/empty")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for {
		ent, err := d.Readdir()
		if err != nil {
			t.Fatal(err)
		}
		if ent == nil {
			break
		}
		names = append(names, ent.Name)
	}
	if diff := cmp.Diff([]string{".", ".."}, names); diff != "" {
		t.Errorf("listing (-want +got):\n%s", diff)
	}
	if ent, err := d.Readdir(); ent != nil || err != nil {
		t.Errorf("expected end again, got %v, %v", ent, err)
	}

	if err := d.Rewinddir(); err != nil {
		t.Fatal(err)
	}
	if ent, err := d.Readdir(); err != nil || ent.Name != "." {
		t.Errorf("after rewind: %v, %v", ent, err)
	}
	if err := d.Closedir(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Readdir(); err != unix.EBADF {
		t.Errorf("readdir after close: expected EBADF, got %v", err)
	}

	if _, err := o.Opendir("/etc/hosts"); err != unix.ENOTDIR {
		t.Errorf("opendir on file: expected ENOTDIR, got %v", err)
	}
}

func TestRename(t *testing.T) {
	o := newTestOS(t)

	if err := o.WriteFile("/tmp/p", []byte("p"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := o.Rename("/tmp/p", "/tmp/p"); err != nil {
		t.Errorf("rename onto itself: %v", err)
	}
	if data, err := o.ReadFile("/tmp/p"); err != nil || string(data) != "p" {
		t.Errorf("after no-op rename: %q, %v", data, err)
	}

	for _, dir := range []string{"/tmp/a", "/tmp/b"} {
		if err := o.Mkdir(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := o.WriteFile("/tmp/b/keep", nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := o.Rename("/tmp/a", "/tmp/b"); err != unix.ENOTEMPTY {
		t.Errorf("directory over non-empty directory: expected ENOTEMPTY, got %v", err)
	}
	if err := o.Rename("/tmp/b", "/tmp/b/sub"); err != unix.EINVAL {
		t.Errorf("into own subtree: expected EINVAL, got %v", err)
	}
	if err := o.Rename("/tmp/b", "/tmp/b/keep/x"); err != unix.ENOTDIR {
		t.Errorf("through a file: expected ENOTDIR, got %v", err)
	}
	if err := o.Rename("/tmp/p", "/tmp/b/moved"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{".", "..", "keep", "moved"}, readDirNames(t, o, "/tmp/b")); diff != "" {
		t.Errorf("listing (-want +got):\n%s", diff)
	}
}

func TestConcurrentOpens(t *testing.T) {
	const n = 100
	o := newTestOS(t)

	var g errgroup.Group
	fds := make([]int, n)
	for i := range n {
		g.Go(func() error {
			fd, err := o.Open("/etc/hosts", unix.O_RDONLY, 0)
			fds[i] = fd
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	seen := make(map[int]bool)
	for _, fd := range fds {
		if seen[fd] || fd < 0 || fd >= n {
			t.Errorf("unexpected handle %d", fd)
		}
		seen[fd] = true
	}

	if err := o.Close(fds[37]); err != nil {
		t.Fatal(err)
	}
	fd, err := o.Open("/etc/hosts", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if fd != fds[37] {
		t.Errorf("expected freed handle %d reused, got %d", fds[37], fd)
	}
}

func TestMmapUnmapSplit(t *testing.T) {
	o := newTestOS(t)

	if _, err := o.Mmap(0, pageSize, unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1, 0); err != unix.ENOMEM {
		t.Errorf("mmap without arena: expected ENOMEM, got %v", err)
	}
	if err := o.SetupMman(16 * pageSize); err != nil {
		t.Fatal(err)
	}
	if err := o.SetupMman(16 * pageSize); err != unix.EALREADY {
		t.Errorf("second setup: expected EALREADY, got %v", err)
	}

	anon := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	rw := unix.PROT_READ | unix.PROT_WRITE
	if _, err := o.Mmap(0, 0, rw, anon, -1, 0); err != unix.EINVAL {
		t.Errorf("zero length: expected EINVAL, got %v", err)
	}
	if _, err := o.Mmap(0, 17*pageSize, rw, anon, -1, 0); err != unix.ENOMEM {
		t.Errorf("too large: expected ENOMEM, got %v", err)
	}

	addr, err := o.Mmap(0, 4*pageSize, rw, anon, -1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Munmap(addr+pageSize, pageSize); err != nil {
		t.Fatal(err)
	}
	var got [][2]uintptr
	for _, m := range o.Mappings() {
		got = append(got, [2]uintptr{m.Addr - addr, uintptr(m.Length)})
	}
	want := [][2]uintptr{{0, pageSize}, {2 * pageSize, 2 * pageSize}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mappings (-want +got):\n%s", diff)
	}

	if err := o.TeardownMman(); err != unix.EBUSY {
		t.Errorf("teardown while mapped: expected EBUSY, got %v", err)
	}
	if err := o.Munmap(addr, 4*pageSize); err != nil {
		t.Fatal(err)
	}
	if err := o.TeardownMman(); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := o.Arena(); ok {
		t.Error("arena still present after teardown")
	}
}

func TestFileMapping(t *testing.T) {
	o := newTestOS(t)
	if err := o.SetupMman(16 * pageSize); err != nil {
		t.Fatal(err)
	}
	live := o.OpenFiles()

	content := bytes.Repeat([]byte("abcdefgh"), pageSize/8+10)
	if err := o.WriteFile("/tmp/mapped", content, 0o644); err != nil {
		t.Fatal(err)
	}
	fd, err := o.Open("/tmp/mapped", unix.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}

	rw := unix.PROT_READ | unix.PROT_WRITE
	addr, err := o.Mmap(0, 2*pageSize, rw, unix.MAP_SHARED, fd, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Close(fd); err != nil {
		t.Fatal(err)
	}
	if o.OpenFiles() != live {
		t.Errorf("descriptor leaked")
	}

	mem, err := o.Memory(addr, 2*pageSize, unix.PROT_READ)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mem.Ptr[:len(content)], content) {
		t.Error("mapping does not show file content")
	}
	if !bytes.Equal(mem.Ptr[len(content):], make([]byte, 2*pageSize-len(content))) {
		t.Error("bytes past end of file are not zero")
	}

	mem.Slice(0, 5).Write([]byte("HELLO"))
	mem.Slice(pageSize+70, pageSize+80).Write([]byte("0123456789"))
	if err := o.Msync(addr, 2*pageSize, unix.MS_SYNC); err != nil {
		t.Fatal(err)
	}
	data, err := o.ReadFile("/tmp/mapped")
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != len(content) {
		t.Errorf("msync changed the size to %d", len(data))
	}
	if string(data[:5]) != "HELLO" || string(data[pageSize+70:]) != "0123456789" {
		t.Errorf("msync did not write back: %q ... %q", data[:5], data[pageSize+70:])
	}

	if err := o.Unlink("/tmp/mapped"); err != nil {
		t.Fatal(err)
	}
	if got, _ := o.Memory(addr, 5, unix.PROT_READ); string(got.Ptr) != "HELLO" {
		t.Errorf("mapping lost after unlink: %q", got.Ptr)
	}
	if err := o.Munmap(addr, 2*pageSize); err != nil {
		t.Fatal(err)
	}

	dir, err := o.Open("/tmp", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Mmap(0, pageSize, unix.PROT_READ, unix.MAP_PRIVATE, dir, 0); err != unix.ENODEV {
		t.Errorf("mapping a directory: expected ENODEV, got %v", err)
	}
	if _, err := o.Mmap(0, pageSize, unix.PROT_READ, unix.MAP_PRIVATE, 99, 0); err != unix.EBADF {
		t.Errorf("mapping a bad fd: expected EBADF, got %v", err)
	}
}

func TestPrivateMapping(t *testing.T) {
	o := newTestOS(t)
	if err := o.SetupMman(8 * pageSize); err != nil {
		t.Fatal(err)
	}
	if err := o.WriteFile("/tmp/f", []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}
	fd, err := o.Open("/tmp/f", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close(fd)

	rw := unix.PROT_READ | unix.PROT_WRITE
	if _, err := o.Mmap(0, pageSize, rw, unix.MAP_SHARED, fd, 0); err != unix.EACCES {
		t.Errorf("shared writable mapping of read-only fd: expected EACCES, got %v", err)
	}
	addr, err := o.Mmap(0, pageSize, rw, unix.MAP_PRIVATE, fd, 0)
	if err != nil {
		t.Fatal(err)
	}
	mem, err := o.Memory(addr, 8, unix.PROT_WRITE)
	if err != nil {
		t.Fatal(err)
	}
	mem.Write([]byte("modified"))
	if err := o.Munmap(addr, pageSize); err != nil {
		t.Fatal(err)
	}
	if data, _ := o.ReadFile("/tmp/f"); string(data) != "original" {
		t.Errorf("private mapping wrote through: %q", data)
	}
}

func TestHostTransports(t *testing.T) {
	dir := t.TempDir()
	store, err := hostio.OpenBolt(filepath.Join(dir, "store.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := os.Mkdir(filepath.Join(dir, "root"), 0o755); err != nil {
		t.Fatal(err)
	}
	files, err := hostio.OpenUnix(filepath.Join(dir, "root"))
	if err != nil {
		t.Fatal(err)
	}
	defer files.Close()

	for _, tc := range []struct {
		name string
		host libos.Host
	}{
		{"memory", hostio.NewMemory()},
		{"bolt", store},
		{"unix", files},
	} {
		t.Run(tc.name, func(t *testing.T) {
			o := newTestOS(t, libos.WithHost("/mnt/file", tc.host, "file-"+tc.name, 0o600))

			st, err := o.Stat("/mnt/file")
			if err != nil || st.Perm() != 0o600 || st.Size != 0 {
				t.Fatalf("stat: %o %d, %v", st.Mode, st.Size, err)
			}
			if err := o.WriteFile("/mnt/file", []byte("through the host"), 0); err != nil {
				t.Fatal(err)
			}
			data, err := o.ReadFile("/mnt/file")
			if err != nil || string(data) != "through the host" {
				t.Errorf("read back: %q, %v", data, err)
			}
			if err := o.Truncate("/mnt/file", 7); err != nil {
				t.Fatal(err)
			}

			buf := make([]byte, 32)
			n, err := tc.host.PerformIO(libos.HostRead, "file-"+tc.name, buf, 0)
			if err != nil || string(buf[:n]) != "through" {
				t.Errorf("host has %q, %v", buf[:n], err)
			}
		})
	}

	if data, err := os.ReadFile(filepath.Join(dir, "root", "file-unix")); err != nil || string(data) != "through" {
		t.Errorf("unix host file: %q, %v", data, err)
	}
}

func TestNewFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(`
mman:
  arena_size: 65536
  page_size: 4096
  reserver: heap
  setup_on_start: true
fs:
  max_fds: 8
  umask: "077"
  cwd: /home/guest
  hosts:
    - path: /data/db
      backend: bolt
      source: ` + filepath.Join(dir, "libos.db") + `
      target: db
    - path: /data/log
      backend: bolt
      source: ` + filepath.Join(dir, "libos.db") + `
      target: log
    - path: /data/scratch
      backend: memory
      target: scratch
`))
	if err != nil {
		t.Fatal(err)
	}

	o, err := libos.NewFromConfig(cfg, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if cwd, err := o.Getcwd(); err != nil || cwd != "/home/guest" {
		t.Errorf("getcwd: %q, %v", cwd, err)
	}
	if _, size, ok := o.Arena(); !ok || size != 65536 {
		t.Errorf("arena: %d, %v", size, ok)
	}

	if err := o.WriteFile("notes", []byte("x"), 0o666); err != nil {
		t.Fatal(err)
	}
	if st, _ := o.Stat("/home/guest/notes"); st.Perm() != 0o600 {
		t.Errorf("umask not applied: %o", st.Perm())
	}
	if err := o.WriteFile("/data/db", []byte("persisted"), 0); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{".", "..", "db", "log", "scratch"}, readDirNames(t, o, "/data")); diff != "" {
		t.Errorf("listing (-want +got):\n%s", diff)
	}

	for i := o.OpenFiles(); i < 8; i++ {
		if _, err := o.Open("/data/scratch", unix.O_RDONLY, 0); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := o.Open("/data/scratch", unix.O_RDONLY, 0); err != unix.EMFILE {
		t.Errorf("expected EMFILE, got %v", err)
	}
	if err := o.Shutdown(); err != nil {
		t.Fatal(err)
	}

	// the bolt file is released on Close and keeps its content
	store, err := hostio.OpenBolt(filepath.Join(dir, "libos.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	buf := make([]byte, 16)
	if n, err := store.PerformIO(hostio.OpRead, "db", buf, 0); err != nil || string(buf[:n]) != "persisted" {
		t.Errorf("bolt store has %q, %v", buf[:n], err)
	}
}

func TestFdinfo(t *testing.T) {
	o := newTestOS(t)
	if err := o.SetupMman(16 * pageSize); err != nil {
		t.Fatal(err)
	}
	before := o.Fds()

	fd1, err := o.Open("/tmp/info", unix.O_RDWR|unix.O_CREAT|unix.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Write(fd1, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	fd2, err := o.Dup(fd1)
	if err != nil {
		t.Fatal(err)
	}
	fd3, err := o.Open("/tmp/info", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}

	fds := o.Fds()
	if len(fds) != len(before)+3 || !slices.IsSorted(fds) {
		t.Fatalf("fds: %v", fds)
	}
	for _, fd := range []int{fd1, fd2, fd3} {
		if !slices.Contains(fds, fd) {
			t.Errorf("fd %d missing from %v", fd, fds)
		}
	}

	st, err := o.Fstat(fd1)
	if err != nil {
		t.Fatal(err)
	}
	refs := func(fd int) int64 {
		t.Helper()
		info, err := o.Fdinfo(fd)
		if err != nil {
			t.Fatal(err)
		}
		return info.Refs
	}

	// fd2 shares fd1's open file; fd3 is a second one
	want := libos.FdInfo{Fd: fd2, Pos: 5, Flags: unix.O_RDWR | unix.O_APPEND, Ino: st.Ino, Refs: 2}
	got, err := o.Fdinfo(fd2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("fdinfo mismatch (-want +got):\n%s", diff)
	}
	want = libos.FdInfo{Fd: fd3, Pos: 0, Flags: unix.O_RDONLY, Ino: st.Ino, Refs: 2}
	got, err = o.Fdinfo(fd3)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("fdinfo mismatch (-want +got):\n%s", diff)
	}

	addr, err := o.Mmap(0, pageSize, unix.PROT_READ, unix.MAP_SHARED, fd1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := refs(fd3); got != 3 {
		t.Errorf("after mmap: %d refs", got)
	}

	// unlinked and closed, the file lives on through fd3 and the mapping
	if err := o.Unlink("/tmp/info"); err != nil {
		t.Fatal(err)
	}
	for _, fd := range []int{fd1, fd2} {
		if err := o.Close(fd); err != nil {
			t.Fatal(err)
		}
	}
	if got := refs(fd3); got != 2 {
		t.Errorf("after close: %d refs", got)
	}
	if err := o.Munmap(addr, pageSize); err != nil {
		t.Fatal(err)
	}
	if got := refs(fd3); got != 1 {
		t.Errorf("after munmap: %d refs", got)
	}

	if err := o.Close(fd3); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Fdinfo(fd3); libos.Errno(err) != unix.EBADF {
		t.Errorf("fdinfo of closed fd: %v", err)
	}
	if diff := cmp.Diff(before, o.Fds()); diff != "" {
		t.Errorf("fds mismatch (-want +got):\n%s", diff)
	}
}

func TestErrno(t *testing.T) {
	o := newTestOS(t)
	_, err := o.Open("/nope", unix.O_RDONLY, 0)
	if libos.Errno(err) != unix.ENOENT {
		t.Errorf("expected ENOENT, got %v", err)
	}
	if got := libos.Ret(0, err); got != -int64(unix.ENOENT) {
		t.Errorf("ret: %d", got)
	}
	if got := libos.Ret(5, nil); got != 5 {
		t.Errorf("ret: %d", got)
	}
}

func TestCallLogging(t *testing.T) {
	var buf bytes.Buffer
	o := newTestOS(t, libos.WithLogger(logging.New(&buf, slog.LevelDebug, logging.FormatRaw)))

	if _, err := o.Open("/tmp/logged", unix.O_RDWR|unix.O_CREAT, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Open("/missing", unix.O_RDONLY, 0); err != unix.ENOENT {
		t.Fatalf("expected ENOENT, got %v", err)
	}

	type record struct {
		Syscall string `json:"syscall"`
		Path    string `json:"path"`
		Flags   string `json:"flags"`
		Errno   string `json:"errno"`
		Source  struct {
			File string `json:"file"`
		} `json:"source"`
	}
	var got []record
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var r record
		if err := dec.Decode(&r); err != nil {
			t.Fatal(err)
		}
		if r.Syscall == "open" {
			got = append(got, r)
		}
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 open records, got %d", len(got))
	}
	for _, r := range got {
		if filepath.Base(r.Source.File) != "libos_test.go" {
			t.Errorf("record for %s has source %s", r.Path, r.Source.File)
		}
	}
	if got[0].Flags != "O_RDWR|O_CREAT" || got[0].Errno != "" {
		t.Errorf("first open: %+v", got[0])
	}
	if got[1].Path != "/missing" || got[1].Errno != "ENOENT" {
		t.Errorf("second open: %+v", got[1])
	}
}
