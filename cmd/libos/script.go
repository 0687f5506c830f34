package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"mvdan.cc/sh/v3/shell"

	"github.com/kmrgirish/libos"
	"github.com/kmrgirish/libos/internal/syscallabi"
)

// An interp executes script commands against one OS.
type interp struct {
	os   *libos.OS
	out  io.Writer
	echo bool

	// argErr is the first malformed argument of the current command.
	argErr error
}

// A call performs a command whose arguments have already been parsed.
type call func() (string, error)

type command struct {
	args     string
	min, max int
	help     string
	// parse checks args, reporting problems through interp.fail, and
	// returns the call to make if there were none.
	parse func(in *interp, args []string) call
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"open":      {"path flags [mode]", 2, 3, "open a file; flags like rdwr,creat,excl", cmdOpen},
		"creat":     {"path [mode]", 1, 2, "create or truncate a file for writing", cmdCreat},
		"close":     {"fd", 1, 1, "close a descriptor", cmdClose},
		"dup":       {"fd", 1, 1, "duplicate a descriptor", cmdDup},
		"write":     {"fd text", 2, 2, "write at the descriptor offset", cmdWrite},
		"pwrite":    {"fd off text", 3, 3, "write at an offset", cmdPwrite},
		"read":      {"fd n", 2, 2, "read up to n bytes at the descriptor offset", cmdRead},
		"pread":     {"fd n off", 3, 3, "read up to n bytes at an offset", cmdPread},
		"seek":      {"fd off set|cur|end", 3, 3, "reposition a descriptor", cmdSeek},
		"stat":      {"path", 1, 1, "stat a path, following symlinks", cmdStat},
		"lstat":     {"path", 1, 1, "stat a path", cmdLstat},
		"fstat":     {"fd", 1, 1, "stat a descriptor", cmdFstat},
		"fdinfo":    {"[fd]", 0, 1, "print offset, flags and references of descriptors", cmdFdinfo},
		"mkdir":     {"path [mode]", 1, 2, "create a directory", cmdMkdir},
		"rmdir":     {"path", 1, 1, "remove an empty directory", cmdRmdir},
		"link":      {"old new", 2, 2, "create a hard link", cmdLink},
		"unlink":    {"path", 1, 1, "remove a name", cmdUnlink},
		"symlink":   {"target path", 2, 2, "create a symlink", cmdSymlink},
		"rename":    {"old new", 2, 2, "rename a file or directory", cmdRename},
		"truncate":  {"path size", 2, 2, "set the size of a file", cmdTruncate},
		"ftruncate": {"fd size", 2, 2, "set the size of an open file", cmdFtruncate},
		"readlink":  {"path", 1, 1, "print a symlink target", cmdReadlink},
		"access":    {"path f|rwx", 2, 2, "check permissions", cmdAccess},
		"ls":        {"[path]", 0, 1, "list a directory", cmdLs},
		"cd":        {"path", 1, 1, "change the working directory", cmdCd},
		"pwd":       {"", 0, 0, "print the working directory", cmdPwd},
		"umask":     {"mask", 1, 1, "set the umask and print the old one", cmdUmask},
		"setup":     {"size", 1, 1, "reserve the arena", cmdSetup},
		"teardown":  {"", 0, 0, "release the arena", cmdTeardown},
		"mmap":      {"length prot flags [fd off [addr]]", 3, 6, "map memory; flags like private,anon", cmdMmap},
		"munmap":    {"addr length", 2, 2, "unmap memory", cmdMunmap},
		"mprotect":  {"addr length prot", 3, 3, "change protection", cmdMprotect},
		"mremap":    {"addr old new [maymove]", 3, 4, "resize a mapping", cmdMremap},
		"msync":     {"addr length [sync|async|invalidate]", 2, 3, "write shared file mappings back", cmdMsync},
		"poke":      {"addr text", 2, 2, "store bytes in mapped memory", cmdPoke},
		"peek":      {"addr length", 2, 2, "load bytes from mapped memory", cmdPeek},
		"maps":      {"", 0, 0, "list mappings", cmdMaps},
	}
}

func printCommands(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		c := commands[name]
		fmt.Fprintf(w, "    %-40s %s\n", strings.TrimSpace(name+" "+c.args), c.help)
	}
}

func newInterp(o *libos.OS, out io.Writer, echo bool) *interp {
	return &interp{os: o, out: out, echo: echo}
}

// run executes src line by line. It stops at the first malformed command.
func (in *interp) run(name string, src []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(src))
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := in.exec(line); err != nil {
			return fmt.Errorf("%s:%d: %w", name, lineno, err)
		}
	}
	return scanner.Err()
}

func (in *interp) exec(line string) error {
	fields, err := shell.Fields(line, nil)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	name, args := fields[0], fields[1:]
	c, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}
	if len(args) < c.min || len(args) > c.max {
		return fmt.Errorf("usage: %s %s", name, c.args)
	}

	in.argErr = nil
	do := c.parse(in, args)
	if in.argErr != nil {
		return fmt.Errorf("%s: %w", name, in.argErr)
	}
	result, err := do()
	if in.echo {
		fmt.Fprintf(in.out, "> %s\n", line)
	}
	if err != nil {
		fmt.Fprintf(in.out, "errno %s\n", syscallabi.ErrnoName(err))
		return nil
	}
	if result != "" {
		fmt.Fprintln(in.out, result)
	}
	return nil
}

func (in *interp) fail(err error) {
	if in.argErr == nil {
		in.argErr = err
	}
}

func (in *interp) int(s string) int64 {
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		in.fail(fmt.Errorf("bad number %q", s))
	}
	return n
}

func (in *interp) fd(s string) int {
	return int(in.int(s))
}

// size parses a byte count with an optional k, m or g suffix.
func (in *interp) size(s string) uint64 {
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1<<10, s[:len(s)-1]
	case strings.HasSuffix(s, "m"):
		mult, s = 1<<20, s[:len(s)-1]
	case strings.HasSuffix(s, "g"):
		mult, s = 1<<30, s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil || n > ^uint64(0)/mult {
		in.fail(fmt.Errorf("bad size %q", s))
	}
	return n * mult
}

func (in *interp) mode(s string) uint32 {
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		in.fail(fmt.Errorf("bad mode %q", s))
	}
	return uint32(n)
}

// addr parses an absolute address or one relative to the arena base.
func (in *interp) addr(s string) uintptr {
	if rel, ok := strings.CutPrefix(s, "+"); ok {
		base, _, _ := in.os.Arena()
		return base + uintptr(in.size(rel))
	}
	return uintptr(in.size(s))
}

func (in *interp) fmtAddr(addr uintptr) string {
	if base, size, ok := in.os.Arena(); ok && addr >= base && uint64(addr-base) <= size {
		return fmt.Sprintf("+%#x", addr-base)
	}
	return fmt.Sprintf("%#x", addr)
}

func (in *interp) flags(s string, names map[string]int) int {
	var flags int
	for _, name := range strings.Split(s, ",") {
		f, ok := names[name]
		if !ok {
			in.fail(fmt.Errorf("unknown flag %q", name))
		}
		flags |= f
	}
	return flags
}

var openFlags = map[string]int{
	"rdonly":    unix.O_RDONLY,
	"wronly":    unix.O_WRONLY,
	"rdwr":      unix.O_RDWR,
	"creat":     unix.O_CREAT,
	"excl":      unix.O_EXCL,
	"trunc":     unix.O_TRUNC,
	"append":    unix.O_APPEND,
	"directory": unix.O_DIRECTORY,
	"nofollow":  unix.O_NOFOLLOW,
	"cloexec":   unix.O_CLOEXEC,
}

var mapFlags = map[string]int{
	"private":   unix.MAP_PRIVATE,
	"shared":    unix.MAP_SHARED,
	"anon":      unix.MAP_ANONYMOUS,
	"fixed":     unix.MAP_FIXED,
	"noreplace": unix.MAP_FIXED_NOREPLACE,
}

var msyncFlags = map[string]int{
	"sync":       unix.MS_SYNC,
	"async":      unix.MS_ASYNC,
	"invalidate": unix.MS_INVALIDATE,
}

var whences = map[string]int{
	"set": unix.SEEK_SET,
	"cur": unix.SEEK_CUR,
	"end": unix.SEEK_END,
}

// prot parses "none" or letters from "rwx", with '-' as a placeholder.
func (in *interp) prot(s string) int {
	if s == "none" {
		return unix.PROT_NONE
	}
	var prot int
	for _, c := range s {
		switch c {
		case 'r':
			prot |= unix.PROT_READ
		case 'w':
			prot |= unix.PROT_WRITE
		case 'x':
			prot |= unix.PROT_EXEC
		case '-':
		default:
			in.fail(fmt.Errorf("bad protection %q", s))
		}
	}
	return prot
}

func fmtProt(prot int) string {
	b := []byte("---")
	if prot&unix.PROT_READ != 0 {
		b[0] = 'r'
	}
	if prot&unix.PROT_WRITE != 0 {
		b[1] = 'w'
	}
	if prot&unix.PROT_EXEC != 0 {
		b[2] = 'x'
	}
	return string(b)
}

func fmtStat(st libos.Stat) string {
	var kind string
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		kind = "reg"
	case unix.S_IFDIR:
		kind = "dir"
	case unix.S_IFLNK:
		kind = "lnk"
	case unix.S_IFCHR:
		kind = "chr"
	default:
		kind = "unknown"
	}
	return fmt.Sprintf("%s mode=%04o size=%d nlink=%d", kind, st.Perm(), st.Size, st.Nlink)
}

func fmtFd(fd int, err error) (string, error) {
	return "fd " + strconv.Itoa(fd), err
}

func fmtN(n int, err error) (string, error) {
	return "n " + strconv.Itoa(n), err
}

func fmtData(buf []byte, n int, err error) (string, error) {
	if err != nil {
		return "", err
	}
	return strconv.Quote(string(buf[:n])), nil
}

func fmtOK(err error) (string, error) {
	return "ok", err
}

func cmdOpen(in *interp, args []string) call {
	mode := uint32(0o666)
	if len(args) > 2 {
		mode = in.mode(args[2])
	}
	flags := in.flags(args[1], openFlags)
	return func() (string, error) {
		return fmtFd(in.os.Open(args[0], flags, mode))
	}
}

func cmdCreat(in *interp, args []string) call {
	mode := uint32(0o666)
	if len(args) > 1 {
		mode = in.mode(args[1])
	}
	return func() (string, error) {
		return fmtFd(in.os.Creat(args[0], mode))
	}
}

func cmdClose(in *interp, args []string) call {
	fd := in.fd(args[0])
	return func() (string, error) {
		return fmtOK(in.os.Close(fd))
	}
}

func cmdDup(in *interp, args []string) call {
	fd := in.fd(args[0])
	return func() (string, error) {
		return fmtFd(in.os.Dup(fd))
	}
}

func cmdWrite(in *interp, args []string) call {
	fd := in.fd(args[0])
	return func() (string, error) {
		return fmtN(in.os.Write(fd, []byte(args[1])))
	}
}

func cmdPwrite(in *interp, args []string) call {
	fd, off := in.fd(args[0]), in.int(args[1])
	return func() (string, error) {
		return fmtN(in.os.Pwrite(fd, []byte(args[2]), off))
	}
}

func cmdRead(in *interp, args []string) call {
	fd, size := in.fd(args[0]), in.size(args[1])
	return func() (string, error) {
		buf := make([]byte, size)
		n, err := in.os.Read(fd, buf)
		return fmtData(buf, n, err)
	}
}

func cmdPread(in *interp, args []string) call {
	fd, size, off := in.fd(args[0]), in.size(args[1]), in.int(args[2])
	return func() (string, error) {
		buf := make([]byte, size)
		n, err := in.os.Pread(fd, buf, off)
		return fmtData(buf, n, err)
	}
}

func cmdSeek(in *interp, args []string) call {
	fd, off := in.fd(args[0]), in.int(args[1])
	whence, found := whences[args[2]]
	if !found {
		in.fail(fmt.Errorf("bad whence %q", args[2]))
	}
	return func() (string, error) {
		pos, err := in.os.Lseek(fd, off, whence)
		return "offset " + strconv.FormatInt(pos, 10), err
	}
}

func cmdStat(in *interp, args []string) call {
	return func() (string, error) {
		st, err := in.os.Stat(args[0])
		return fmtStat(st), err
	}
}

func cmdLstat(in *interp, args []string) call {
	return func() (string, error) {
		st, err := in.os.Lstat(args[0])
		return fmtStat(st), err
	}
}

func cmdFstat(in *interp, args []string) call {
	fd := in.fd(args[0])
	return func() (string, error) {
		st, err := in.os.Fstat(fd)
		return fmtStat(st), err
	}
}

func cmdFdinfo(in *interp, args []string) call {
	var fds []int
	if len(args) > 0 {
		fds = []int{in.fd(args[0])}
	}
	return func() (string, error) {
		if fds == nil {
			fds = in.os.Fds()
		}
		if len(fds) == 0 {
			return "no descriptors", nil
		}
		lines := make([]string, 0, len(fds))
		for _, fd := range fds {
			info, err := in.os.Fdinfo(fd)
			if err != nil {
				return "", err
			}
			lines = append(lines, fmt.Sprintf("%d pos=%d flags=%s refs=%d",
				info.Fd, info.Pos, syscallabi.OpenFlags.Format(info.Flags), info.Refs))
		}
		return strings.Join(lines, "\n"), nil
	}
}

func cmdMkdir(in *interp, args []string) call {
	mode := uint32(0o777)
	if len(args) > 1 {
		mode = in.mode(args[1])
	}
	return func() (string, error) {
		return fmtOK(in.os.Mkdir(args[0], mode))
	}
}

func cmdRmdir(in *interp, args []string) call {
	return func() (string, error) {
		return fmtOK(in.os.Rmdir(args[0]))
	}
}

func cmdLink(in *interp, args []string) call {
	return func() (string, error) {
		return fmtOK(in.os.Link(args[0], args[1]))
	}
}

func cmdUnlink(in *interp, args []string) call {
	return func() (string, error) {
		return fmtOK(in.os.Unlink(args[0]))
	}
}

func cmdSymlink(in *interp, args []string) call {
	return func() (string, error) {
		return fmtOK(in.os.Symlink(args[0], args[1]))
	}
}

func cmdRename(in *interp, args []string) call {
	return func() (string, error) {
		return fmtOK(in.os.Rename(args[0], args[1]))
	}
}

func cmdTruncate(in *interp, args []string) call {
	size := in.int(args[1])
	return func() (string, error) {
		return fmtOK(in.os.Truncate(args[0], size))
	}
}

func cmdFtruncate(in *interp, args []string) call {
	fd, size := in.fd(args[0]), in.int(args[1])
	return func() (string, error) {
		return fmtOK(in.os.Ftruncate(fd, size))
	}
}

func cmdReadlink(in *interp, args []string) call {
	return func() (string, error) {
		buf := make([]byte, unix.PathMax)
		n, err := in.os.Readlink(args[0], buf)
		return fmtData(buf, n, err)
	}
}

func cmdAccess(in *interp, args []string) call {
	var mode uint32
	if args[1] != "f" {
		for _, c := range args[1] {
			switch c {
			case 'r':
				mode |= unix.R_OK
			case 'w':
				mode |= unix.W_OK
			case 'x':
				mode |= unix.X_OK
			default:
				in.fail(fmt.Errorf("bad access mode %q", args[1]))
			}
		}
	}
	return func() (string, error) {
		return fmtOK(in.os.Access(args[0], mode))
	}
}

func cmdLs(in *interp, args []string) call {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	return func() (string, error) {
		entries, err := in.os.ReadDir(dir)
		if err != nil {
			return "", err
		}
		lines := make([]string, 0, len(entries))
		for _, d := range entries {
			kind := "?"
			switch d.Type {
			case unix.DT_REG:
				kind = "-"
			case unix.DT_DIR:
				kind = "d"
			case unix.DT_LNK:
				kind = "l"
			case unix.DT_CHR:
				kind = "c"
			}
			lines = append(lines, kind+" "+d.Name)
		}
		return strings.Join(lines, "\n"), nil
	}
}

func cmdCd(in *interp, args []string) call {
	return func() (string, error) {
		return fmtOK(in.os.Chdir(args[0]))
	}
}

func cmdPwd(in *interp, args []string) call {
	return in.os.Getcwd
}

func cmdUmask(in *interp, args []string) call {
	mask := in.mode(args[0])
	return func() (string, error) {
		return fmt.Sprintf("old %03o", in.os.Umask(mask)), nil
	}
}

func cmdSetup(in *interp, args []string) call {
	size := in.size(args[0])
	return func() (string, error) {
		return fmtOK(in.os.SetupMman(size))
	}
}

func cmdTeardown(in *interp, args []string) call {
	return func() (string, error) {
		return fmtOK(in.os.TeardownMman())
	}
}

func cmdMmap(in *interp, args []string) call {
	length, prot, flags := in.size(args[0]), in.prot(args[1]), in.flags(args[2], mapFlags)
	fd, off := -1, int64(0)
	var addr uintptr
	if len(args) > 3 {
		fd = in.fd(args[3])
	}
	if len(args) > 4 {
		off = in.int(args[4])
	}
	if len(args) > 5 {
		addr = in.addr(args[5])
	}
	return func() (string, error) {
		got, err := in.os.Mmap(addr, length, prot, flags, fd, off)
		return in.fmtAddr(got), err
	}
}

func cmdMunmap(in *interp, args []string) call {
	addr, length := in.addr(args[0]), in.size(args[1])
	return func() (string, error) {
		return fmtOK(in.os.Munmap(addr, length))
	}
}

func cmdMprotect(in *interp, args []string) call {
	addr, length, prot := in.addr(args[0]), in.size(args[1]), in.prot(args[2])
	return func() (string, error) {
		return fmtOK(in.os.Mprotect(addr, length, prot))
	}
}

func cmdMremap(in *interp, args []string) call {
	addr, oldLength, newLength := in.addr(args[0]), in.size(args[1]), in.size(args[2])
	var flags int
	if len(args) > 3 {
		if args[3] == "maymove" {
			flags = unix.MREMAP_MAYMOVE
		} else {
			in.fail(fmt.Errorf("unknown flag %q", args[3]))
		}
	}
	return func() (string, error) {
		got, err := in.os.Mremap(addr, oldLength, newLength, flags)
		return in.fmtAddr(got), err
	}
}

func cmdMsync(in *interp, args []string) call {
	addr, length := in.addr(args[0]), in.size(args[1])
	flags := unix.MS_SYNC
	if len(args) > 2 {
		flags = in.flags(args[2], msyncFlags)
	}
	return func() (string, error) {
		return fmtOK(in.os.Msync(addr, length, flags))
	}
}

func cmdPoke(in *interp, args []string) call {
	addr := in.addr(args[0])
	return func() (string, error) {
		mem, err := in.os.Memory(addr, uint64(len(args[1])), unix.PROT_WRITE)
		if err != nil {
			return "", err
		}
		mem.Write([]byte(args[1]))
		return "ok", nil
	}
}

func cmdPeek(in *interp, args []string) call {
	addr, length := in.addr(args[0]), in.size(args[1])
	return func() (string, error) {
		mem, err := in.os.Memory(addr, length, unix.PROT_READ)
		if err != nil {
			return "", err
		}
		buf := make([]byte, mem.Len())
		mem.Read(buf)
		return strconv.Quote(string(buf)), nil
	}
}

func cmdMaps(in *interp, args []string) call {
	return func() (string, error) {
		maps := in.os.Mappings()
		if len(maps) == 0 {
			return "no mappings", nil
		}
		lines := make([]string, 0, len(maps))
		for _, m := range maps {
			share, backing := "private", "anon"
			if m.Shared {
				share = "shared"
			}
			if m.FileBacked {
				backing = fmt.Sprintf("file@%#x", m.Offset)
			}
			lines = append(lines, fmt.Sprintf("%s-%s %s %s %s",
				in.fmtAddr(m.Addr), in.fmtAddr(m.Addr+uintptr(m.Length)), fmtProt(m.Prot), share, backing))
		}
		return strings.Join(lines, "\n"), nil
	}
}
