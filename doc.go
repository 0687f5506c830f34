/*
Package libos is an in-process library OS. It gives code that cannot reach the
host kernel a POSIX file and memory-mapping surface: descriptors, paths,
directories, and mmap over a private arena, all with Linux semantics and
Linux errno values.

# Using an OS

An OS owns a filesystem, a descriptor table and a memory manager. Each OS is
independent of every other, so tests can create as many as they like:

	o, err := libos.New()
	if err != nil {
		...
	}
	defer o.Shutdown()

	fd, err := o.Open("/tmp/greeting", unix.O_CREAT|unix.O_RDWR, 0o644)
	...
	_, err = o.Write(fd, []byte("hello"))

Methods look like the system calls they stand in for. Every error is a
[syscall.Errno]; use [Errno] to extract it from an error, and [Ret] to fold
a result into the raw negative-errno convention.

# Filesystem

A new OS boots with a small Linux layout: a world-writable /tmp, /dev/null,
/dev/zero and /etc/hosts. File content lives in memory unless a path is bound
to a [Host] with [WithHost], in which case reads and writes go to the host
synchronously. Three hosts are available from configuration: an in-memory
map, a bbolt database, and a directory of real files.

Directory entries are listed as ".", "..", and then names in byte order.
A directory stream resumes after the last name it returned, so entries
added or removed concurrently are never repeated.

# Memory

[OS.SetupMman] reserves the arena; [OS.Mmap], [OS.Munmap], [OS.Mprotect],
[OS.Mremap] and [OS.Msync] manage mappings inside it. Address hints are
ignored and new mappings go in the lowest gap that fits; MAP_FIXED places a
mapping exactly, replacing what was there. File-backed mappings read the file
when mapped, and shared ones write back on msync and munmap. [OS.Memory]
gives access to mapped bytes.

# Configuration

[NewFromConfig] builds an OS from a YAML file; see package
[github.com/kmrgirish/libos/internal/config] for the fields. The libos
command runs scripts of calls against an OS and is the easiest way to
experiment.
*/
package libos
