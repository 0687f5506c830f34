/*
Libos runs syscall scripts against a fresh library OS instance.

Usage: libos <command> [arguments]

The commands are:

	run            run scripts
	help           print this help

The 'run' command:

Usage: libos run [--config=file] [--log-level=level] [--log-format=format] [-x] [scripts]

The run command builds one library OS per script, as described by the
configuration file (or $LIBOS_CONFIG, or the defaults), and executes the
script's commands against it. Without scripts, or with '-', it reads a script
from standard input. Several scripts run concurrently, each on its own
instance; their output is printed in argument order.

Every command prints its result on one line, or 'errno NAME' if the call
failed. A failed call does not stop the script; a malformed command does.
Lines starting with '#' are comments. Arguments are split and quoted as in
the shell, and $VAR expands from the environment.

Addresses print relative to the arena base as +0x..., and may be given that
way. Run 'libos help commands' for the list of script commands.

A script that maps a file and writes through the mapping:

	setup 1m
	open /tmp/f rdwr,creat
	ftruncate 0 4096
	mmap 4k rw shared 0 0
	poke +0x0 hello
	msync +0x0 4k
	pread 0 5 0
*/
package main
