package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/kmrgirish/libos"
	"github.com/kmrgirish/libos/internal/config"
	"github.com/kmrgirish/libos/internal/logging"
)

const doc = `Libos runs syscall scripts against a fresh library OS instance.

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
`

func commandName(cmd string) string {
	return fmt.Sprintf("%s %s", path.Base(os.Args[0]), cmd)
}

func main() {
	os.Exit(libosMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func libosMain(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprint(stderr, doc)
		return 2
	}
	cmd, cmdArgs := args[0], args[1:]

	switch cmd {
	case "run":
		runflags := pflag.NewFlagSet(commandName("run"), pflag.ContinueOnError)
		runflags.SetOutput(stderr)
		configPath := runflags.String("config", "", "configuration file (default $"+config.EnvVar+")")
		level := runflags.String("log-level", "", "log level: debug|info|warn|error (overrides the configuration)")
		format := runflags.String("log-format", "", "log format: raw|indented|pretty (overrides the configuration)")
		echo := runflags.BoolP("echo", "x", false, "echo each command before its result")
		if err := runflags.Parse(cmdArgs); err != nil {
			if err == pflag.ErrHelp {
				return 0
			}
			return 2
		}

		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "libos: %v\n", err)
			return 1
		}
		if *level != "" {
			cfg.Log.Level = *level
		}
		if *format != "" {
			cfg.Log.Format = *format
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(stderr, "libos: %v\n", err)
			return 1
		}

		scripts := runflags.Args()
		if len(scripts) == 0 {
			scripts = []string{"-"}
		}
		if err := runScripts(cfg, scripts, *echo, stdin, stdout, stderr); err != nil {
			fmt.Fprintf(stderr, "libos: %v\n", err)
			return 1
		}
		return 0

	case "help":
		if len(cmdArgs) > 0 && cmdArgs[0] == "commands" {
			printCommands(stdout)
			return 0
		}
		fmt.Fprint(stdout, doc)
		return 0

	default:
		fmt.Fprintf(stderr, "libos: unknown command %q\n", cmd)
		fmt.Fprint(stderr, doc)
		return 2
	}
}

func runScripts(cfg *config.Config, scripts []string, echo bool, stdin io.Reader, stdout, stderr io.Writer) error {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.Log.Format)
	if err != nil {
		return err
	}
	logger := logging.New(stderr, level, format)

	outputs := make([]bytes.Buffer, len(scripts))
	var g errgroup.Group
	for i, name := range scripts {
		g.Go(func() error {
			var src []byte
			var err error
			if name == "-" {
				src, err = io.ReadAll(stdin)
			} else {
				src, err = os.ReadFile(name)
			}
			if err != nil {
				return err
			}
			return runScript(cfg, logger.With("script", name), name, src, echo, &outputs[i])
		})
	}
	err = g.Wait()
	for i := range outputs {
		stdout.Write(outputs[i].Bytes())
	}
	return err
}

func runScript(cfg *config.Config, logger *slog.Logger, name string, src []byte, echo bool, out io.Writer) (err error) {
	o, err := libos.NewFromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer func() {
		if cerr := o.Shutdown(); cerr != nil && err == nil {
			err = fmt.Errorf("%s: closing: %w", name, cerr)
		}
	}()
	return newInterp(o, out, echo).run(name, src)
}
