// Package config loads the YAML configuration of a library OS instance.
//
// The file comes from the --config flag or, failing that, the LIBOS_CONFIG
// environment variable. There is no discovery: with neither set the defaults
// are used as is.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config path.
const EnvVar = "LIBOS_CONFIG"

type Config struct {
	Mman MmanConfig `yaml:"mman"`
	FS   FSConfig   `yaml:"fs"`
	Log  LogConfig  `yaml:"log"`
}

// MmanConfig configures the memory-mapping arena.
type MmanConfig struct {
	// ArenaSize is the arena size in bytes, rounded up to whole pages.
	ArenaSize int64 `yaml:"arena_size"`

	// PageSize defaults to the host page size when zero.
	PageSize int `yaml:"page_size"`

	// Reserver is "mmap" (anonymous host memory) or "heap".
	Reserver string `yaml:"reserver"`

	// HeapLimit caps the heap reserver. Zero means no limit.
	HeapLimit int64 `yaml:"heap_limit"`

	// SetupOnStart reserves the arena when the OS is created.
	SetupOnStart bool `yaml:"setup_on_start"`
}

type FSConfig struct {
	// MaxFDs bounds the descriptor table.
	MaxFDs int `yaml:"max_fds"`

	// Umask is an octal string such as "022".
	Umask string `yaml:"umask"`

	// Cwd is the initial working directory. It is created if missing.
	Cwd string `yaml:"cwd"`

	Hosts []HostConfig `yaml:"hosts"`
}

// HostConfig binds one host-backed file into the tree.
type HostConfig struct {
	// Path is where the file appears.
	Path string `yaml:"path"`

	// Backend is "memory", "bolt" or "unix".
	Backend string `yaml:"backend"`

	// Source is the bolt database file or the unix root directory.
	// ${VAR} references are expanded from the environment.
	Source string `yaml:"source"`

	// Target names the file within the backend.
	Target string `yaml:"target"`

	// Mode is an octal string. Default: 0644
	Mode string `yaml:"mode"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is raw, indented or pretty.
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Mman: MmanConfig{
			ArenaSize: 64 << 20,
			Reserver:  "mmap",
		},
		FS: FSConfig{
			MaxFDs: 1024,
			Umask:  "022",
			Cwd:    "/",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "raw",
		},
	}
}

// Load loads the file named by path, or by LIBOS_CONFIG if path is empty.
// With neither set it returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads and validates one config file over the defaults. Unknown
// keys are an error.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

func (c *Config) expandVariables() {
	for i := range c.FS.Hosts {
		c.FS.Hosts[i].Source = expandVars(c.FS.Hosts[i].Source)
	}
}

func parseOctal(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// UmaskBits returns the parsed umask.
func (c *FSConfig) UmaskBits() uint32 {
	v, _ := parseOctal(c.Umask)
	return v
}

// ModeBits returns the parsed mode, 0644 if unset.
func (h *HostConfig) ModeBits() uint32 {
	if h.Mode == "" {
		return 0o644
	}
	v, _ := parseOctal(h.Mode)
	return v
}

// Validate checks the configuration for errors and reports all of them.
func (c *Config) Validate() error {
	var errs []error

	if c.Mman.ArenaSize < 0 {
		errs = append(errs, fmt.Errorf("mman.arena_size must not be negative"))
	}
	if ps := c.Mman.PageSize; ps < 0 || ps&(ps-1) != 0 {
		errs = append(errs, fmt.Errorf("mman.page_size must be a power of two, got %d", ps))
	}
	switch c.Mman.Reserver {
	case "mmap", "heap":
	default:
		errs = append(errs, fmt.Errorf("mman.reserver must be one of: [mmap heap], got %q", c.Mman.Reserver))
	}
	if c.Mman.HeapLimit < 0 {
		errs = append(errs, fmt.Errorf("mman.heap_limit must not be negative"))
	}

	if c.FS.MaxFDs <= 0 {
		errs = append(errs, fmt.Errorf("fs.max_fds must be positive, got %d", c.FS.MaxFDs))
	}
	if v, err := parseOctal(c.FS.Umask); err != nil || v > 0o777 {
		errs = append(errs, fmt.Errorf("fs.umask must be an octal mask, got %q", c.FS.Umask))
	}
	if len(c.FS.Cwd) == 0 || c.FS.Cwd[0] != '/' {
		errs = append(errs, fmt.Errorf("fs.cwd must be absolute, got %q", c.FS.Cwd))
	}

	seen := make(map[string]bool)
	for i, h := range c.FS.Hosts {
		prefix := fmt.Sprintf("fs.hosts[%d]", i)
		if len(h.Path) == 0 || h.Path[0] != '/' {
			errs = append(errs, fmt.Errorf("%s.path must be absolute, got %q", prefix, h.Path))
		} else if seen[h.Path] {
			errs = append(errs, fmt.Errorf("%s.path %s is bound twice", prefix, h.Path))
		}
		seen[h.Path] = true

		switch h.Backend {
		case "memory":
		case "bolt", "unix":
			if h.Source == "" {
				errs = append(errs, fmt.Errorf("%s.source is required for backend %s", prefix, h.Backend))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.backend must be one of: [memory bolt unix], got %q", prefix, h.Backend))
		}
		if h.Target == "" {
			errs = append(errs, fmt.Errorf("%s.target is required", prefix))
		}
		if h.Mode != "" {
			if v, err := parseOctal(h.Mode); err != nil || v > 0o7777 {
				errs = append(errs, fmt.Errorf("%s.mode must be octal, got %q", prefix, h.Mode))
			}
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of: [debug info warn error], got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "raw", "indented", "pretty":
	default:
		errs = append(errs, fmt.Errorf("log.format must be one of: [raw indented pretty], got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
