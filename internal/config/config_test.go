package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, int64(64<<20), cfg.Mman.ArenaSize)
	require.Equal(t, "mmap", cfg.Mman.Reserver)
	require.Equal(t, uint32(0o022), cfg.FS.UmaskBits())
	require.Equal(t, 1024, cfg.FS.MaxFDs)
}

func TestLoadWithoutPath(t *testing.T) {
	t.Setenv(EnvVar, "")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "libos.yaml")
	content := `
mman:
  arena_size: 1048576
  reserver: heap
  heap_limit: 2097152
  setup_on_start: true
fs:
  max_fds: 16
  umask: "077"
  cwd: /tmp
  hosts:
    - path: /data/db
      backend: bolt
      source: ${LIBOS_TEST_DIR}/store.db
      target: db
      mode: "0600"
    - path: /data/scratch
      backend: memory
      target: scratch
log:
  level: debug
  format: pretty
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv(EnvVar, path)
	t.Setenv("LIBOS_TEST_DIR", dir)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, int64(1<<20), cfg.Mman.ArenaSize)
	require.Equal(t, "heap", cfg.Mman.Reserver)
	require.True(t, cfg.Mman.SetupOnStart)
	require.Equal(t, 16, cfg.FS.MaxFDs)
	require.Equal(t, uint32(0o077), cfg.FS.UmaskBits())
	require.Len(t, cfg.FS.Hosts, 2)
	require.Equal(t, filepath.Join(dir, "store.db"), cfg.FS.Hosts[0].Source)
	require.Equal(t, uint32(0o600), cfg.FS.Hosts[0].ModeBits())
	require.Equal(t, uint32(0o644), cfg.FS.Hosts[1].ModeBits())
	require.Equal(t, "pretty", cfg.Log.Format)

	// the flag wins over the environment
	other := filepath.Join(dir, "other.yaml")
	require.NoError(t, os.WriteFile(other, []byte("fs:\n  max_fds: 8\n"), 0o644))
	cfg, err = Load(other)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.FS.MaxFDs)
	require.Equal(t, "mmap", cfg.Mman.Reserver)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestUnknownField(t *testing.T) {
	_, err := Parse([]byte("fs:\n  max_files: 8\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "max_files")
}

func TestMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"page size", func(c *Config) { c.Mman.PageSize = 3000 }, "mman.page_size"},
		{"reserver", func(c *Config) { c.Mman.Reserver = "brk" }, "mman.reserver"},
		{"max fds", func(c *Config) { c.FS.MaxFDs = 0 }, "fs.max_fds"},
		{"umask", func(c *Config) { c.FS.Umask = "9" }, "fs.umask"},
		{"cwd", func(c *Config) { c.FS.Cwd = "tmp" }, "fs.cwd"},
		{"backend", func(c *Config) {
			c.FS.Hosts = []HostConfig{{Path: "/x", Backend: "nfs", Target: "x"}}
		}, "fs.hosts[0].backend"},
		{"source", func(c *Config) {
			c.FS.Hosts = []HostConfig{{Path: "/x", Backend: "unix", Target: "x"}}
		}, "fs.hosts[0].source"},
		{"duplicate", func(c *Config) {
			c.FS.Hosts = []HostConfig{
				{Path: "/x", Backend: "memory", Target: "x"},
				{Path: "/x", Backend: "memory", Target: "y"},
			}
		}, "bound twice"},
		{"level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}
