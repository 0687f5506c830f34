package libos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kmrgirish/libos/internal/config"
	"github.com/kmrgirish/libos/internal/fs"
	"github.com/kmrgirish/libos/internal/hostio"
	"github.com/kmrgirish/libos/internal/logging"
	"github.com/kmrgirish/libos/internal/mman"
	"github.com/kmrgirish/libos/internal/syscallabi"
	"github.com/kmrgirish/libos/internal/vfs"
)

type (
	Stat    = syscallabi.Stat
	Dirent  = syscallabi.Dirent
	Mapping = mman.Mapping
	FdInfo  = vfs.FdInfo
	Host    = hostio.Host
	HostOp  = hostio.Op
)

// Operations a Host performs.
const (
	HostRead     = hostio.OpRead
	HostWrite    = hostio.OpWrite
	HostSize     = hostio.OpSize
	HostTruncate = hostio.OpTruncate
)

// DefaultUmask is the umask of a new OS.
const DefaultUmask = 0o022

// An OS is one library OS instance. All methods are safe for concurrent use.
type OS struct {
	fs     *fs.Filesystem
	vfs    *vfs.VFS
	mman   *mman.Manager
	logger *slog.Logger

	closers []io.Closer
}

type options struct {
	logger   *slog.Logger
	pageSize uint64
	reserver mman.Reserver
	maxFiles int
	umask    uint32
	now      func() time.Time
	hosts    []hostBinding
}

type hostBinding struct {
	path   string
	host   Host
	target string
	mode   uint32
}

type Option func(*options)

// WithLogger sets the logger. Calls are logged at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithPageSize sets the arena page size, which must be a power of two.
func WithPageSize(size uint64) Option {
	return func(o *options) { o.pageSize = size }
}

// WithHeapReserver backs the arena with Go heap memory of at most limit
// bytes instead of host mmap. A limit of zero means no limit.
func WithHeapReserver(limit int) Option {
	return func(o *options) { o.reserver = mman.HeapReserver{Limit: limit} }
}

// WithMaxFiles bounds the descriptor table.
func WithMaxFiles(n int) Option {
	return func(o *options) { o.maxFiles = n }
}

func WithUmask(mask uint32) Option {
	return func(o *options) { o.umask = mask }
}

// WithClock sets the clock used for file times.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithHost makes path a regular file whose content lives on host under
// target. Missing parent directories are created.
func WithHost(path string, host Host, target string, mode uint32) Option {
	return func(o *options) {
		o.hosts = append(o.hosts, hostBinding{path: path, host: host, target: target, mode: mode})
	}
}

func New(opts ...Option) (*OS, error) {
	o := options{
		logger: slog.Default(),
		umask:  DefaultUmask,
	}
	for _, opt := range opts {
		opt(&o)
	}

	filesystem := fs.NewLinux(fs.Options{
		Dev:    1,
		Now:    o.now,
		Logger: o.logger.With("component", "fs"),
	})
	for _, h := range o.hosts {
		if err := filesystem.BindHost(h.path, h.host, h.target, h.mode); err != nil {
			return nil, fmt.Errorf("binding %s: %w", h.path, err)
		}
	}

	manager, err := mman.NewManager(mman.Options{
		Reserver: o.reserver,
		PageSize: o.pageSize,
		Logger:   o.logger.With("component", "mman"),
	})
	if err != nil {
		return nil, err
	}

	return &OS{
		fs: filesystem,
		vfs: vfs.New(filesystem, vfs.Options{
			MaxFiles: o.maxFiles,
			Umask:    o.umask,
			Logger:   o.logger.With("component", "vfs"),
		}),
		mman:   manager,
		logger: o.logger,
	}, nil
}

// NewFromConfig builds an OS as described by cfg, opening the host backends
// it names. Shutdown releases them.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*OS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []Option{
		WithLogger(logger),
		WithPageSize(uint64(cfg.Mman.PageSize)),
		WithMaxFiles(cfg.FS.MaxFDs),
		WithUmask(cfg.FS.UmaskBits()),
	}
	if cfg.Mman.Reserver == "heap" {
		opts = append(opts, WithHeapReserver(int(cfg.Mman.HeapLimit)))
	}

	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	var zl *zap.Logger
	backends := make(map[string]Host)
	for _, h := range cfg.FS.Hosts {
		key := h.Backend + ":" + h.Source
		host, ok := backends[key]
		if !ok {
			switch h.Backend {
			case "memory":
				host = hostio.NewMemory()
			case "bolt":
				if zl == nil {
					var err error
					if zl, err = logging.Zap(logger.With("component", "bolt")); err != nil {
						closeAll()
						return nil, err
					}
				}
				b, err := hostio.OpenBolt(h.Source, zl)
				if err != nil {
					closeAll()
					return nil, err
				}
				closers = append(closers, b)
				host = b
			case "unix":
				u, err := hostio.OpenUnix(h.Source)
				if err != nil {
					closeAll()
					return nil, err
				}
				closers = append(closers, u)
				host = u
			default:
				closeAll()
				return nil, fmt.Errorf("unknown host backend %q", h.Backend)
			}
			backends[key] = host
		}
		opts = append(opts, WithHost(h.Path, host, h.Target, h.ModeBits()))
	}

	o, err := New(opts...)
	if err != nil {
		closeAll()
		return nil, err
	}
	o.closers = closers

	if cfg.FS.Cwd != "" && cfg.FS.Cwd != "/" {
		if err := o.fs.MkdirAll(cfg.FS.Cwd, 0o755); err != nil {
			o.Shutdown()
			return nil, fmt.Errorf("creating cwd %s: %w", cfg.FS.Cwd, err)
		}
		if err := o.Chdir(cfg.FS.Cwd); err != nil {
			o.Shutdown()
			return nil, fmt.Errorf("chdir %s: %w", cfg.FS.Cwd, err)
		}
	}
	if cfg.Mman.SetupOnStart {
		if err := o.SetupMman(uint64(cfg.Mman.ArenaSize)); err != nil {
			o.Shutdown()
			return nil, fmt.Errorf("setting up arena: %w", err)
		}
	}
	return o, nil
}

// Shutdown closes every descriptor, unmaps everything, releases the arena and
// closes the host backends opened by NewFromConfig.
func (o *OS) Shutdown() error {
	o.vfs.Shutdown()

	var errs []error
	if _, _, ok := o.mman.Arena(); ok {
		for _, m := range o.mman.Mappings() {
			if err := o.mman.Munmap(m.Addr, m.Length); err != nil {
				errs = append(errs, fmt.Errorf("unmapping %#x: %w", m.Addr, err))
			}
		}
		if err := o.mman.Teardown(); err != nil {
			errs = append(errs, fmt.Errorf("releasing arena: %w", err))
		}
	}
	for _, c := range o.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	o.closers = nil
	return errors.Join(errs...)
}

// Errno returns the errno carried by err, 0 for nil, and EIO for an error
// that carries none.
func Errno(err error) syscall.Errno {
	return syscallabi.ErrErrno(err)
}

// Ret folds n and err into the raw syscall convention: n on success, the
// negated errno on failure.
func Ret(n int, err error) int64 {
	return syscallabi.Ret(n, err)
}

// logCall logs one call at debug level. The record's source is the code
// that called the OS method.
func (o *OS) logCall(name string, err error, args ...any) {
	ctx := context.Background()
	if !o.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // skip Callers, logCall and the OS method
	r := slog.NewRecord(time.Now(), slog.LevelDebug, "syscall", pcs[0])
	r.AddAttrs(slog.String("syscall", name))
	r.Add(args...)
	if err != nil {
		r.AddAttrs(slog.String("errno", syscallabi.ErrnoName(err)))
	}
	_ = o.logger.Handler().Handle(ctx, r)
}
