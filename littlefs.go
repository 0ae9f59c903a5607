// Package littlefs exposes a littlefs filesystem engine running against
// an in-memory block store. The engine itself is an external component,
// the littlefs C library compiled to WebAssembly, and this package is
// the adapter around it: a RAM block device with NOR erased-state
// semantics, the mount/format/unmount lifecycle, a bounded pool of
// directory cursors, recursive enumeration built from the engine's
// one-level iteration primitive, and import/export of raw filesystem
// images.
//
// Each FS is a self-contained instance with its own store, engine
// module, and handle pool; independent instances coexist freely. A
// single FS is synchronous and not safe for concurrent use.
package littlefs

import (
	"context"
	"fmt"

	"github.com/flashkit/littlefs/block"
	"github.com/flashkit/littlefs/engine"
	"github.com/flashkit/littlefs/errors"
	"github.com/flashkit/littlefs/geometry"
	"github.com/hashicorp/go-multierror"
)

// EntryType discriminates files from directories in listings.
type EntryType = engine.EntryType

const (
	TypeFile = engine.TypeFile
	TypeDir  = engine.TypeDir
)

// Entry is one row of a recursive listing: an absolute path, the file
// size (0 for directories), and the entry type.
type Entry struct {
	Path string
	Size int64
	Type EntryType
}

// DirEntry is a single name read from an open directory handle.
type DirEntry struct {
	Name string
	Size int64
	Type EntryType
}

// Usage reports filesystem occupancy in block units.
type Usage struct {
	UsedBlocks  uint32
	TotalBlocks uint32
	FreeBlocks  uint32
}

// Options configures a new filesystem instance. Zero fields take the
// defaults: 4096-byte blocks, 256 blocks, 32-byte lookahead, 64-byte
// name limit.
type Options struct {
	BlockSize     uint32
	BlockCount    uint32
	LookaheadSize uint32
	NameMax       uint32

	// Geometry selects a flash part preset by slug (see the geometry
	// package). Explicitly set sizes win over the preset.
	Geometry string

	// MaxDirHandles caps how many directory handles may be open at
	// once, and with them the depth List can recurse to. Zero means
	// DefaultMaxDirHandles.
	MaxDirHandles int

	// FormatOnInit formats the store before the initial mount. Without
	// it, mounting a fresh (fully erased) store fails as corrupted.
	FormatOnInit bool

	// DiskVersion pins the on-disk format version for format and mount,
	// suppressing automatic migration. Zero means auto-detect/latest.
	DiskVersion DiskVersion
}

func (o Options) engineConfig() (engine.Config, error) {
	cfg := engine.Config{
		BlockSize:     o.BlockSize,
		BlockCount:    o.BlockCount,
		LookaheadSize: o.LookaheadSize,
		NameMax:       o.NameMax,
		DiskVersion:   uint32(o.DiskVersion),
	}

	if o.Geometry != "" {
		geo, err := geometry.Get(o.Geometry)
		if err != nil {
			return cfg, errors.NewFromError(errors.EINVAL, err)
		}
		if cfg.BlockSize == 0 {
			cfg.BlockSize = geo.BlockSize
		}
		if cfg.BlockCount == 0 {
			cfg.BlockCount = geo.BlockCount
		}
		if cfg.LookaheadSize == 0 {
			cfg.LookaheadSize = geo.LookaheadSize
		}
	}
	return cfg, nil
}

// FS is one live filesystem: the session state machine plus everything
// it owns. Obtain one with New or NewFromImage and release it with
// Destroy.
type FS struct {
	eng       *engine.Engine
	store     *block.Store
	pool      *dirPool
	mounted   bool
	destroyed bool
}

// New creates a fresh in-memory filesystem and returns it mounted.
// engineWasm is the compiled littlefs engine binary; it is instantiated
// under wazero with this instance's block store as its device.
func New(ctx context.Context, engineWasm []byte, opts Options) (*FS, error) {
	return NewWithEngine(ctx, engine.WasmFactory(engineWasm), opts)
}

// NewWithEngine is New with an explicit engine module factory.
func NewWithEngine(ctx context.Context, newEngine engine.Factory, opts Options) (*FS, error) {
	cfg, err := opts.engineConfig()
	if err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	store, err := block.New(cfg.BlockSize, cfg.BlockCount)
	if err != nil {
		return nil, err
	}
	return setup(ctx, newEngine, store, cfg, opts.MaxDirHandles, opts.FormatOnInit)
}

// NewFromImage creates a filesystem over an existing binary image and
// returns it mounted. The image is not reformatted; its block count is
// inferred from the image length when not given.
func NewFromImage(ctx context.Context, engineWasm []byte, image []byte, opts Options) (*FS, error) {
	return NewFromImageWithEngine(ctx, engine.WasmFactory(engineWasm), image, opts)
}

// NewFromImageWithEngine is NewFromImage with an explicit engine module
// factory.
func NewFromImageWithEngine(
	ctx context.Context,
	newEngine engine.Factory,
	image []byte,
	opts Options,
) (*FS, error) {
	cfg, err := opts.engineConfig()
	if err != nil {
		return nil, err
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = engine.DefaultBlockSize
	}

	store, err := block.FromImage(image, cfg.BlockSize, cfg.BlockCount)
	if err != nil {
		return nil, err
	}
	cfg.BlockCount = store.BlockCount()
	cfg = cfg.WithDefaults()

	return setup(ctx, newEngine, store, cfg, opts.MaxDirHandles, false)
}

// setup instantiates the engine over the store, configures it, and
// brings the instance to the mounted state. On any failure the module
// is torn down before returning so nothing leaks.
func setup(
	ctx context.Context,
	newEngine engine.Factory,
	store *block.Store,
	cfg engine.Config,
	maxDirHandles int,
	format bool,
) (*FS, error) {
	mod, err := newEngine(ctx, store)
	if err != nil {
		return nil, err
	}

	eng := engine.New(mod)
	fs := &FS{
		eng:   eng,
		store: store,
		pool:  newDirPool(eng, maxDirHandles),
	}

	fail := func(err error) (*FS, error) {
		mod.Close(ctx) //nolint:errcheck
		return nil, err
	}

	if err := eng.Configure(ctx, cfg); err != nil {
		return fail(err)
	}
	if format {
		if err := eng.Format(ctx); err != nil {
			return fail(err)
		}
	}
	if err := fs.Mount(ctx); err != nil {
		return fail(err)
	}
	return fs, nil
}

func (fs *FS) alive() error {
	if fs.destroyed {
		return errors.NewWithMessage(errors.EINVAL, "filesystem was destroyed")
	}
	return nil
}

// requireMounted gates every path- and content-level operation: before
// mount they fail fast without touching the engine.
func (fs *FS) requireMounted() error {
	if err := fs.alive(); err != nil {
		return err
	}
	if !fs.mounted {
		return errors.NewWithMessage(errors.EINVAL, "filesystem is not mounted")
	}
	return nil
}

// Mount attaches the engine to the store's current contents. Mounting
// an already-mounted instance is a no-op.
func (fs *FS) Mount(ctx context.Context) error {
	if err := fs.alive(); err != nil {
		return err
	}
	if fs.mounted {
		return nil
	}
	if err := fs.eng.Mount(ctx); err != nil {
		return err
	}
	fs.mounted = true
	return nil
}

// Unmount detaches the engine. Unmounting an unmounted instance is a
// no-op.
func (fs *FS) Unmount(ctx context.Context) error {
	if err := fs.alive(); err != nil {
		return err
	}
	if !fs.mounted {
		return nil
	}
	if err := fs.eng.Unmount(ctx); err != nil {
		return err
	}
	fs.mounted = false
	return nil
}

// Format writes a fresh empty filesystem to the store, reusing the
// configuration from initialization, and remounts so the handle stays
// usable. Everything previously stored is lost.
func (fs *FS) Format(ctx context.Context) error {
	if err := fs.alive(); err != nil {
		return err
	}
	if err := fs.Unmount(ctx); err != nil {
		return err
	}
	if err := fs.eng.Format(ctx); err != nil {
		return err
	}
	return fs.Mount(ctx)
}

// DiskVersion returns the configured target version (zero when the
// instance auto-detects). For the version actually on disk, see
// MountedDiskVersion.
func (fs *FS) DiskVersion() DiskVersion {
	return DiskVersion(fs.eng.Config().DiskVersion)
}

// MountedDiskVersion queries the mounted filesystem for the on-disk
// format version in effect. It can differ from DiskVersion when an
// imported image was auto-detected.
func (fs *FS) MountedDiskVersion(ctx context.Context) (DiskVersion, error) {
	if err := fs.requireMounted(); err != nil {
		return 0, err
	}
	v, err := fs.eng.DiskVersion(ctx)
	if err != nil {
		return 0, err
	}
	return DiskVersion(v), nil
}

// Usage reports used, total, and free space in block units.
func (fs *FS) Usage(ctx context.Context) (Usage, error) {
	if err := fs.requireMounted(); err != nil {
		return Usage{}, err
	}

	used, err := fs.eng.UsedBlocks(ctx)
	if err != nil {
		return Usage{}, err
	}
	total := fs.store.BlockCount()
	if used > total {
		return Usage{}, errors.NewWithMessage(
			errors.ECORRUPT,
			fmt.Sprintf("engine reports %d used blocks of %d", used, total),
		)
	}
	return Usage{
		UsedBlocks:  used,
		TotalBlocks: total,
		FreeBlocks:  total - used,
	}, nil
}

// Destroy unmounts if needed and releases the engine module and the
// store. Safe to call multiple times; the instance is unusable after.
func (fs *FS) Destroy(ctx context.Context) error {
	if fs.destroyed {
		return nil
	}
	fs.destroyed = true

	var errs *multierror.Error
	if fs.mounted {
		errs = multierror.Append(errs, fs.eng.Unmount(ctx))
		fs.mounted = false
	}
	errs = multierror.Append(errs, fs.eng.Close(ctx))
	fs.store = nil
	return errs.ErrorOrNil()
}
