// Package engine drives the littlefs filesystem engine across the
// foreign-memory boundary. The engine is an external, unmodified
// component: the littlefs C library compiled to a WebAssembly module
// that imports its block device from the host and exports a small
// operation API. This package supplies the device bindings, marshals
// paths, payloads, and fixed-layout out-parameters through the module's
// linear memory, and maps negative status codes to structured errors.
//
// The module must export malloc/free plus the lfs_glue_* functions
// documented on [Instantiate], and import the block-device callbacks
// lfs_bd_read/lfs_bd_prog/lfs_bd_erase/lfs_bd_sync from module "env".
package engine

import (
	"bytes"
	"context"
	"fmt"

	"github.com/flashkit/littlefs/errors"
	"github.com/tetratelabs/wazero/api"
)

// BlockDevice is the storage contract the engine requires of the host:
// bounds-checked byte-granular reads and programs, whole-block erases
// with NOR erased-state semantics, and a sync barrier.
type BlockDevice interface {
	Read(block, off, length uint32) ([]byte, error)
	Prog(block, off uint32, data []byte) error
	Erase(block uint32) error
	Sync() error
}

// Module is an instantiated engine: a set of exported functions and the
// linear memory they operate on. The production implementation wraps a
// wazero module; tests substitute an in-process fake.
type Module interface {
	// Call invokes an exported function. Parameters and the single
	// result are the raw 32-bit values widened to uint64, per the wasm
	// calling convention. Functions with no result report zero.
	Call(ctx context.Context, name string, params ...uint64) (uint64, error)
	Memory() api.Memory
	Close(ctx context.Context) error
}

// Factory creates an engine module bound to a block device. Each
// filesystem instance gets its own module.
type Factory func(ctx context.Context, dev BlockDevice) (Module, error)

// Engine exposes the module's operation API as typed calls.
type Engine struct {
	mod Module
	cfg Config

	// Cached layout sizes reported by the engine build.
	cursorSize uint32
	fileSize   uint32
}

func New(mod Module) *Engine {
	return &Engine{mod: mod}
}

// Config returns the effective configuration set by the last Configure.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Close(ctx context.Context) error {
	return e.mod.Close(ctx)
}

// statusErr converts a raw call result into an error when the engine
// reported a negative status. The context string names the operation
// that failed.
func statusErr(res uint64, opContext string) error {
	code := int32(uint32(res))
	if code >= 0 {
		return nil
	}
	return errors.NewWithMessage(errors.Code(code), opContext)
}

// callErr wraps a failure of the boundary itself (trap, missing export,
// closed module), as opposed to a status the engine returned.
func callErr(err error, opContext string) error {
	return errors.NewFromError(errors.EIO, fmt.Errorf("engine call failed (%s): %w", opContext, err))
}

// call invokes an exported function that returns a status code and maps
// the result to an error.
func (e *Engine) call(ctx context.Context, opContext, name string, params ...uint64) error {
	res, err := e.mod.Call(ctx, name, params...)
	if err != nil {
		return callErr(err, opContext)
	}
	return statusErr(res, opContext)
}

// Configure builds the engine's configuration record. Zero fields take
// the package defaults. Mount and format reuse the record until the
// next Configure.
func (e *Engine) Configure(ctx context.Context, cfg Config) error {
	cfg = cfg.WithDefaults()

	err := e.call(ctx, "configure", "lfs_glue_configure",
		uint64(readSize), uint64(progSize),
		uint64(cfg.BlockSize), uint64(cfg.BlockCount),
		uint64(cfg.BlockSize), // cache covers one block
		uint64(cfg.LookaheadSize),
		uint64(blockCycles),
		uint64(cfg.NameMax),
		uint64(cfg.DiskVersion),
	)
	if err != nil {
		return err
	}
	e.cfg = cfg
	return nil
}

func (e *Engine) Mount(ctx context.Context) error {
	return e.call(ctx, "mount", "lfs_glue_mount")
}

func (e *Engine) Unmount(ctx context.Context) error {
	return e.call(ctx, "unmount", "lfs_glue_unmount")
}

func (e *Engine) Format(ctx context.Context) error {
	return e.call(ctx, "format", "lfs_glue_format")
}

func (e *Engine) Mkdir(ctx context.Context, path string) error {
	a := NewArena(e.mod)
	defer a.Release(ctx)

	p, err := a.CString(ctx, path)
	if err != nil {
		return err
	}
	return e.call(ctx, fmt.Sprintf("mkdir %q", path), "lfs_glue_mkdir", uint64(p))
}

func (e *Engine) Remove(ctx context.Context, path string) error {
	a := NewArena(e.mod)
	defer a.Release(ctx)

	p, err := a.CString(ctx, path)
	if err != nil {
		return err
	}
	return e.call(ctx, fmt.Sprintf("remove %q", path), "lfs_glue_remove", uint64(p))
}

func (e *Engine) Rename(ctx context.Context, oldPath, newPath string) error {
	a := NewArena(e.mod)
	defer a.Release(ctx)

	oldPtr, err := a.CString(ctx, oldPath)
	if err != nil {
		return err
	}
	newPtr, err := a.CString(ctx, newPath)
	if err != nil {
		return err
	}
	return e.call(
		ctx,
		fmt.Sprintf("rename %q to %q", oldPath, newPath),
		"lfs_glue_rename", uint64(oldPtr), uint64(newPtr),
	)
}

// infoSize gives the byte size of the engine's info struct for the
// configured name limit.
func (e *Engine) infoSize() uint32 {
	return 8 + e.cfg.NameMax + 1
}

// readInfo decodes the fixed-layout info struct at ptr.
func (e *Engine) readInfo(ptr uint32) (Info, error) {
	mem := e.mod.Memory()

	entryType, okType := mem.ReadUint32Le(ptr)
	size, okSize := mem.ReadUint32Le(ptr + 4)
	rawName, okName := mem.Read(ptr+8, e.cfg.NameMax+1)
	if !okType || !okSize || !okName {
		return Info{}, errors.NewWithMessage(
			errors.EIO, fmt.Sprintf("info struct at %#x is outside engine memory", ptr))
	}

	name := rawName
	if i := bytes.IndexByte(rawName, 0); i >= 0 {
		name = rawName[:i]
	}
	return Info{
		Name: string(name),
		Size: size,
		Type: EntryType(entryType),
	}, nil
}

// Stat returns the type and size of the entry at path. Directories
// report size zero.
func (e *Engine) Stat(ctx context.Context, path string) (Info, error) {
	a := NewArena(e.mod)
	defer a.Release(ctx)

	p, err := a.CString(ctx, path)
	if err != nil {
		return Info{}, err
	}
	infoPtr, err := a.Alloc(ctx, e.infoSize())
	if err != nil {
		return Info{}, err
	}

	opContext := fmt.Sprintf("stat %q", path)
	if err := e.call(ctx, opContext, "lfs_glue_stat", uint64(p), uint64(infoPtr)); err != nil {
		return Info{}, err
	}
	return e.readInfo(infoPtr)
}

// layoutSize queries and caches one of the engine's handle sizes.
func (e *Engine) layoutSize(ctx context.Context, cached *uint32, export string) (uint32, error) {
	if *cached != 0 {
		return *cached, nil
	}

	res, err := e.mod.Call(ctx, export)
	if err != nil {
		return 0, callErr(err, export)
	}
	size := uint32(res)
	if size == 0 {
		return 0, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("engine reports a zero size for %s", export))
	}
	*cached = size
	return size, nil
}

// NewDirCursor allocates engine-side storage for one directory cursor.
// The cursor's contents are opaque to the host; the pool above this
// layer holds only the address.
func (e *Engine) NewDirCursor(ctx context.Context) (uint32, error) {
	size, err := e.layoutSize(ctx, &e.cursorSize, "lfs_glue_dir_cursor_size")
	if err != nil {
		return 0, err
	}

	res, err := e.mod.Call(ctx, "malloc", uint64(size))
	if err != nil {
		return 0, callErr(err, "allocate directory cursor")
	}
	ptr := uint32(res)
	if ptr == 0 {
		return 0, errors.NewWithMessage(errors.ENOMEM, "directory cursor allocation failed")
	}
	return ptr, nil
}

// FreeDirCursor releases a cursor allocated by NewDirCursor. Safe to
// call with a cursor the engine failed to open.
func (e *Engine) FreeDirCursor(ctx context.Context, cursor uint32) {
	if cursor == 0 {
		return
	}
	e.mod.Call(ctx, "free", uint64(cursor)) //nolint:errcheck
}

func (e *Engine) DirOpen(ctx context.Context, cursor uint32, path string) error {
	a := NewArena(e.mod)
	defer a.Release(ctx)

	p, err := a.CString(ctx, path)
	if err != nil {
		return err
	}
	return e.call(
		ctx, fmt.Sprintf("opendir %q", path),
		"lfs_glue_dir_open", uint64(cursor), uint64(p),
	)
}

// DirRead returns the next entry behind the cursor. The second return
// value is false once the directory is exhausted. Synthetic "." and ".."
// entries are reported as-is; skipping them is the caller's business.
func (e *Engine) DirRead(ctx context.Context, cursor uint32) (Info, bool, error) {
	a := NewArena(e.mod)
	defer a.Release(ctx)

	infoPtr, err := a.Alloc(ctx, e.infoSize())
	if err != nil {
		return Info{}, false, err
	}

	res, err := e.mod.Call(ctx, "lfs_glue_dir_read", uint64(cursor), uint64(infoPtr))
	if err != nil {
		return Info{}, false, callErr(err, "readdir")
	}
	switch n := int32(uint32(res)); {
	case n < 0:
		return Info{}, false, errors.NewWithMessage(errors.Code(n), "readdir")
	case n == 0:
		return Info{}, false, nil
	}

	info, err := e.readInfo(infoPtr)
	if err != nil {
		return Info{}, false, err
	}
	return info, true, nil
}

func (e *Engine) DirClose(ctx context.Context, cursor uint32) error {
	return e.call(ctx, "closedir", "lfs_glue_dir_close", uint64(cursor))
}

// WriteFile creates or truncates path and writes the whole payload in a
// single call. A short write is an I/O error. The engine-side file
// handle is transient and always closed before returning.
func (e *Engine) WriteFile(ctx context.Context, path string, data []byte) error {
	a := NewArena(e.mod)
	defer a.Release(ctx)

	handleSize, err := e.layoutSize(ctx, &e.fileSize, "lfs_glue_file_handle_size")
	if err != nil {
		return err
	}
	fh, err := a.Alloc(ctx, handleSize)
	if err != nil {
		return err
	}
	p, err := a.CString(ctx, path)
	if err != nil {
		return err
	}

	var dataPtr uint32
	if len(data) > 0 {
		dataPtr, err = a.Bytes(ctx, data)
		if err != nil {
			return err
		}
	}

	err = e.call(
		ctx, fmt.Sprintf("open %q for writing", path),
		"lfs_glue_file_open", uint64(fh), uint64(p), uint64(oWrOnly|oCreat|oTrunc),
	)
	if err != nil {
		return err
	}

	// The file is open now; it must be closed no matter how the write
	// goes, or the engine handle leaks.
	writeRes, writeCallErr := e.mod.Call(
		ctx, "lfs_glue_file_write", uint64(fh), uint64(dataPtr), uint64(len(data)))
	closeRes, closeCallErr := e.mod.Call(ctx, "lfs_glue_file_close", uint64(fh))

	if writeCallErr != nil {
		return callErr(writeCallErr, fmt.Sprintf("write %q", path))
	}
	if n := int32(uint32(writeRes)); n < 0 {
		return errors.NewWithMessage(errors.Code(n), fmt.Sprintf("write %q", path))
	} else if int(n) != len(data) {
		return errors.NewWithMessage(
			errors.EIO,
			fmt.Sprintf("short write to %q: %d of %d bytes", path, n, len(data)),
		)
	}
	if closeCallErr != nil {
		return callErr(closeCallErr, fmt.Sprintf("close %q", path))
	}
	return statusErr(closeRes, fmt.Sprintf("close %q", path))
}

// ReadFile opens path read-only and reads up to maxSize bytes. The
// caller determines maxSize by statting the file first; whole-file reads
// are the only supported mode.
func (e *Engine) ReadFile(ctx context.Context, path string, maxSize uint32) ([]byte, error) {
	a := NewArena(e.mod)
	defer a.Release(ctx)

	handleSize, err := e.layoutSize(ctx, &e.fileSize, "lfs_glue_file_handle_size")
	if err != nil {
		return nil, err
	}
	fh, err := a.Alloc(ctx, handleSize)
	if err != nil {
		return nil, err
	}
	p, err := a.CString(ctx, path)
	if err != nil {
		return nil, err
	}
	bufPtr, err := a.Alloc(ctx, maxSize)
	if err != nil {
		return nil, err
	}

	err = e.call(
		ctx, fmt.Sprintf("open %q for reading", path),
		"lfs_glue_file_open", uint64(fh), uint64(p), uint64(oRdOnly),
	)
	if err != nil {
		return nil, err
	}

	readRes, readCallErr := e.mod.Call(
		ctx, "lfs_glue_file_read", uint64(fh), uint64(bufPtr), uint64(maxSize))
	closeRes, closeCallErr := e.mod.Call(ctx, "lfs_glue_file_close", uint64(fh))

	if readCallErr != nil {
		return nil, callErr(readCallErr, fmt.Sprintf("read %q", path))
	}
	n := int32(uint32(readRes))
	if n < 0 {
		return nil, errors.NewWithMessage(errors.Code(n), fmt.Sprintf("read %q", path))
	}
	if uint32(n) > maxSize {
		return nil, errors.NewWithMessage(
			errors.EIO,
			fmt.Sprintf("read of %q returned %d bytes for a %d-byte buffer", path, n, maxSize),
		)
	}
	if closeCallErr != nil {
		return nil, callErr(closeCallErr, fmt.Sprintf("close %q", path))
	}
	if err := statusErr(closeRes, fmt.Sprintf("close %q", path)); err != nil {
		return nil, err
	}

	if n == 0 {
		return []byte{}, nil
	}
	data, ok := e.mod.Memory().Read(bufPtr, uint32(n))
	if !ok {
		return nil, errors.NewWithMessage(
			errors.EIO, fmt.Sprintf("read buffer at %#x is outside engine memory", bufPtr))
	}

	// The slice aliases the module's memory; copy before the arena frees
	// the buffer.
	out := make([]byte, n)
	copy(out, data)
	return out, nil
}

// UsedBlocks reports the number of blocks the filesystem currently
// occupies.
func (e *Engine) UsedBlocks(ctx context.Context) (uint32, error) {
	res, err := e.mod.Call(ctx, "lfs_glue_fs_size")
	if err != nil {
		return 0, callErr(err, "fs size")
	}
	n := int32(uint32(res))
	if n < 0 {
		return 0, errors.NewWithMessage(errors.Code(n), "fs size")
	}
	return uint32(n), nil
}

// DiskVersion queries the filesystem-info record of the mounted
// filesystem and returns the on-disk version actually in effect, which
// may differ from the configured target when an existing image was
// auto-detected.
func (e *Engine) DiskVersion(ctx context.Context) (uint32, error) {
	a := NewArena(e.mod)
	defer a.Release(ctx)

	out, err := a.Alloc(ctx, 4)
	if err != nil {
		return 0, err
	}
	if err := e.call(ctx, "fs info", "lfs_glue_fs_info", uint64(out)); err != nil {
		return 0, err
	}

	version, ok := e.mod.Memory().ReadUint32Le(out)
	if !ok {
		return 0, errors.NewWithMessage(errors.EIO, "fs info out-parameter is outside engine memory")
	}
	return version, nil
}
