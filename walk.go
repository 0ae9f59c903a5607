package littlefs

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/boljen/go-bitmap"
	"github.com/flashkit/littlefs/engine"
	"github.com/flashkit/littlefs/errors"
)

// DefaultMaxDirHandles is the directory handle pool capacity when
// Options does not set one. It also bounds the depth of a recursive
// walk, since each level of the walk holds one handle open.
const DefaultMaxDirHandles = 8

// DirHandle identifies an open directory. The low 32 bits are the pool
// slot and the high 32 bits the slot's generation, so a handle kept
// past its CloseDir is rejected instead of aliasing whatever reopened
// the slot.
type DirHandle uint64

func makeHandle(slot int, gen uint32) DirHandle {
	return DirHandle(uint64(gen)<<32 | uint64(uint32(slot)))
}

func (h DirHandle) slot() int   { return int(uint32(h)) }
func (h DirHandle) gen() uint32 { return uint32(h >> 32) }

// dirPool hands out directory cursors from a fixed number of slots.
// Each open slot holds the guest address of an engine cursor, malloc'd
// on acquire and freed on release. Generations start at 1 so the zero
// DirHandle is never valid.
type dirPool struct {
	eng     *engine.Engine
	cursors []uint32
	gens    []uint32
	inUse   bitmap.Bitmap
}

func newDirPool(eng *engine.Engine, capacity int) *dirPool {
	if capacity <= 0 {
		capacity = DefaultMaxDirHandles
	}
	gens := make([]uint32, capacity)
	for i := range gens {
		gens[i] = 1
	}
	return &dirPool{
		eng:     eng,
		cursors: make([]uint32, capacity),
		gens:    gens,
		inUse:   bitmap.New(capacity),
	}
}

// acquire opens path on a free slot. An engine open failure leaves the
// slot free and its cursor released.
func (p *dirPool) acquire(ctx context.Context, path string) (DirHandle, error) {
	slot := -1
	for i := range p.cursors {
		if !p.inUse.Get(i) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return 0, errors.NewWithMessage(
			errors.ENOMEM,
			fmt.Sprintf("all %d directory handles are in use", len(p.cursors)),
		)
	}

	cursor, err := p.eng.NewDirCursor(ctx)
	if err != nil {
		return 0, err
	}
	if err := p.eng.DirOpen(ctx, cursor, path); err != nil {
		p.eng.FreeDirCursor(ctx, cursor)
		return 0, err
	}
	p.cursors[slot] = cursor
	p.inUse.Set(slot, true)
	return makeHandle(slot, p.gens[slot]), nil
}

func (p *dirPool) cursor(h DirHandle) (uint32, error) {
	slot := h.slot()
	if slot < 0 || slot >= len(p.cursors) || !p.inUse.Get(slot) || h.gen() != p.gens[slot] {
		return 0, errors.NewWithMessage(
			errors.EBADF,
			fmt.Sprintf("invalid directory handle %#x", uint64(h)),
		)
	}
	return p.cursors[slot], nil
}

// read returns the next entry on the handle, skipping the "." and ".."
// rows the engine reports first. ok is false at end of directory.
func (p *dirPool) read(ctx context.Context, h DirHandle) (engine.Info, bool, error) {
	cursor, err := p.cursor(h)
	if err != nil {
		return engine.Info{}, false, err
	}
	for {
		info, ok, err := p.eng.DirRead(ctx, cursor)
		if err != nil || !ok {
			return engine.Info{}, false, err
		}
		if info.Name == "." || info.Name == ".." {
			continue
		}
		return info, true, nil
	}
}

// release closes the handle's cursor and returns the slot to the pool.
// The slot is reclaimed and its generation bumped even when the engine
// close fails.
func (p *dirPool) release(ctx context.Context, h DirHandle) error {
	cursor, err := p.cursor(h)
	if err != nil {
		return err
	}
	slot := h.slot()
	p.inUse.Set(slot, false)
	p.gens[slot]++
	err = p.eng.DirClose(ctx, cursor)
	p.eng.FreeDirCursor(ctx, cursor)
	p.cursors[slot] = 0
	return err
}

// capacity is the number of simultaneously open handles the pool
// supports.
func (p *dirPool) capacity() int {
	return len(p.cursors)
}

// joinPath appends name to an absolute directory path without doubling
// the separator at the root.
func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// normalizePath makes a caller-supplied path absolute and strips
// trailing separators, however many, so equivalent spellings reach the
// engine identically. The empty path means the root.
func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	for len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	return path
}

// OpenDir opens a directory for manual one-level iteration. Handles
// come from a pool of Options.MaxDirHandles slots; callers must
// CloseDir each handle or the pool drains.
func (fs *FS) OpenDir(ctx context.Context, path string) (DirHandle, error) {
	if err := fs.requireMounted(); err != nil {
		return 0, err
	}
	return fs.pool.acquire(ctx, normalizePath(path))
}

// ReadDir returns the next entry of an open directory handle. ok is
// false once the directory is exhausted. The "." and ".." entries are
// never reported.
func (fs *FS) ReadDir(ctx context.Context, handle DirHandle) (DirEntry, bool, error) {
	if err := fs.requireMounted(); err != nil {
		return DirEntry{}, false, err
	}
	info, ok, err := fs.pool.read(ctx, handle)
	if err != nil || !ok {
		return DirEntry{}, false, err
	}
	return DirEntry{
		Name: info.Name,
		Size: int64(info.Size),
		Type: info.Type,
	}, true, nil
}

// CloseDir releases an open directory handle back to the pool.
func (fs *FS) CloseDir(ctx context.Context, handle DirHandle) error {
	if err := fs.requireMounted(); err != nil {
		return err
	}
	return fs.pool.release(ctx, handle)
}

// List enumerates the subtree rooted at path recursively, pre-order: a
// directory entry always precedes its contents, and siblings appear in
// the engine's iteration order. The root itself is not included.
//
// Every level of the walk holds a pool handle open, so the walk fails
// with an out-of-resources error beyond MaxDirHandles levels of
// nesting (DefaultMaxDirHandles when unset).
func (fs *FS) List(ctx context.Context, path string) ([]Entry, error) {
	if err := fs.requireMounted(); err != nil {
		return nil, err
	}

	var out []Entry
	if err := fs.walk(ctx, normalizePath(path), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (fs *FS) walk(ctx context.Context, dir string, out *[]Entry) error {
	handle, err := fs.pool.acquire(ctx, dir)
	if err != nil {
		return err
	}
	defer fs.pool.release(ctx, handle) //nolint:errcheck

	for {
		info, ok, err := fs.pool.read(ctx, handle)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		full := joinPath(dir, info.Name)
		*out = append(*out, Entry{
			Path: full,
			Size: int64(info.Size),
			Type: info.Type,
		})
		if info.Type == TypeDir {
			if err := fs.walk(ctx, full, out); err != nil {
				return err
			}
		}
	}
}

// sortByDepth orders entries deepest-first for bottom-up deletion. Path
// length works as the depth proxy because a child path always contains
// its parent's as a proper prefix.
func sortByDepth(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return len(entries[i].Path) > len(entries[j].Path)
	})
}
