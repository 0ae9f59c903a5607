package littlefs

import (
	"context"
	"strings"

	"github.com/flashkit/littlefs/errors"
)

// Stat reports the type and size of the entry at path.
func (fs *FS) Stat(ctx context.Context, path string) (DirEntry, error) {
	if err := fs.requireMounted(); err != nil {
		return DirEntry{}, err
	}
	info, err := fs.eng.Stat(ctx, normalizePath(path))
	if err != nil {
		return DirEntry{}, err
	}
	return DirEntry{
		Name: info.Name,
		Size: int64(info.Size),
		Type: info.Type,
	}, nil
}

// Exists reports whether path names an existing entry. Errors other
// than not-found are returned.
func (fs *FS) Exists(ctx context.Context, path string) (bool, error) {
	_, err := fs.Stat(ctx, path)
	if err == nil {
		return true, nil
	}
	if errors.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// FileSize returns the size in bytes of the file at path.
func (fs *FS) FileSize(ctx context.Context, path string) (int64, error) {
	ent, err := fs.Stat(ctx, path)
	if err != nil {
		return 0, err
	}
	if ent.Type == TypeDir {
		return 0, errors.WrapOp(errors.EISDIR, "size", path)
	}
	return ent.Size, nil
}

// Mkdir creates the directory at path. Unlike the raw engine
// operation, an already-existing directory is not an error; an
// existing file at path still is.
func (fs *FS) Mkdir(ctx context.Context, path string) error {
	if err := fs.requireMounted(); err != nil {
		return err
	}
	path = normalizePath(path)
	if path == "/" {
		return nil
	}

	err := fs.eng.Mkdir(ctx, path)
	if err == nil || !errors.IsExist(err) {
		return err
	}
	ent, statErr := fs.Stat(ctx, path)
	if statErr == nil && ent.Type == TypeDir {
		return nil
	}
	return err
}

// MkdirAll creates path and every missing parent. Existing directories
// along the way are fine.
func (fs *FS) MkdirAll(ctx context.Context, path string) error {
	if err := fs.requireMounted(); err != nil {
		return err
	}
	path = normalizePath(path)
	if path == "/" {
		return nil
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	cur := ""
	for _, part := range parts {
		cur += "/" + part
		if err := fs.Mkdir(ctx, cur); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile stores data as the file at path, creating it or replacing
// its contents. Missing parent directories are created first.
func (fs *FS) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := fs.requireMounted(); err != nil {
		return err
	}
	path = normalizePath(path)
	if path == "/" {
		return errors.WrapOp(errors.EISDIR, "write", path)
	}

	if dir := parentDir(path); dir != "/" {
		if err := fs.MkdirAll(ctx, dir); err != nil {
			return err
		}
	}
	return fs.eng.WriteFile(ctx, path, data)
}

// AddFile is WriteFile under the name host callers import images with.
func (fs *FS) AddFile(ctx context.Context, path string, data []byte) error {
	return fs.WriteFile(ctx, path, data)
}

// WriteString stores text as the file at path.
func (fs *FS) WriteString(ctx context.Context, path, text string) error {
	return fs.WriteFile(ctx, path, []byte(text))
}

// ReadFile returns the full contents of the file at path. Empty files
// return an empty, non-nil slice without touching engine memory.
func (fs *FS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := fs.requireMounted(); err != nil {
		return nil, err
	}
	path = normalizePath(path)

	ent, err := fs.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	if ent.Type == TypeDir {
		return nil, errors.WrapOp(errors.EISDIR, "read", path)
	}
	if ent.Size == 0 {
		return []byte{}, nil
	}
	return fs.eng.ReadFile(ctx, path, uint32(ent.Size))
}

// Remove deletes a single entry: a file, or an empty directory. A
// non-empty directory fails with a directory-not-empty error; use
// RemoveAll for subtrees.
func (fs *FS) Remove(ctx context.Context, path string) error {
	if err := fs.requireMounted(); err != nil {
		return err
	}
	path = normalizePath(path)
	if path == "/" {
		return errors.WrapOp(errors.EINVAL, "remove", path)
	}
	return fs.eng.Remove(ctx, path)
}

// RemoveAll deletes the entry at path and, for a directory, everything
// under it. Children are removed deepest-first; failures on individual
// children do not stop the sweep, and the final removal of path itself
// reports the outcome. Removing a nonexistent path is an error, as it
// is for Remove.
func (fs *FS) RemoveAll(ctx context.Context, path string) error {
	if err := fs.requireMounted(); err != nil {
		return err
	}
	path = normalizePath(path)
	if path == "/" {
		return errors.WrapOp(errors.EINVAL, "remove", path)
	}

	ent, err := fs.Stat(ctx, path)
	if err != nil {
		return err
	}
	if ent.Type != TypeDir {
		return fs.eng.Remove(ctx, path)
	}

	entries, err := fs.List(ctx, path)
	if err != nil {
		return err
	}
	sortByDepth(entries)
	for _, e := range entries {
		// Best effort. A child that fails here makes the final
		// removal below fail with ENOTEMPTY, which is the error the
		// caller sees.
		fs.eng.Remove(ctx, e.Path) //nolint:errcheck
	}
	return fs.eng.Remove(ctx, path)
}

// Rename moves the entry at oldPath to newPath. Directories move with
// their contents; the engine rejects renames that would replace a
// non-empty directory or change an entry's type.
func (fs *FS) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := fs.requireMounted(); err != nil {
		return err
	}
	oldPath = normalizePath(oldPath)
	newPath = normalizePath(newPath)
	if oldPath == "/" || newPath == "/" {
		return errors.WrapOp(errors.EINVAL, "rename", oldPath)
	}
	return fs.eng.Rename(ctx, oldPath, newPath)
}

// parentDir returns the directory portion of an absolute, normalized
// path.
func parentDir(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
