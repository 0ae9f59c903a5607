package littlefs_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/flashkit/littlefs"
	"github.com/flashkit/littlefs/engine"
	"github.com/flashkit/littlefs/engine/enginetest"
	"github.com/flashkit/littlefs/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturingFactory hands out fake engine modules while keeping a
// reference to the last one, so tests can inspect engine-side state
// such as outstanding allocations.
func capturingFactory(mod **enginetest.Module) engine.Factory {
	return func(ctx context.Context, dev engine.BlockDevice) (engine.Module, error) {
		*mod = enginetest.New(dev)
		return *mod, nil
	}
}

func newTestFS(t *testing.T, opts littlefs.Options) (*littlefs.FS, *enginetest.Module) {
	t.Helper()

	var mod *enginetest.Module
	opts.FormatOnInit = true
	fs, err := littlefs.NewWithEngine(context.Background(), capturingFactory(&mod), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		fs.Destroy(context.Background()) //nolint:errcheck
	})
	return fs, mod
}

func TestNewWithoutFormatFailsOnErasedStore(t *testing.T) {
	var mod *enginetest.Module
	_, err := littlefs.NewWithEngine(
		context.Background(), capturingFactory(&mod), littlefs.Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCorrupted))
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.WriteString(ctx, "/hello.txt", "hi"))

	// Unmounted instances fail fast without touching the engine.
	require.NoError(t, fs.Unmount(ctx))
	err := fs.WriteString(ctx, "/nope.txt", "x")
	require.Error(t, err)
	assert.Equal(t, errors.EINVAL, errors.CodeOf(err))
	_, err = fs.List(ctx, "/")
	assert.Equal(t, errors.EINVAL, errors.CodeOf(err))

	// Unmount and mount are idempotent.
	require.NoError(t, fs.Unmount(ctx))
	require.NoError(t, fs.Mount(ctx))
	require.NoError(t, fs.Mount(ctx))

	data, err := fs.ReadFile(ctx, "/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), data)

	require.NoError(t, fs.Destroy(ctx))
	require.NoError(t, fs.Destroy(ctx), "destroy is idempotent")
	err = fs.Mount(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.EINVAL, errors.CodeOf(err))
}

func TestFormatClearsEverything(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.WriteString(ctx, "/a.txt", "a"))
	require.NoError(t, fs.Mkdir(ctx, "/d"))

	require.NoError(t, fs.Format(ctx))

	// The handle stays mounted and usable after a format.
	entries, err := fs.List(ctx, "/")
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.NoError(t, fs.WriteString(ctx, "/b.txt", "b"))
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	cases := map[string][]byte{
		"/text.txt":  []byte("hello, filesystem"),
		"/empty.bin": {},
		"/raw.bin":   {0x00, 0xFF, 0x7F, 0x80, 0x0A, 0x00},
	}
	for path, data := range cases {
		require.NoError(t, fs.WriteFile(ctx, path, data))
	}
	for path, want := range cases {
		got, err := fs.ReadFile(ctx, path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)

		size, err := fs.FileSize(ctx, path)
		require.NoError(t, err, path)
		assert.Equal(t, int64(len(want)), size, path)
	}
}

func TestWriteFileCreatesParents(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.WriteString(ctx, "/deep/nested/dir/file.txt", "payload"))

	ent, err := fs.Stat(ctx, "/deep/nested/dir")
	require.NoError(t, err)
	assert.Equal(t, littlefs.TypeDir, ent.Type)

	data, err := fs.ReadFile(ctx, "/deep/nested/dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestWriteFileReplacesContents(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.WriteString(ctx, "/f.txt", "a much longer first version"))
	require.NoError(t, fs.WriteString(ctx, "/f.txt", "short"))

	data, err := fs.ReadFile(ctx, "/f.txt")
	require.NoError(t, err)
	assert.Equal(t, "short", string(data))
}

func TestReadFileErrors(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	_, err := fs.ReadFile(ctx, "/missing.txt")
	require.Error(t, err)
	assert.True(t, errors.IsNotExist(err))

	require.NoError(t, fs.Mkdir(ctx, "/d"))
	_, err = fs.ReadFile(ctx, "/d")
	require.Error(t, err)
	assert.Equal(t, errors.EISDIR, errors.CodeOf(err))

	_, err = fs.FileSize(ctx, "/d")
	require.Error(t, err)
	assert.Equal(t, errors.EISDIR, errors.CodeOf(err))
}

func TestMkdirTolerance(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.Mkdir(ctx, "/dir"))
	require.NoError(t, fs.Mkdir(ctx, "/dir"), "existing directory is not an error")
	require.NoError(t, fs.Mkdir(ctx, "/"), "root always exists")

	require.NoError(t, fs.WriteString(ctx, "/file", "x"))
	err := fs.Mkdir(ctx, "/file")
	require.Error(t, err, "a file in the way still is")
	assert.True(t, errors.IsExist(err))

	require.NoError(t, fs.MkdirAll(ctx, "/a/b/c"))
	require.NoError(t, fs.MkdirAll(ctx, "/a/b/c"))
	ent, err := fs.Stat(ctx, "/a/b/c")
	require.NoError(t, err)
	assert.Equal(t, littlefs.TypeDir, ent.Type)
}

func TestTrailingSeparatorsNormalized(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.WriteString(ctx, "/dir/file.txt", "x"))

	for _, spelling := range []string{"/dir", "/dir/", "/dir//", "dir"} {
		ent, err := fs.Stat(ctx, spelling)
		require.NoError(t, err, spelling)
		assert.Equal(t, littlefs.TypeDir, ent.Type, spelling)

		entries, err := fs.List(ctx, spelling)
		require.NoError(t, err, spelling)
		require.Len(t, entries, 1, spelling)
		assert.Equal(t, "/dir/file.txt", entries[0].Path, spelling)
	}

	for _, spelling := range []string{"", "/", "//"} {
		entries, err := fs.List(ctx, spelling)
		require.NoError(t, err, spelling)
		assert.Len(t, entries, 2, spelling)
	}
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	ok, err := fs.Exists(ctx, "/nothing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, fs.WriteString(ctx, "/something", "x"))
	ok, err = fs.Exists(ctx, "/something")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListPreOrder(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.WriteString(ctx, "/docs/readme.md", "r"))
	require.NoError(t, fs.WriteString(ctx, "/docs/api/v1.md", "v1"))
	require.NoError(t, fs.WriteString(ctx, "/zz.txt", "top"))
	require.NoError(t, fs.Mkdir(ctx, "/empty"))

	entries, err := fs.List(ctx, "/")
	require.NoError(t, err)

	byPath := map[string]littlefs.Entry{}
	order := map[string]int{}
	for i, e := range entries {
		byPath[e.Path] = e
		order[e.Path] = i
	}

	require.Len(t, entries, 6)
	assert.Equal(t, littlefs.TypeDir, byPath["/docs"].Type)
	assert.Equal(t, littlefs.TypeDir, byPath["/docs/api"].Type)
	assert.Equal(t, littlefs.TypeDir, byPath["/empty"].Type)
	assert.Equal(t, littlefs.TypeFile, byPath["/zz.txt"].Type)
	assert.Equal(t, int64(3), byPath["/zz.txt"].Size)
	assert.Equal(t, int64(2), byPath["/docs/api/v1.md"].Size)
	assert.Equal(t, int64(0), byPath["/docs"].Size)

	// Pre-order: a directory precedes everything under it.
	assert.Less(t, order["/docs"], order["/docs/readme.md"])
	assert.Less(t, order["/docs"], order["/docs/api"])
	assert.Less(t, order["/docs/api"], order["/docs/api/v1.md"])
}

func TestListSubtree(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.WriteString(ctx, "/a/one", "1"))
	require.NoError(t, fs.WriteString(ctx, "/b/two", "2"))

	entries, err := fs.List(ctx, "/a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/a/one", entries[0].Path)

	_, err = fs.List(ctx, "/missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotExist(err))
}

func TestListDepthBoundedByPool(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{MaxDirHandles: 2})

	require.NoError(t, fs.MkdirAll(ctx, "/l1/l2/l3"))

	_, err := fs.List(ctx, "/")
	require.Error(t, err)
	assert.Equal(t, errors.ENOMEM, errors.CodeOf(err))
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.WriteString(ctx, "/dir/file", "x"))

	err := fs.Remove(ctx, "/dir")
	require.Error(t, err, "non-empty directory")
	assert.Equal(t, errors.ENOTEMPTY, errors.CodeOf(err))

	require.NoError(t, fs.Remove(ctx, "/dir/file"))
	require.NoError(t, fs.Remove(ctx, "/dir"))

	err = fs.Remove(ctx, "/dir")
	require.Error(t, err)
	assert.True(t, errors.IsNotExist(err))
}

func TestRemoveAll(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.WriteString(ctx, "/tree/a/deep/file1", "1"))
	require.NoError(t, fs.WriteString(ctx, "/tree/a/file2", "2"))
	require.NoError(t, fs.WriteString(ctx, "/tree/file3", "3"))
	require.NoError(t, fs.Mkdir(ctx, "/tree/empty"))
	require.NoError(t, fs.WriteString(ctx, "/survivor", "s"))

	require.NoError(t, fs.RemoveAll(ctx, "/tree"))

	entries, err := fs.List(ctx, "/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/survivor", entries[0].Path)

	// Plain files work too.
	require.NoError(t, fs.RemoveAll(ctx, "/survivor"))

	err = fs.RemoveAll(ctx, "/tree")
	require.Error(t, err)
	assert.True(t, errors.IsNotExist(err))
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.WriteString(ctx, "/old.txt", "contents"))
	require.NoError(t, fs.Rename(ctx, "/old.txt", "/new.txt"))

	_, err := fs.Stat(ctx, "/old.txt")
	assert.True(t, errors.IsNotExist(err))
	data, err := fs.ReadFile(ctx, "/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "contents", string(data))

	// Directories move with their contents.
	require.NoError(t, fs.WriteString(ctx, "/src/sub/file", "f"))
	require.NoError(t, fs.Rename(ctx, "/src", "/dst"))
	data, err = fs.ReadFile(ctx, "/dst/sub/file")
	require.NoError(t, err)
	assert.Equal(t, "f", string(data))

	err = fs.Rename(ctx, "/gone", "/anywhere")
	require.Error(t, err)
	assert.True(t, errors.IsNotExist(err))
}

func TestDirHandlePoolExhaustion(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.WriteString(ctx, "/dir/member", "x"))

	handles := make([]littlefs.DirHandle, 0, littlefs.DefaultMaxDirHandles)
	for i := 0; i < littlefs.DefaultMaxDirHandles; i++ {
		h, err := fs.OpenDir(ctx, "/dir")
		require.NoError(t, err, "open %d", i)
		handles = append(handles, h)
	}

	_, err := fs.OpenDir(ctx, "/dir")
	require.Error(t, err, "pool is exhausted")
	assert.Equal(t, errors.ENOMEM, errors.CodeOf(err))

	// Already-open handles are undisturbed by the failed open.
	for _, h := range handles {
		ent, ok, err := fs.ReadDir(ctx, h)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "member", ent.Name)
	}

	require.NoError(t, fs.CloseDir(ctx, handles[0]))
	h, err := fs.OpenDir(ctx, "/dir")
	require.NoError(t, err, "a freed slot is reusable")
	require.NoError(t, fs.CloseDir(ctx, h))

	for _, h := range handles[1:] {
		require.NoError(t, fs.CloseDir(ctx, h))
	}
}

func TestStaleDirHandleRejected(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.Mkdir(ctx, "/d"))

	stale, err := fs.OpenDir(ctx, "/d")
	require.NoError(t, err)
	require.NoError(t, fs.CloseDir(ctx, stale))

	// Reoccupy the slot, then use the stale handle.
	fresh, err := fs.OpenDir(ctx, "/d")
	require.NoError(t, err)
	defer fs.CloseDir(ctx, fresh) //nolint:errcheck

	_, _, err = fs.ReadDir(ctx, stale)
	require.Error(t, err)
	assert.Equal(t, errors.EBADF, errors.CodeOf(err))
	err = fs.CloseDir(ctx, stale)
	require.Error(t, err)
	assert.Equal(t, errors.EBADF, errors.CodeOf(err))

	_, _, err = fs.ReadDir(ctx, littlefs.DirHandle(0))
	assert.Equal(t, errors.EBADF, errors.CodeOf(err))
}

func TestReadDirSkipsDotEntries(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.WriteString(ctx, "/d/only", "x"))

	h, err := fs.OpenDir(ctx, "/d")
	require.NoError(t, err)
	defer fs.CloseDir(ctx, h) //nolint:errcheck

	ent, ok, err := fs.ReadDir(ctx, h)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "only", ent.Name)
	assert.Equal(t, littlefs.TypeFile, ent.Type)

	_, ok, err = fs.ReadDir(ctx, h)
	require.NoError(t, err)
	assert.False(t, ok, "directory is exhausted")
}

func TestImageRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.WriteString(ctx, "/config/settings.json", `{"k":1}`))
	require.NoError(t, fs.WriteFile(ctx, "/blob.bin", []byte{0xDE, 0xAD, 0xBE, 0xEF}))
	require.NoError(t, fs.Mkdir(ctx, "/logs"))

	wantEntries, err := fs.List(ctx, "/")
	require.NoError(t, err)

	image, err := fs.ExportImage()
	require.NoError(t, err)
	assert.Len(t, image, 4096*256)

	// Block count is inferred from the image length.
	var mod *enginetest.Module
	clone, err := littlefs.NewFromImageWithEngine(
		ctx, capturingFactory(&mod), image, littlefs.Options{})
	require.NoError(t, err)
	defer clone.Destroy(ctx) //nolint:errcheck

	gotEntries, err := clone.List(ctx, "/")
	require.NoError(t, err)
	assert.ElementsMatch(t, wantEntries, gotEntries)

	data, err := clone.ReadFile(ctx, "/blob.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, data)
}

func TestImportSmallerImage(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.WriteString(ctx, "/keep.txt", "kept"))
	image, err := fs.ExportImage()
	require.NoError(t, err)

	// A truncated image with an explicit block count still mounts; the
	// missing tail reads as erased flash.
	var mod *enginetest.Module
	clone, err := littlefs.NewFromImageWithEngine(
		ctx, capturingFactory(&mod), image[:len(image)/2],
		littlefs.Options{BlockCount: 256})
	require.NoError(t, err)
	defer clone.Destroy(ctx) //nolint:errcheck

	data, err := clone.ReadFile(ctx, "/keep.txt")
	require.NoError(t, err)
	assert.Equal(t, "kept", string(data))
}

func TestWriteImageTo(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.WriteString(ctx, "/f", "x"))
	want, err := fs.ExportImage()
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := fs.WriteImageTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(want)), n)
	assert.Equal(t, want, buf.Bytes())
}

func TestNewFromImageReader(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})
	require.NoError(t, fs.WriteString(ctx, "/r.txt", "via reader"))

	var buf bytes.Buffer
	_, err := fs.WriteImageTo(&buf)
	require.NoError(t, err)

	var mod *enginetest.Module
	clone, err := littlefs.NewFromImageReaderWithEngine(
		ctx, capturingFactory(&mod), &buf, littlefs.Options{})
	require.NoError(t, err)
	defer clone.Destroy(ctx) //nolint:errcheck

	data, err := clone.ReadFile(ctx, "/r.txt")
	require.NoError(t, err)
	assert.Equal(t, "via reader", string(data))
}

func TestDiskVersionPinning(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{DiskVersion: littlefs.DiskVersion2_0})

	assert.Equal(t, littlefs.DiskVersion2_0, fs.DiskVersion())

	v, err := fs.MountedDiskVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, littlefs.DiskVersion2_0, v)

	require.NoError(t, fs.WriteString(ctx, "/pinned.txt", "x"))
	image, err := fs.ExportImage()
	require.NoError(t, err)

	// Reimporting without a pin must not silently upgrade the format.
	var mod *enginetest.Module
	clone, err := littlefs.NewFromImageWithEngine(
		ctx, capturingFactory(&mod), image, littlefs.Options{})
	require.NoError(t, err)
	defer clone.Destroy(ctx) //nolint:errcheck

	v, err = clone.MountedDiskVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, littlefs.DiskVersion2_0, v)
}

func TestDiskVersionPinRejectsNewerImage(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{}) // formats with the latest version

	image, err := fs.ExportImage()
	require.NoError(t, err)

	var mod *enginetest.Module
	_, err = littlefs.NewFromImageWithEngine(
		ctx, capturingFactory(&mod), image,
		littlefs.Options{DiskVersion: littlefs.DiskVersion2_0})
	require.Error(t, err)
	assert.Equal(t, errors.EINVAL, errors.CodeOf(err))
}

func TestDiskVersionString(t *testing.T) {
	assert.Equal(t, "2.0", littlefs.DiskVersion2_0.String())
	assert.Equal(t, "2.1", littlefs.DiskVersion2_1.String())
	assert.Equal(t, uint16(2), littlefs.DiskVersion2_1.Major())
	assert.Equal(t, uint16(1), littlefs.DiskVersion2_1.Minor())
}

func TestUsage(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{})

	u, err := fs.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(256), u.TotalBlocks)
	assert.Greater(t, u.UsedBlocks, uint32(0))
	assert.Equal(t, u.TotalBlocks-u.UsedBlocks, u.FreeBlocks)

	require.NoError(t, fs.WriteFile(ctx, "/big", bytes.Repeat([]byte{0xAB}, 64<<10)))
	after, err := fs.Usage(ctx)
	require.NoError(t, err)
	assert.Greater(t, after.UsedBlocks, u.UsedBlocks)
}

func TestGeometryPreset(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, littlefs.Options{Geometry: "w25q80"})

	u, err := fs.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(256), u.TotalBlocks)

	image, err := fs.ExportImage()
	require.NoError(t, err)
	assert.Len(t, image, 1<<20)

	var mod *enginetest.Module
	_, err = littlefs.NewWithEngine(
		ctx, capturingFactory(&mod), littlefs.Options{Geometry: "no-such-part"})
	require.Error(t, err)
	assert.Equal(t, errors.EINVAL, errors.CodeOf(err))
}

func TestNoEngineAllocationLeaks(t *testing.T) {
	ctx := context.Background()
	fs, mod := newTestFS(t, littlefs.Options{})

	require.NoError(t, fs.WriteString(ctx, "/a/b/c.txt", "payload"))
	_, err := fs.ReadFile(ctx, "/a/b/c.txt")
	require.NoError(t, err)
	_, err = fs.List(ctx, "/")
	require.NoError(t, err)
	_, err = fs.Stat(ctx, "/a")
	require.NoError(t, err)
	_, err = fs.Usage(ctx)
	require.NoError(t, err)
	_, err = fs.MountedDiskVersion(ctx)
	require.NoError(t, err)

	// Error paths release their buffers too.
	_, err = fs.ReadFile(ctx, "/missing")
	require.Error(t, err)
	require.Error(t, fs.Remove(ctx, "/missing"))
	require.Error(t, fs.Rename(ctx, "/missing", "/elsewhere"))

	assert.Equal(t, 0, mod.LiveAllocations(),
		"every operation must free its engine allocations")

	// An open directory handle is the only thing allowed to hold one.
	h, err := fs.OpenDir(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, 1, mod.LiveAllocations())
	require.NoError(t, fs.CloseDir(ctx, h))
	assert.Equal(t, 0, mod.LiveAllocations())
}
