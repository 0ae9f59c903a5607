// Package enginetest provides an in-process stand-in for the wasm
// filesystem engine. The fake implements [engine.Module]: a byte-slice
// linear memory with a tracking allocator, and a dispatch table for the
// full glue export set, backed by an in-memory tree.
//
// The fake persists its tree through the supplied block device as a
// length-prefixed CBOR snapshot after every mutation, so image
// export/import and disk-version round trips behave like the real
// engine's. Mounting a device that was never formatted (all bytes
// erased) fails with the corrupted-filesystem status, as littlefs does.
package enginetest

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/flashkit/littlefs/engine"
	"github.com/flashkit/littlefs/errors"
	"github.com/fxamacker/cbor/v2"
	"github.com/noxer/bytewriter"
	"github.com/tetratelabs/wazero/api"
)

// DiskVersionLatest is the on-disk version the fake formats with when no
// version is pinned.
const DiskVersionLatest = 0x00020001

const (
	flagRdOnly = 0x0001
	flagWrOnly = 0x0002
	flagCreat  = 0x0100
	flagTrunc  = 0x0400

	typeFile = 0x001
	typeDir  = 0x002

	cursorSize     = 16
	fileHandleSize = 16
	memorySize     = 4 << 20
)

var snapshotMagic = []byte("GLFS")

// imageState is the on-device snapshot layout.
type imageState struct {
	Version uint32            `cbor:"version"`
	Dirs    []string          `cbor:"dirs"`
	Files   map[string][]byte `cbor:"files"`
}

type fakeConfig struct {
	blockSize   uint32
	blockCount  uint32
	nameMax     uint32
	diskVersion uint32
	set         bool
}

type dirCursor struct {
	dir     string
	entries []string
	pos     int
}

type openFile struct {
	path  string
	flags uint32
	buf   []byte
	pos   int
}

// Module is the fake engine. Create one per test with [New]; it is not
// safe for concurrent use, same as the real single-threaded engine.
type Module struct {
	mem *memory
	dev engine.BlockDevice
	cfg fakeConfig

	mounted   bool
	fsVersion uint32
	dirs      map[string]bool
	files     map[string][]byte

	cursors   map[uint32]*dirCursor
	openFiles map[uint32]*openFile

	allocs      map[uint32]uint32
	lastBlobLen uint32
	closed      bool
}

func New(dev engine.BlockDevice) *Module {
	return &Module{
		mem:       newMemory(memorySize),
		dev:       dev,
		dirs:      map[string]bool{},
		files:     map[string][]byte{},
		cursors:   map[uint32]*dirCursor{},
		openFiles: map[uint32]*openFile{},
		allocs:    map[uint32]uint32{},
	}
}

// Factory adapts New to the engine.Factory signature.
func Factory() engine.Factory {
	return func(ctx context.Context, dev engine.BlockDevice) (engine.Module, error) {
		return New(dev), nil
	}
}

// LiveAllocations reports how many engine-memory allocations are
// currently outstanding. Tests use it to assert the marshalling arena
// released everything on every exit path.
func (m *Module) LiveAllocations() int {
	return len(m.allocs)
}

func (m *Module) Memory() api.Memory {
	return m.mem
}

func (m *Module) Close(ctx context.Context) error {
	m.closed = true
	return nil
}

// ret encodes an i32 status as a raw call result.
func ret(code int32) uint64 {
	return uint64(uint32(code))
}

func u32(params []uint64, i int) uint32 {
	return uint32(params[i])
}

func (m *Module) Call(ctx context.Context, name string, params ...uint64) (uint64, error) {
	if m.closed {
		return 0, fmt.Errorf("enginetest: call %q on closed module", name)
	}

	switch name {
	case "malloc":
		return uint64(m.malloc(u32(params, 0))), nil
	case "free":
		delete(m.allocs, u32(params, 0))
		return 0, nil
	case "lfs_glue_configure":
		return ret(m.configure(params)), nil
	case "lfs_glue_mount":
		return ret(m.mount()), nil
	case "lfs_glue_unmount":
		m.mounted = false
		return 0, nil
	case "lfs_glue_format":
		return ret(m.format()), nil
	case "lfs_glue_mkdir":
		return ret(m.mkdir(u32(params, 0))), nil
	case "lfs_glue_remove":
		return ret(m.remove(u32(params, 0))), nil
	case "lfs_glue_rename":
		return ret(m.rename(u32(params, 0), u32(params, 1))), nil
	case "lfs_glue_stat":
		return ret(m.stat(u32(params, 0), u32(params, 1))), nil
	case "lfs_glue_dir_cursor_size":
		return uint64(cursorSize), nil
	case "lfs_glue_dir_open":
		return ret(m.dirOpen(u32(params, 0), u32(params, 1))), nil
	case "lfs_glue_dir_read":
		return ret(m.dirRead(u32(params, 0), u32(params, 1))), nil
	case "lfs_glue_dir_close":
		return ret(m.dirClose(u32(params, 0))), nil
	case "lfs_glue_file_handle_size":
		return uint64(fileHandleSize), nil
	case "lfs_glue_file_open":
		return ret(m.fileOpen(u32(params, 0), u32(params, 1), u32(params, 2))), nil
	case "lfs_glue_file_write":
		return ret(m.fileWrite(u32(params, 0), u32(params, 1), u32(params, 2))), nil
	case "lfs_glue_file_read":
		return ret(m.fileRead(u32(params, 0), u32(params, 1), u32(params, 2))), nil
	case "lfs_glue_file_close":
		return ret(m.fileClose(u32(params, 0))), nil
	case "lfs_glue_fs_size":
		return ret(m.fsSize()), nil
	case "lfs_glue_fs_info":
		return ret(m.fsInfo(u32(params, 0))), nil
	default:
		return 0, fmt.Errorf("enginetest: no export %q", name)
	}
}

// ----------------------------------------------------------------------------
// Allocator

func (m *Module) malloc(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	// Bump allocation; freed space is never reused. Tests are short.
	ptr := m.mem.next
	end := ptr + ((size + 7) &^ 7)
	if end > uint32(len(m.mem.data)) {
		return 0
	}
	m.mem.next = end
	m.allocs[ptr] = size
	return ptr
}

// ----------------------------------------------------------------------------
// Lifecycle

func (m *Module) configure(params []uint64) int32 {
	if len(params) != 9 || m.mounted {
		return int32(errors.EINVAL)
	}
	blockSize, blockCount := u32(params, 2), u32(params, 3)
	nameMax := u32(params, 7)
	if blockSize == 0 || blockCount == 0 || nameMax == 0 {
		return int32(errors.EINVAL)
	}
	m.cfg = fakeConfig{
		blockSize:   blockSize,
		blockCount:  blockCount,
		nameMax:     nameMax,
		diskVersion: u32(params, 8),
		set:         true,
	}
	return 0
}

func (m *Module) mount() int32 {
	if !m.cfg.set || m.mounted {
		return int32(errors.EINVAL)
	}

	header, err := m.dev.Read(0, 0, 8)
	if err != nil {
		return int32(errors.CodeOf(err))
	}
	if !bytes.Equal(header[:4], snapshotMagic) {
		return int32(errors.ECORRUPT)
	}
	blobLen := binary.LittleEndian.Uint32(header[4:])
	blob, err := m.dev.Read(0, 8, blobLen)
	if err != nil {
		return int32(errors.CodeOf(err))
	}

	var state imageState
	if err := cbor.Unmarshal(blob, &state); err != nil {
		return int32(errors.ECORRUPT)
	}
	if m.cfg.diskVersion != 0 && state.Version > m.cfg.diskVersion {
		// The image is newer than the pinned format version.
		return int32(errors.EINVAL)
	}

	m.dirs = map[string]bool{"/": true}
	for _, d := range state.Dirs {
		m.dirs[d] = true
	}
	m.files = map[string][]byte{}
	for p, data := range state.Files {
		m.files[p] = data
	}
	m.fsVersion = state.Version
	m.lastBlobLen = blobLen
	m.mounted = true
	return 0
}

func (m *Module) format() int32 {
	if !m.cfg.set || m.mounted {
		return int32(errors.EINVAL)
	}

	version := m.cfg.diskVersion
	if version == 0 {
		version = DiskVersionLatest
	}
	m.dirs = map[string]bool{"/": true}
	m.files = map[string][]byte{}
	m.fsVersion = version
	return m.persist()
}

// persist writes the snapshot through the block device: erase the blocks
// the blob covers, then program it in one linear pass. Mounting never
// writes, so the version recorded at format time survives import.
func (m *Module) persist() int32 {
	state := imageState{
		Version: m.fsVersion,
		Files:   m.files,
	}
	for d := range m.dirs {
		if d != "/" {
			state.Dirs = append(state.Dirs, d)
		}
	}
	sort.Strings(state.Dirs)

	blob, err := cbor.Marshal(state)
	if err != nil {
		return int32(errors.EIO)
	}

	total := uint32(len(blob)) + 8
	if total > m.cfg.blockSize*m.cfg.blockCount {
		return int32(errors.ENOSPC)
	}
	blocksNeeded := (total + m.cfg.blockSize - 1) / m.cfg.blockSize
	for b := uint32(0); b < blocksNeeded; b++ {
		if err := m.dev.Erase(b); err != nil {
			return int32(errors.CodeOf(err))
		}
	}

	out := make([]byte, total)
	w := bytewriter.New(out)
	w.Write(snapshotMagic)                                     //nolint:errcheck
	binary.Write(w, binary.LittleEndian, uint32(len(blob)))    //nolint:errcheck
	w.Write(blob)                                              //nolint:errcheck
	if err := m.dev.Prog(0, 0, out); err != nil {
		return int32(errors.CodeOf(err))
	}
	m.lastBlobLen = uint32(len(blob))
	return 0
}

// ----------------------------------------------------------------------------
// Paths

// cleanPath validates and normalizes an absolute path.
func cleanPath(p string) (string, int32) {
	if p == "" || p[0] != '/' {
		return "", int32(errors.EINVAL)
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p, 0
}

func splitPath(p string) (parent, name string) {
	idx := strings.LastIndexByte(p, '/')
	if idx == 0 {
		return "/", p[1:]
	}
	return p[:idx], p[idx+1:]
}

func (m *Module) exists(p string) bool {
	if m.dirs[p] {
		return true
	}
	_, ok := m.files[p]
	return ok
}

// checkParent verifies the parent of p exists and is a directory.
func (m *Module) checkParent(p string) int32 {
	parent, name := splitPath(p)
	if uint32(len(name)) > m.cfg.nameMax {
		return int32(errors.ENAMETOOLONG)
	}
	if _, ok := m.files[parent]; ok {
		return int32(errors.ENOTDIR)
	}
	if !m.dirs[parent] {
		return int32(errors.ENOENT)
	}
	return 0
}

func (m *Module) children(dir string) []string {
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}

	var names []string
	appendChild := func(p string) {
		if p == dir || !strings.HasPrefix(p, prefix) {
			return
		}
		rest := p[len(prefix):]
		if !strings.ContainsRune(rest, '/') {
			names = append(names, rest)
		}
	}
	for d := range m.dirs {
		appendChild(d)
	}
	for f := range m.files {
		appendChild(f)
	}
	sort.Strings(names)
	return names
}

func (m *Module) readCString(ptr uint32) (string, int32) {
	data := m.mem.data
	if ptr >= uint32(len(data)) {
		return "", int32(errors.EIO)
	}
	end := bytes.IndexByte(data[ptr:], 0)
	if end < 0 {
		return "", int32(errors.EIO)
	}
	return string(data[ptr : ptr+uint32(end)]), 0
}

// writeInfo encodes the fixed info layout at infoPtr.
func (m *Module) writeInfo(infoPtr uint32, entryType, size uint32, name string) int32 {
	if uint32(len(name)) > m.cfg.nameMax {
		name = name[:m.cfg.nameMax]
	}

	buf := make([]byte, 8+m.cfg.nameMax+1)
	w := bytewriter.New(buf)
	binary.Write(w, binary.LittleEndian, entryType) //nolint:errcheck
	binary.Write(w, binary.LittleEndian, size)      //nolint:errcheck
	w.Write([]byte(name))                           //nolint:errcheck

	if !m.mem.Write(infoPtr, buf) {
		return int32(errors.EIO)
	}
	return 0
}

// ----------------------------------------------------------------------------
// Metadata operations

func (m *Module) mkdir(pathPtr uint32) int32 {
	if !m.mounted {
		return int32(errors.EINVAL)
	}
	path, code := m.pathArg(pathPtr)
	if code != 0 {
		return code
	}
	if path == "/" || m.exists(path) {
		return int32(errors.EEXIST)
	}
	if code := m.checkParent(path); code != 0 {
		return code
	}
	m.dirs[path] = true
	return m.persist()
}

func (m *Module) remove(pathPtr uint32) int32 {
	if !m.mounted {
		return int32(errors.EINVAL)
	}
	path, code := m.pathArg(pathPtr)
	if code != 0 {
		return code
	}
	if path == "/" {
		return int32(errors.EINVAL)
	}

	switch {
	case m.dirs[path]:
		if len(m.children(path)) > 0 {
			return int32(errors.ENOTEMPTY)
		}
		delete(m.dirs, path)
	default:
		if _, ok := m.files[path]; !ok {
			return int32(errors.ENOENT)
		}
		delete(m.files, path)
	}
	return m.persist()
}

func (m *Module) rename(oldPtr, newPtr uint32) int32 {
	if !m.mounted {
		return int32(errors.EINVAL)
	}
	oldPath, code := m.pathArg(oldPtr)
	if code != 0 {
		return code
	}
	newPath, code := m.pathArg(newPtr)
	if code != 0 {
		return code
	}
	if !m.exists(oldPath) {
		return int32(errors.ENOENT)
	}
	if code := m.checkParent(newPath); code != 0 {
		return code
	}
	if oldPath == newPath {
		return 0
	}

	oldIsDir := m.dirs[oldPath]
	if m.exists(newPath) {
		newIsDir := m.dirs[newPath]
		switch {
		case oldIsDir && !newIsDir:
			return int32(errors.ENOTDIR)
		case !oldIsDir && newIsDir:
			return int32(errors.EISDIR)
		case newIsDir && len(m.children(newPath)) > 0:
			return int32(errors.ENOTEMPTY)
		}
		delete(m.dirs, newPath)
		delete(m.files, newPath)
	}

	if !oldIsDir {
		m.files[newPath] = m.files[oldPath]
		delete(m.files, oldPath)
		return m.persist()
	}

	// Move the directory and everything under it.
	oldPrefix := oldPath + "/"
	rewrite := func(p string) (string, bool) {
		if p == oldPath {
			return newPath, true
		}
		if strings.HasPrefix(p, oldPrefix) {
			return newPath + "/" + p[len(oldPrefix):], true
		}
		return p, false
	}
	for d := range m.dirs {
		if moved, ok := rewrite(d); ok {
			delete(m.dirs, d)
			m.dirs[moved] = true
		}
	}
	for f, data := range m.files {
		if moved, ok := rewrite(f); ok {
			delete(m.files, f)
			m.files[moved] = data
		}
	}
	return m.persist()
}

func (m *Module) stat(pathPtr, infoPtr uint32) int32 {
	if !m.mounted {
		return int32(errors.EINVAL)
	}
	path, code := m.pathArg(pathPtr)
	if code != 0 {
		return code
	}

	_, name := splitPath(path)
	switch {
	case m.dirs[path]:
		return m.writeInfo(infoPtr, typeDir, 0, name)
	default:
		data, ok := m.files[path]
		if !ok {
			return int32(errors.ENOENT)
		}
		return m.writeInfo(infoPtr, typeFile, uint32(len(data)), name)
	}
}

func (m *Module) pathArg(pathPtr uint32) (string, int32) {
	raw, code := m.readCString(pathPtr)
	if code != 0 {
		return "", code
	}
	return cleanPath(raw)
}

// ----------------------------------------------------------------------------
// Directory cursors

func (m *Module) dirOpen(cursorPtr, pathPtr uint32) int32 {
	if !m.mounted {
		return int32(errors.EINVAL)
	}
	if _, open := m.cursors[cursorPtr]; open {
		return int32(errors.EINVAL)
	}
	path, code := m.pathArg(pathPtr)
	if code != 0 {
		return code
	}
	if _, ok := m.files[path]; ok {
		return int32(errors.ENOTDIR)
	}
	if !m.dirs[path] {
		return int32(errors.ENOENT)
	}

	entries := append([]string{".", ".."}, m.children(path)...)
	m.cursors[cursorPtr] = &dirCursor{dir: path, entries: entries}
	return 0
}

func (m *Module) dirRead(cursorPtr, infoPtr uint32) int32 {
	cursor, ok := m.cursors[cursorPtr]
	if !ok {
		return int32(errors.EBADF)
	}
	if cursor.pos >= len(cursor.entries) {
		return 0
	}

	name := cursor.entries[cursor.pos]
	cursor.pos++

	if name == "." || name == ".." {
		if code := m.writeInfo(infoPtr, typeDir, 0, name); code != 0 {
			return code
		}
		return 1
	}

	child := cursor.dir + "/" + name
	if cursor.dir == "/" {
		child = "/" + name
	}
	if data, isFile := m.files[child]; isFile {
		if code := m.writeInfo(infoPtr, typeFile, uint32(len(data)), name); code != 0 {
			return code
		}
		return 1
	}
	if code := m.writeInfo(infoPtr, typeDir, 0, name); code != 0 {
		return code
	}
	return 1
}

func (m *Module) dirClose(cursorPtr uint32) int32 {
	if _, ok := m.cursors[cursorPtr]; !ok {
		return int32(errors.EBADF)
	}
	delete(m.cursors, cursorPtr)
	return 0
}

// ----------------------------------------------------------------------------
// Files

func (m *Module) fileOpen(fh, pathPtr, flags uint32) int32 {
	if !m.mounted {
		return int32(errors.EINVAL)
	}
	if _, open := m.openFiles[fh]; open {
		return int32(errors.EINVAL)
	}
	path, code := m.pathArg(pathPtr)
	if code != 0 {
		return code
	}
	if m.dirs[path] {
		return int32(errors.EISDIR)
	}

	data, exists := m.files[path]
	if !exists {
		if flags&flagCreat == 0 {
			return int32(errors.ENOENT)
		}
		if code := m.checkParent(path); code != 0 {
			return code
		}
	}

	var buf []byte
	if exists && flags&flagTrunc == 0 {
		buf = append([]byte(nil), data...)
	}
	m.openFiles[fh] = &openFile{path: path, flags: flags, buf: buf}
	return 0
}

func (m *Module) fileWrite(fh, ptr, size uint32) int32 {
	f, ok := m.openFiles[fh]
	if !ok {
		return int32(errors.EBADF)
	}
	if f.flags&flagWrOnly == 0 {
		return int32(errors.EBADF)
	}
	if size == 0 {
		return 0
	}

	data, ok := m.mem.Read(ptr, size)
	if !ok {
		return int32(errors.EIO)
	}
	f.buf = append(f.buf[:f.pos], data...)
	f.pos += int(size)
	return int32(size)
}

func (m *Module) fileRead(fh, ptr, size uint32) int32 {
	f, ok := m.openFiles[fh]
	if !ok {
		return int32(errors.EBADF)
	}

	remaining := len(f.buf) - f.pos
	n := int(size)
	if n > remaining {
		n = remaining
	}
	if n <= 0 {
		return 0
	}
	if !m.mem.Write(ptr, f.buf[f.pos:f.pos+n]) {
		return int32(errors.EIO)
	}
	f.pos += n
	return int32(n)
}

func (m *Module) fileClose(fh uint32) int32 {
	f, ok := m.openFiles[fh]
	if !ok {
		return int32(errors.EBADF)
	}
	delete(m.openFiles, fh)

	if f.flags&flagWrOnly != 0 {
		m.files[f.path] = append([]byte(nil), f.buf...)
		return m.persist()
	}
	return 0
}

// ----------------------------------------------------------------------------
// Filesystem queries

func (m *Module) fsSize() int32 {
	if !m.mounted {
		return int32(errors.EINVAL)
	}
	used := (m.lastBlobLen + 8 + m.cfg.blockSize - 1) / m.cfg.blockSize
	if used == 0 {
		used = 1
	}
	return int32(used)
}

func (m *Module) fsInfo(outPtr uint32) int32 {
	if !m.mounted {
		return int32(errors.EINVAL)
	}
	if !m.mem.WriteUint32Le(outPtr, m.fsVersion) {
		return int32(errors.EIO)
	}
	return 0
}
