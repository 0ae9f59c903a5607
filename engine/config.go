package engine

// Defaults applied wherever a configuration field is left zero. Block
// geometry matches the common 1 MiB SPI NOR layout; the name limit is
// the ESP-IDF build default.
const (
	DefaultBlockSize     = 4096
	DefaultBlockCount    = 256
	DefaultLookaheadSize = 32
	DefaultNameMax       = 64
)

// Fixed configuration fields the engine contract requires. Reads and
// programs are byte-granular, the cache covers one block, and blocks are
// rotated for wear after 500 erase cycles.
const (
	readSize    = 1
	progSize    = 1
	blockCycles = 500
)

// Config is the engine configuration record built at initialization and
// reused, not re-derived, by later mount and format calls.
type Config struct {
	BlockSize     uint32
	BlockCount    uint32
	LookaheadSize uint32
	NameMax       uint32

	// DiskVersion pins the on-disk format version (major in the high 16
	// bits, minor in the low 16). Zero selects auto-detect/latest and
	// permits format migration on mount.
	DiskVersion uint32
}

// WithDefaults returns the configuration with zero fields replaced by
// the package defaults.
func (c Config) WithDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.BlockCount == 0 {
		c.BlockCount = DefaultBlockCount
	}
	if c.LookaheadSize == 0 {
		c.LookaheadSize = DefaultLookaheadSize
	}
	if c.NameMax == 0 {
		c.NameMax = DefaultNameMax
	}
	return c
}

// EntryType discriminates the two kinds of directory entries the engine
// reports. The values are the LFS_TYPE_REG/LFS_TYPE_DIR wire constants.
type EntryType uint32

const (
	TypeFile EntryType = 0x001
	TypeDir  EntryType = 0x002
)

func (t EntryType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	default:
		return "unknown"
	}
}

// Info is the decoded form of the engine's fixed-layout info struct:
// u32 type, u32 size, then a NUL-terminated name of at most NameMax
// bytes.
type Info struct {
	Name string
	Size uint32
	Type EntryType
}

// File open flags, matching the LFS_O_* wire constants.
const (
	oRdOnly uint32 = 0x0001
	oWrOnly uint32 = 0x0002
	oCreat  uint32 = 0x0100
	oTrunc  uint32 = 0x0400
)
