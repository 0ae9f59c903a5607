package littlefs

import "fmt"

// DiskVersion identifies the on-disk format version, major in the high
// 16 bits and minor in the low 16. Pinning a version before formatting
// prevents an image from being silently migrated to a newer,
// backward-incompatible layout on later mounts.
type DiskVersion uint32

const (
	// DiskVersionAny selects auto-detect on mount and the latest
	// supported version on format.
	DiskVersionAny DiskVersion = 0

	DiskVersion2_0 DiskVersion = 0x00020000
	DiskVersion2_1 DiskVersion = 0x00020001
)

func (v DiskVersion) Major() uint16 {
	return uint16(v >> 16)
}

func (v DiskVersion) Minor() uint16 {
	return uint16(v)
}

// String renders the version as "major.minor", e.g. "2.1".
func (v DiskVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}
