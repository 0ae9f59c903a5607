package enginetest

import (
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"
)

// memory is a plain byte-slice linear memory. It implements the subset
// of [api.Memory] the adapter touches; the embedded interface covers the
// signature for methods no test path reaches.
type memory struct {
	api.Memory
	data []byte
	next uint32
}

func newMemory(size uint32) *memory {
	return &memory{
		data: make([]byte, size),
		next: 8, // keep 0 reserved so a zero pointer always means failure
	}
}

func (m *memory) Size() uint32 {
	return uint32(len(m.data))
}

func (m *memory) inBounds(offset, count uint32) bool {
	return uint64(offset)+uint64(count) <= uint64(len(m.data))
}

func (m *memory) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.inBounds(offset, byteCount) {
		return nil, false
	}
	return m.data[offset : offset+byteCount : offset+byteCount], true
}

func (m *memory) Write(offset uint32, v []byte) bool {
	if !m.inBounds(offset, uint32(len(v))) {
		return false
	}
	copy(m.data[offset:], v)
	return true
}

func (m *memory) ReadByte(offset uint32) (byte, bool) {
	if !m.inBounds(offset, 1) {
		return 0, false
	}
	return m.data[offset], true
}

func (m *memory) WriteByte(offset uint32, v byte) bool {
	if !m.inBounds(offset, 1) {
		return false
	}
	m.data[offset] = v
	return true
}

func (m *memory) ReadUint32Le(offset uint32) (uint32, bool) {
	if !m.inBounds(offset, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.data[offset:]), true
}

func (m *memory) WriteUint32Le(offset uint32, v uint32) bool {
	if !m.inBounds(offset, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.data[offset:], v)
	return true
}

func (m *memory) WriteString(offset uint32, v string) bool {
	return m.Write(offset, []byte(v))
}
