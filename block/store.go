// Package block provides the RAM-backed block device the filesystem
// engine runs against. The store models NOR flash: erasing a block sets
// every byte to 0xFF, and a freshly allocated store is fully erased.
//
// All block indices begin at 0.
package block

import (
	"fmt"
	"io"
	"math"

	"github.com/flashkit/littlefs/errors"
	"github.com/xaionaro-go/bytesextra"
)

// Erased is the value every byte of an erased NOR flash block holds.
const Erased byte = 0xFF

// Store is a flat byte buffer addressed in fixed-size blocks. It
// implements the read/program/erase/sync contract the engine requires
// of its block device.
type Store struct {
	buf        []byte
	blockSize  uint32
	blockCount uint32
}

// New allocates a store of blockCount blocks of blockSize bytes each,
// filled with the erased byte. The total byte size must fit in a
// uint32; images and engine addresses are 32-bit.
func New(blockSize, blockCount uint32) (*Store, error) {
	if blockSize == 0 || blockCount == 0 {
		return nil, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("storage geometry %d x %d has zero size", blockSize, blockCount),
		)
	}
	if uint64(blockSize)*uint64(blockCount) > math.MaxUint32 {
		return nil, errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("storage geometry %d x %d exceeds 32-bit addressing", blockSize, blockCount),
		)
	}

	store := &Store{
		buf:        make([]byte, blockSize*blockCount),
		blockSize:  blockSize,
		blockCount: blockCount,
	}
	for i := range store.buf {
		store.buf[i] = Erased
	}
	return store, nil
}

// FromImage allocates a store and seeds it with the contents of an
// existing binary image. A zero blockCount is inferred from the image
// length. Images smaller than the resulting store are valid; the
// remainder is left erased. Image bytes past the end of the store are
// dropped.
func FromImage(image []byte, blockSize, blockCount uint32) (*Store, error) {
	if blockCount == 0 && blockSize > 0 {
		inferred := uint64(len(image)) / uint64(blockSize)
		if inferred > math.MaxUint32 {
			inferred = math.MaxUint32
		}
		blockCount = uint32(inferred)
	}

	store, err := New(blockSize, blockCount)
	if err != nil {
		return nil, err
	}
	copy(store.buf, image)
	return store, nil
}

// BlockSize returns the size of a single block, in bytes.
func (s *Store) BlockSize() uint32 {
	return s.blockSize
}

// BlockCount returns the number of blocks in the store.
func (s *Store) BlockCount() uint32 {
	return s.blockCount
}

// Size gives the size of the store, in bytes (not blocks!).
func (s *Store) Size() uint32 {
	return s.blockSize * s.blockCount
}

// checkBounds verifies that `length` bytes can be accessed starting at
// `off` within block `block`. The engine is allowed to address the store
// linearly, so the only hard limit is the end of storage. The math is
// done in uint64 so an out-of-range block cannot wrap around and alias
// a low block.
func (s *Store) checkBounds(block, off, length uint32) (uint32, error) {
	addr := uint64(block)*uint64(s.blockSize) + uint64(off)
	if addr+uint64(length) > uint64(s.Size()) {
		return 0, errors.NewWithMessage(
			errors.EIO,
			fmt.Sprintf(
				"access of %d bytes at block %d offset %d exceeds storage size %d",
				length, block, off, s.Size(),
			),
		)
	}
	return uint32(addr), nil
}

// Read copies `length` bytes out of the store, starting at `off` within
// block `block`. The returned slice is a copy and never aliases the
// store's buffer.
func (s *Store) Read(block, off, length uint32) ([]byte, error) {
	addr, err := s.checkBounds(block, off, length)
	if err != nil {
		return nil, err
	}

	out := make([]byte, length)
	copy(out, s.buf[addr:addr+length])
	return out, nil
}

// Prog copies `data` into the store starting at `off` within block
// `block`. There is no erase-before-program check; honoring NOR
// programming constraints is the engine's responsibility.
func (s *Store) Prog(block, off uint32, data []byte) error {
	addr, err := s.checkBounds(block, off, uint32(len(data)))
	if err != nil {
		return err
	}

	copy(s.buf[addr:], data)
	return nil
}

// Erase resets every byte of block `block` to the erased value.
func (s *Store) Erase(block uint32) error {
	addr, err := s.checkBounds(block, 0, s.blockSize)
	if err != nil {
		return err
	}

	end := addr + s.blockSize
	for i := addr; i < end; i++ {
		s.buf[i] = Erased
	}
	return nil
}

// Sync is a no-op; there is no backing device behind the buffer.
func (s *Store) Sync() error {
	return nil
}

// Snapshot returns a copy of the entire store. This is the exported
// image format: a raw dump of BlockCount blocks of BlockSize bytes, with
// no added header or framing.
func (s *Store) Snapshot() []byte {
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}

// Stream returns a seekable stream over a snapshot of the store, for
// callers that want to treat the image as a file.
func (s *Store) Stream() io.ReadWriteSeeker {
	return bytesextra.NewReadWriteSeeker(s.Snapshot())
}
