package engine

import (
	"context"
	"fmt"

	"github.com/flashkit/littlefs/errors"
)

// Arena owns a set of transient allocations in the engine's linear
// memory. Every operation that crosses the boundary acquires its
// buffers through an Arena and defers Release, so no call site manually
// pairs malloc/copy/free and no allocation outlives its operation,
// error paths included. A leaked engine allocation accumulates for
// the lifetime of the module, so this pairing is the one invariant the
// whole adapter leans on.
type Arena struct {
	mod  Module
	ptrs []uint32
}

func NewArena(mod Module) *Arena {
	return &Arena{mod: mod}
}

// Alloc reserves size bytes in the engine's memory and records the
// allocation for Release. Zero-byte requests are rounded up so the
// engine always hands back a real, freeable pointer.
func (a *Arena) Alloc(ctx context.Context, size uint32) (uint32, error) {
	if size == 0 {
		size = 1
	}

	res, err := a.mod.Call(ctx, "malloc", uint64(size))
	if err != nil {
		return 0, errors.NewFromError(errors.EIO, err)
	}

	ptr := uint32(res)
	if ptr == 0 {
		return 0, errors.NewWithMessage(
			errors.ENOMEM,
			fmt.Sprintf("engine allocation of %d bytes failed", size),
		)
	}

	a.ptrs = append(a.ptrs, ptr)
	return ptr, nil
}

// Bytes copies data into a fresh engine allocation.
func (a *Arena) Bytes(ctx context.Context, data []byte) (uint32, error) {
	ptr, err := a.Alloc(ctx, uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if !a.mod.Memory().Write(ptr, data) {
		return 0, errors.NewWithMessage(
			errors.EIO,
			fmt.Sprintf("write of %d bytes at %#x is outside engine memory", len(data), ptr),
		)
	}
	return ptr, nil
}

// CString copies a NUL-terminated copy of s into engine memory. Paths
// cross the boundary this way.
func (a *Arena) CString(ctx context.Context, s string) (uint32, error) {
	return a.Bytes(ctx, append([]byte(s), 0))
}

// Release frees every allocation made through the arena, most recent
// first. Free never reports anything useful, so failures to free are
// ignored; the arena is reusable afterwards.
func (a *Arena) Release(ctx context.Context) {
	for i := len(a.ptrs) - 1; i >= 0; i-- {
		a.mod.Call(ctx, "free", uint64(a.ptrs[i])) //nolint:errcheck
	}
	a.ptrs = a.ptrs[:0]
}
