package engine

import (
	"context"
	"fmt"

	"github.com/flashkit/littlefs/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Instantiate compiles the engine's wasm binary and instantiates it with
// its block-device imports bound to dev. The binary is expected to be
// the littlefs engine built with the glue export set; engines built
// against wasi-sdk get WASI preview1 satisfied as well.
func Instantiate(ctx context.Context, engineWasm []byte, dev BlockDevice) (Module, error) {
	rt := wazero.NewRuntime(ctx)

	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, blk, off, ptr, size uint32) int32 {
			data, err := dev.Read(blk, off, size)
			if err != nil {
				return int32(errors.CodeOf(err))
			}
			if !m.Memory().Write(ptr, data) {
				return int32(errors.EIO)
			}
			return 0
		}).
		Export("lfs_bd_read").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, blk, off, ptr, size uint32) int32 {
			data, ok := m.Memory().Read(ptr, size)
			if !ok {
				return int32(errors.EIO)
			}
			if err := dev.Prog(blk, off, data); err != nil {
				return int32(errors.CodeOf(err))
			}
			return 0
		}).
		Export("lfs_bd_prog").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, blk uint32) int32 {
			if err := dev.Erase(blk); err != nil {
				return int32(errors.CodeOf(err))
			}
			return 0
		}).
		Export("lfs_bd_erase").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) int32 {
			if err := dev.Sync(); err != nil {
				return int32(errors.CodeOf(err))
			}
			return 0
		}).
		Export("lfs_bd_sync").
		Instantiate(ctx)
	if err != nil {
		rt.Close(ctx) //nolint:errcheck
		return nil, errors.NewFromError(errors.EIO, fmt.Errorf("binding block device: %w", err))
	}

	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	mod, err := rt.InstantiateWithConfig(
		ctx, engineWasm, wazero.NewModuleConfig().WithName("littlefs"))
	if err != nil {
		rt.Close(ctx) //nolint:errcheck
		return nil, errors.NewFromError(errors.EIO, fmt.Errorf("instantiating engine: %w", err))
	}

	return &wasmModule{rt: rt, mod: mod}, nil
}

// WasmFactory returns a Factory that instantiates a fresh copy of
// engineWasm for each filesystem instance.
func WasmFactory(engineWasm []byte) Factory {
	return func(ctx context.Context, dev BlockDevice) (Module, error) {
		return Instantiate(ctx, engineWasm, dev)
	}
}

type wasmModule struct {
	rt  wazero.Runtime
	mod api.Module
}

func (w *wasmModule) Call(ctx context.Context, name string, params ...uint64) (uint64, error) {
	fn := w.mod.ExportedFunction(name)
	if fn == nil {
		return 0, errors.NewWithMessage(
			errors.EINVAL, fmt.Sprintf("engine does not export %q", name))
	}

	results, err := fn.Call(ctx, params...)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0], nil
}

func (w *wasmModule) Memory() api.Memory {
	return w.mod.Memory()
}

// Close tears down the runtime, which closes the module and releases
// its linear memory with it.
func (w *wasmModule) Close(ctx context.Context) error {
	return w.rt.Close(ctx)
}
