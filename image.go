package littlefs

import (
	"context"
	"io"

	"github.com/flashkit/littlefs/engine"
	"github.com/flashkit/littlefs/errors"
)

// ExportImage returns a copy of the raw backing store, `blockSize *
// blockCount` bytes, suitable for flashing or for a later
// NewFromImage. The snapshot reflects whatever the engine has synced;
// it works on unmounted instances too.
func (fs *FS) ExportImage() ([]byte, error) {
	if err := fs.alive(); err != nil {
		return nil, err
	}
	return fs.store.Snapshot(), nil
}

// WriteImageTo streams the raw image to w and reports the byte count
// written.
func (fs *FS) WriteImageTo(w io.Writer) (int64, error) {
	if err := fs.alive(); err != nil {
		return 0, err
	}
	return io.Copy(w, fs.store.Stream())
}

// NewFromImageReader reads a complete image from r and mounts it. The
// reader is drained to EOF; partial/streaming imports are not
// supported.
func NewFromImageReader(ctx context.Context, engineWasm []byte, r io.Reader, opts Options) (*FS, error) {
	return NewFromImageReaderWithEngine(ctx, engine.WasmFactory(engineWasm), r, opts)
}

// NewFromImageReaderWithEngine is NewFromImageReader with an explicit
// engine module factory.
func NewFromImageReaderWithEngine(
	ctx context.Context,
	newEngine engine.Factory,
	r io.Reader,
	opts Options,
) (*FS, error) {
	image, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.NewFromError(errors.EIO, err)
	}
	return NewFromImageWithEngine(ctx, newEngine, image, opts)
}
