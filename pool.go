package odb

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// zrPool reuses zlib reader instances to reduce allocations. A fresh reader
// is created on demand the first time New() is hit, because there is no
// exported zero-value constructor for the zlib reader.
var zrPool = sync.Pool{New: func() any { return nil }}

// getZlibReader obtains a zlib reader from the pool or creates a new one,
// reset to decompress from src.
//
// It returns an error if the zlib stream header is invalid.
func getZlibReader(src io.Reader) (io.ReadCloser, error) {
	if v := zrPool.Get(); v != nil {
		if zr, ok := v.(zlib.Resetter); ok {
			if err := zr.Reset(src, nil); err == nil {
				return v.(io.ReadCloser), nil
			}
		}
		// Could not reset (corrupt stream) - fall through to fresh alloc.
	}
	return zlib.NewReader(src)
}

// putZlibReader returns a zlib reader to the pool for reuse.
func putZlibReader(r io.ReadCloser) {
	_ = r.Close()
	zrPool.Put(r)
}
