package compression

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// Snapshot files and full-sync payloads are zstd-compressed. The
// wrappers here keep the codec choice in one place.

// NewWriter wraps w with a zstd compressor. Callers must Close it to
// flush the final block.
func NewWriter(w io.Writer) (*zstd.Encoder, error) {
	return zstd.NewWriter(w)
}

// NewReader wraps r with a zstd decompressor.
func NewReader(r io.Reader) (*zstd.Decoder, error) {
	return zstd.NewReader(r)
}
