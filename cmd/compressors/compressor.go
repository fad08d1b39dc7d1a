package compressors

import (
	"errors"
	"fmt"
)

// ErrUnsupportedCompression is returned when an unsupported compression type is requested
var ErrUnsupportedCompression = errors.New("unsupported compression type")

// Compressor compresses one archive part. Every output is a complete,
// self-delimited stream, so parts can be concatenated and still decode.
type Compressor interface {
	// Compress compresses the input data at the level chosen at construction
	Compress(data []byte) ([]byte, error)

	// Extension returns the file extension for this compression (e.g., ".zst", ".lz4", ".gz")
	Extension() string

	// ContentEncoding returns the value for an object's Content-Encoding, or "" for none
	ContentEncoding() string
}

// GetCompressor returns the compressor for a compression name. level <= 0
// selects the codec's default.
func GetCompressor(compression string, level int) (Compressor, error) {
	switch compression {
	case "zstd":
		return NewZstdCompressor(level), nil
	case "lz4":
		return NewLZ4Compressor(level), nil
	case "gzip":
		return NewGzipCompressor(level), nil
	case "none":
		return NewNoneCompressor(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, compression)
	}
}
