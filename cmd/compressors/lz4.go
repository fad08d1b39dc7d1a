package compressors

import (
	"bytes"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// LZ4Compressor handles LZ4 frame compression
type LZ4Compressor struct {
	level int
}

// NewLZ4Compressor creates an LZ4 compressor. Levels outside 1-9 use the fast mode.
func NewLZ4Compressor(level int) *LZ4Compressor {
	return &LZ4Compressor{level: level}
}

// Compress compresses data into one LZ4 frame
func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buffer bytes.Buffer

	writer := lz4.NewWriter(&buffer)

	if c.level >= 1 && c.level <= 9 {
		// lz4 levels are powers of two (Level1 = 1<<9 ... Level9 = 1<<17)
		if err := writer.Apply(lz4.CompressionLevelOption(lz4.CompressionLevel(1 << (8 + c.level)))); err != nil {
			return nil, fmt.Errorf("failed to apply compression level: %w", err)
		}
	}

	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close lz4 writer: %w", err)
	}

	return buffer.Bytes(), nil
}

// Extension returns the file extension for LZ4 compression
func (c *LZ4Compressor) Extension() string {
	return ".lz4"
}

// ContentEncoding is empty, lz4 has no registered HTTP content coding
func (c *LZ4Compressor) ContentEncoding() string {
	return ""
}
