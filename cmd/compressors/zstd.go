package compressors

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor handles Zstandard compression
type ZstdCompressor struct {
	level zstd.EncoderLevel
}

// NewZstdCompressor maps a 1-22 level onto the encoder's speed presets
func NewZstdCompressor(level int) *ZstdCompressor {
	var encoderLevel zstd.EncoderLevel
	switch {
	case level <= 0:
		encoderLevel = zstd.SpeedDefault
	case level <= 2:
		encoderLevel = zstd.SpeedFastest
	case level <= 6:
		encoderLevel = zstd.SpeedDefault
	case level <= 12:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedBestCompression
	}
	return &ZstdCompressor{level: encoderLevel}
}

// Compress compresses data into a single zstd frame
func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	// Parts are small, a single goroutine keeps EncodeAll allocation-light
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(c.level),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Extension returns the file extension for Zstandard compression
func (c *ZstdCompressor) Extension() string {
	return ".zst"
}

// ContentEncoding returns the HTTP content coding for zstd
func (c *ZstdCompressor) ContentEncoding() string {
	return "zstd"
}
