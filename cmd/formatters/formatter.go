package formatters

import (
	"errors"
	"fmt"
)

// Format type constants
const (
	FormatCSV     = "csv"
	FormatJSONL   = "jsonl"
	FormatParquet = "parquet"
)

// ErrUnsupportedFormat is returned for an unknown output format name
var ErrUnsupportedFormat = errors.New("unsupported output format")

// Formatter encodes a block of text rows into one archive part
type Formatter interface {
	// Format encodes rows in their given column order
	Format(rows [][]string) ([]byte, error)

	// Extension returns the file extension for this format (e.g., ".jsonl", ".csv", ".parquet")
	Extension() string

	// MIMEType returns the MIME type for this format
	MIMEType() string
}

// GetFormatter returns the formatter for a format name. compression is only
// used by formats that compress internally.
func GetFormatter(format, compression string) (Formatter, error) {
	switch format {
	case FormatCSV:
		return NewCSVFormatter(), nil
	case FormatJSONL:
		return NewJSONLFormatter(), nil
	case FormatParquet:
		return NewParquetFormatter(compression), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// UsesInternalCompression returns true if the format handles compression internally
func UsesInternalCompression(format string) bool {
	return format == FormatParquet
}
