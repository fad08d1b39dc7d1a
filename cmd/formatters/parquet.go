package formatters

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// ParquetRow is the on-disk shape of one archived row. Cells keep the column
// order of the source table, matching what a spreadsheet tab would hold.
type ParquetRow struct {
	Cells []string `parquet:"cells"`
}

// ParquetFormatter handles Parquet format output
type ParquetFormatter struct {
	compression string
}

// NewParquetFormatter creates a Parquet formatter with the given page codec
func NewParquetFormatter(compression string) *ParquetFormatter {
	return &ParquetFormatter{
		compression: compression,
	}
}

func (f *ParquetFormatter) codec() parquet.WriterOption {
	switch f.compression {
	case "zstd":
		return parquet.Compression(&parquet.Zstd)
	case "gzip":
		return parquet.Compression(&parquet.Gzip)
	case "lz4":
		return parquet.Compression(&parquet.Lz4Raw)
	case "none":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		// Snappy is the usual Parquet default
		return parquet.Compression(&parquet.Snappy)
	}
}

// Format converts rows to a single Parquet file
func (f *ParquetFormatter) Format(rows [][]string) ([]byte, error) {
	var buffer bytes.Buffer

	writer := parquet.NewGenericWriter[ParquetRow](&buffer, f.codec())

	records := make([]ParquetRow, len(rows))
	for i, row := range rows {
		records[i] = ParquetRow{Cells: row}
	}

	if _, err := writer.Write(records); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to write parquet rows: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close parquet writer: %w", err)
	}

	return buffer.Bytes(), nil
}

// Extension returns the file extension for Parquet files
func (f *ParquetFormatter) Extension() string {
	return ".parquet"
}

// MIMEType returns the MIME type for Parquet
func (f *ParquetFormatter) MIMEType() string {
	return "application/vnd.apache.parquet"
}
