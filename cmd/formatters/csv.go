package formatters

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// CSVFormatter writes one record per row without a header line; the header
// is the first row appended to a table.
type CSVFormatter struct{}

// NewCSVFormatter creates a new CSV formatter
func NewCSVFormatter() *CSVFormatter {
	return &CSVFormatter{}
}

// Format converts rows to CSV records
func (f *CSVFormatter) Format(rows [][]string) ([]byte, error) {
	var buffer bytes.Buffer
	writer := csv.NewWriter(&buffer)

	if err := writer.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("failed to write CSV records: %w", err)
	}

	return buffer.Bytes(), nil
}

// Extension returns the file extension for CSV files
func (f *CSVFormatter) Extension() string {
	return ".csv"
}

// MIMEType returns the MIME type for CSV
func (f *CSVFormatter) MIMEType() string {
	return "text/csv"
}
