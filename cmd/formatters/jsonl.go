package formatters

import (
	"bytes"
	"encoding/json"
)

// JSONLFormatter writes each row as a JSON array of strings on its own line
type JSONLFormatter struct{}

// NewJSONLFormatter creates a new JSONL formatter
func NewJSONLFormatter() *JSONLFormatter {
	return &JSONLFormatter{}
}

// Format converts rows to JSONL
func (f *JSONLFormatter) Format(rows [][]string) ([]byte, error) {
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)

	for _, row := range rows {
		if row == nil {
			row = []string{}
		}
		// Encode appends the newline
		if err := encoder.Encode(row); err != nil {
			return nil, err
		}
	}

	return buffer.Bytes(), nil
}

// Extension returns the file extension for JSONL files
func (f *JSONLFormatter) Extension() string {
	return ".jsonl"
}

// MIMEType returns the MIME type for JSONL
func (f *JSONLFormatter) MIMEType() string {
	return "application/x-ndjson"
}
