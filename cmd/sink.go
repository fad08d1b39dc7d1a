package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/airframesio/sheet-archiver/cmd/destinations"
	"github.com/airframesio/sheet-archiver/cmd/formatters"
)

// ErrAppendFailed means rows were not confirmed by the destination
var ErrAppendFailed = errors.New("failed to append rows to destination")

// SinkWriter serializes rows to text cells and appends them
type SinkWriter struct {
	dest destinations.Destination
}

func NewSinkWriter(dest destinations.Destination) *SinkWriter {
	return &SinkWriter{dest: dest}
}

// AppendRows writes every row or returns ErrAppendFailed. It never retries.
func (w *SinkWriter) AppendRows(ctx context.Context, t destinations.Table, rows []Row, header *Header) error {
	types := header.Types()
	cells := make([][]string, len(rows))
	for i, row := range rows {
		cells[i] = formatters.FormatRow(row, types)
	}

	if err := w.dest.AppendRows(ctx, t, cells); err != nil {
		return fmt.Errorf("%w: %d rows to %s/%s: %w", ErrAppendFailed, len(rows), t.Workbook.Name, t.Name, err)
	}
	return nil
}
