package destinations

import (
	"context"
	"errors"
)

// Static errors shared by all destination backends
var (
	ErrWorkbookNotFound = errors.New("workbook not found")
	ErrTableNotFound    = errors.New("table not found")
	// ErrAmbiguousAppend is returned when the service accepted an append call
	// but did not confirm every row. Callers must treat it as a failed write.
	ErrAmbiguousAppend = errors.New("append not fully confirmed by destination")
)

// Workbook identifies one destination workbook (a spreadsheet, or a
// directory/prefix for blob backends).
type Workbook struct {
	ID   string
	Name string
}

// Table identifies one sub-table inside a workbook.
type Table struct {
	Workbook Workbook
	ID       int64
	Name     string
}

// Destination is the set of operations the archival pipeline needs from an
// archive service. OpenWorkbook and OpenTable must report absence with
// ErrWorkbookNotFound and ErrTableNotFound so that lookups can be told apart
// from connectivity problems. GrantAccess must be safe to repeat.
type Destination interface {
	OpenWorkbook(ctx context.Context, name string) (Workbook, error)
	CreateWorkbook(ctx context.Context, name, location string) (Workbook, error)
	GrantAccess(ctx context.Context, wb Workbook, principal, role string) error
	OpenTable(ctx context.Context, wb Workbook, name string) (Table, error)
	// CreateTable creates the table with header as its first row. A table
	// that OpenTable can see always has its header.
	CreateTable(ctx context.Context, wb Workbook, name string, header []string) (Table, error)
	// AppendRows either durably adds all rows or returns an error.
	AppendRows(ctx context.Context, t Table, rows [][]string) error
}
