package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Structural errors found while reading a table's schema
var (
	ErrEmptySchema   = errors.New("table not found or has no columns")
	ErrColumnMissing = errors.New("configured column not present in table")
)

// ColumnInfo represents metadata about a database column
type ColumnInfo struct {
	Name     string
	DataType string
	UDTName  string // PostgreSQL user-defined type name (e.g., int4, varchar, timestamp)
}

// Header is the ordered column list of a job's table, read once per job
type Header struct {
	Table          string
	Columns        []ColumnInfo
	TimestampIndex int
	PKIndex        int
}

// Names returns the column names in table order
func (h *Header) Names() []string {
	names := make([]string, len(h.Columns))
	for i, c := range h.Columns {
		names[i] = c.Name
	}
	return names
}

// Types returns the PostgreSQL type names in table order
func (h *Header) Types() []string {
	types := make([]string, len(h.Columns))
	for i, c := range h.Columns {
		types[i] = c.UDTName
	}
	return types
}

func (h *Header) index(name string) int {
	for i, c := range h.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// getTableSchema queries PostgreSQL information_schema to get column metadata
func getTableSchema(ctx context.Context, db *sql.DB, tableName string) ([]ColumnInfo, error) {
	query := `
		SELECT column_name, data_type, udt_name
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position
	`

	rows, err := db.QueryContext(ctx, query, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query table schema: %w", err)
	}
	defer rows.Close()

	columns := make([]ColumnInfo, 0)
	for rows.Next() {
		var col ColumnInfo
		if err := rows.Scan(&col.Name, &col.DataType, &col.UDTName); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		columns = append(columns, col)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schema rows: %w", err)
	}

	return columns, nil
}

// newHeader locates the job's timestamp and key columns in the schema
func newHeader(job ArchiveJob, columns []ColumnInfo) (*Header, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySchema, job.Table)
	}

	h := &Header{Table: job.Table, Columns: columns}
	h.TimestampIndex = h.index(job.TimestampColumn)
	if h.TimestampIndex < 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrColumnMissing, job.Table, job.TimestampColumn)
	}
	h.PKIndex = h.index(job.PrimaryKey)
	if h.PKIndex < 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrColumnMissing, job.Table, job.PrimaryKey)
	}
	return h, nil
}
