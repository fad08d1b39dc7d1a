package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// BatchSource reads a job's schema and its expired rows
type BatchSource interface {
	FetchHeader(ctx context.Context, job ArchiveJob) (*Header, error)
	FetchExpiredBatch(ctx context.Context, job ArchiveJob, header *Header, cutoff time.Time) (Batch, error)
}

// SourceReader reads from PostgreSQL. Every call goes to the database.
type SourceReader struct {
	db *sql.DB
}

func NewSourceReader(db *sql.DB) *SourceReader {
	return &SourceReader{db: db}
}

// FetchHeader reads the column list of the job's table
func (s *SourceReader) FetchHeader(ctx context.Context, job ArchiveJob) (*Header, error) {
	columns, err := getTableSchema(ctx, s.db, job.Table)
	if err != nil {
		return nil, s.classify(err)
	}
	return newHeader(job, columns)
}

// buildFetchQuery selects the header columns of rows older than $1, oldest
// first, at most $2 of them
func buildFetchQuery(job ArchiveJob, header *Header) string {
	quoted := make([]string, len(header.Columns))
	for i, c := range header.Columns {
		quoted[i] = pq.QuoteIdentifier(c.Name)
	}
	ts := pq.QuoteIdentifier(job.TimestampColumn)

	return fmt.Sprintf("SELECT %s FROM %s WHERE %s < $1 ORDER BY %s, %s LIMIT $2", //nolint:gosec // identifiers are quoted
		strings.Join(quoted, ", "),
		pq.QuoteIdentifier(job.Table),
		ts,
		ts,
		pq.QuoteIdentifier(job.PrimaryKey),
	)
}

// FetchExpiredBatch returns up to BatchSize rows with timestamp < cutoff
func (s *SourceReader) FetchExpiredBatch(ctx context.Context, job ArchiveJob, header *Header, cutoff time.Time) (Batch, error) {
	rows, err := s.db.QueryContext(ctx, buildFetchQuery(job, header), cutoff, job.BatchSize)
	if err != nil {
		return nil, s.classify(fmt.Errorf("failed to fetch expired rows from %s: %w", job.Table, err))
	}
	defer rows.Close()

	batch := make(Batch, 0, job.BatchSize)
	for rows.Next() {
		values := make([]interface{}, len(header.Columns))
		ptrs := make([]interface{}, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row from %s: %w", job.Table, err)
		}
		for i, v := range values {
			// lib/pq hands back numeric, uuid and text-like types as []byte
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		batch = append(batch, Row(values))
	}

	if err := rows.Err(); err != nil {
		return nil, s.classify(fmt.Errorf("error iterating rows from %s: %w", job.Table, err))
	}

	return batch, nil
}

func (s *SourceReader) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isConnectionError(err) {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	return err
}
