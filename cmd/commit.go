package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrSourceDelete means rows were written to the destination but are still
// in the source. They will be archived again on the next run.
var ErrSourceDelete = errors.New("failed to delete archived rows from source")

// ErrNothingDeleted means a delete succeeded but matched none of the archived
// rows, so they are still eligible for archiving.
var ErrNothingDeleted = errors.New("delete matched no archived rows")

// Committer removes archived rows from the source
type Committer interface {
	DeleteAndCommit(ctx context.Context, job ArchiveJob, ids []interface{}) (int64, error)
}

// CommitCoordinator deletes by explicit primary key list in one transaction
type CommitCoordinator struct {
	db *sql.DB
}

func NewCommitCoordinator(db *sql.DB) *CommitCoordinator {
	return &CommitCoordinator{db: db}
}

func buildDeleteQuery(job ArchiveJob) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)", //nolint:gosec // identifiers are quoted
		pq.QuoteIdentifier(job.Table),
		pq.QuoteIdentifier(job.PrimaryKey))
}

// DeleteAndCommit deletes exactly ids and commits. A single id is sent as a
// one-element array, the same statement as for many.
func (c *CommitCoordinator) DeleteAndCommit(ctx context.Context, job ArchiveJob, ids []interface{}) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %w", ErrSourceDelete, err)
	}

	res, err := tx.ExecContext(ctx, buildDeleteQuery(job), pq.GenericArray{A: ids})
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("%w: %s: %w", ErrSourceDelete, job.Table, err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("%w: %s: %w", ErrSourceDelete, job.Table, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit %s: %w", ErrSourceDelete, job.Table, err)
	}

	return deleted, nil
}
