package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/airframesio/sheet-archiver/cmd/destinations"
)

// ErrResolveFailed wraps any failure to find or create a workbook or table
var ErrResolveFailed = errors.New("failed to resolve destination")

type tableKey struct {
	workbookID string
	table      string
}

// Resolver maps partitions to destination workbooks and tables. Lookups are
// cached for the life of the Resolver. Nothing is ever invalidated.
type Resolver struct {
	dest      destinations.Destination
	names     *NameTemplate
	location  string
	shareWith string
	shareRole string
	logger    *slog.Logger

	workbooks map[string]destinations.Workbook
	tables    map[tableKey]destinations.Table
}

func NewResolver(dest destinations.Destination, names *NameTemplate, archive ArchiveConfig, logger *slog.Logger) *Resolver {
	return &Resolver{
		dest:      dest,
		names:     names,
		location:  archive.Location,
		shareWith: archive.ShareWith,
		shareRole: archive.ShareRole,
		logger:    logger,
		workbooks: make(map[string]destinations.Workbook),
		tables:    make(map[tableKey]destinations.Table),
	}
}

// WorkbookName is the name a partition's workbook has or will have
func (r *Resolver) WorkbookName(partition PartitionID, table string) string {
	return r.names.Generate(partition, table)
}

// ResolveWorkbook opens the partition's workbook, creating it when it does
// not exist yet. The share grant is repeated for workbooks that already exist
// so a grant that failed after creation is completed on a later run.
func (r *Resolver) ResolveWorkbook(ctx context.Context, partition PartitionID, table string) (destinations.Workbook, error) {
	name := r.WorkbookName(partition, table)
	if wb, ok := r.workbooks[name]; ok {
		return wb, nil
	}

	wb, err := r.dest.OpenWorkbook(ctx, name)
	switch {
	case err == nil:
		r.logger.Debug(fmt.Sprintf("  📒 Found workbook: %s", name))
	case errors.Is(err, destinations.ErrWorkbookNotFound):
		r.logger.Info(fmt.Sprintf("  📒 Creating workbook: %s", name))
		wb, err = r.dest.CreateWorkbook(ctx, name, r.location)
		if err != nil {
			return destinations.Workbook{}, fmt.Errorf("%w: %w", ErrResolveFailed, err)
		}
	default:
		return destinations.Workbook{}, fmt.Errorf("%w: %w", ErrResolveFailed, err)
	}

	if r.shareWith != "" {
		if err := r.dest.GrantAccess(ctx, wb, r.shareWith, r.shareRole); err != nil {
			return destinations.Workbook{}, fmt.Errorf("%w: %w", ErrResolveFailed, err)
		}
		r.logger.Debug(fmt.Sprintf("  🔑 Shared %s with %s (%s)", name, r.shareWith, r.shareRole))
	}

	r.workbooks[name] = wb
	return wb, nil
}

// ResolveTable opens the named table in wb. A new table is created together
// with its header row, so every table the destination reports has a header.
func (r *Resolver) ResolveTable(ctx context.Context, wb destinations.Workbook, table string, header *Header) (destinations.Table, error) {
	key := tableKey{workbookID: wb.ID, table: table}
	if t, ok := r.tables[key]; ok {
		return t, nil
	}

	t, err := r.dest.OpenTable(ctx, wb, table)
	switch {
	case err == nil:
		r.logger.Debug(fmt.Sprintf("  📄 Found table: %s/%s", wb.Name, table))
	case errors.Is(err, destinations.ErrTableNotFound):
		r.logger.Info(fmt.Sprintf("  📄 Creating table: %s/%s", wb.Name, table))
		t, err = r.dest.CreateTable(ctx, wb, table, header.Names())
		if err != nil {
			return destinations.Table{}, fmt.Errorf("%w: %w", ErrResolveFailed, err)
		}
	default:
		return destinations.Table{}, fmt.Errorf("%w: %w", ErrResolveFailed, err)
	}

	r.tables[key] = t
	return t, nil
}
