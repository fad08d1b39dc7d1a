package destinations

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/airframesio/sheet-archiver/cmd/compressors"
	"github.com/airframesio/sheet-archiver/cmd/formatters"
)

const (
	workbookMarker = "_workbook.json"
	tableMarker    = "_table.json"
	grantsDir      = "_grants"
	markerType     = "application/json"
)

// ObjectStore is the minimal key/value surface a blob destination needs.
// Put must be atomic: a reader never observes a partially written object.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, data []byte, contentType, contentEncoding string) error
}

type marker struct {
	Name      string    `json:"name"`
	Location  string    `json:"location,omitempty"`
	Principal string    `json:"principal,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Blob archives into an object store. A workbook is a key prefix, a table a
// sub-prefix, and every append becomes its own immutable part object.
type Blob struct {
	store      ObjectStore
	prefix     string
	formatter  formatters.Formatter
	compressor compressors.Compressor
	now        func() time.Time
	seq        atomic.Uint64
}

// NewBlob creates a blob destination rooted at prefix
func NewBlob(store ObjectStore, prefix string, formatter formatters.Formatter, compressor compressors.Compressor) *Blob {
	return &Blob{
		store:      store,
		prefix:     strings.Trim(prefix, "/"),
		formatter:  formatter,
		compressor: compressor,
		now:        time.Now,
	}
}

func (b *Blob) OpenWorkbook(ctx context.Context, name string) (Workbook, error) {
	wb := Workbook{ID: path.Join(b.prefix, sanitizeSegment(name)), Name: name}

	ok, err := b.store.Exists(ctx, path.Join(wb.ID, workbookMarker))
	if err != nil {
		return Workbook{}, fmt.Errorf("failed to look up workbook %q: %w", name, err)
	}
	if !ok {
		return Workbook{}, fmt.Errorf("%w: %s", ErrWorkbookNotFound, name)
	}
	return wb, nil
}

func (b *Blob) CreateWorkbook(ctx context.Context, name, location string) (Workbook, error) {
	wb := Workbook{ID: path.Join(b.prefix, sanitizeSegment(name)), Name: name}

	if err := b.putMarker(ctx, path.Join(wb.ID, workbookMarker), marker{Name: name, Location: location}); err != nil {
		return Workbook{}, fmt.Errorf("failed to create workbook %q: %w", name, err)
	}
	return wb, nil
}

// GrantAccess only records the grant next to the workbook.
func (b *Blob) GrantAccess(ctx context.Context, wb Workbook, principal, role string) error {
	key := path.Join(wb.ID, grantsDir, sanitizeSegment(principal)+".json")
	if err := b.putMarker(ctx, key, marker{Name: wb.Name, Principal: principal, Role: role}); err != nil {
		return fmt.Errorf("failed to record grant for %s on %q: %w", principal, wb.Name, err)
	}
	return nil
}

func (b *Blob) OpenTable(ctx context.Context, wb Workbook, name string) (Table, error) {
	ok, err := b.store.Exists(ctx, path.Join(wb.ID, sanitizeSegment(name), tableMarker))
	if err != nil {
		return Table{}, fmt.Errorf("failed to look up table %q in %q: %w", name, wb.Name, err)
	}
	if !ok {
		return Table{}, fmt.Errorf("%w: %s in %s", ErrTableNotFound, name, wb.Name)
	}
	return Table{Workbook: wb, Name: name}, nil
}

// CreateTable writes the header part before the table marker, so a failure
// between the two leaves a table that OpenTable still reports as missing.
// The header part has a fixed key and sorts ahead of every data part.
func (b *Blob) CreateTable(ctx context.Context, wb Workbook, name string, header []string) (Table, error) {
	t := Table{Workbook: wb, Name: name}
	dir := path.Join(wb.ID, sanitizeSegment(name))

	if err := b.putPart(ctx, path.Join(dir, b.headerPartName()), [][]string{header}); err != nil {
		return Table{}, fmt.Errorf("failed to write header for table %q in %q: %w", name, wb.Name, err)
	}
	if err := b.putMarker(ctx, path.Join(dir, tableMarker), marker{Name: name}); err != nil {
		return Table{}, fmt.Errorf("failed to create table %q in %q: %w", name, wb.Name, err)
	}
	return t, nil
}

// AppendRows writes rows as one new part. Parts sort by creation time.
func (b *Blob) AppendRows(ctx context.Context, t Table, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	return b.putPart(ctx, path.Join(t.Workbook.ID, sanitizeSegment(t.Name), b.partName()), rows)
}

func (b *Blob) putPart(ctx context.Context, key string, rows [][]string) error {
	data, err := b.formatter.Format(rows)
	if err != nil {
		return fmt.Errorf("failed to encode %d rows: %w", len(rows), err)
	}

	data, err = b.compressor.Compress(data)
	if err != nil {
		return fmt.Errorf("failed to compress %d rows: %w", len(rows), err)
	}

	if err := b.store.Put(ctx, key, data, b.formatter.MIMEType(), b.compressor.ContentEncoding()); err != nil {
		return fmt.Errorf("failed to write part %s: %w", key, err)
	}
	return nil
}

func (b *Blob) partName() string {
	return fmt.Sprintf("part-%d-%06d%s%s",
		b.now().UnixNano(), b.seq.Add(1), b.formatter.Extension(), b.compressor.Extension())
}

func (b *Blob) headerPartName() string {
	return "part-0-000000" + b.formatter.Extension() + b.compressor.Extension()
}

func (b *Blob) putMarker(ctx context.Context, key string, m marker) error {
	m.CreatedAt = b.now().UTC()
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.store.Put(ctx, key, data, markerType, "")
}

// sanitizeSegment turns a display name into a single safe path segment
func sanitizeSegment(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))

	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return "_"
	}
	return cleaned
}
