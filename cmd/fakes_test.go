package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/airframesio/sheet-archiver/cmd/destinations"
)

// memSource is an in-memory source database. Every table has the columns
// id, ride_name and ts.
type memSource struct {
	mu        sync.Mutex
	tables    map[string][]Row
	cutoffs   []time.Time
	fetches   int
	headerErr map[string]error
	deleteErr error
	// deleteNone makes deletes succeed without removing anything, like a
	// trigger or rule that swallows the statement
	deleteNone bool
}

func newMemSource() *memSource {
	return &memSource{tables: make(map[string][]Row), headerErr: make(map[string]error)}
}

func (s *memSource) add(table string, id int64, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append(s.tables[table], Row{id, fmt.Sprintf("ride %d", id), ts})
}

func (s *memSource) ids(table string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.tables[table]))
	for _, r := range s.tables[table] {
		ids = append(ids, r[0].(int64))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *memSource) FetchHeader(_ context.Context, job ArchiveJob) (*Header, error) {
	if err := s.headerErr[job.Table]; err != nil {
		return nil, err
	}
	return newHeader(job, []ColumnInfo{
		{Name: "id", DataType: "bigint", UDTName: "int8"},
		{Name: "ride_name", DataType: "text", UDTName: "text"},
		{Name: "ts", DataType: "timestamp with time zone", UDTName: "timestamptz"},
	})
}

func (s *memSource) FetchExpiredBatch(ctx context.Context, job ArchiveJob, _ *Header, cutoff time.Time) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	s.cutoffs = append(s.cutoffs, cutoff)

	var batch Batch
	for _, r := range s.tables[job.Table] {
		if r[2].(time.Time).Before(cutoff) {
			batch = append(batch, r)
		}
	}
	sort.Slice(batch, func(i, j int) bool {
		ti, tj := batch[i][2].(time.Time), batch[j][2].(time.Time)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return batch[i][0].(int64) < batch[j][0].(int64)
	})
	if len(batch) > job.BatchSize {
		batch = batch[:job.BatchSize]
	}
	return batch, nil
}

func (s *memSource) DeleteAndCommit(ctx context.Context, job ArchiveJob, ids []interface{}) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.deleteErr != nil {
		return 0, fmt.Errorf("%w: %w", ErrSourceDelete, s.deleteErr)
	}
	if s.deleteNone {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id.(int64)] = true
	}
	var kept []Row
	var deleted int64
	for _, r := range s.tables[job.Table] {
		if drop[r[0].(int64)] {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.tables[job.Table] = kept
	return deleted, nil
}

// memDest is an in-memory destination keyed by workbook name
type memDest struct {
	mu          sync.Mutex
	workbooks   map[string]destinations.Workbook
	tables      map[string]map[string][][]string
	grants      []string
	calls       int
	wbCreates   int
	dataAppends int

	createWorkbookErr func(name string) error
	createTableErr    func(name string) error
	grantErr          func(workbook string) error
	// appendErr is consulted before every append
	appendErr func(n int) error
	onAppend  func()
}

func newMemDest() *memDest {
	return &memDest{
		workbooks: make(map[string]destinations.Workbook),
		tables:    make(map[string]map[string][][]string),
	}
}

func (d *memDest) OpenWorkbook(_ context.Context, name string) (destinations.Workbook, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	wb, ok := d.workbooks[name]
	if !ok {
		return destinations.Workbook{}, destinations.ErrWorkbookNotFound
	}
	return wb, nil
}

func (d *memDest) CreateWorkbook(_ context.Context, name, _ string) (destinations.Workbook, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.createWorkbookErr != nil {
		if err := d.createWorkbookErr(name); err != nil {
			return destinations.Workbook{}, err
		}
	}
	d.wbCreates++
	wb := destinations.Workbook{ID: fmt.Sprintf("wb-%d", d.wbCreates), Name: name}
	d.workbooks[name] = wb
	d.tables[wb.ID] = make(map[string][][]string)
	return wb, nil
}

func (d *memDest) GrantAccess(_ context.Context, wb destinations.Workbook, principal, role string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.grantErr != nil {
		if err := d.grantErr(wb.Name); err != nil {
			return err
		}
	}
	d.grants = append(d.grants, wb.Name+":"+principal+":"+role)
	return nil
}

func (d *memDest) OpenTable(_ context.Context, wb destinations.Workbook, name string) (destinations.Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if _, ok := d.tables[wb.ID][name]; !ok {
		return destinations.Table{}, destinations.ErrTableNotFound
	}
	return destinations.Table{Workbook: wb, Name: name}, nil
}

func (d *memDest) CreateTable(_ context.Context, wb destinations.Workbook, name string, header []string) (destinations.Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.createTableErr != nil {
		if err := d.createTableErr(name); err != nil {
			return destinations.Table{}, err
		}
	}
	d.tables[wb.ID][name] = [][]string{header}
	return destinations.Table{Workbook: wb, Name: name}, nil
}

func (d *memDest) AppendRows(_ context.Context, t destinations.Table, rows [][]string) error {
	d.mu.Lock()
	d.calls++
	d.dataAppends++
	if d.appendErr != nil {
		if err := d.appendErr(d.dataAppends); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	d.tables[t.Workbook.ID][t.Name] = append(d.tables[t.Workbook.ID][t.Name], rows...)
	hook := d.onAppend
	d.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// rows returns the cells stored in a workbook's table, header included
func (d *memDest) rows(workbook, table string) [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	wb, ok := d.workbooks[workbook]
	if !ok {
		return nil
	}
	return d.tables[wb.ID][table]
}

// archivedIDs returns the id cell of every stored data row
func (d *memDest) archivedIDs() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[string]int)
	for _, tables := range d.tables {
		for _, rows := range tables {
			for i, r := range rows {
				if i == 0 {
					continue
				}
				seen[r[0]]++
			}
		}
	}
	return seen
}

var errAppendRejected = errors.New("append rejected")
