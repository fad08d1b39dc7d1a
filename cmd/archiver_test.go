package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	source   *memSource
	dest     *memDest
	config   *Config
	jobs     []ArchiveJob
	logs     *bytes.Buffer
	archiver *Archiver
}

func newHarness(t *testing.T, tables ...string) *harness {
	t.Helper()
	if len(tables) == 0 {
		tables = []string{"T"}
	}

	h := &harness{
		source: newMemSource(),
		dest:   newMemDest(),
		config: &Config{
			Destination: DestinationLocal,
			Archive:     ArchiveConfig{Label: "Archive", NameTemplate: "{label}-{partition}"},
		},
		logs: &bytes.Buffer{},
	}
	for _, table := range tables {
		h.jobs = append(h.jobs, ArchiveJob{
			Table:           table,
			TimestampColumn: "ts",
			PrimaryKey:      "id",
			Retention:       90 * 24 * time.Hour,
			BatchSize:       10,
		})
	}
	return h
}

// run builds the archiver on first use so tests can adjust config and jobs
func (h *harness) run(ctx context.Context) ([]JobResult, error) {
	logger := newLogger(h.logs, true, "text")
	pipeline := Pipeline{
		Source:   h.source,
		Commit:   h.source,
		Resolver: NewResolver(h.dest, NewNameTemplate(h.config.Archive.NameTemplate, h.config.Archive.Label), h.config.Archive, logger),
		Sink:     NewSinkWriter(h.dest),
	}
	h.archiver = NewArchiver(h.config, h.jobs, pipeline, logger).WithClock(func() time.Time { return testNow })
	return h.archiver.Run(ctx)
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 8, 0, 0, 0, time.UTC)
}

// seedTwoYears adds 12 rows in 2024, 5 in 2025 and 2 rows that are too recent
func seedTwoYears(s *memSource, table string) {
	for i := 1; i <= 12; i++ {
		s.add(table, int64(i), day(2024, 11, i))
	}
	for i := 13; i <= 17; i++ {
		s.add(table, int64(i), day(2025, 2, i))
	}
	s.add(table, 18, testNow.Add(-time.Hour))
	s.add(table, 19, testNow.Add(-89*24*time.Hour))
}

func TestArchiveAcrossPartitions(t *testing.T) {
	h := newHarness(t)
	seedTwoYears(h.source, "T")

	results, err := h.run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ExitCode(err) != 0 {
		t.Fatalf("expected exit code 0, got %d", ExitCode(err))
	}

	r := results[0]
	if r.State != StateDone {
		t.Fatalf("expected DONE, got %s", r.State)
	}
	if r.Archived != 17 || r.Iterations != 3 {
		t.Fatalf("expected 17 rows in 3 iterations, got %d in %d", r.Archived, r.Iterations)
	}
	if len(r.Partitions) != 2 || r.Partitions[0] != 2024 || r.Partitions[1] != 2025 {
		t.Fatalf("unexpected partitions %v", r.Partitions)
	}
	// three writes plus the empty fetch that ends the job
	if h.source.fetches != 4 {
		t.Fatalf("expected 4 fetches, got %d", h.source.fetches)
	}

	if rows := h.dest.rows("Archive-2024", "T"); len(rows) != 13 {
		t.Fatalf("expected header and 12 rows in Archive-2024, got %d", len(rows))
	}
	rows2025 := h.dest.rows("Archive-2025", "T")
	if len(rows2025) != 6 {
		t.Fatalf("expected header and 5 rows in Archive-2025, got %d", len(rows2025))
	}
	if rows2025[0][0] != "id" || rows2025[1][0] != "13" || rows2025[5][0] != "17" {
		t.Fatalf("unexpected 2025 rows %v", rows2025)
	}

	remaining := h.source.ids("T")
	if len(remaining) != 2 || remaining[0] != 18 || remaining[1] != 19 {
		t.Fatalf("only unexpired rows should remain, got %v", remaining)
	}
}

func TestArchiveSmallPageScenario(t *testing.T) {
	for _, failCreate := range []bool{false, true} {
		name := "success"
		if failCreate {
			name = "2025 workbook fails"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			for i := int64(1); i <= 3; i++ {
				h.source.add("T", i, day(2024, 5, int(i)))
			}
			h.source.add("T", 4, day(2025, 1, 1))
			h.source.add("T", 5, day(2025, 1, 2))
			if failCreate {
				h.dest.createWorkbookErr = func(name string) error {
					if name == "Archive-2025" {
						return errors.New("permission denied")
					}
					return nil
				}
			}

			results, err := h.run(context.Background())
			r := results[0]
			if rows := h.dest.rows("Archive-2024", "T"); len(rows) != 4 {
				t.Fatalf("expected header and 3 rows in Archive-2024, got %v", rows)
			}

			if failCreate {
				if ExitCode(err) == 0 || r.State != StateAborted {
					t.Fatalf("expected ABORTED and non-zero exit, got %s / %v", r.State, err)
				}
				if remaining := h.source.ids("T"); len(remaining) != 2 || remaining[0] != 4 || remaining[1] != 5 {
					t.Fatalf("2025 rows must stay untouched, got %v", remaining)
				}
				return
			}

			if err != nil || r.State != StateDone {
				t.Fatalf("expected DONE, got %s / %v", r.State, err)
			}
			if r.Iterations != 2 || h.source.fetches != 3 {
				t.Fatalf("expected 2 slices and 3 fetches, got %d and %d", r.Iterations, h.source.fetches)
			}
			if rows := h.dest.rows("Archive-2025", "T"); len(rows) != 3 {
				t.Fatalf("expected header and 2 rows in Archive-2025, got %v", rows)
			}
			if remaining := h.source.ids("T"); len(remaining) != 0 {
				t.Fatalf("expected empty source, got %v", remaining)
			}
		})
	}
}

func TestArchiveSingleRowPage(t *testing.T) {
	h := newHarness(t)
	for i := int64(1); i <= 11; i++ {
		h.source.add("T", i, day(2024, 3, int(i)))
	}

	results, err := h.run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Archived != 11 || results[0].Iterations != 2 {
		t.Fatalf("expected 11 rows in 2 iterations, got %d in %d", results[0].Archived, results[0].Iterations)
	}
	if remaining := h.source.ids("T"); len(remaining) != 0 {
		t.Fatalf("the last single row must be deleted too, got %v", remaining)
	}
}

func TestArchiveWorkbookCreateFails(t *testing.T) {
	h := newHarness(t)
	seedTwoYears(h.source, "T")
	h.dest.createWorkbookErr = func(name string) error {
		if name == "Archive-2025" {
			return errors.New("storage quota exceeded")
		}
		return nil
	}

	results, err := h.run(context.Background())
	if !errors.Is(err, ErrJobAborted) || !errors.Is(err, ErrResolveFailed) {
		t.Fatalf("expected aborted job with resolve failure, got %v", err)
	}
	if ExitCode(err) != 1 {
		t.Fatalf("expected exit code 1, got %d", ExitCode(err))
	}

	r := results[0]
	if r.State != StateAborted || r.FailedIn != StateSlicing {
		t.Fatalf("expected ABORTED in SLICING, got %s in %s", r.State, r.FailedIn)
	}
	if r.Archived != 12 {
		t.Fatalf("expected the 2024 rows archived, got %d", r.Archived)
	}

	remaining := h.source.ids("T")
	if len(remaining) != 7 || remaining[0] != 13 {
		t.Fatalf("2025 rows must stay in the source, got %v", remaining)
	}
	if !strings.Contains(h.logs.String(), "No rows were deleted for the failed batch") {
		t.Fatalf("expected no-delete notice in logs:\n%s", h.logs.String())
	}
}

func TestArchiveNoLossOnWriteFailure(t *testing.T) {
	for failOn := 1; failOn <= 3; failOn++ {
		t.Run("append "+strconv.Itoa(failOn), func(t *testing.T) {
			h := newHarness(t)
			seedTwoYears(h.source, "T")
			h.dest.appendErr = func(n int) error {
				if n == failOn {
					return errAppendRejected
				}
				return nil
			}

			results, err := h.run(context.Background())
			if !errors.Is(err, ErrAppendFailed) {
				t.Fatalf("expected ErrAppendFailed, got %v", err)
			}
			if results[0].Iterations != failOn-1 {
				t.Fatalf("expected %d completed iterations, got %d", failOn-1, results[0].Iterations)
			}

			// Every row is either still in the source or archived exactly once
			archived := h.dest.archivedIDs()
			inSource := make(map[string]bool)
			for _, id := range h.source.ids("T") {
				inSource[strconv.FormatInt(id, 10)] = true
			}
			for id := 1; id <= 19; id++ {
				key := strconv.Itoa(id)
				switch {
				case inSource[key] && archived[key] > 0:
					t.Fatalf("row %s is in both source and archive", key)
				case !inSource[key] && archived[key] != 1:
					t.Fatalf("row %s was deleted but archived %d times", key, archived[key])
				}
			}
			if int64(len(archived)) != results[0].Archived {
				t.Fatalf("archive holds %d rows, result says %d", len(archived), results[0].Archived)
			}
		})
	}
}

func TestArchiveCutoffIsStrict(t *testing.T) {
	h := newHarness(t)
	h.jobs[0].Retention = 24 * time.Hour
	cutoff := testNow.Add(-24 * time.Hour)

	h.source.add("T", 1, cutoff.Add(-time.Nanosecond))
	h.source.add("T", 2, cutoff)
	h.source.add("T", 3, cutoff.Add(time.Second))

	results, err := h.run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Archived != 1 {
		t.Fatalf("expected only the row before the cutoff, got %d", results[0].Archived)
	}
	for _, c := range h.source.cutoffs {
		if !c.Equal(cutoff) {
			t.Fatalf("expected every fetch to use cutoff %s, got %s", cutoff, c)
		}
	}
	if remaining := h.source.ids("T"); len(remaining) != 2 || remaining[0] != 2 {
		t.Fatalf("rows at or after the cutoff must stay, got %v", remaining)
	}
}

func TestArchiveContinuesAfterAbortedJob(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.source.headerErr["A"] = ErrEmptySchema
	h.source.add("B", 1, day(2024, 1, 1))

	results, err := h.run(context.Background())
	if !errors.Is(err, ErrJobAborted) || !errors.Is(err, ErrEmptySchema) {
		t.Fatalf("expected aborted job A, got %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].State != StateAborted {
		t.Fatalf("expected A aborted, got %s", results[0].State)
	}
	if results[1].State != StateDone || results[1].Archived != 1 {
		t.Fatalf("expected B done with 1 row, got %s with %d", results[1].State, results[1].Archived)
	}
}

func TestArchiveCancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	seedTwoYears(h.source, "T")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ExitCode(err) != exitCancelled {
		t.Fatalf("expected exit code %d, got %d", exitCancelled, ExitCode(err))
	}
	if h.dest.calls != 0 {
		t.Fatalf("nothing should be written, got %d destination calls", h.dest.calls)
	}
}

func TestArchiveCancelDuringAppendStillDeletes(t *testing.T) {
	h := newHarness(t)
	seedTwoYears(h.source, "T")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.dest.onAppend = cancel

	results, err := h.run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if results[0].Archived != 10 {
		t.Fatalf("expected the confirmed batch to be archived, got %d", results[0].Archived)
	}

	// The first ten rows were confirmed by the destination so they must be gone
	remaining := h.source.ids("T")
	if len(remaining) != 9 || remaining[0] != 11 {
		t.Fatalf("expected rows 11-19 left, got %v", remaining)
	}
}

func TestArchiveDeleteFailureLogsReconcile(t *testing.T) {
	h := newHarness(t)
	seedTwoYears(h.source, "T")
	h.source.deleteErr = errors.New("permission denied")

	results, err := h.run(context.Background())
	if !errors.Is(err, ErrSourceDelete) {
		t.Fatalf("expected ErrSourceDelete, got %v", err)
	}
	if results[0].FailedIn != StateDeleting {
		t.Fatalf("expected failure in DELETING, got %s", results[0].FailedIn)
	}
	logs := h.logs.String()
	if !strings.Contains(logs, "RECONCILE: T: 10 rows were appended to Archive-2024/T") {
		t.Fatalf("expected reconcile line in logs:\n%s", logs)
	}
	if !strings.Contains(logs, "ids 1 to 10") {
		t.Fatalf("expected id range in logs:\n%s", logs)
	}
	if len(h.source.ids("T")) != 19 {
		t.Fatal("source rows must be untouched when the delete fails")
	}
}

func TestArchiveDeleteMatchingNothingStops(t *testing.T) {
	h := newHarness(t)
	seedTwoYears(h.source, "T")
	h.source.deleteNone = true

	results, err := h.run(context.Background())
	if !errors.Is(err, ErrSourceDelete) || !errors.Is(err, ErrNothingDeleted) {
		t.Fatalf("expected ErrSourceDelete wrapping ErrNothingDeleted, got %v", err)
	}
	r := results[0]
	if r.FailedIn != StateDeleting || r.Archived != 0 || r.Iterations != 0 {
		t.Fatalf("expected abort in DELETING with nothing counted, got %s, %d rows, %d iterations", r.FailedIn, r.Archived, r.Iterations)
	}
	if h.dest.dataAppends != 1 || h.source.fetches != 1 {
		t.Fatalf("expected a single fetch and append, got %d fetches and %d appends", h.source.fetches, h.dest.dataAppends)
	}
	if archived := h.dest.archivedIDs(); len(archived) != 10 || archived["1"] != 1 {
		t.Fatalf("expected the first batch appended once, got %v", archived)
	}
	if !strings.Contains(h.logs.String(), "RECONCILE: T: 10 rows were appended to Archive-2024/T but the delete removed none") {
		t.Fatalf("expected reconcile line in logs:\n%s", h.logs.String())
	}
	if len(h.source.ids("T")) != 19 {
		t.Fatal("source rows must be untouched")
	}
}

func TestArchiveCutoffIsUTC(t *testing.T) {
	h := newHarness(t)
	h.source.add("T", 1, day(2024, 1, 1))
	pacific := time.FixedZone("PDT", -7*60*60)

	logger := newLogger(h.logs, false, "text")
	pipeline := Pipeline{
		Source:   h.source,
		Commit:   h.source,
		Resolver: NewResolver(h.dest, NewNameTemplate(h.config.Archive.NameTemplate, h.config.Archive.Label), h.config.Archive, logger),
		Sink:     NewSinkWriter(h.dest),
	}
	_, err := NewArchiver(h.config, h.jobs, pipeline, logger).
		WithClock(func() time.Time { return testNow.In(pacific) }).
		Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := testNow.Add(-h.jobs[0].Retention)
	for _, c := range h.source.cutoffs {
		if c.Location() != time.UTC || !c.Equal(want) {
			t.Fatalf("expected cutoff %s in UTC, got %s", want, c)
		}
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.config.DryRun = true
	seedTwoYears(h.source, "T")
	h.jobs[0].BatchSize = 15

	results, err := h.run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := results[0]
	if r.State != StateDone || r.Archived != 0 {
		t.Fatalf("expected DONE with nothing archived, got %s with %d", r.State, r.Archived)
	}
	if len(r.Partitions) != 2 {
		t.Fatalf("expected the first page to span 2 partitions, got %v", r.Partitions)
	}
	if h.dest.calls != 0 {
		t.Fatalf("dry run must not touch the destination, got %d calls", h.dest.calls)
	}
	if len(h.source.ids("T")) != 19 {
		t.Fatal("dry run must not delete")
	}
	if h.source.fetches != 1 {
		t.Fatalf("dry run fetches one page, got %d", h.source.fetches)
	}

	logs := h.logs.String()
	if !strings.Contains(logs, "Would append 12 rows") || !strings.Contains(logs, "to Archive-2025/T") {
		t.Fatalf("expected dry run plan in logs:\n%s", logs)
	}
}

func TestArchiveRemovesStatusFiles(t *testing.T) {
	h := newHarness(t)
	h.source.add("T", 1, day(2024, 1, 1))
	status := StatusFiles{Dir: t.TempDir()}

	logger := newLogger(io.Discard, false, "text")
	pipeline := Pipeline{
		Source:   h.source,
		Commit:   h.source,
		Resolver: NewResolver(h.dest, NewNameTemplate("{label}-{partition}", "Archive"), h.config.Archive, logger),
		Sink:     NewSinkWriter(h.dest),
	}
	archiver := NewArchiver(h.config, h.jobs, pipeline, logger).WithStatusFiles(status)

	if _, err := archiver.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(status.PIDFilePath()); !os.IsNotExist(err) {
		t.Fatalf("PID file should be removed, stat error: %v", err)
	}
	if _, err := os.Stat(status.TaskFilePath()); !os.IsNotExist(err) {
		t.Fatalf("task file should be removed, stat error: %v", err)
	}
}

func TestFormatRetention(t *testing.T) {
	tests := map[time.Duration]string{
		90 * 24 * time.Hour: "90d",
		36 * time.Hour:      "36h0m0s",
	}
	for d, want := range tests {
		if got := formatRetention(d); got != want {
			t.Fatalf("formatRetention(%s) = %s, want %s", d, got, want)
		}
	}
}
