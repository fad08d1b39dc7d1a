package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/airframesio/sheet-archiver/cmd/formatters"
	"github.com/hashicorp/go-multierror"
)

// JobState is a step of the per-job archive loop
type JobState string

const (
	StateFetching JobState = "FETCHING"
	StateSlicing  JobState = "SLICING"
	StateWriting  JobState = "WRITING"
	StateDeleting JobState = "DELETING"
	StateDone     JobState = "DONE"
	StateAborted  JobState = "ABORTED"
)

// ErrJobAborted marks a job that stopped before draining its expired rows
var ErrJobAborted = errors.New("archive job aborted")

// reconcileMarker prefixes log lines for rows that reached the archive but
// were not deleted from the source
const reconcileMarker = "RECONCILE"

// Pipeline is the set of components the driver runs a job through
type Pipeline struct {
	Source   BatchSource
	Commit   Committer
	Resolver *Resolver
	Sink     *SinkWriter
}

// JobResult is the outcome of one job
type JobResult struct {
	Job        ArchiveJob
	State      JobState
	FailedIn   JobState
	Archived   int64
	Iterations int
	Partitions []PartitionID
	Err        error
	StartTime  time.Time
	Duration   time.Duration
}

type Archiver struct {
	config   *Config
	jobs     []ArchiveJob
	pipeline Pipeline
	logger   *slog.Logger
	metrics  *runMetrics
	status   *StatusFiles
	taskInfo *TaskInfo
	now      func() time.Time

	// sampled records jobs whose first row has been logged this run
	sampled map[string]bool
}

func NewArchiver(config *Config, jobs []ArchiveJob, pipeline Pipeline, logger *slog.Logger) *Archiver {
	return &Archiver{
		config:   config,
		jobs:     jobs,
		pipeline: pipeline,
		logger:   logger,
		metrics:  newRunMetrics(),
		now:      time.Now,
		sampled:  make(map[string]bool),
	}
}

// WithStatusFiles makes the run maintain PID and task files in dir
func (a *Archiver) WithStatusFiles(status StatusFiles) *Archiver {
	a.status = &status
	return a
}

// WithClock replaces the clock used for cutoffs and timings
func (a *Archiver) WithClock(now func() time.Time) *Archiver {
	a.now = now
	return a
}

// Run executes every job in order. A job that aborts does not stop the ones
// after it; the returned error aggregates all aborted jobs. Cancellation stops
// the run and is returned as is.
func (a *Archiver) Run(ctx context.Context) ([]JobResult, error) {
	if a.status != nil {
		if err := a.status.WritePID(); err != nil {
			a.logger.Warn(fmt.Sprintf("⚠️  Could not write PID file: %v", err))
		}
		defer func() {
			_ = a.status.RemovePID()
			_ = a.status.RemoveTask()
		}()
		a.taskInfo = &TaskInfo{
			PID:         os.Getpid(),
			StartTime:   a.now(),
			Destination: a.config.Destination,
			DryRun:      a.config.DryRun,
			CurrentTask: "Starting archiver",
			TotalItems:  len(a.jobs),
		}
		a.writeTask()
	}

	results := make([]JobResult, 0, len(a.jobs))
	var merr *multierror.Error

	for _, job := range a.jobs {
		if err := ctx.Err(); err != nil {
			a.printSummary(results)
			return results, err
		}

		var result JobResult
		if a.config.DryRun {
			result = a.dryRunJob(ctx, job)
		} else {
			result = a.runJob(ctx, job)
		}
		results = append(results, result)
		a.metrics.observeJob(result)

		if a.taskInfo != nil {
			a.taskInfo.CompletedItems++
			a.writeTask()
		}

		if result.State == StateAborted {
			if errors.Is(result.Err, context.Canceled) {
				a.printSummary(results)
				return results, result.Err
			}
			merr = multierror.Append(merr, fmt.Errorf("%w: %s: %w", ErrJobAborted, job.Table, result.Err))
		}
	}

	a.printSummary(results)

	err := merr.ErrorOrNil()
	if err == nil {
		a.metrics.markCompleted()
	}
	if url := a.config.Metrics.PushURL; url != "" && !a.config.DryRun {
		if perr := a.metrics.push(context.WithoutCancel(ctx), url); perr != nil {
			a.logger.Warn(fmt.Sprintf("⚠️  %v", perr))
		}
	}
	return results, err
}

func (a *Archiver) enter(result *JobResult, state JobState, partition string) {
	result.State = state
	if a.taskInfo == nil {
		return
	}
	a.taskInfo.Table = result.Job.Table
	a.taskInfo.CurrentTask = "Archiving " + result.Job.Table
	a.taskInfo.CurrentStep = string(state)
	a.taskInfo.CurrentPartition = partition
	a.writeTask()
}

func (a *Archiver) writeTask() {
	if err := a.status.WriteTask(a.taskInfo); err != nil {
		a.logger.Debug(fmt.Sprintf("Could not write task file: %v", err))
	}
}

func (a *Archiver) abort(result JobResult, err error) JobResult {
	result.FailedIn = result.State
	result.State = StateAborted
	result.Err = err
	result.Duration = a.now().Sub(result.StartTime)

	if errors.Is(err, context.Canceled) {
		a.logger.Info(fmt.Sprintf("  ⚠️  %s cancelled during %s", result.Job.Table, result.FailedIn))
	} else {
		a.logger.Error(fmt.Sprintf("  ❌ %s aborted during %s: %v", result.Job.Table, result.FailedIn, err))
	}
	if result.FailedIn == StateSlicing || result.FailedIn == StateWriting {
		a.logger.Info("  No rows were deleted for the failed batch")
	}
	return result
}

// logSample logs the header and first row of a job once per run
func (a *Archiver) logSample(job ArchiveJob, header *Header, row Row) {
	if a.sampled[job.Table] {
		return
	}
	a.sampled[job.Table] = true
	a.logger.Debug(fmt.Sprintf("  Columns: %s", strings.Join(header.Names(), ", ")))
	a.logger.Debug(fmt.Sprintf("  Sample row: %s", strings.Join(formatters.FormatRow(row, header.Types()), " | ")))
}

func (a *Archiver) runJob(ctx context.Context, job ArchiveJob) JobResult {
	result := JobResult{Job: job, State: StateFetching, StartTime: a.now()}
	p := a.pipeline

	a.logger.Info("")
	a.logger.Info(fmt.Sprintf("📦 Archiving %s (older than %s, batch size %d)", job.Table, formatRetention(job.Retention), job.BatchSize))

	header, err := p.Source.FetchHeader(ctx, job)
	if err != nil {
		return a.abort(result, err)
	}

	// Fixed for the whole job so rows that age out mid-run wait for the next
	// one. UTC so that timestamp columns without a zone compare as UTC.
	cutoff := a.now().UTC().Add(-job.Retention)
	a.logger.Debug(fmt.Sprintf("  Cutoff: %s", cutoff.Format(time.RFC3339)))

	var lastPartition PartitionID
	for {
		if err := ctx.Err(); err != nil {
			return a.abort(result, err)
		}

		a.enter(&result, StateFetching, "")
		batch, err := p.Source.FetchExpiredBatch(ctx, job, header, cutoff)
		if err != nil {
			return a.abort(result, err)
		}
		if len(batch) == 0 {
			a.enter(&result, StateDone, "")
			result.Duration = a.now().Sub(result.StartTime)
			a.logger.Info(fmt.Sprintf("  ✅ %s complete: %d rows archived in %d batches", job.Table, result.Archived, result.Iterations))
			return result
		}
		a.logSample(job, header, batch[0])

		a.enter(&result, StateSlicing, "")
		slice, remainder, err := SplitLeadingPartition(batch, header.TimestampIndex)
		if err != nil {
			return a.abort(result, err)
		}
		if len(result.Partitions) == 0 || slice.Partition != lastPartition {
			result.Partitions = append(result.Partitions, slice.Partition)
			lastPartition = slice.Partition
		}
		if remainder > 0 {
			a.logger.Debug(fmt.Sprintf("  Batch crosses into the next partition, %d rows left for the next fetch", remainder))
		}

		a.enter(&result, StateSlicing, slice.Partition.String())
		wb, err := p.Resolver.ResolveWorkbook(ctx, slice.Partition, job.Table)
		if err != nil {
			return a.abort(result, err)
		}
		table, err := p.Resolver.ResolveTable(ctx, wb, job.Table, header)
		if err != nil {
			return a.abort(result, err)
		}

		if err := ctx.Err(); err != nil {
			return a.abort(result, err)
		}
		a.enter(&result, StateWriting, slice.Partition.String())
		if err := p.Sink.AppendRows(ctx, table, slice.Rows, header); err != nil {
			return a.abort(result, err)
		}

		// The rows are in the archive now. Finish the delete even if a
		// signal arrives, the loop checks for cancellation afterwards.
		a.enter(&result, StateDeleting, slice.Partition.String())
		ids := slice.IDs(header.PKIndex)
		deleted, err := p.Commit.DeleteAndCommit(context.WithoutCancel(ctx), job, ids)
		if err != nil {
			a.logger.Error(fmt.Sprintf("  ❌ %s: %s: %d rows were appended to %s/%s but not deleted (ids %v to %v); they will be archived again on the next run",
				reconcileMarker, job.Table, len(ids), wb.Name, table.Name, ids[0], ids[len(ids)-1]))
			return a.abort(result, err)
		}
		if deleted == 0 {
			// Fetching again would return the same rows and append them twice
			a.logger.Error(fmt.Sprintf("  ❌ %s: %s: %d rows were appended to %s/%s but the delete removed none (ids %v to %v)",
				reconcileMarker, job.Table, len(ids), wb.Name, table.Name, ids[0], ids[len(ids)-1]))
			return a.abort(result, fmt.Errorf("%w: %s: %w", ErrSourceDelete, job.Table, ErrNothingDeleted))
		}
		if deleted != int64(len(ids)) {
			a.logger.Warn(fmt.Sprintf("  ⚠️  %s: expected to delete %d rows, deleted %d", job.Table, len(ids), deleted))
		}

		result.Archived += deleted
		result.Iterations++
		if a.taskInfo != nil {
			a.taskInfo.ArchivedRows += deleted
		}
		a.logger.Info(fmt.Sprintf("  ✅ %d rows → %s/%s (total %d)", deleted, wb.Name, table.Name, result.Archived))
	}
}

// dryRunJob fetches one page and reports where its rows would go. Nothing is
// written and nothing is deleted.
func (a *Archiver) dryRunJob(ctx context.Context, job ArchiveJob) JobResult {
	result := JobResult{Job: job, State: StateFetching, StartTime: a.now()}
	p := a.pipeline

	a.logger.Info("")
	a.logger.Info(fmt.Sprintf("🔍 Dry run for %s (older than %s, batch size %d)", job.Table, formatRetention(job.Retention), job.BatchSize))

	header, err := p.Source.FetchHeader(ctx, job)
	if err != nil {
		return a.abort(result, err)
	}
	cutoff := a.now().UTC().Add(-job.Retention)

	a.enter(&result, StateFetching, "")
	batch, err := p.Source.FetchExpiredBatch(ctx, job, header, cutoff)
	if err != nil {
		return a.abort(result, err)
	}
	if len(batch) > 0 {
		a.logSample(job, header, batch[0])
	}

	a.enter(&result, StateSlicing, "")
	for rest := batch; len(rest) > 0; {
		slice, _, err := SplitLeadingPartition(rest, header.TimestampIndex)
		if err != nil {
			return a.abort(result, err)
		}
		result.Partitions = append(result.Partitions, slice.Partition)
		result.Iterations++

		first := slice.Rows[0][header.TimestampIndex]
		last := slice.Rows[len(slice.Rows)-1][header.TimestampIndex]
		a.logger.Info(fmt.Sprintf("  Would append %d rows (%s to %s) to %s/%s",
			len(slice.Rows),
			formatters.FormatCell(first, header.Columns[header.TimestampIndex].UDTName),
			formatters.FormatCell(last, header.Columns[header.TimestampIndex].UDTName),
			p.Resolver.WorkbookName(slice.Partition, job.Table),
			job.Table))
		rest = rest[len(slice.Rows):]
	}

	if len(batch) == 0 {
		a.logger.Info("  Nothing to archive")
	} else if len(batch) == job.BatchSize {
		a.logger.Info(fmt.Sprintf("  First page was full, more than %d rows are pending", job.BatchSize))
	}

	a.enter(&result, StateDone, "")
	result.Duration = a.now().Sub(result.StartTime)
	return result
}

func formatRetention(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
	return d.String()
}

func (a *Archiver) printSummary(results []JobResult) {
	var done, aborted int
	var total int64

	for _, r := range results {
		total += r.Archived
		if r.State == StateAborted {
			aborted++
		} else {
			done++
		}
	}

	a.logger.Info("")
	a.logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	a.logger.Info("📈 Summary")
	a.logger.Info(fmt.Sprintf("✅ Completed jobs: %d", done))
	if aborted > 0 {
		a.logger.Info(fmt.Sprintf("❌ Aborted jobs: %d", aborted))
	}
	if a.config.DryRun {
		a.logger.Info("🔍 Dry run, nothing was archived")
	} else {
		a.logger.Info(fmt.Sprintf("📦 Rows archived: %d", total))
	}

	for _, r := range results {
		partitions := make([]string, len(r.Partitions))
		for i, p := range r.Partitions {
			partitions[i] = p.String()
		}
		line := fmt.Sprintf("  %s: %s, %d rows", r.Job.Table, r.State, r.Archived)
		if len(partitions) > 0 {
			line += " [" + strings.Join(partitions, ", ") + "]"
		}
		a.logger.Info(line)
		if r.Err != nil {
			a.logger.Error(fmt.Sprintf("❌ %s: %v", r.Job.Table, r.Err))
		}
	}
}
