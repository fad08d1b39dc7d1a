package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/airframesio/sheet-archiver/cmd/destinations"
	"github.com/spf13/viper"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: 0},
		{name: "config", err: ErrLabelRequired, want: 1},
		{name: "connectivity", err: fmt.Errorf("%w: dial", ErrSourceUnavailable), want: 1},
		{name: "cancelled", err: context.Canceled, want: exitCancelled},
		{name: "wrapped cancel", err: fmt.Errorf("job: %w", context.Canceled), want: exitCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	v := viper.New()
	v.Set("destination", DestinationLocal)
	v.Set("output.compression", "none")
	v.Set("output.compression_level", 5)

	config, err := loadConfig(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Output.CompressionLevel != 0 {
		t.Fatalf("compression none should force level 0, got %d", config.Output.CompressionLevel)
	}
	if len(config.Jobs) != 2 || config.Jobs[0].Table != "wait_times" || config.Jobs[1].TimestampColumn != "data_date" {
		t.Fatalf("expected the default jobs, got %+v", config.Jobs)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	yaml := `
destination: s3
db:
  url: postgres://u:p@db:5432/parks
archive:
  label: Wait Times
  name_template: "{label} {YYYY}"
s3:
  bucket: archive-bucket
  region: eu-west-1
output:
  format: parquet
  compression: zstd
  compression_level: 9
jobs:
  - table: wait_times
    timestamp_column: timestamp
    primary_key: id
    retention: 30d
    batch_size: 500
collect:
  timeout: 10s
  main_parks: ["Epcot"]
`
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(yaml)); err != nil {
		t.Fatalf("failed to read yaml: %v", err)
	}

	config, err := loadConfig(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Database.URL != "postgres://u:p@db:5432/parks" {
		t.Fatalf("unexpected db url %q", config.Database.URL)
	}
	if config.S3.Bucket != "archive-bucket" || config.Output.Format != "parquet" {
		t.Fatalf("unexpected s3/output config %+v %+v", config.S3, config.Output)
	}
	if config.Collect.Timeout != 10*time.Second || len(config.Collect.MainParks) != 1 {
		t.Fatalf("unexpected collect config %+v", config.Collect)
	}

	jobs, err := config.ArchiveJobs()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].BatchSize != 500 || jobs[0].Retention != 30*24*time.Hour {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("config should validate: %v", err)
	}
}

func TestLoadConfigRejectsBadJobs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "non-numeric batch size", yaml: `
jobs:
  - table: wait_times
    timestamp_column: timestamp
    primary_key: id
    retention: 30d
    batch_size: ten
`},
		{name: "jobs is not a list", yaml: `
jobs: wait_times
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.SetConfigType("yaml")
			if err := v.ReadConfig(strings.NewReader(tt.yaml)); err != nil {
				t.Fatalf("failed to read yaml: %v", err)
			}
			config, err := loadConfig(v)
			if !errors.Is(err, ErrJobsConfigInvalid) {
				t.Fatalf("expected ErrJobsConfigInvalid, got %v", err)
			}
			if config != nil {
				t.Fatalf("expected no config, got %+v", config)
			}
		})
	}
}

func TestNewLoggerFormats(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{format: "text", want: "INFO hello"},
		{format: "logfmt", want: "msg=hello"},
		{format: "json", want: `"msg":"hello"`},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			l := newLogger(&buf, false, tt.format)
			l.Debug("hidden")
			l.Info("hello")
			if !strings.Contains(buf.String(), tt.want) {
				t.Fatalf("expected %q in %q", tt.want, buf.String())
			}
			if strings.Contains(buf.String(), "hidden") {
				t.Fatal("debug output without debug flag")
			}
		})
	}
}

func TestPrintStatus(t *testing.T) {
	t.Run("NoRun", func(t *testing.T) {
		var buf bytes.Buffer
		if err := printStatus(&buf, StatusFiles{Dir: t.TempDir()}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(buf.String(), "No archive run in progress") {
			t.Fatalf("unexpected output %q", buf.String())
		}
	})

	t.Run("Running", func(t *testing.T) {
		status := StatusFiles{Dir: t.TempDir()}
		if err := status.WritePID(); err != nil {
			t.Fatalf("failed to write PID: %v", err)
		}
		err := status.WriteTask(&TaskInfo{
			PID:              os.Getpid(),
			StartTime:        time.Now().Add(-time.Minute),
			CurrentTask:      "Archiving wait_times",
			CurrentStep:      string(StateWriting),
			CurrentPartition: "2024",
			TotalItems:       2,
			CompletedItems:   1,
			ArchivedRows:     1500,
		})
		if err != nil {
			t.Fatalf("failed to write task: %v", err)
		}

		var buf bytes.Buffer
		if err := printStatus(&buf, status); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out := buf.String()
		for _, want := range []string{"Archive run in progress", "Archiving wait_times", "WRITING 2024", "1/2 (50%)", "1500 rows"} {
			if !strings.Contains(out, want) {
				t.Fatalf("expected %q in output:\n%s", want, out)
			}
		}
	})
}

func TestBuildDestinationLocal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "archive")
	config := &Config{
		Destination: DestinationLocal,
		Local:       LocalConfig{Dir: dir},
		Output:      OutputConfig{Format: "jsonl", Compression: "gzip", CompressionLevel: 6},
	}

	dest, err := buildDestination(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	if _, err := dest.OpenWorkbook(ctx, "Archive - 2024"); !errors.Is(err, destinations.ErrWorkbookNotFound) {
		t.Fatalf("expected ErrWorkbookNotFound, got %v", err)
	}
	wb, err := dest.CreateWorkbook(ctx, "Archive - 2024", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	table, err := dest.CreateTable(ctx, wb, "wait_times", []string{"id"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := dest.AppendRows(ctx, table, [][]string{{"1"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parts, err := filepath.Glob(filepath.Join(dir, "Archive - 2024", "wait_times", "part-*.jsonl.gz"))
	if err != nil || len(parts) != 2 {
		t.Fatalf("expected header and data gzip jsonl parts, got %v (%v)", parts, err)
	}
}

func TestBuildDestinationSheetsBadCredentials(t *testing.T) {
	config := &Config{
		Destination: DestinationSheets,
		Sheets:      SheetsConfig{CredentialsJSON: "not json"},
	}
	if _, err := buildDestination(context.Background(), config); !errors.Is(err, ErrDestinationUnavailable) {
		t.Fatalf("expected ErrDestinationUnavailable, got %v", err)
	}
}
