package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const metricsJobName = "sheet_archiver"

// runMetrics collects per-run counters. A scheduled batch job has nothing to
// scrape, so they are pushed to a Pushgateway when one is configured.
type runMetrics struct {
	registry      *prometheus.Registry
	archivedRows  *prometheus.CounterVec
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.GaugeVec
	lastCompleted prometheus.Gauge
}

func newRunMetrics() *runMetrics {
	reg := prometheus.NewRegistry()
	return &runMetrics{
		registry: reg,
		archivedRows: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "archiver",
			Name:      "rows_archived_total",
			Help:      "Rows written to the archive and deleted from the source",
		}, []string{"table"}),
		jobRuns: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "archiver",
			Name:      "jobs_total",
			Help:      "Archive jobs by final state",
		}, []string{"table", "state"}),
		jobDuration: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "archiver",
			Name:      "job_duration_seconds",
			Help:      "Wall time of the last archive job",
		}, []string{"table"}),
		lastCompleted: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "archiver",
			Name:      "last_completed_timestamp_seconds",
			Help:      "Unix time of the last run in which every job finished",
		}),
	}
}

func (m *runMetrics) observeJob(r JobResult) {
	m.archivedRows.WithLabelValues(r.Job.Table).Add(float64(r.Archived))
	m.jobRuns.WithLabelValues(r.Job.Table, string(r.State)).Inc()
	m.jobDuration.WithLabelValues(r.Job.Table).Set(r.Duration.Seconds())
}

func (m *runMetrics) markCompleted() {
	m.lastCompleted.SetToCurrentTime()
}

func (m *runMetrics) push(ctx context.Context, url string) error {
	if err := push.New(url, metricsJobName).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
