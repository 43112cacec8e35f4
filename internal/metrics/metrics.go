// Package metrics exposes kopi-docka's Prometheus instrumentation: counters
// and histograms for backup/restore runs, plus a handler for the service's
// metrics endpoint. Grounded on cuemby-warren's pkg/metrics package.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UnitsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kopidocka_units_total",
			Help: "Total number of discovered backup units by kind",
		},
		[]string{"kind"},
	)

	BackupRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopidocka_backup_runs_total",
			Help: "Total number of per-unit backup runs by outcome",
		},
		[]string{"unit", "outcome"},
	)

	BackupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kopidocka_backup_duration_seconds",
			Help:    "Time taken to back up a unit, end to end, in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"unit"},
	)

	RestoreRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopidocka_restore_runs_total",
			Help: "Total number of restore runs by outcome",
		},
		[]string{"unit", "outcome"},
	)

	RestoreDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kopidocka_restore_duration_seconds",
			Help:    "Time taken to restore a unit, end to end, in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"unit"},
	)

	ArtifactsStreamed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopidocka_artifacts_streamed_total",
			Help: "Total number of artifacts streamed into the repository by kind",
		},
		[]string{"kind"},
	)

	ArtifactBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopidocka_artifact_bytes_total",
			Help: "Total bytes streamed into the repository by artifact kind",
		},
		[]string{"kind"},
	)

	ContainersStoppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kopidocka_containers_stopped_total",
			Help: "Total number of containers stopped for backup",
		},
	)

	ContainersStartFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kopidocka_containers_start_failed_total",
			Help: "Total number of containers that failed to restart after backup",
		},
	)

	HookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kopidocka_hook_duration_seconds",
			Help:    "Time taken to run a lifecycle hook in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	HookFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopidocka_hook_failures_total",
			Help: "Total number of lifecycle hook failures by kind",
		},
		[]string{"kind"},
	)

	MaintenanceRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopidocka_maintenance_runs_total",
			Help: "Total number of repository maintenance runs by outcome",
		},
		[]string{"outcome"},
	)

	LastRunTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kopidocka_last_run_timestamp_seconds",
			Help: "Unix timestamp of the last completed run by unit and operation",
		},
		[]string{"unit", "operation"},
	)

	ServiceUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kopidocka_service_up",
			Help: "Whether the kopi-docka service loop is currently running (1) or stopped (0)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		UnitsTotal,
		BackupRunsTotal,
		BackupDuration,
		RestoreRunsTotal,
		RestoreDuration,
		ArtifactsStreamed,
		ArtifactBytes,
		ContainersStoppedTotal,
		ContainersStartFailedTotal,
		HookDuration,
		HookFailuresTotal,
		MaintenanceRunsTotal,
		LastRunTimestamp,
		ServiceUp,
	)
}

// Handler returns the HTTP handler serving metrics in the Prometheus
// exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time to a histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records elapsed time to a histogram vec under labels.
func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
