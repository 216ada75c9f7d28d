// Package metrics exposes Prometheus metrics for note and config sync.
//
// Usage:
//
//	engine := syncer.NewEngine(remote, notes, syncer.WithObserver(metrics.ObserveCycle))
//	orch := configsync.New(remote, cats, tags, configsync.WithStatusCallback(metrics.SetConfigStatus))
//	r.Handle("/metrics", metrics.Handler())
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/starford/notesync/internal/configsync"
	"github.com/starford/notesync/internal/syncer"
)

var (
	// Note sync

	// CyclesTotal counts finished sync cycles by result.
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notesync_cycles_total",
			Help: "Total number of sync cycles by result",
		},
		[]string{"result"},
	)

	// CycleDuration tracks how long a sync cycle took.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notesync_cycle_duration_seconds",
			Help:    "Duration of sync cycles in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// NotesWrittenTotal counts notes written into the vault.
	NotesWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notesync_notes_written_total",
			Help: "Total number of notes written to the vault",
		},
	)

	// NoteWriteFailuresTotal counts notes whose local write failed.
	NoteWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notesync_note_write_failures_total",
			Help: "Total number of failed local note writes",
		},
	)

	// ArchivedReportedTotal counts archived paths reported to the server.
	ArchivedReportedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notesync_archived_reported_total",
			Help: "Total number of archived paths reported to the server",
		},
	)

	// ConsecutiveFailures is the current failure streak driving backoff.
	ConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notesync_consecutive_failures",
			Help: "Number of consecutive failed sync cycles",
		},
	)

	// NextIntervalSeconds is the delay the scheduler will wait after the last cycle.
	NextIntervalSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notesync_next_interval_seconds",
			Help: "Delay before the next scheduled sync cycle",
		},
	)

	// Config sync

	// ConfigStatus is 1 for the current config sync status and 0 for the others.
	ConfigStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notesync_config_status",
			Help: "Current config sync status (1 = active)",
		},
		[]string{"status"},
	)
)

var configStatuses = []configsync.Status{configsync.Synced, configsync.Pending, configsync.Error, configsync.Offline}

// ObserveCycle records a finished cycle.
func ObserveCycle(r syncer.Report) {
	result := r.Outcome.Kind.String()
	if r.Err != nil {
		result = "error"
	}
	CyclesTotal.WithLabelValues(result).Inc()
	CycleDuration.Observe(r.Duration.Seconds())
	NotesWrittenTotal.Add(float64(r.Written))
	NoteWriteFailuresTotal.Add(float64(r.Failed))
	ArchivedReportedTotal.Add(float64(r.Archived))
	ConsecutiveFailures.Set(float64(r.Failures))
	NextIntervalSeconds.Set(r.Next.Seconds())
}

// SetConfigStatus records the current config sync status.
func SetConfigStatus(s configsync.Status) {
	for _, st := range configStatuses {
		v := 0.0
		if st == s {
			v = 1
		}
		ConfigStatus.WithLabelValues(st.String()).Set(v)
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
