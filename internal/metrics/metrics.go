// Package metrics exposes Prometheus instrumentation for the backup engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collectors registered by the service.
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	ArchiveBytes       prometheus.Histogram
	ActiveRuns         prometheus.Gauge
	VerificationsTotal *prometheus.CounterVec
	RetentionDeletions prometheus.Counter
	ScheduleTicks      prometheus.Counter
}

// New creates and registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stashguard",
			Name:      "backup_runs_total",
			Help:      "Backup runs by terminal status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stashguard",
			Name:      "backup_run_duration_seconds",
			Help:      "Wall-clock duration of backup runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		ArchiveBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stashguard",
			Name:      "backup_archive_bytes",
			Help:      "Final archive size per completed run.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 12),
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stashguard",
			Name:      "backup_active_runs",
			Help:      "Number of backup runs currently executing.",
		}),
		VerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stashguard",
			Name:      "backup_verifications_total",
			Help:      "Verification outcomes.",
		}, []string{"result"}),
		RetentionDeletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stashguard",
			Name:      "backup_retention_deletions_total",
			Help:      "Backups deleted by retention sweeps.",
		}),
		ScheduleTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stashguard",
			Name:      "backup_scheduler_ticks_total",
			Help:      "Scheduler tick iterations.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal, m.RunDuration, m.ArchiveBytes, m.ActiveRuns,
		m.VerificationsTotal, m.RetentionDeletions, m.ScheduleTicks,
	)
	return m
}

// NewNop creates unregistered collectors for tests and one-shot commands.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
