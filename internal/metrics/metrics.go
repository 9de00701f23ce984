// Package metrics exposes Prometheus counters and gauges for the
// scan/plan/move pipeline, registered against a private registry and
// served through an http.Handler the daemon mounts at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the daemon's Prometheus metrics. A private registry
// is used instead of the global default so tests can construct
// independent instances without collector-already-registered panics.
type Registry struct {
	registry *prometheus.Registry

	ScansStarted   prometheus.Counter
	ScansCompleted *prometheus.CounterVec
	FilesScanned   prometheus.Counter
	BytesScanned   prometheus.Counter

	PlansCreated   prometheus.Counter
	PlannedMoves   prometheus.Counter
	PlannedBytes   prometheus.Counter

	MovesCompleted *prometheus.CounterVec
	MoveBytes      prometheus.Counter
	MoveDuration   prometheus.Histogram

	DiskUtilization *prometheus.GaugeVec
	ActivePlans     prometheus.Gauge
}

const namespace = "pbalanced"

// New constructs a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		ScansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scans_started_total",
			Help: "Number of disk scans started.",
		}),
		ScansCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scans_completed_total",
			Help: "Number of disk scans completed, labeled by outcome.",
		}, []string{"outcome"}),
		FilesScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "files_scanned_total",
			Help: "Cumulative count of files observed across all scans.",
		}),
		BytesScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_scanned_total",
			Help: "Cumulative bytes observed across all scans.",
		}),
		PlansCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "plans_created_total",
			Help: "Number of balance plans created.",
		}),
		PlannedMoves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "planned_moves_total",
			Help: "Cumulative count of moves proposed across all plans.",
		}),
		PlannedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "planned_bytes_total",
			Help: "Cumulative bytes proposed for relocation across all plans.",
		}),
		MovesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "moves_completed_total",
			Help: "Number of individual moves completed, labeled by outcome.",
		}, []string{"outcome"}),
		MoveBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "move_bytes_total",
			Help: "Cumulative bytes actually relocated by completed moves.",
		}),
		MoveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "move_duration_seconds",
			Help:    "Wall-clock duration of a single file move.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		DiskUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "disk_utilization_ratio",
			Help: "Most recently observed used/total ratio per disk.",
		}, []string{"disk"}),
		ActivePlans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_plans",
			Help: "1 if a balance plan is currently executing, else 0.",
		}),
	}

	reg.MustRegister(
		r.ScansStarted, r.ScansCompleted, r.FilesScanned, r.BytesScanned,
		r.PlansCreated, r.PlannedMoves, r.PlannedBytes,
		r.MovesCompleted, r.MoveBytes, r.MoveDuration,
		r.DiskUtilization, r.ActivePlans,
	)
	return r
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
