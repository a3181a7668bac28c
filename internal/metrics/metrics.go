// Package metrics holds the Prometheus collectors for harvests and upstream calls.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clanharvest"

// Metrics groups every collector. Each instance owns its registry so
// tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	GatewayRequests    *prometheus.CounterVec
	GatewayRetries     *prometheus.CounterVec
	GatewayRateLimited *prometheus.CounterVec
	GatewayCache       *prometheus.CounterVec
	GatewayDelay       *prometheus.GaugeVec

	HarvestRuns      *prometheus.CounterVec
	HarvestDuration  prometheus.Histogram
	RosterSize       prometheus.Gauge
	SnapshotsSaved   prometheus.Counter
	SnapshotsSkipped *prometheus.CounterVec
	MessagesInserted *prometheus.CounterVec
	Renames          *prometheus.CounterVec
}

// New creates collectors registered on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		GatewayRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "requests_total",
			Help: "Upstream HTTP attempts by client and outcome.",
		}, []string{"client", "outcome"}),
		GatewayRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "retries_total",
			Help: "Retries scheduled by client and reason.",
		}, []string{"client", "reason"}),
		GatewayRateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "rate_limited_total",
			Help: "HTTP 429 responses received.",
		}, []string{"client"}),
		GatewayCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "cache_lookups_total",
			Help: "Response cache lookups by result.",
		}, []string{"client", "result"}),
		GatewayDelay: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "pacing_delay_seconds",
			Help: "Current minimum spacing between upstream requests.",
		}, []string{"client"}),

		HarvestRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "harvest", Name: "runs_total",
			Help: "Harvest runs by result.",
		}, []string{"result"}),
		HarvestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "harvest", Name: "duration_seconds",
			Help:    "Wall time of complete harvest runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		RosterSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "harvest", Name: "roster_size",
			Help: "Members in the most recent roster.",
		}),
		SnapshotsSaved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "harvest", Name: "snapshots_saved_total",
			Help: "Snapshots written.",
		}),
		SnapshotsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "harvest", Name: "snapshots_skipped_total",
			Help: "Members not snapshotted by reason.",
		}, []string{"reason"}),
		MessagesInserted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "harvest", Name: "messages_inserted_total",
			Help: "New messages stored by source.",
		}, []string{"source"}),
		Renames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "harvest", Name: "name_changes_total",
			Help: "Reconciled name changes by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
