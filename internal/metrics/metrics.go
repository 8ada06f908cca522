// Package metrics exposes the sync engine's prometheus collectors.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_items_total",
			Help: "Catalog items processed, by run kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_runs_total",
			Help: "Finished runs, by kind and status",
		},
		[]string{"kind", "status"},
	)

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogsync_run_duration_seconds",
			Help:    "Duration of sync and dedupe runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"kind"},
	)

	RemoteCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogsync_odoo_call_duration_seconds",
			Help:    "Latency of Odoo XML-RPC calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model", "method", "status"},
	)

	DuplicatesDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalogsync_duplicates_deleted_total",
			Help: "Duplicate catalog products deleted by the reconciler",
		},
	)

	DuplicateGroupsRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalogsync_duplicate_groups_remaining",
			Help: "Duplicate groups left after the last reconciler run",
		},
	)
)

var registerOnce sync.Once

// Register adds all collectors to reg once
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(ItemsTotal, RunsTotal, RunDuration, RemoteCalls, DuplicatesDeleted, DuplicateGroupsRemaining)
	})
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRemoteCall records one Odoo call. It matches odoo.CallObserver.
func ObserveRemoteCall(model, method string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	RemoteCalls.WithLabelValues(model, method, status).Observe(d.Seconds())
}

// ObserveItem counts one processed item
func ObserveItem(kind, outcome string) {
	ItemsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveRun records a finished run
func ObserveRun(kind string, d time.Duration, failed bool) {
	status := "ok"
	if failed {
		status = "failed"
	}
	RunsTotal.WithLabelValues(kind, status).Inc()
	RunDuration.WithLabelValues(kind).Observe(d.Seconds())
}
