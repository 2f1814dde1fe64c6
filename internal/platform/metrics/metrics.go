// Package metrics exposes the scheduler's per-cycle counters and
// latency histogram over Prometheus, grounded in
// jordanlanch-industrydb-back's use of github.com/prometheus/client_golang
// for its own service metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the counters, gauge and histogram the scheduler
// updates per record during a cycle (the queue-depth gauge at its end).
type Metrics struct {
	Attempted      prometheus.Counter
	Succeeded      prometheus.Counter
	Enqueued       prometheus.Counter
	DataQuality    prometheus.Counter
	QueueDepth     prometheus.Gauge
	ReconcileLatency prometheus.Histogram
}

// New registers and returns the core's metrics on a fresh registry.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Attempted: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncore_records_attempted_total",
			Help: "Records the reconciler attempted to process.",
		}),
		Succeeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncore_records_succeeded_total",
			Help: "Records successfully reflected into the CRM.",
		}),
		Enqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncore_records_enqueued_total",
			Help: "Records durably deferred to the retry queue.",
		}),
		DataQuality: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncore_records_data_quality_total",
			Help: "Records dropped for data-quality reasons.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "syncore_retry_queue_depth",
			Help: "Current number of items in the retry queue.",
		}),
		ReconcileLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncore_reconcile_latency_seconds",
			Help:    "Latency of a single record's reconciliation.",
			Buckets: prometheus.DefBuckets,
		}),
	}, reg
}

// Serve starts a minimal HTTP server exposing /metrics until ctx is
// cancelled, run in a goroutine alongside the main service loop.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		_ = srv.ListenAndServe()
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv
}
