// Package metrics provides Prometheus metrics for scans, the cache store and
// the change watcher.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dusk_scans_total",
			Help: "Total number of scans by terminal state",
		},
		[]string{"state"},
	)

	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dusk_scan_duration_seconds",
			Help:    "Wall time of a scan from start to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)

	entriesVisited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dusk_entries_visited_total",
			Help: "Filesystem entries read from disk",
		},
		[]string{"kind"},
	)

	cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dusk_cache_hits_total",
			Help: "Directories reused from the cache without re-reading",
		},
	)

	fsErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dusk_fs_errors_total",
			Help: "Per-path filesystem errors absorbed by scans",
		},
	)

	validationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dusk_cache_validation_errors_total",
			Help: "Aggregate mismatches found by the validation pass",
		},
	)

	pruneRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dusk_cache_prune_runs_total",
			Help: "Cache maintenance runs",
		},
	)

	prunedRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dusk_cache_pruned_rows_total",
			Help: "Entry rows removed by maintenance",
		},
	)

	storeRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dusk_store_retries_total",
			Help: "Transient store errors that were retried",
		},
	)

	watcherSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dusk_watcher_signals_total",
			Help: "Signals emitted by the change watcher",
		},
		[]string{"kind"},
	)

	watcherFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dusk_watcher_fallbacks_total",
			Help: "Times the watcher degraded from native notifications to polling",
		},
	)

	activeScans = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dusk_active_scans",
			Help: "Scans currently in flight",
		},
	)
)

// RecordScan records a finished scan.
func RecordScan(state string, d time.Duration) {
	scansTotal.WithLabelValues(state).Inc()
	scanDuration.Observe(d.Seconds())
}

// RecordEntry records a freshly read file or directory.
func RecordEntry(kind string) {
	entriesVisited.WithLabelValues(kind).Inc()
}

// RecordCacheHit records a directory reused from the cache.
func RecordCacheHit() {
	cacheHits.Inc()
}

// RecordFSError records a per-path filesystem error.
func RecordFSError() {
	fsErrors.Inc()
}

// RecordValidationErrors records aggregate mismatches.
func RecordValidationErrors(n int) {
	validationErrors.Add(float64(n))
}

// RecordPrune records a maintenance run and the rows it removed.
func RecordPrune(rows int64) {
	pruneRuns.Inc()
	prunedRows.Add(float64(rows))
}

// RecordStoreRetry records a retried transient store error.
func RecordStoreRetry() {
	storeRetries.Inc()
}

// RecordWatcherSignal records a watcher signal by kind.
func RecordWatcherSignal(kind string) {
	watcherSignals.WithLabelValues(kind).Inc()
}

// RecordWatcherFallback records a degrade to polling.
func RecordWatcherFallback() {
	watcherFallbacks.Inc()
}

// ScanStarted increments the in-flight gauge.
func ScanStarted() {
	activeScans.Inc()
}

// ScanEnded decrements the in-flight gauge.
func ScanEnded() {
	activeScans.Dec()
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
