package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	CycleCounter        = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_poll_cycles_total", Help: "Poll cycles that acquired the instance lock"})
	LockContention      = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_lock_contention_total", Help: "Poll cycles skipped because another instance held the lock"})
	CycleErrors         = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_cycle_errors_total", Help: "Poll cycles that ended in an error or panic"})
	ClaimsWon           = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_claims_won_total", Help: "Jobs moved from pending to processing"})
	ClaimsLost          = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_claims_lost_total", Help: "Claims that affected no row"})
	Published           = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_published_total", Help: "Jobs reconciled as posted"})
	Retried             = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_retried_total", Help: "Jobs requeued after a transient failure"})
	Failed              = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_failed_total", Help: "Jobs moved to failed"})
	Deferred            = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_deferred_total", Help: "Jobs released back to pending without an attempt"})
	ReconcileConflicts  = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_reconcile_conflicts_total", Help: "Reconciliations skipped because the ownership token no longer matched"})
	ReconcileErrors     = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_reconcile_errors_total", Help: "Reconciliation writes that failed and were rolled back"})
	StalledReset        = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_stalled_reset_total", Help: "Processing jobs reset to pending by recovery"})
	ArchivedPurged      = prometheus.NewCounter(prometheus.CounterOpts{Name: "posts_archived_purged_total", Help: "Finished jobs archived and deleted by retention"})
	LastBatchSize       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "posts_last_batch_size", Help: "Due jobs fetched by the latest cycle"})
	PublishLatency      = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "posts_publish_seconds", Help: "External publish call latency", Buckets: prometheus.DefBuckets})
)

// Register adds all collectors to the default registry exactly once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			CycleCounter,
			LockContention,
			CycleErrors,
			ClaimsWon,
			ClaimsLost,
			Published,
			Retried,
			Failed,
			Deferred,
			ReconcileConflicts,
			ReconcileErrors,
			StalledReset,
			ArchivedPurged,
			LastBatchSize,
			PublishLatency,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
