// Package metrics exposes Prometheus collectors for lock activity. The
// collectors are always updated; call RegisterMutexMetrics to export them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels for AcquireCounter.
const (
	OutcomeAcquired = "acquired"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeError    = "error"
)

// Outcome labels for ReleaseCounter.
const (
	ReleaseReleased = "released"
	ReleaseLost     = "lost"
	ReleaseError    = "error"
)

var (
	// AcquireCounter counts acquisition attempts by final outcome.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutex_acquire_total",
		Help: "Total number of lock acquisitions by outcome",
	}, []string{"outcome"})
	// ContentionCounter counts claims refused because the lock was held.
	ContentionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mutex_contention_total",
		Help: "Total number of claim attempts that found the lock held",
	})
	// ReleaseCounter counts releases by outcome. "lost" means the record
	// had expired and was no longer owned by the releasing holder.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutex_release_total",
		Help: "Total number of lock releases by outcome",
	}, []string{"outcome"})
	// WaitHistogram observes time spent waiting for a lock.
	WaitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mutex_wait_seconds",
		Help:    "Time spent waiting to acquire a lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	// HoldHistogram observes how long locks are held.
	HoldHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mutex_hold_seconds",
		Help:    "Time a lock was held by this process",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	// HeldGauge reports the number of locks currently held by this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mutex_held",
		Help: "Current number of locks held by this process",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterMutexMetrics registers the mutex collectors on reg. It panics on
// duplicate registration, like prometheus.MustRegister.
func RegisterMutexMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ContentionCounter, ReleaseCounter, WaitHistogram, HoldHistogram, HeldGauge)
}
