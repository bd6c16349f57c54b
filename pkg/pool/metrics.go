package pool

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrPoolClosed is returned by Acquire after Shutdown has begun.
var ErrPoolClosed = errors.New("pool is shut down")

// ErrNotCheckedOut is returned by Release for a resource the pool does not
// currently have checked out, including a second release of the same handle.
var ErrNotCheckedOut = errors.New("resource is not checked out from this pool")

// Metrics is the prometheus instrumentation for one pool. Construct with
// NewMetrics and attach via WithMetrics.
type Metrics struct {
	hits             prometheus.Counter
	misses           prometheus.Counter
	created          prometheus.Counter
	cleaned          prometheus.Counter
	creationFailures prometheus.Counter
	creationSeconds  prometheus.Histogram
	available        prometheus.Gauge
	inUse            prometheus.Gauge
}

// NewMetrics registers the pool's collectors on the given registerer,
// labeled by resource kind.
func NewMetrics(reg prometheus.Registerer, kind string) *Metrics {
	labels := prometheus.Labels{"kind": kind}
	m := &Metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testenv_pool_hits_total", Help: "Acquires served from the idle cache.", ConstLabels: labels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testenv_pool_misses_total", Help: "Acquires that invoked the factory.", ConstLabels: labels,
		}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testenv_pool_created_total", Help: "Resources created by the factory.", ConstLabels: labels,
		}),
		cleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testenv_pool_cleaned_total", Help: "Resources cleaned up by the pool.", ConstLabels: labels,
		}),
		creationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testenv_pool_creation_failures_total", Help: "Factory invocations that failed.", ConstLabels: labels,
		}),
		creationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "testenv_pool_creation_seconds", Help: "Resource creation latency.", ConstLabels: labels,
			Buckets: prometheus.DefBuckets,
		}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "testenv_pool_available", Help: "Idle resources currently cached.", ConstLabels: labels,
		}),
		inUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "testenv_pool_in_use", Help: "Resources currently checked out.", ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.hits, m.misses, m.created, m.cleaned,
		m.creationFailures, m.creationSeconds, m.available, m.inUse)
	return m
}

func (m *Metrics) setSizes(s Stats) {
	m.available.Set(float64(s.Available))
	m.inUse.Set(float64(s.InUse))
}
