package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the client.
type Metrics struct {
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheStaleServes   prometheus.Counter
	CacheFetches       *prometheus.CounterVec
	CacheFetchDuration prometheus.Histogram
	CacheInFlight      prometheus.Gauge
	CacheEvictions     *prometheus.CounterVec
	CacheEntries       prometheus.Gauge
	CacheMutations     *prometheus.CounterVec
	RemoteRequests     *prometheus.CounterVec
	PersistFallbacks   prometheus.Counter
	NotificationEvents *prometheus.CounterVec
}

// New creates and registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "regwatch_cache_hits_total",
			Help: "Reads served from a fresh cache entry",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "regwatch_cache_misses_total",
			Help: "Reads that had to wait for a fetch",
		}),
		CacheStaleServes: f.NewCounter(prometheus.CounterOpts{
			Name: "regwatch_cache_stale_serves_total",
			Help: "Reads served stale data while revalidating",
		}),
		CacheFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regwatch_cache_fetches_total",
			Help: "Fetches issued by the cache, by outcome",
		}, []string{"outcome"}),
		CacheFetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "regwatch_cache_fetch_duration_ms",
			Help:    "Latency of cache fetches including retries in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
		}),
		CacheInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "regwatch_cache_inflight_fetches",
			Help: "Fetches currently in flight",
		}),
		CacheEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regwatch_cache_evictions_total",
			Help: "Entries removed from the cache, by reason",
		}, []string{"reason"}),
		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "regwatch_cache_entries",
			Help: "Entries currently held by the cache",
		}),
		CacheMutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regwatch_cache_mutations_total",
			Help: "Optimistic mutations, by outcome",
		}, []string{"outcome"}),
		RemoteRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regwatch_remote_requests_total",
			Help: "Registry API calls, by operation and result kind",
		}, []string{"operation", "result"}),
		PersistFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "regwatch_persist_fallbacks_total",
			Help: "Persistent store operations served from memory after a backend failure",
		}),
		NotificationEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regwatch_notification_events_total",
			Help: "Notification events handled by the reconciler, by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ObserveFetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CacheFetches.WithLabelValues(outcome).Inc()
	m.CacheFetchDuration.Observe(float64(d.Microseconds()) / 1000.0)
}

func (m *Metrics) IncrementHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) IncrementMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) IncrementStaleServe() {
	if m != nil {
		m.CacheStaleServes.Inc()
	}
}

func (m *Metrics) AddInFlight(delta float64) {
	if m != nil {
		m.CacheInFlight.Add(delta)
	}
}

func (m *Metrics) AddEvictions(reason string, n int) {
	if m != nil && n > 0 {
		m.CacheEvictions.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) SetEntries(n int) {
	if m != nil {
		m.CacheEntries.Set(float64(n))
	}
}

func (m *Metrics) IncrementMutation(outcome string) {
	if m != nil {
		m.CacheMutations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncrementRemote(operation, result string) {
	if m != nil {
		m.RemoteRequests.WithLabelValues(operation, result).Inc()
	}
}

func (m *Metrics) IncrementPersistFallback() {
	if m != nil {
		m.PersistFallbacks.Inc()
	}
}

func (m *Metrics) IncrementNotification(outcome string) {
	if m != nil {
		m.NotificationEvents.WithLabelValues(outcome).Inc()
	}
}
