package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheLookupOutcome captures the result of a response cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup replayed a cached response.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no usable cached response was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
)

// CacheStoreOutcome captures the result of a response cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the response envelope was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreSkipped indicates the response did not qualify for caching.
	CacheStoreSkipped CacheStoreOutcome = "skipped"
	// CacheStoreError indicates the store operation failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// UpstreamConnectOutcome captures the result of a relay upstream dial.
type UpstreamConnectOutcome string

const (
	// UpstreamConnected indicates the upstream handshake succeeded.
	UpstreamConnected UpstreamConnectOutcome = "connected"
	// UpstreamFailed indicates the dial or handshake failed.
	UpstreamFailed UpstreamConnectOutcome = "failed"
	// UpstreamSuperseded indicates a stale attempt finished after being replaced.
	UpstreamSuperseded UpstreamConnectOutcome = "superseded"
)

// Recorder publishes Prometheus metrics for gateway activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheLookups *prometheus.CounterVec
	cacheStores  *prometheus.CounterVec
	cacheLatency *prometheus.HistogramVec

	relayMessages    prometheus.Counter
	relaySubscribers prometheus.Gauge
	relayConnects    *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quakefeed",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Response cache lookups by outcome.",
	}, []string{"outcome"})

	cacheStores := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quakefeed",
		Subsystem: "cache",
		Name:      "stores_total",
		Help:      "Response cache store attempts by outcome.",
	}, []string{"outcome"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quakefeed",
		Subsystem: "cache",
		Name:      "operation_seconds",
		Help:      "Latency of response cache operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	relayMessages := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quakefeed",
		Subsystem: "relay",
		Name:      "messages_total",
		Help:      "Upstream messages forwarded to subscribers.",
	})

	relaySubscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quakefeed",
		Subsystem: "relay",
		Name:      "subscribers",
		Help:      "Currently connected relay subscribers.",
	})

	relayConnects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quakefeed",
		Subsystem: "relay",
		Name:      "upstream_connects_total",
		Help:      "Upstream connection attempts by outcome.",
	}, []string{"outcome"})

	reg.MustRegister(cacheLookups, cacheStores, cacheLatency, relayMessages, relaySubscribers, relayConnects)

	return &Recorder{
		gatherer:         reg,
		handler:          promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		cacheLookups:     cacheLookups,
		cacheStores:      cacheStores,
		cacheLatency:     cacheLatency,
		relayMessages:    relayMessages,
		relaySubscribers: relaySubscribers,
		relayConnects:    relayConnects,
	}
}

// Handler exposes the recorder's registry over HTTP.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return r.handler
}

// Gatherer returns the underlying registry for test assertions.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return nil
	}
	return r.gatherer
}

// ObserveCacheLookup records one response cache lookup.
func (r *Recorder) ObserveCacheLookup(outcome CacheLookupOutcome, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(string(outcome)).Inc()
	r.cacheLatency.WithLabelValues("lookup").Observe(elapsed.Seconds())
}

// ObserveCacheStore records one response cache store attempt.
func (r *Recorder) ObserveCacheStore(outcome CacheStoreOutcome, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.cacheStores.WithLabelValues(string(outcome)).Inc()
	r.cacheLatency.WithLabelValues("store").Observe(elapsed.Seconds())
}

// ObserveRelayMessage records one upstream message broadcast.
func (r *Recorder) ObserveRelayMessage() {
	if r == nil {
		return
	}
	r.relayMessages.Inc()
}

// SetRelaySubscribers tracks the live subscriber count.
func (r *Recorder) SetRelaySubscribers(n int) {
	if r == nil {
		return
	}
	r.relaySubscribers.Set(float64(n))
}

// ObserveUpstreamConnect records one upstream connection attempt.
func (r *Recorder) ObserveUpstreamConnect(outcome UpstreamConnectOutcome) {
	if r == nil {
		return
	}
	r.relayConnects.WithLabelValues(string(outcome)).Inc()
}
