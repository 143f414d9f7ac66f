package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the gadget spec cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records spec cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records spec cache store attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	CacheLookupHit   CacheLookupOutcome = "hit"
	CacheLookupMiss  CacheLookupOutcome = "miss"
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	CacheStoreStored  CacheStoreOutcome = "stored"
	CacheStoreSkipped CacheStoreOutcome = "skipped"
	CacheStoreError   CacheStoreOutcome = "error"
)

// Recorder publishes Prometheus metrics for render dispatch, spec fetching
// and the gadget spec cache. All methods are safe on a nil receiver.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	renderRequests *prometheus.CounterVec
	renderLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	fetches      *prometheus.CounterVec
	fetchLatency prometheus.Histogram

	gadgets prometheus.Gauge
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

	renderRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gadgetrender",
		Subsystem: "render",
		Name:      "requests_total",
		Help:      "Render requests handled by the dispatcher.",
	}, []string{"outcome", "status_code", "cache_policy"})

	renderLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gadgetrender",
		Subsystem: "render",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed render requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gadgetrender",
		Subsystem: "spec_cache",
		Name:      "operations_total",
		Help:      "Spec cache operations executed by the fetcher.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gadgetrender",
		Subsystem: "spec_cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for spec cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gadgetrender",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Remote gadget spec fetches by result.",
	}, []string{"result"})

	fetchLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gadgetrender",
		Subsystem: "fetch",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for remote gadget spec fetches.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	gadgets := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gadgetrender",
		Subsystem: "registry",
		Name:      "gadgets",
		Help:      "Gadget definitions currently registered.",
	})

	reg.MustRegister(renderRequests, renderLatency, cacheOperations, cacheLatency, fetches, fetchLatency, gadgets)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		renderRequests:  renderRequests,
		renderLatency:   renderLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		fetches:         fetches,
		fetchLatency:    fetchLatency,
		gadgets:         gadgets,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRender records the outcome, status and cache policy of a completed
// render request. policy is empty for responses that carry no cache headers.
func (r *Recorder) ObserveRender(outcome string, statusCode int, policy string, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := normalizeLabel(outcome)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	policyLabel := strings.TrimSpace(policy)
	if policyLabel == "" {
		policyLabel = "none"
	}
	r.renderRequests.WithLabelValues(outcomeLabel, statusLabel, policyLabel).Inc()
	r.renderLatency.WithLabelValues(outcomeLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a spec cache lookup.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a spec cache store attempt.
func (r *Recorder) ObserveCacheStore(result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(CacheOperationStore, resultLabel, duration)
}

// ObserveFetch records a remote spec fetch. result is one of "ok", "denied",
// "status_error", "malformed" or "error".
func (r *Recorder) ObserveFetch(result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.fetches.WithLabelValues(normalizeLabel(result)).Inc()
	r.fetchLatency.Observe(duration.Seconds())
}

// SetGadgets publishes the size of the active gadget registry.
func (r *Recorder) SetGadgets(count int) {
	if r == nil {
		return
	}
	r.gadgets.Set(float64(count))
}

func (r *Recorder) observeCache(operation CacheOperation, result string, duration time.Duration) {
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(string(operation), resLabel).Inc()
	r.cacheLatency.WithLabelValues(string(operation), resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
