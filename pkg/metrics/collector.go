// Package metrics exposes Prometheus counters and histograms for the relay.
//
// A nil *Collector is valid and records nothing, so components can take one unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeCompleted   = "completed"
	OutcomeUpstreamErr = "upstream_error"
	OutcomeProtocolErr = "protocol_error"
	OutcomeCancelled   = "cancelled"
)

type Config struct {
	Namespace string
	Subsystem string

	RequestDurationBuckets []float64
	TokenCountBuckets      []float64
}

type Collector struct {
	registry *prometheus.Registry

	connections      prometheus.Gauge
	requests         *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	storageErrors    *prometheus.CounterVec
	authDegradations *prometheus.CounterVec
	chunks           prometheus.Counter
	requestDuration  *prometheus.HistogramVec
	contextTokens    prometheus.Histogram
}

// NewCollector registers all relay metrics on registry, or on a fresh registry when nil.
func NewCollector(cfg Config, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "chatrelay"
	}
	if len(cfg.RequestDurationBuckets) == 0 {
		cfg.RequestDurationBuckets = []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 120.0}
	}
	if len(cfg.TokenCountBuckets) == 0 {
		cfg.TokenCountBuckets = []float64{50, 100, 500, 1000, 2000, 4000, 8000, 16000}
	}

	c := &Collector{
		registry: registry,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "connections_active",
			Help: "Number of open WebSocket connections",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "requests_total",
			Help: "Chat requests handled, by outcome",
		}, []string{"outcome"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "upstream_errors_total",
			Help: "Upstream provider failures, by provider",
		}, []string{"provider"}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "storage_errors_total",
			Help: "Best-effort storage failures, by operation",
		}, []string{"op"}),
		authDegradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "auth_degraded_total",
			Help: "Requests downgraded to anonymous, by reason",
		}, []string{"reason"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "chunks_total",
			Help: "Chunk events relayed to clients",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name:    "request_duration_seconds",
			Help:    "Time from start to end/error per request",
			Buckets: cfg.RequestDurationBuckets,
		}, []string{"outcome"}),
		contextTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name:    "context_tokens",
			Help:    "Estimated prompt tokens of assembled contexts",
			Buckets: cfg.TokenCountBuckets,
		}),
	}
	registry.MustRegister(
		c.connections,
		c.requests,
		c.upstreamErrors,
		c.storageErrors,
		c.authDegradations,
		c.chunks,
		c.requestDuration,
		c.contextTokens,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connections.Dec()
}

// RecordRequest records a finished request with its outcome and wall time.
func (c *Collector) RecordRequest(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(outcome).Inc()
	c.requestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *Collector) UpstreamError(provider string) {
	if c == nil {
		return
	}
	c.upstreamErrors.WithLabelValues(provider).Inc()
}

func (c *Collector) StorageError(op string) {
	if c == nil {
		return
	}
	c.storageErrors.WithLabelValues(op).Inc()
}

func (c *Collector) AuthDegraded(reason string) {
	if c == nil {
		return
	}
	c.authDegradations.WithLabelValues(reason).Inc()
}

func (c *Collector) Chunk() {
	if c == nil {
		return
	}
	c.chunks.Inc()
}

func (c *Collector) ContextTokens(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.contextTokens.Observe(float64(n))
}

// Handler serves the collector's registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
