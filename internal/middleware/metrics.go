package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsRegistry holds the proxy's own Prometheus instrumentation on a
// private registry, so it never collides with host-level metrics when this
// binary runs alongside others.
type MetricsRegistry struct {
	reg *prometheus.Registry

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	upstreamDuration  *prometheus.HistogramVec
	historyQueueDepth prometheus.Gauge
}

func NewMetricsRegistry() *MetricsRegistry {
	reg := prometheus.NewRegistry()

	m := &MetricsRegistry{
		reg: reg,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccproxy_http_requests_total",
				Help: "Total inbound HTTP requests by route and status",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ccproxy_http_request_duration_seconds",
				Help:    "Inbound HTTP request duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ccproxy_upstream_request_duration_seconds",
				Help:    "Upstream request duration in seconds, by provider and outcome",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "outcome"},
		),

		historyQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ccproxy_history_write_queue_depth",
			Help: "Number of history writes queued but not yet committed",
		}),
	}

	reg.MustRegister(m.httpRequestsTotal, m.httpDuration, m.upstreamDuration, m.historyQueueDepth)

	return m
}

// Handler exposes the registry on /metrics.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Middleware records request count and duration labeled by route pattern
// (not raw path, to keep cardinality bounded) and status.
func (m *MetricsRegistry) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(wrapped.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}

// ObserveUpstream records one upstream dispatch's latency.
func (m *MetricsRegistry) ObserveUpstream(provider, outcome string, dur time.Duration) {
	m.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// SetHistoryQueueDepth reports the current depth of the history writer's
// queue.
func (m *MetricsRegistry) SetHistoryQueueDepth(n int) {
	m.historyQueueDepth.Set(float64(n))
}
