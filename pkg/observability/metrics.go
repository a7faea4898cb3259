package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMetrics returns the bridge metrics registered on their own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"code", "method", "path"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of latencies for HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"code", "method", "path"},
		),
		RemoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wardbridge_remote_calls_total",
				Help: "Calls made to the remote identity API.",
			},
			[]string{"operation", "code"},
		),
		RemoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wardbridge_remote_call_duration_seconds",
				Help:    "Latency of calls to the remote identity API.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		SyncRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wardbridge_sync_runs_total",
				Help: "Bulk sync runs by outcome.",
			},
			[]string{"outcome"},
		),
		SyncUsers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wardbridge_sync_users_total",
				Help: "Users processed by bulk sync, by action.",
			},
			[]string{"action"},
		),
		SyncLastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wardbridge_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful bulk sync.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal,
		m.RequestDuration,
		m.RemoteCalls,
		m.RemoteDuration,
		m.SyncRuns,
		m.SyncUsers,
		m.SyncLastSuccess,
	)
	return m
}

// Metrics holds the Prometheus metrics.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RemoteCalls     *prometheus.CounterVec
	RemoteDuration  *prometheus.HistogramVec
	SyncRuns        *prometheus.CounterVec
	SyncUsers       *prometheus.CounterVec
	SyncLastSuccess prometheus.Gauge
}

// ObserveRemote records one remote API call. Transport failures are counted
// under code "error".
func (m *Metrics) ObserveRemote(op string, status int, took time.Duration, err error) {
	code := strconv.Itoa(status)
	if status == 0 {
		code = "error"
	}
	m.RemoteCalls.WithLabelValues(op, code).Inc()
	m.RemoteDuration.WithLabelValues(op).Observe(took.Seconds())
}

// ObserveUser counts one user outcome of a bulk sync.
func (m *Metrics) ObserveUser(action string) {
	m.SyncUsers.WithLabelValues(action).Inc()
}

// ObserveRun counts a finished bulk sync.
func (m *Metrics) ObserveRun(outcome string, finished time.Time) {
	m.SyncRuns.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.SyncLastSuccess.Set(float64(finished.Unix()))
	}
}

// PrometheusMiddleware returns a Gin middleware that records Prometheus metrics for HTTP requests.
func PrometheusMiddleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		statusCode := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		metrics.RequestsTotal.WithLabelValues(statusCode, method, path).Inc()
		metrics.RequestDuration.WithLabelValues(statusCode, method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
