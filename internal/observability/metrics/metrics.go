package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

// Metrics holds the service instruments. All counters are cheap enough to
// record inline with the transition they describe.
type Metrics struct {
	registry *prometheus.Registry

	attemptTransitions *prometheus.CounterVec
	gatewayRequests    *prometheus.CounterVec
	commissionEntries  prometheus.Counter
	httpDuration       *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		attemptTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duka_payment_attempt_transitions_total",
			Help: "Terminal payment attempt transitions by state and winning source.",
		}, []string{"state", "source"}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duka_gateway_requests_total",
			Help: "Outbound gateway calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		commissionEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duka_commission_entries_total",
			Help: "Referral commission entries written.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "duka_http_request_duration_seconds",
			Help:    "HTTP request latency by route, method and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}

	registry.MustRegister(
		m.attemptTransitions,
		m.gatewayRequests,
		m.commissionEntries,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) RecordTransition(state, source string) {
	if m == nil {
		return
	}
	m.attemptTransitions.WithLabelValues(state, source).Inc()
}

func (m *Metrics) RecordGatewayRequest(op, outcome string) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) RecordCommission() {
	if m == nil {
		return
	}
	m.commissionEntries.Inc()
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request latency per registered route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpDuration.WithLabelValues(
			route,
			c.Request.Method,
			strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}

var Module = fx.Module("observability.metrics",
	fx.Provide(New),
)
