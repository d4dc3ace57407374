package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// consoleMetrics owns its registry so several handlers can coexist in one
// process (tests build many).
type consoleMetrics struct {
	registry         *prometheus.Registry
	requests         *prometheus.CounterVec
	navDecisions     *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	rowFilterDrops   *prometheus.CounterVec
}

func newConsoleMetrics() *consoleMetrics {
	m := &consoleMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_http_requests_total",
			Help: "HTTP requests served, by route class and status.",
		}, []string{"route_class", "status"}),
		navDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_navigation_decisions_total",
			Help: "Guard and smart-home decisions, by guard mode and outcome.",
		}, []string{"guard", "decision"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "console_upstream_request_duration_seconds",
			Help:    "Latency of calls to the payroll API.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "resource", "status"}),
		rowFilterDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_row_filter_errors_total",
			Help: "Rows dropped because the entity row filter failed to evaluate.",
		}, []string{"entity"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.navDecisions,
		m.upstreamDuration,
		m.rowFilterDrops,
	)
	return m
}

func (m *consoleMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveUpstream matches upstream.Observer.
func (m *consoleMetrics) ObserveUpstream(method string, resource string, status int, elapsed time.Duration) {
	m.upstreamDuration.WithLabelValues(method, resource, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
