package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "insights",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "insights",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency. Event streams are excluded.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

func (m *httpMetrics) observe(r *http.Request, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	route := routeLabel(r.URL.Path)
	m.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	if route != "chat_events" {
		m.duration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
	}
}

// routeLabel collapses request paths into a fixed set of labels so notebook
// ids never become label values.
func routeLabel(path string) string {
	switch path {
	case "/api/health":
		return "health"
	case "/api/ready":
		return "ready"
	case "/metrics":
		return "metrics"
	}
	parts := splitPath(path)
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "notebooks" && parts[3] == "chat" {
		if len(parts) == 5 && parts[4] == "events" {
			return "chat_events"
		}
		return "chat"
	}
	return "other"
}
