package approvals

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the control plane surface.
type Metrics struct {
	registry *prometheus.Registry

	InterceptsTotal   *prometheus.CounterVec
	InterceptDuration prometheus.Histogram
	ApprovalsTotal    *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		registry: reg,
		InterceptsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctrl",
				Name:      "intercepts_total",
				Help:      "Total intercepted tool-call intents by final effect",
			},
			[]string{"effect"}, // allow/deny/pending/error
		),
		InterceptDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "ctrl",
				Name:      "intercept_duration_seconds",
				Help:      "Intercept pipeline duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ApprovalsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctrl",
				Name:      "approvals_total",
				Help:      "Operator approval actions",
			},
			[]string{"action"}, // approve/deny
		),
		ExecutionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctrl",
				Name:      "executions_total",
				Help:      "Remote tool executions by outcome",
			},
			[]string{"outcome"}, // executed/failed
		),
	}
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
