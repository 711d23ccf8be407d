// Package observability exposes Prometheus metrics for the execution core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the execution core's Prometheus collectors.
type Metrics struct {
	RunsStarted    *prometheus.CounterVec
	RunsFinished   *prometheus.CounterVec
	StepDuration   *prometheus.HistogramVec
	StepCostUSD    *prometheus.CounterVec
	WebhookResults *prometheus.CounterVec
	CacheHits      prometheus.Counter
	FailoverEvents prometheus.Counter
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandcastle",
			Name:      "runs_started_total",
			Help:      "Workflow runs started.",
		}, []string{"workflow"}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandcastle",
			Name:      "runs_finished_total",
			Help:      "Workflow runs finished by terminal status.",
		}, []string{"workflow", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandcastle",
			Name:      "step_duration_seconds",
			Help:      "Step execution duration.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"workflow", "status"}),
		StepCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandcastle",
			Name:      "step_cost_usd_total",
			Help:      "Accumulated step cost in USD.",
		}, []string{"workflow"}),
		WebhookResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandcastle",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandcastle",
			Name:      "step_cache_hits_total",
			Help:      "Step cache hits.",
		}),
		FailoverEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandcastle",
			Name:      "provider_failovers_total",
			Help:      "Model failovers triggered by retriable provider errors.",
		}),
	}
	reg.MustRegister(m.RunsStarted, m.RunsFinished, m.StepDuration,
		m.StepCostUSD, m.WebhookResults, m.CacheHits, m.FailoverEvents)
	return m
}

// Default creates metrics on the default registry.
func Default() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}
