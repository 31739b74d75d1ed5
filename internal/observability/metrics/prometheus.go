// Package metrics provides Prometheus metrics for the review service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	DecisionsTotal     *prometheus.CounterVec
	ItemsSkipped       prometheus.Counter
	ProcessingDuration prometheus.Histogram
	AdvisorDuration    prometheus.Histogram
	AdvisorRetries     prometheus.Counter
	ActiveBatches      prometheus.Gauge
	RunsTotal          *prometheus.CounterVec
	WatcherIngests     prometheus.Counter
	EventsPublished    prometheus.Counter
	BreakerState       *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sut_decisions_total",
			Help: "Decisions rendered, by final outcome",
		}, []string{"decision"}),
		ItemsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sut_items_skipped_total",
			Help: "Prescriptions skipped as invalid input",
		}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sut_item_processing_duration_seconds",
			Help:    "Per-item processing duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		AdvisorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sut_advisor_duration_seconds",
			Help:    "Advisor round-trip duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		}),
		AdvisorRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sut_advisor_retries_total",
			Help: "Transient advisor failures that were retried",
		}),
		ActiveBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sut_active_batches",
			Help: "Batches currently in flight",
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sut_runs_total",
			Help: "Review runs, by trigger (cli, schedule, watcher)",
		}, []string{"trigger"}),
		WatcherIngests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sut_watcher_ingests_total",
			Help: "Files picked up by the directory watcher",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sut_events_published_total",
			Help: "Decision events published to the stream",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sut_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.DecisionsTotal,
		m.ItemsSkipped,
		m.ProcessingDuration,
		m.AdvisorDuration,
		m.AdvisorRetries,
		m.ActiveBatches,
		m.RunsTotal,
		m.WatcherIngests,
		m.EventsPublished,
		m.BreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBreakerState mirrors a circuit breaker state into its gauge:
// 0=closed, 1=open, 2=half-open.
func (m *Metrics) SetBreakerState(name, state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.BreakerState.WithLabelValues(name).Set(v)
}

// ObserveDecision bumps the per-outcome counter and duration histograms for
// one completed item.
func (m *Metrics) ObserveDecision(final string, processingSeconds, advisorSeconds float64) {
	m.DecisionsTotal.WithLabelValues(final).Inc()
	m.ProcessingDuration.Observe(processingSeconds)
	if advisorSeconds > 0 {
		m.AdvisorDuration.Observe(advisorSeconds)
	}
}
