// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Alert batch metrics
	AlertRunsTotal        *prometheus.CounterVec
	AlertRunDuration      prometheus.Histogram
	RulesEvaluated        *prometheus.CounterVec
	NotificationsSent     prometheus.Counter
	NotificationsFailed   prometheus.Counter
	BaselineUpdates       *prometheus.CounterVec
	BaselineUpdateFailure prometheus.Counter

	// Fetch metrics
	FetchOutcomes *prometheus.CounterVec
	FetchDuration prometheus.Histogram

	// Digest metrics
	DigestsSent   prometheus.Counter
	DigestsFailed prometheus.Counter

	// Bot metrics
	CommandsHandled *prometheus.CounterVec

	// Health metrics
	LastSuccessfulRun prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "aviasales_tracker"
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Alert batch metrics
		AlertRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "runs_total",
			Help:      "Total number of alert batch runs by status",
		}, []string{"status"}),
		AlertRunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "run_duration_seconds",
			Help:      "Alert batch duration in seconds",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		RulesEvaluated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "rules_evaluated_total",
			Help:      "Total number of watch rule evaluations by outcome",
		}, []string{"outcome"}),
		NotificationsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "notifications_sent_total",
			Help:      "Total number of price drop notifications delivered",
		}),
		NotificationsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "notifications_failed_total",
			Help:      "Total number of price drop notifications that failed to deliver",
		}),
		BaselineUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "baseline_updates_total",
			Help:      "Total number of baseline updates applied by kind",
		}, []string{"kind"}),
		BaselineUpdateFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "baseline_update_failures_total",
			Help:      "Total number of baseline updates the store rejected",
		}),

		// Fetch metrics
		FetchOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "outcomes_total",
			Help:      "Total number of origin fetches by winning variant (absent when all failed)",
		}, []string{"variant"}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Origin fetch duration across all variants in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		// Digest metrics
		DigestsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "digest",
			Name:      "sent_total",
			Help:      "Total number of daily digests delivered",
		}),
		DigestsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "digest",
			Name:      "failed_total",
			Help:      "Total number of daily digests that failed to deliver",
		}),

		// Bot metrics
		CommandsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "commands_total",
			Help:      "Total number of chat commands handled by command",
		}, []string{"command"}),

		// Health metrics
		LastSuccessfulRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_alert_run_timestamp",
			Help:      "Unix timestamp of last completed alert batch",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint serving g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordRun records a finished alert batch.
func (m *Metrics) RecordRun(status string, seconds float64, finishedAt int64) {
	if m == nil {
		return
	}
	m.AlertRunsTotal.WithLabelValues(status).Inc()
	if status == "completed" {
		m.AlertRunDuration.Observe(seconds)
		m.LastSuccessfulRun.Set(float64(finishedAt))
	}
}

// RecordRule records the outcome of one rule evaluation.
func (m *Metrics) RecordRule(outcome string) {
	if m == nil {
		return
	}
	m.RulesEvaluated.WithLabelValues(outcome).Inc()
}

// RecordNotification records one delivery attempt.
func (m *Metrics) RecordNotification(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.NotificationsFailed.Inc()
		return
	}
	m.NotificationsSent.Inc()
}

// RecordBaselineUpdate records one store write.
func (m *Metrics) RecordBaselineUpdate(bootstrap bool, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.BaselineUpdateFailure.Inc()
		return
	}
	kind := "drop"
	if bootstrap {
		kind = "bootstrap"
	}
	m.BaselineUpdates.WithLabelValues(kind).Inc()
}

// RecordFetch records which variant served an origin. An empty variant means absent.
func (m *Metrics) RecordFetch(variant string, seconds float64) {
	if m == nil {
		return
	}
	if variant == "" {
		variant = "absent"
	}
	m.FetchOutcomes.WithLabelValues(variant).Inc()
	m.FetchDuration.Observe(seconds)
}

// RecordDigest records one digest delivery.
func (m *Metrics) RecordDigest(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.DigestsFailed.Inc()
		return
	}
	m.DigestsSent.Inc()
}

// RecordCommand records one handled chat command.
func (m *Metrics) RecordCommand(command string) {
	if m == nil {
		return
	}
	m.CommandsHandled.WithLabelValues(command).Inc()
}
