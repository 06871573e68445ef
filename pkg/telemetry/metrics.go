package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

// Metrics collects Prometheus metrics for deployment runs. It implements
// engine.Metrics. A nil *Metrics is a valid no-op collector.
type Metrics struct {
	runsFinished    *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	rollbacks       prometheus.Counter
	lockContentions *prometheus.CounterVec
	publishRetries  prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stagecoach",
				Name:      "runs_finished_total",
				Help:      "Deployment runs reaching a terminal state",
			},
			[]string{"state"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "stagecoach",
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of deployment runs",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"state"},
		),
		rollbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "stagecoach",
				Name:      "rollbacks_total",
				Help:      "Rollouts reverted to the previous artifact",
			},
		),
		lockContentions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stagecoach",
				Name:      "lock_contentions_total",
				Help:      "Stage lock acquisition attempts that found the lock held",
			},
			[]string{"stage"},
		),
		publishRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "stagecoach",
				Name:      "publish_retries_total",
				Help:      "Registry pushes retried after a transient failure",
			},
		),
	}

	registry.MustRegister(
		m.runsFinished,
		m.runDuration,
		m.rollbacks,
		m.lockContentions,
		m.publishRetries,
	)
	return m
}

// RunFinished implements engine.Metrics.
func (m *Metrics) RunFinished(state engine.RunState, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(string(state)).Inc()
	m.runDuration.WithLabelValues(string(state)).Observe(duration.Seconds())
	if state == engine.StateRolledBack {
		m.rollbacks.Inc()
	}
}

// LockContention records one contended stage lock attempt. Wired into the
// state manager's OnContention hook.
func (m *Metrics) LockContention(stage engine.StageName) {
	if m == nil {
		return
	}
	m.lockContentions.WithLabelValues(string(stage)).Inc()
}

// PublishRetry records one retried registry push.
func (m *Metrics) PublishRetry() {
	if m == nil {
		return
	}
	m.publishRetries.Inc()
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
