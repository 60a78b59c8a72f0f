// Package metrics exports Prometheus metrics for research sessions and steps.
package metrics

import (
	"net/http"
	"time"

	"github.com/ignatij/goresearch/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "goresearch"

// Metrics holds the collectors on a private registry so several instances can
// coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	stepDuration  *prometheus.HistogramVec
	stepAttempts  *prometheus.CounterVec
	tokensTotal   *prometheus.CounterVec
	sessionsTotal *prometheus.CounterVec
}

// New creates and registers the collectors. When withRuntime is set the Go and
// process collectors are registered too.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step handler runs in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"step"},
		),
		stepAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_attempts_total",
				Help:      "Total number of step attempts by outcome",
			},
			[]string{"step", "status"}, // status: success, failed, skipped
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "Total LLM tokens consumed by steps",
			},
			[]string{"step", "type"}, // type: input, output
		),
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of session lifecycle events",
			},
			[]string{"event"}, // event: created, paused, completed, failed
		),
	}
	m.registry.MustRegister(m.stepDuration, m.stepAttempts, m.tokensTotal, m.sessionsTotal)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// ObserveStep records one step attempt. Skipped attempts carry no duration.
func (m *Metrics) ObserveStep(step string, status models.AuditStatus, elapsed time.Duration, tokensIn, tokensOut int64) {
	m.stepAttempts.WithLabelValues(step, string(status)).Inc()
	if status == models.SkippedAuditStatus {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
	if tokensIn > 0 {
		m.tokensTotal.WithLabelValues(step, "input").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		m.tokensTotal.WithLabelValues(step, "output").Add(float64(tokensOut))
	}
}

// SessionEvent counts a session lifecycle event.
func (m *Metrics) SessionEvent(event string) {
	m.sessionsTotal.WithLabelValues(event).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
