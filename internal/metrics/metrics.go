// Package metrics provides Prometheus metrics for datachat.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeFallback = "fallback"
)

// Metrics holds all Prometheus metrics for datachat.
type Metrics struct {
	registry *prometheus.Registry

	// Chat metrics
	TurnsTotal          *prometheus.CounterVec
	ModelCallsTotal     *prometheus.CounterVec
	ModelCallDuration   *prometheus.HistogramVec
	ChannelsOpenedTotal prometheus.Counter

	// Executor metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram

	// Configuration metrics
	AgentReloadsTotal *prometheus.CounterVec
	AgentsConfigured  prometheus.Gauge
	SavedChatsTotal   *prometheus.CounterVec
}

// New creates and registers all metrics on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.TurnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_turns_total",
			Help: "Total number of submitted chat turns by outcome",
		},
		[]string{"outcome"},
	)

	m.ModelCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_model_calls_total",
			Help: "Total number of model backend calls",
		},
		[]string{"model", "status"},
	)

	m.ModelCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datachat_model_call_duration_seconds",
			Help:    "Duration of model backend calls in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	m.ChannelsOpenedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "datachat_channels_opened_total",
			Help: "Total number of model channels opened",
		},
	)

	m.ExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_executions_total",
			Help: "Total number of structured reply executions by outcome",
		},
		[]string{"outcome"},
	)

	m.ExecutionDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "datachat_execution_duration_seconds",
			Help:    "Duration of plotting code execution in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	m.AgentReloadsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_agent_reloads_total",
			Help: "Total number of agent configuration reloads",
		},
		[]string{"status"},
	)

	m.AgentsConfigured = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "datachat_agents_configured",
			Help: "Number of agents currently configured",
		},
	)

	m.SavedChatsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_saved_chat_operations_total",
			Help: "Total number of saved chat operations",
		},
		[]string{"operation", "status"},
	)

	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTurn records the outcome of a submitted turn.
func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

// RecordModelCall records one backend call.
func (m *Metrics) RecordModelCall(model string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.ModelCallsTotal.WithLabelValues(model, status(err)).Inc()
	m.ModelCallDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordChannelOpened counts a newly opened channel.
func (m *Metrics) RecordChannelOpened() {
	if m == nil {
		return
	}
	m.ChannelsOpenedTotal.Inc()
}

// RecordExecution records one execution of plotting code.
func (m *Metrics) RecordExecution(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
	m.ExecutionDuration.Observe(duration.Seconds())
}

// RecordAgentReload records a configuration reload and the resulting agent count.
func (m *Metrics) RecordAgentReload(err error, agents int) {
	if m == nil {
		return
	}
	m.AgentReloadsTotal.WithLabelValues(status(err)).Inc()
	if err == nil {
		m.AgentsConfigured.Set(float64(agents))
	}
}

// RecordSavedChatOp records a save, load or delete of a saved chat.
func (m *Metrics) RecordSavedChatOp(operation string, err error) {
	if m == nil {
		return
	}
	m.SavedChatsTotal.WithLabelValues(operation, status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
