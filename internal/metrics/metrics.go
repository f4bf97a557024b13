// Package metrics exposes the process-wide Prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labstack/echo/v4"
)

// Metrics holds every counter the daemon reports. One instance per process.
type Metrics struct {
	registry *prometheus.Registry

	InboundEvents    *prometheus.CounterVec
	DroppedEvents    *prometheus.CounterVec
	OutboundMessages *prometheus.CounterVec
	RateLimitRetries *prometheus.CounterVec
	AgentTurns       *prometheus.CounterVec
	AgentRestarts    *prometheus.CounterVec
	MemoryWrites     *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "superagent_gateway_inbound_events_total",
			Help: "Inbound Discord events received, per bot identity.",
		}, []string{"bot"}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "superagent_gateway_dropped_events_total",
			Help: "Events dropped from lagging subscriptions, per bot identity.",
		}, []string{"bot"}),
		OutboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "superagent_gateway_outbound_messages_total",
			Help: "Messages sent to Discord, per bot identity.",
		}, []string{"bot"}),
		RateLimitRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "superagent_gateway_rate_limit_retries_total",
			Help: "Outbound calls retried after a Discord 429, per bot identity.",
		}, []string{"bot"}),
		AgentTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "superagent_engine_turns_total",
			Help: "Completed conversation turns, per agent.",
		}, []string{"agent"}),
		AgentRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "superagent_supervisor_restarts_total",
			Help: "Automatic instance restarts, per agent.",
		}, []string{"agent"}),
		MemoryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "superagent_memory_writes_total",
			Help: "Memory records written, per agent.",
		}, []string{"agent"}),
	}
	registry.MustRegister(
		m.InboundEvents,
		m.DroppedEvents,
		m.OutboundMessages,
		m.RateLimitRetries,
		m.AgentTurns,
		m.AgentRestarts,
		m.MemoryWrites,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
