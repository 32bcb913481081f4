// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the task bridge.
//
// # Description
//
// Metrics cover:
//   - Bridge runs by mode and outcome, with duration
//   - Tool calls by tool, status and source (agent or served over MCP)
//   - Construction attempts of the shared tool server connection
//   - Streaming connections by transport and client disconnects
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/AleutianAI/AleutianTasks/services/bridge"
	"github.com/AleutianAI/AleutianTasks/services/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "taskbridge"

// Tool call sources.
const (
	SourceAgent = "agent"
	SourceMCP   = "mcp"
)

// Transport labels for streaming connections.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

// Metrics holds every collector the service exports.
//
// # Fields
//
//   - RunsTotal: Bridge runs. Labels: mode, outcome (ok, degraded)
//   - RunDurationSeconds: Bridge run wall time. Labels: mode, outcome
//   - ToolCallsTotal: Tool invocations. Labels: tool, status, source
//   - ToolCallDurationSeconds: Tool latency. Labels: tool
//   - ActiveStreams: Open streaming connections. Labels: transport
//   - ClientDisconnectsTotal: Streams ended by the client. Labels: transport
type Metrics struct {
	RunsTotal               *prometheus.CounterVec
	RunDurationSeconds      *prometheus.HistogramVec
	ToolCallsTotal          *prometheus.CounterVec
	ToolCallDurationSeconds *prometheus.HistogramVec
	ActiveStreams           *prometheus.GaugeVec
	ClientDisconnectsTotal  *prometheus.CounterVec

	factory promauto.Factory
}

// NewMetrics creates and registers the collectors on reg.
//
// # Description
//
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
//
// # Limitations
//
//   - Panics if the collectors are already registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		factory: f,
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "bridge",
				Name:      "runs_total",
				Help:      "Total bridge runs by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		RunDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "bridge",
				Name:      "run_duration_seconds",
				Help:      "Bridge run duration in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"mode", "outcome"},
		),
		ToolCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "tools",
				Name:      "calls_total",
				Help:      "Total tool calls by tool, result status and source",
			},
			[]string{"tool", "status", "source"},
		),
		ToolCallDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "tools",
				Name:      "call_duration_seconds",
				Help:      "Tool call latency in seconds as seen by the agent",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"tool"},
		),
		ActiveStreams: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "streaming",
				Name:      "active_streams",
				Help:      "Number of open streaming connections",
			},
			[]string{"transport"},
		),
		ClientDisconnectsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "streaming",
				Name:      "client_disconnects_total",
				Help:      "Streams closed by the client before the run finished",
			},
			[]string{"transport"},
		),
	}
}

// TrackConnections exports the shared connection's construction attempts.
// constructions is read at scrape time.
func (m *Metrics) TrackConnections(constructions func() int64) {
	m.factory.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "toolconn",
			Name:      "constructions_total",
			Help:      "Attempts to build the shared tool server connection",
		},
		func() float64 { return float64(constructions()) },
	)
}

// =============================================================================
// Recording
// =============================================================================

// ObserveRun implements bridge.Observer.
func (m *Metrics) ObserveRun(mode bridge.Mode, outcome string, duration time.Duration) {
	m.RunsTotal.WithLabelValues(string(mode), outcome).Inc()
	m.RunDurationSeconds.WithLabelValues(string(mode), outcome).Observe(duration.Seconds())
}

// ObserveToolCall implements bridge.Observer.
func (m *Metrics) ObserveToolCall(tool, status string, latency time.Duration) {
	m.ToolCallsTotal.WithLabelValues(tool, status, SourceAgent).Inc()
	m.ToolCallDurationSeconds.WithLabelValues(tool).Observe(latency.Seconds())
}

// ObserveServedCall records a tool call served to a remote MCP client. Its
// signature matches mcpserver.CallObserver.
func (m *Metrics) ObserveServedCall(tool string, env tasks.Envelope) {
	m.ToolCallsTotal.WithLabelValues(tool, env.Status, SourceMCP).Inc()
}

// StreamStarted increments the active stream gauge.
func (m *Metrics) StreamStarted(t Transport) {
	m.ActiveStreams.WithLabelValues(string(t)).Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *Metrics) StreamEnded(t Transport) {
	m.ActiveStreams.WithLabelValues(string(t)).Dec()
}

// RecordClientDisconnect counts a stream the client abandoned.
func (m *Metrics) RecordClientDisconnect(t Transport) {
	m.ClientDisconnectsTotal.WithLabelValues(string(t)).Inc()
}

var _ bridge.Observer = (*Metrics)(nil)
