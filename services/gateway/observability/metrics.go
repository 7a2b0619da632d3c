// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the chat gateway.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the socket
// session layer. Metrics include:
//   - Connection gauges and registration/eviction counters
//   - Delivery counters by route (local socket or remote pub/sub)
//   - Task gauges, counters and duration histograms by task type
//   - Relay chunk counters and stream duration histograms
//   - Error counters by event and error kind
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *Metrics so components can be
// constructed without instrumentation in tests.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for chat gateway metrics
const chatSubsystem = "chat"

// Metrics holds all Prometheus collectors for the chat gateway.
//
// # Description
//
// Initialize once at startup via New. Tests pass a fresh
// prometheus.NewRegistry() so collectors never collide.
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	// ConnectionsActive tracks sockets owned by this process.
	ConnectionsActive prometheus.Gauge

	// RegistrationsTotal counts register attempts.
	// Labels: outcome (ok, capacity, unavailable)
	RegistrationsTotal *prometheus.CounterVec

	// EvictionsTotal counts connection records removed by this process.
	// Labels: reason (disconnect, dead, send_failed, shutdown)
	EvictionsTotal *prometheus.CounterVec

	// PingsTotal counts pings sent by the liveness service.
	PingsTotal prometheus.Counter

	// DeliveriesTotal counts SendTo outcomes.
	// Labels: route (local, remote), status (delivered, dropped)
	DeliveriesTotal *prometheus.CounterVec

	// HandshakeRejectionsTotal counts refused handshakes.
	// Labels: error_kind
	HandshakeRejectionsTotal *prometheus.CounterVec

	// EventsTotal counts inbound events dispatched to handlers.
	// Labels: event
	EventsTotal *prometheus.CounterVec

	// SessionsActive tracks sessions with a live task manager.
	SessionsActive prometheus.Gauge

	// TasksActive tracks running tasks.
	// Labels: task_type
	TasksActive *prometheus.GaugeVec

	// TasksTotal counts finished tasks.
	// Labels: task_type, status (completed, failed, cancelled, timeout, rejected)
	TasksTotal *prometheus.CounterVec

	// TaskDurationSeconds measures task run time.
	// Labels: task_type, status
	TaskDurationSeconds *prometheus.HistogramVec

	// ChunksTotal counts relayed chunks.
	// Labels: event (llm_response_chunk, llm_title_chunk)
	ChunksTotal *prometheus.CounterVec

	// TimeToFirstChunkSeconds measures latency to the first relayed chunk.
	TimeToFirstChunkSeconds prometheus.Histogram

	// StreamDurationSeconds measures full relay duration.
	// Labels: status (success, error, cancelled)
	StreamDurationSeconds *prometheus.HistogramVec

	// ErrorsTotal counts error events sent to clients.
	// Labels: event, error_kind
	ErrorsTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates and registers all collectors.
//
// # Description
//
// Registers against reg. A nil reg uses the Prometheus default registry.
//
// # Inputs
//
//   - reg: Registry to register collectors with.
//
// # Outputs
//
//   - *Metrics: The initialized metrics instance.
//
// # Examples
//
//	metrics := observability.New(prometheus.NewRegistry())
//	router.GET("/metrics", gin.WrapH(metrics.Handler()))
//
// # Limitations
//
//   - Panics if called twice against the same registry (duplicate
//     registration).
func New(reg *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "connections_active",
			Help:      "Number of sockets owned by this process",
		}),

		RegistrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "registrations_total",
			Help:      "Connection register attempts by outcome",
		}, []string{"outcome"}),

		EvictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "evictions_total",
			Help:      "Connection records removed by reason",
		}, []string{"reason"}),

		PingsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "pings_total",
			Help:      "Total liveness pings sent",
		}),

		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "deliveries_total",
			Help:      "Event deliveries by route and status",
		}, []string{"route", "status"}),

		HandshakeRejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "handshake_rejections_total",
			Help:      "Refused socket handshakes by error kind",
		}, []string{"error_kind"}),

		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "events_total",
			Help:      "Inbound events dispatched by name",
		}, []string{"event"}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "sessions_active",
			Help:      "Sessions with a live task manager",
		}),

		TasksActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "tasks_active",
			Help:      "Running tasks by type",
		}, []string{"task_type"}),

		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "tasks_total",
			Help:      "Finished tasks by type and terminal status",
		}, []string{"task_type", "status"}),

		TaskDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "task_duration_seconds",
			Help:      "Task run time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"task_type", "status"}),

		ChunksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "chunks_total",
			Help:      "Relayed chunks by outbound event",
		}, []string{"event"}),

		TimeToFirstChunkSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "time_to_first_chunk_seconds",
			Help:      "Time from relay start to first chunk in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}),

		StreamDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "stream_duration_seconds",
			Help:      "Total relay duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "errors_total",
			Help:      "Error events sent to clients by event and kind",
		}, []string{"event", "error_kind"}),

		gatherer: gatherer,
	}
}

// Handler returns the exposition handler for the registry New used.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// =============================================================================
// Label Values
// =============================================================================

// Registration outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeCapacity    = "capacity"
	OutcomeUnavailable = "unavailable"
)

// Eviction reasons.
const (
	ReasonDisconnect = "disconnect"
	ReasonDead       = "dead"
	ReasonSendFailed = "send_failed"
	ReasonShutdown   = "shutdown"
)

// Delivery routes.
const (
	RouteLocal  = "local"
	RouteRemote = "remote"
)

// =============================================================================
// Helper Methods
// =============================================================================

// SetConnections sets the local connection gauge.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(n))
}

// RecordRegistration records one register attempt.
func (m *Metrics) RecordRegistration(outcome string) {
	if m == nil {
		return
	}
	m.RegistrationsTotal.WithLabelValues(outcome).Inc()
}

// RecordEviction records one removed connection record.
func (m *Metrics) RecordEviction(reason string) {
	if m == nil {
		return
	}
	m.EvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordPings adds n sent pings.
func (m *Metrics) RecordPings(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PingsTotal.Add(float64(n))
}

// RecordDelivery records a SendTo outcome.
//
// # Inputs
//
//   - route: RouteLocal or RouteRemote.
//   - delivered: Whether the send was confirmed.
func (m *Metrics) RecordDelivery(route string, delivered bool) {
	if m == nil {
		return
	}
	status := "delivered"
	if !delivered {
		status = "dropped"
	}
	m.DeliveriesTotal.WithLabelValues(route, status).Inc()
}

// RecordHandshakeRejection records a refused handshake.
func (m *Metrics) RecordHandshakeRejection(kind string) {
	if m == nil {
		return
	}
	m.HandshakeRejectionsTotal.WithLabelValues(kind).Inc()
}

// RecordEvent records one dispatched inbound event.
func (m *Metrics) RecordEvent(event string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(event).Inc()
}

// SetSessions sets the active session gauge.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// SetActiveTasks overwrites the running task gauge for each listed type.
func (m *Metrics) SetActiveTasks(byType map[string]int) {
	if m == nil {
		return
	}
	for typ, n := range byType {
		m.TasksActive.WithLabelValues(typ).Set(float64(n))
	}
}

// TaskStarted increments the running task gauge.
func (m *Metrics) TaskStarted(taskType string) {
	if m == nil {
		return
	}
	m.TasksActive.WithLabelValues(taskType).Inc()
}

// TaskFinished decrements the running task gauge and records the outcome.
//
// # Inputs
//
//   - taskType: Task type label.
//   - status: Terminal status.
//   - elapsed: Time from start to finish.
func (m *Metrics) TaskFinished(taskType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TasksActive.WithLabelValues(taskType).Dec()
	m.TasksTotal.WithLabelValues(taskType, status).Inc()
	m.TaskDurationSeconds.WithLabelValues(taskType, status).Observe(elapsed.Seconds())
}

// RecordTaskRejected records an admission refused at the concurrency ceiling.
func (m *Metrics) RecordTaskRejected(taskType string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(taskType, "rejected").Inc()
}

// RecordChunk increments the relayed chunk counter.
func (m *Metrics) RecordChunk(event string) {
	if m == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(event).Inc()
}

// RecordTimeToFirstChunk records first-chunk latency.
func (m *Metrics) RecordTimeToFirstChunk(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TimeToFirstChunkSeconds.Observe(elapsed.Seconds())
}

// RecordStreamDuration records the total relay duration.
//
// # Inputs
//
//   - elapsed: Relay wall time.
//   - status: "success", "error" or "cancelled".
func (m *Metrics) RecordStreamDuration(elapsed time.Duration, status string) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(status).Observe(elapsed.Seconds())
}

// RecordError records an error event sent to a client.
func (m *Metrics) RecordError(event, kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(event, kind).Inc()
}
