// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the lens gateway.
//
// # Description
//
// Metrics cover analyze requests (buffered and streaming), live stream
// counts and latencies, pull progress events, aborts, and history write
// failures. Every Metrics value owns a private registry so that tests and
// multiple service instances never collide on registration.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// All recording methods are safe to call on a nil *Metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for gateway metrics
const lensSubsystem = "lens"

// Mode labels an analyze request.
type Mode string

const (
	// ModeBuffered is a single JSON response.
	ModeBuffered Mode = "buffered"

	// ModeStream is a server-sent event stream.
	ModeStream Mode = "stream"
)

// Status labels for analyze outcomes.
const (
	StatusSuccess      = "success"
	StatusError        = "error"
	StatusAborted      = "aborted"
	StatusInvalid      = "invalid"
	StatusDisconnected = "disconnected"
)

// Metrics holds all Prometheus metrics for the gateway.
//
// # Fields
//
//   - AnalyzeTotal: analyze requests by mode and status
//   - ActiveStreams: streams currently relaying chunks
//   - StreamDurationSeconds: wall clock of finished streams by status
//   - TimeToFirstChunkSeconds: latency from request to first chunk
//   - PullEventsTotal: relayed pull events by normalized status
//   - AbortsTotal: abort requests by result
//   - HistoryWriteFailuresTotal: failed history writes
type Metrics struct {
	registry *prometheus.Registry

	AnalyzeTotal              *prometheus.CounterVec
	ActiveStreams             prometheus.Gauge
	StreamDurationSeconds     *prometheus.HistogramVec
	TimeToFirstChunkSeconds   prometheus.Histogram
	PullEventsTotal           *prometheus.CounterVec
	AbortsTotal               *prometheus.CounterVec
	HistoryWriteFailuresTotal prometheus.Counter
}

// New creates a Metrics instance registered on its own registry, together
// with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AnalyzeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: lensSubsystem,
				Name:      "analyze_requests_total",
				Help:      "Total analyze requests by mode and status",
			},
			[]string{"mode", "status"},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: lensSubsystem,
				Name:      "active_streams",
				Help:      "Number of analyze streams currently relaying",
			},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: lensSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total analyze stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		TimeToFirstChunkSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: lensSubsystem,
				Name:      "time_to_first_chunk_seconds",
				Help:      "Time from request to first relayed chunk in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),
		PullEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: lensSubsystem,
				Name:      "pull_events_total",
				Help:      "Relayed model pull events by status",
			},
			[]string{"status"},
		),
		AbortsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: lensSubsystem,
				Name:      "aborts_total",
				Help:      "Abort requests by result",
			},
			[]string{"result"},
		),
		HistoryWriteFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: lensSubsystem,
				Name:      "history_write_failures_total",
				Help:      "History writes that failed",
			},
		),
	}
}

// Registry returns the private registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format for m's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordAnalyze records one finished analyze request.
func (m *Metrics) RecordAnalyze(mode Mode, status string) {
	if m == nil {
		return
	}
	m.AnalyzeTotal.WithLabelValues(string(mode), status).Inc()
}

// StreamStarted increments the active stream gauge.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active stream gauge and records the duration.
func (m *Metrics) StreamEnded(seconds float64, status string) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// RecordTimeToFirstChunk records first-chunk latency.
func (m *Metrics) RecordTimeToFirstChunk(seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstChunkSeconds.Observe(seconds)
}

// RecordPullEvent records one relayed pull event.
func (m *Metrics) RecordPullEvent(status string) {
	if m == nil {
		return
	}
	m.PullEventsTotal.WithLabelValues(status).Inc()
}

// RecordAbort records an abort request. found is false when nothing was
// active.
func (m *Metrics) RecordAbort(found bool) {
	if m == nil {
		return
	}
	result := "aborted"
	if !found {
		result = "not_found"
	}
	m.AbortsTotal.WithLabelValues(result).Inc()
}

// RecordHistoryWriteFailure records a failed history write.
func (m *Metrics) RecordHistoryWriteFailure() {
	if m == nil {
		return
	}
	m.HistoryWriteFailuresTotal.Inc()
}
