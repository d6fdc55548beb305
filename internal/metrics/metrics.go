// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

// Package metrics exposes the Prometheus instrumentation for the four core
// subsystems: ingestion, pub/sub, stream routers and workflow orchestration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Collector metrics
	CollectorFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindex_collector_fetches_total",
			Help: "Total fetch cycles per collector and outcome",
		},
		[]string{"collector", "outcome"}, // outcome: success, failure
	)

	CollectorEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindex_collector_events_total",
			Help: "Total normalized events produced per collector",
		},
		[]string{"collector"},
	)

	CollectorFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mindex_collector_fetch_duration_seconds",
			Help:    "Duration of collector fetch cycles",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collector"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mindex_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"source"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindex_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"source", "from", "to"},
	)

	// Spatial store metrics
	StoreUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindex_store_upserts_total",
			Help: "Timeline upserts per outcome",
		},
		[]string{"outcome"}, // outcome: success, failure
	)

	StoreUpsertDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mindex_store_upsert_duration_seconds",
			Help:    "Duration of timeline batch upserts",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Pub/sub hub metrics
	PubSubPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindex_pubsub_published_total",
			Help: "Messages published per channel",
		},
		[]string{"channel"},
	)

	PubSubReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindex_pubsub_received_total",
			Help: "Messages dispatched to callbacks per channel",
		},
		[]string{"channel"},
	)

	PubSubReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mindex_pubsub_reconnects_total",
			Help: "Successful broker reconnections",
		},
	)

	PubSubCallbackErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindex_pubsub_callback_errors_total",
			Help: "Callback panics or errors during dispatch",
		},
		[]string{"channel"},
	)

	// Stream router metrics
	StreamClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mindex_stream_clients",
			Help: "Connected WebSocket clients per router",
		},
		[]string{"router"},
	)

	StreamMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindex_stream_messages_sent_total",
			Help: "Messages delivered to WebSocket clients per router",
		},
		[]string{"router"},
	)

	StreamMessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindex_stream_messages_dropped_total",
			Help: "Messages dropped by filtering, backpressure or dead clients",
		},
		[]string{"router", "reason"}, // reason: filtered, overflow, send_failed
	)

	// Workflow orchestration metrics
	WorkflowSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindex_workflow_syncs_total",
			Help: "Workflow sync runs per outcome",
		},
		[]string{"instance", "outcome"},
	)

	WorkflowDriftDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mindex_workflow_drift_detected_total",
			Help: "Drift detections by the auto-monitor",
		},
	)

	WorkflowArchives = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mindex_workflow_archives_total",
			Help: "Workflow versions archived",
		},
	)

	WorkflowAPIErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindex_workflow_api_errors_total",
			Help: "n8n API call failures per instance",
		},
		[]string{"instance"},
	)
)

// BreakerStateValue converts a breaker state name to its gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}
