// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the learning core.
//
// # Description
//
// Metrics cover the two hot paths (event capture, prediction serving) and
// the asynchronous pipeline behind them:
//   - Capture counters (by event type, status)
//   - Prediction counters and latency (by source, strategy)
//   - Pipeline delivery counters and lag (by consumer, status)
//   - Dead-letter and conflict counters
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "quotewise"

const learningSubsystem = "learning"

// LearningMetrics holds all Prometheus metrics for the learning core.
// Initialize once at startup via InitMetrics().
type LearningMetrics struct {
	// EventsTotal counts captured interaction events.
	// Labels: event_type (correction, selection, completion, rejection),
	// status (captured, rejected)
	EventsTotal *prometheus.CounterVec

	// PredictionsTotal counts served predictions.
	// Labels: source (model, fallback, unavailable), strategy
	PredictionsTotal *prometheus.CounterVec

	// PredictionDurationSeconds measures end-to-end prediction latency.
	// Labels: source
	PredictionDurationSeconds *prometheus.HistogramVec

	// PredictionConfidence observes the confidence of served predictions.
	// Labels: source
	PredictionConfidence *prometheus.HistogramVec

	// PipelineDeliveriesTotal counts consumer deliveries.
	// Labels: consumer (knowledge, exemplar, bandit), status (applied,
	// retried, dead_lettered)
	PipelineDeliveriesTotal *prometheus.CounterVec

	// PipelinePending tracks events awaiting delivery.
	PipelinePending prometheus.Gauge

	// DeadLettersTotal counts events parked after retry exhaustion.
	// Labels: consumer
	DeadLettersTotal *prometheus.CounterVec

	// FeedbackTotal counts feedback submissions on predictions.
	// Labels: feedback_type
	FeedbackTotal *prometheus.CounterVec

	// StoreConflictsTotal counts optimistic-concurrency collisions that
	// exhausted their retry.
	// Labels: store (knowledge, bandit)
	StoreConflictsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of LearningMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *LearningMetrics

// InitMetrics creates and registers all Prometheus metrics. Call once at
// application startup; a second call panics on duplicate registration.
func InitMetrics() *LearningMetrics {
	DefaultMetrics = &LearningMetrics{
		EventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: learningSubsystem,
				Name:      "events_total",
				Help:      "Total captured interaction events by type and status",
			},
			[]string{"event_type", "status"},
		),

		PredictionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: learningSubsystem,
				Name:      "predictions_total",
				Help:      "Total served predictions by source and strategy",
			},
			[]string{"source", "strategy"},
		),

		PredictionDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: learningSubsystem,
				Name:      "prediction_duration_seconds",
				Help:      "End-to-end prediction latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"source"},
		),

		PredictionConfidence: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: learningSubsystem,
				Name:      "prediction_confidence",
				Help:      "Confidence of served predictions",
				Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
			[]string{"source"},
		),

		PipelineDeliveriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: learningSubsystem,
				Name:      "pipeline_deliveries_total",
				Help:      "Total pipeline deliveries by consumer and status",
			},
			[]string{"consumer", "status"},
		),

		PipelinePending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: learningSubsystem,
				Name:      "pipeline_pending",
				Help:      "Events awaiting pipeline delivery",
			},
		),

		DeadLettersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: learningSubsystem,
				Name:      "dead_letters_total",
				Help:      "Events parked in the dead-letter queue by consumer",
			},
			[]string{"consumer"},
		),

		FeedbackTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: learningSubsystem,
				Name:      "feedback_total",
				Help:      "Feedback submissions on predictions by kind",
			},
			[]string{"feedback_type"},
		),

		StoreConflictsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: learningSubsystem,
				Name:      "store_conflicts_total",
				Help:      "Write conflicts that exhausted their retry by store",
			},
			[]string{"store"},
		),
	}

	return DefaultMetrics
}

// RecordEvent records one capture attempt.
func (m *LearningMetrics) RecordEvent(eventType string, accepted bool) {
	status := "captured"
	if !accepted {
		status = "rejected"
	}
	m.EventsTotal.WithLabelValues(eventType, status).Inc()
}

// RecordPrediction records one served prediction.
func (m *LearningMetrics) RecordPrediction(source, strategy string, confidence, seconds float64) {
	m.PredictionsTotal.WithLabelValues(source, strategy).Inc()
	m.PredictionDurationSeconds.WithLabelValues(source).Observe(seconds)
	m.PredictionConfidence.WithLabelValues(source).Observe(confidence)
}

// RecordDelivery records one pipeline delivery outcome.
func (m *LearningMetrics) RecordDelivery(consumer, status string) {
	m.PipelineDeliveriesTotal.WithLabelValues(consumer, status).Inc()
}

// RecordDeadLetter records an event parked after retry exhaustion.
func (m *LearningMetrics) RecordDeadLetter(consumer string) {
	m.DeadLettersTotal.WithLabelValues(consumer).Inc()
}

// RecordFeedback records one feedback submission.
func (m *LearningMetrics) RecordFeedback(feedbackType string) {
	m.FeedbackTotal.WithLabelValues(feedbackType).Inc()
}

// RecordConflict records a write conflict that exhausted its retry.
func (m *LearningMetrics) RecordConflict(store string) {
	m.StoreConflictsTotal.WithLabelValues(store).Inc()
}
