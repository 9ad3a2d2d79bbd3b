// Copyright 2026 The Cascade Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus metrics for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cascade_executions_started_total",
			Help: "Total workflow executions started",
		},
	)

	executionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_executions_finished_total",
			Help: "Total workflow executions finished by terminal status",
		},
		[]string{"status"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cascade_step_duration_seconds",
			Help:    "Step execution duration by normalized step type",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"step_type"},
	)

	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_persistence_errors_total",
			Help: "Total persistence operation errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)

	retryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cascade_retry_attempts_total",
			Help: "Total step retry attempts",
		},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)
)

// RecordExecutionStarted increments the started-executions counter.
func RecordExecutionStarted() {
	executionsStarted.Inc()
}

// RecordExecutionFinished increments the finished-executions counter for a
// terminal status (completed, failed, cancelled, rolled_back).
func RecordExecutionFinished(status string) {
	executionsFinished.WithLabelValues(status).Inc()
}

// ObserveStepDuration records a step execution duration in seconds.
func ObserveStepDuration(stepType string, seconds float64) {
	stepDuration.WithLabelValues(stepType).Observe(seconds)
}

// RecordPersistenceError increments the persistence error counter.
// operation should name the store call (e.g. "Checkpoint", "UpsertStep").
func RecordPersistenceError(operation, errorType string) {
	persistenceErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordRetryAttempt increments the retry counter.
func RecordRetryAttempt() {
	retryAttempts.Inc()
}

// RecordBreakerTransition records a circuit breaker state change.
func RecordBreakerTransition(from, to string) {
	breakerTransitions.WithLabelValues(from, to).Inc()
}
