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

// Package errors defines the engine error taxonomy. Errors carry a Kind
// code so callers can classify failures without string matching, plus the
// message/code/status fields that retry classification matches against.
package errors

import (
	"fmt"
	"sort"
	"strings"
)

// Kind identifies a class of engine failure.
type Kind string

// Engine error kinds.
const (
	KindMissingIterateOver       Kind = "MISSING_ITERATE_OVER"
	KindInvalidIterateOver       Kind = "INVALID_ITERATE_OVER"
	KindMissingLoopSteps         Kind = "MISSING_LOOP_STEPS"
	KindMissingScatterConfig     Kind = "MISSING_SCATTER_CONFIG"
	KindMissingGatherConfig      Kind = "MISSING_GATHER_CONFIG"
	KindInvalidScatterInput      Kind = "INVALID_SCATTER_INPUT"
	KindScatterItemFailed        Kind = "SCATTER_ITEM_FAILED"
	KindLoopIterationFailed      Kind = "LOOP_ITERATION_FAILED"
	KindUnknownGatherOperation   Kind = "UNKNOWN_GATHER_OPERATION"
	KindParallelExecutionTimeout Kind = "PARALLEL_EXECUTION_TIMEOUT"
	KindAllFallbacksFailed       Kind = "ALL_FALLBACKS_FAILED"
	KindMultipleStepFailures     Kind = "MULTIPLE_STEP_FAILURES"
	KindCircuitBreakerOpen       Kind = "CIRCUIT_BREAKER_OPEN"
)

// State and admission kinds.
const (
	KindExecutionNotFound Kind = "EXECUTION_NOT_FOUND"
	KindPersistenceFailed Kind = "PERSISTENCE_FAILED"
	KindResumeFailed      Kind = "RESUME_FAILED"
	KindQuotaCheckFailed  Kind = "QUOTA_CHECK_FAILED"
)

// Warning-level kinds. Failures of these kinds do not terminate a run.
const (
	KindValidationWarning Kind = "VALIDATION_WARNING"
	KindPartialSuccess    Kind = "PARTIAL_SUCCESS"
	KindDeprecatedFeature Kind = "DEPRECATED_FEATURE"
)

// EngineError is the concrete error type for engine failures.
type EngineError struct {
	// Kind is the failure class.
	Kind Kind

	// Message is the human-readable description.
	Message string

	// Code is an optional machine error code (e.g. "ECONNRESET").
	Code string

	// Status is an optional numeric status (e.g. HTTP 429).
	Status int

	// Detail carries kind-specific structured context.
	Detail map[string]any

	// Suggestion provides actionable guidance for fixing the error.
	Suggestion string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Suggestion != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Suggestion)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// New creates an EngineError with the given kind and message.
func New(kind Kind, message string) *EngineError {
	return &EngineError{Kind: kind, Message: message}
}

// Newf creates an EngineError with a formatted message.
func Newf(kind Kind, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an EngineError wrapping a cause.
func Wrap(kind Kind, message string, cause error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Cause: cause}
}

// WithDetail attaches a detail entry and returns the error for chaining.
func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// WithSuggestion attaches a suggestion and returns the error for chaining.
func (e *EngineError) WithSuggestion(s string) *EngineError {
	e.Suggestion = s
	return e
}

// StepFailure records one failing step for aggregation.
type StepFailure struct {
	StepID  string
	Message string
}

// Aggregate produces a single MULTIPLE_STEP_FAILURES error listing each
// failing step. Returns nil when the list is empty.
func Aggregate(failures []StepFailure) *EngineError {
	if len(failures) == 0 {
		return nil
	}
	parts := make([]string, 0, len(failures))
	ids := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.StepID, f.Message))
		ids = append(ids, f.StepID)
	}
	sort.Strings(ids)
	return &EngineError{
		Kind:    KindMultipleStepFailures,
		Message: fmt.Sprintf("%d step(s) failed: %s", len(failures), strings.Join(parts, "; ")),
		Detail:  map[string]any{"failed_steps": ids},
	}
}
