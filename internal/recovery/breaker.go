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

package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/cascadehq/cascade/internal/metrics"
	cascadeerrors "github.com/cascadehq/cascade/pkg/errors"
)

// CircuitState is the breaker's position.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker fails fast after consecutive failures and probes the
// downstream again once the reset timeout elapses.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        CircuitState
	failures     int
	lastFailure  time.Time
	maxFailures  int
	resetTimeout time.Duration
}

// NewCircuitBreaker creates a closed breaker. maxFailures below 1
// defaults to 5; a non-positive resetTimeout defaults to 30s.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:        CircuitClosed,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

// Execute runs fn under the breaker. An open breaker fails fast with
// CIRCUIT_BREAKER_OPEN until the reset timeout allows a half-open
// probe.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if err := cb.admit(); err != nil {
		return nil, err
	}

	result, err := fn(ctx)
	if err != nil {
		cb.recordFailure()
		return nil, err
	}
	cb.recordSuccess()
	return result, nil
}

// State returns the current breaker position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return nil
	}
	if time.Since(cb.lastFailure) > cb.resetTimeout {
		cb.transition(CircuitHalfOpen)
		return nil
	}
	return cascadeerrors.New(cascadeerrors.KindCircuitBreakerOpen,
		"circuit breaker is open").
		WithDetail("failures", cb.failures).
		WithDetail("reset_timeout_ms", cb.resetTimeout.Milliseconds()).
		WithSuggestion("Wait for the reset timeout before retrying")
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()
	switch cb.state {
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	case CircuitClosed:
		if cb.failures >= cb.maxFailures {
			cb.transition(CircuitOpen)
		}
	}
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	metrics.RecordBreakerTransition(cb.state.String(), to.String())
	cb.state = to
}
