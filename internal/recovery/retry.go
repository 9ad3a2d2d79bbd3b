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

// Package recovery wraps step invocation with retry, fallback, circuit
// breaking, and compensating rollback.
package recovery

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/cascadehq/cascade/internal/metrics"
	cascadeerrors "github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/plan"
)

// retryPolicy is a step policy resolved against the defaults.
type retryPolicy struct {
	MaxRetries        int
	BackoffMs         int
	BackoffMultiplier float64
	RetryableErrors   []string
}

// defaultRetryPolicy applies where a step declares none. Fields a step
// policy leaves unset fall back to these values.
func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		MaxRetries:        3,
		BackoffMs:         1000,
		BackoffMultiplier: 2,
		RetryableErrors: []string{
			"TIMEOUT", "RATE_LIMIT", "NETWORK_ERROR",
			"ECONNRESET", "ECONNREFUSED", "ETIMEDOUT", "ENOTFOUND",
			"429", "503", "504",
		},
	}
}

func mergePolicy(p *plan.RetryPolicy) retryPolicy {
	merged := defaultRetryPolicy()
	if p == nil {
		return merged
	}
	// An explicit 0 disables retries; only nil means "use the default".
	if p.MaxRetries != nil && *p.MaxRetries >= 0 {
		merged.MaxRetries = *p.MaxRetries
	}
	if p.BackoffMs > 0 {
		merged.BackoffMs = p.BackoffMs
	}
	if p.BackoffMultiplier >= 1 {
		merged.BackoffMultiplier = p.BackoffMultiplier
	}
	if len(p.RetryableErrors) > 0 {
		merged.RetryableErrors = p.RetryableErrors
	}
	return merged
}

// ExecuteWithRetry invokes fn until it succeeds, fails with a
// non-retryable error, or exhausts the policy's retry budget. fn runs
// at most maxRetries+1 times. Backoff before attempt k is
// backoffMs * multiplier^(k-1), jittered by up to ±20%.
func ExecuteWithRetry(ctx context.Context, policy *plan.RetryPolicy, fn func(context.Context) (any, error)) (any, error) {
	merged := mergePolicy(policy)

	var lastErr error
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err, merged.RetryableErrors) {
			return nil, err
		}
		if attempt >= merged.MaxRetries {
			return nil, lastErr
		}

		metrics.RecordRetryAttempt()
		delay := backoffDelay(merged, attempt)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// backoffDelay computes the jittered delay before retry attempt
// (0-based): base * mult^attempt * U(0.8, 1.2).
func backoffDelay(policy retryPolicy, attempt int) time.Duration {
	base := float64(policy.BackoffMs) * math.Pow(policy.BackoffMultiplier, float64(attempt))
	jitter := (rand.Float64()*0.4 - 0.2) * base
	return time.Duration(base+jitter) * time.Millisecond
}

// sleep waits without blocking cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isRetryable reports whether any pattern occurs in the error message,
// equals its machine code, or equals its numeric status.
func isRetryable(err error, patterns []string) bool {
	message := err.Error()
	code := cascadeerrors.CodeOf(err)
	status := ""
	if s := cascadeerrors.StatusOf(err); s != 0 {
		status = strconv.Itoa(s)
	}

	for _, pattern := range patterns {
		if strings.Contains(message, pattern) {
			return true
		}
		if code != "" && pattern == code {
			return true
		}
		if status != "" && pattern == status {
			return true
		}
	}
	return false
}
