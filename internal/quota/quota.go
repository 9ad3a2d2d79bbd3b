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

// Package quota enforces per-user execution limits before new
// executions are admitted.
package quota

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	cascadeerrors "github.com/cascadehq/cascade/pkg/errors"
)

// Service gates execution creation.
type Service interface {
	// CheckExecutionAvailable returns a QUOTA_CHECK_FAILED error when the
	// user may not start another execution right now.
	CheckExecutionAvailable(ctx context.Context, userID string) error
	// RecordExecution counts an admitted execution against the user.
	RecordExecution(userID string)
}

// Limiter is the in-process quota Service: a per-user daily count plus
// a burst rate limiter. A zero daily limit disables the daily count.
type Limiter struct {
	mu         sync.Mutex
	dailyLimit int
	burst      int
	counts     map[string]int
	day        time.Time
	limiters   map[string]*rate.Limiter
	now        func() time.Time
}

var _ Service = (*Limiter)(nil)

// NewLimiter creates a quota limiter. burst caps how many executions a
// user may start in quick succession; values below 1 default to 10.
func NewLimiter(dailyLimit, burst int) *Limiter {
	if burst < 1 {
		burst = 10
	}
	return &Limiter{
		dailyLimit: dailyLimit,
		burst:      burst,
		counts:     make(map[string]int),
		limiters:   make(map[string]*rate.Limiter),
		now:        time.Now,
	}
}

func (l *Limiter) CheckExecutionAvailable(_ context.Context, userID string) error {
	if userID == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked()

	if l.dailyLimit > 0 && l.counts[userID] >= l.dailyLimit {
		return cascadeerrors.New(cascadeerrors.KindQuotaCheckFailed,
			"daily execution limit reached").
			WithDetail("user_id", userID).
			WithDetail("daily_limit", l.dailyLimit).
			WithSuggestion("Wait until the daily quota resets or raise the limit in configuration")
	}

	if !l.limiterLocked(userID).Allow() {
		return cascadeerrors.New(cascadeerrors.KindQuotaCheckFailed,
			"execution rate limit exceeded").
			WithDetail("user_id", userID).
			WithSuggestion("Slow down execution submissions and retry shortly")
	}
	return nil
}

func (l *Limiter) RecordExecution(userID string) {
	if userID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked()
	l.counts[userID]++
}

func (l *Limiter) limiterLocked(userID string) *rate.Limiter {
	lim, ok := l.limiters[userID]
	if !ok {
		// Refill one slot per second up to the burst size.
		lim = rate.NewLimiter(rate.Every(time.Second), l.burst)
		l.limiters[userID] = lim
	}
	return lim
}

func (l *Limiter) rollDayLocked() {
	today := l.now().Truncate(24 * time.Hour)
	if !today.Equal(l.day) {
		l.day = today
		l.counts = make(map[string]int)
	}
}
