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

package state

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cascadehq/cascade/internal/log"
	"github.com/cascadehq/cascade/internal/metrics"
	"github.com/cascadehq/cascade/internal/state/store"
	"github.com/cascadehq/cascade/pkg/plan"
)

// Step status values persisted to step rows.
const (
	StepStatusPending   = "pending"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
	StepStatusSkipped   = "skipped"
)

// LogStepExecution upserts a running step row. A retry reuses the row:
// stale failure state from the prior attempt is erased and the attempt
// counter advances. Errors are logged, never raised.
func (m *Manager) LogStepExecution(ctx context.Context, executionID string, step plan.Step) {
	now := time.Now().UTC()
	record := &store.StepRecord{
		ExecutionID: executionID,
		StepID:      step.ID,
		Name:        step.Name,
		Type:        plan.NormalizeStepType(step.Kind),
		Status:      StepStatusRunning,
		Attempt:     1,
		Params:      step.Params,
		StartedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	existing, err := m.store.GetStep(ctx, executionID, step.ID)
	switch {
	case err == nil:
		record.Attempt = existing.Attempt + 1
		record.CreatedAt = existing.CreatedAt
	case !errors.Is(err, store.ErrNotFound):
		m.persistenceWarn("LogStepExecution", executionID, err)
	}

	if err := m.store.UpsertStep(ctx, record); err != nil {
		m.persistenceWarn("LogStepExecution", executionID, err)
		return
	}
	log.Trace(m.logger, "step row logged",
		slog.String(log.ExecutionIDKey, executionID),
		slog.String(log.StepIDKey, step.ID),
		slog.Int("attempt", record.Attempt))
}

// StepUpdate carries terminal fields for a step row. Result must be a
// structural shape summary (see SummarizeValue), never the raw payload.
type StepUpdate struct {
	Status       string
	Result       any
	ErrorMessage string
	// Metadata may carry tokens_used (scalar or {total: n} object),
	// execution_time, item_count, and field_names.
	Metadata map[string]any
}

// UpdateStepExecution stamps a step row with its outcome. Errors are
// logged, never raised.
func (m *Manager) UpdateStepExecution(ctx context.Context, executionID, stepID string, update StepUpdate) {
	record, err := m.store.GetStep(ctx, executionID, stepID)
	if err != nil {
		m.persistenceWarn("UpdateStepExecution", executionID, err)
		return
	}

	now := time.Now().UTC()
	record.Status = update.Status
	record.Result = update.Result
	record.ErrorMessage = update.ErrorMessage
	record.FinishedAt = &now
	record.UpdatedAt = now

	if update.Metadata != nil {
		record.TokensUsed = collapseTokens(update.Metadata["tokens_used"])
		record.DurationMS = int64(intFrom(update.Metadata["execution_time"]))
		record.ItemCount = intFrom(update.Metadata["item_count"])
	}

	if err := m.store.UpsertStep(ctx, record); err != nil {
		m.persistenceWarn("UpdateStepExecution", executionID, err)
		return
	}
	if record.DurationMS > 0 {
		metrics.ObserveStepDuration(record.Type, float64(record.DurationMS)/1000)
	}
}

// collapseTokens accepts either a scalar token count or a provider
// breakdown object with a "total" key and returns the scalar.
func collapseTokens(v any) int {
	if m, ok := v.(map[string]any); ok {
		return intFrom(m["total"])
	}
	return intFrom(v)
}
