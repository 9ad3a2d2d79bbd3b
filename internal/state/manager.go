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

// Package state persists execution records across process restarts and
// rebuilds execution contexts on resume. In-memory state is the source
// of truth while a run is live; every persistence call after
// CreateExecution is best effort so storage trouble never halts a run.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/internal/broadcast"
	"github.com/cascadehq/cascade/internal/cache"
	"github.com/cascadehq/cascade/internal/execontext"
	"github.com/cascadehq/cascade/internal/log"
	"github.com/cascadehq/cascade/internal/metrics"
	"github.com/cascadehq/cascade/internal/quota"
	"github.com/cascadehq/cascade/internal/state/store"
	cascadeerrors "github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/plan"
)

// Execution status values persisted to storage.
const (
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusRolledBack = "rolled_back"
)

const (
	defaultCachePollInterval = 100 * time.Millisecond
	defaultCachePollAttempts = 10
	defaultRetentionDays     = 90
)

// Options tunes manager behavior. Zero values select the defaults.
type Options struct {
	// ProgressTracking gates per-step checkpoints to storage.
	ProgressTracking bool

	// CachePollInterval and CachePollAttempts bound how long FailExecution
	// waits for cached outputs to cover completed steps.
	CachePollInterval time.Duration
	CachePollAttempts int
}

// Manager owns durable execution state.
type Manager struct {
	store       store.Store
	outputs     cache.OutputCache
	quota       quota.Service
	broadcaster *broadcast.Broadcaster
	logger      *slog.Logger

	progressTracking  bool
	cachePollInterval time.Duration
	cachePollAttempts int
}

// NewManager wires a state manager. quota and broadcaster may be nil
// when admission control or progress streaming is not needed.
func NewManager(st store.Store, outputs cache.OutputCache, q quota.Service, b *broadcast.Broadcaster, logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.CachePollInterval
	if interval <= 0 {
		interval = defaultCachePollInterval
	}
	attempts := opts.CachePollAttempts
	if attempts <= 0 {
		attempts = defaultCachePollAttempts
	}
	return &Manager{
		store:             st,
		outputs:           outputs,
		quota:             q,
		broadcaster:       b,
		logger:            log.WithComponent(logger, "state"),
		progressTracking:  opts.ProgressTracking,
		cachePollInterval: interval,
		cachePollAttempts: attempts,
	}
}

// CreateParams describes a new execution.
type CreateParams struct {
	// ExecutionID, when set, is used as the record key so callers can
	// pre-register an id for polling. Empty generates one.
	ExecutionID string
	AgentID     string
	UserID      string
	SessionID   string
	Plan        *plan.Plan
	Inputs      map[string]any
	// RunMode defaults to "production".
	RunMode string
}

// CreateExecution admits and persists a new execution. This is the only
// persistence call whose failure aborts the run.
func (m *Manager) CreateExecution(ctx context.Context, params CreateParams) (*store.ExecutionRecord, error) {
	if m.quota != nil {
		if err := m.quota.CheckExecutionAvailable(ctx, params.UserID); err != nil {
			return nil, err
		}
	}

	id := params.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	runMode := params.RunMode
	if runMode == "" {
		runMode = "production"
	}

	now := time.Now().UTC()
	record := &store.ExecutionRecord{
		ID:        id,
		AgentID:   params.AgentID,
		UserID:    params.UserID,
		SessionID: params.SessionID,
		Status:    StatusRunning,
		RunMode:   runMode,
		Plan:      params.Plan,
		Inputs:    params.Inputs,
		Trace: store.Trace{
			CompletedSteps: []string{},
			CachedOutputs:  map[string]store.CachedOutput{},
		},
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.CreateExecution(ctx, record); err != nil {
		return nil, cascadeerrors.Wrap(cascadeerrors.KindPersistenceFailed,
			fmt.Sprintf("create execution %s", id), err)
	}

	if m.quota != nil {
		m.quota.RecordExecution(params.UserID)
	}
	if m.broadcaster != nil {
		m.broadcaster.Open(id)
		m.broadcaster.Publish(broadcast.Event{
			Type:        broadcast.EventExecutionStarted,
			ExecutionID: id,
			Status:      StatusRunning,
		})
	}
	metrics.RecordExecutionStarted()
	m.logger.Info("execution created",
		log.ExecutionIDKey, id,
		log.AgentIDKey, params.AgentID,
		"run_mode", runMode)
	return record, nil
}

// GetExecution loads an execution record.
func (m *Manager) GetExecution(ctx context.Context, id string) (*store.ExecutionRecord, error) {
	record, err := m.store.GetExecution(ctx, id)
	if err != nil {
		return nil, cascadeerrors.Wrap(cascadeerrors.KindExecutionNotFound,
			fmt.Sprintf("execution %s", id), err)
	}
	return record, nil
}

// ListExecutions lists execution records.
func (m *Manager) ListExecutions(ctx context.Context, filter store.ListFilter) ([]*store.ExecutionRecord, error) {
	return m.store.ListExecutions(ctx, filter)
}

// RecordStepOutput write-throughs a step output: the in-memory cache
// gets the full-fidelity value and the durable trace's cached_outputs
// gains the entry. Failures are logged and swallowed.
func (m *Manager) RecordStepOutput(ctx context.Context, executionID, stepID string, output plan.StepOutput) {
	if m.outputs != nil {
		m.outputs.PutOutput(executionID, stepID, output)
	}

	record, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		m.persistenceWarn("RecordStepOutput", executionID, err)
		return
	}
	if record.Trace.CachedOutputs == nil {
		record.Trace.CachedOutputs = make(map[string]store.CachedOutput)
	}
	record.Trace.CachedOutputs[stepID] = toCachedOutput(output)
	record.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateExecution(ctx, record); err != nil {
		m.persistenceWarn("RecordStepOutput", executionID, err)
	}
}

// Checkpoint persists current progress. Gated by the progress-tracking
// flag; failures are logged and swallowed so a storage blip never stops
// the run. The stored cached_outputs always win over the in-memory view
// since a separate writer owns that key.
func (m *Manager) Checkpoint(ctx context.Context, execCtx *execontext.Context) {
	if !m.progressTracking {
		return
	}

	record, err := m.store.GetExecution(ctx, execCtx.ExecutionID)
	if err != nil {
		m.persistenceWarn("Checkpoint", execCtx.ExecutionID, err)
		return
	}

	applyContext(record, execCtx)
	record.Status = StatusRunning
	record.UpdatedAt = time.Now().UTC()

	if err := m.store.UpdateExecution(ctx, record); err != nil {
		m.persistenceWarn("Checkpoint", execCtx.ExecutionID, err)
	}
}

// CompleteExecution finalizes a successful run: sanitized final output,
// structured results summary, counts, trace, and a history row.
func (m *Manager) CompleteExecution(ctx context.Context, execCtx *execontext.Context, finalOutput map[string]any) error {
	record, err := m.store.GetExecution(ctx, execCtx.ExecutionID)
	if err != nil {
		return cascadeerrors.Wrap(cascadeerrors.KindPersistenceFailed,
			fmt.Sprintf("complete execution %s", execCtx.ExecutionID), err)
	}

	applyContext(record, execCtx)
	m.mergeCacheOutputs(record, execCtx.ExecutionID)

	now := time.Now().UTC()
	record.Status = StatusCompleted
	record.CompletedAt = &now
	record.UpdatedAt = now
	record.CurrentStep = ""
	record.FinalOutput = SanitizeOutput(finalOutput)
	record.Results = buildResults(execCtx)

	if err := m.store.UpdateExecution(ctx, record); err != nil {
		return cascadeerrors.Wrap(cascadeerrors.KindPersistenceFailed,
			fmt.Sprintf("complete execution %s", execCtx.ExecutionID), err)
	}

	m.recordHistory(ctx, record)
	m.finish(record.ID, StatusCompleted)
	if m.outputs != nil {
		m.outputs.Drop(execCtx.ExecutionID)
	}
	m.logger.Info("execution completed",
		log.ExecutionIDKey, execCtx.ExecutionID,
		"completed_steps", len(execCtx.CompletedSteps),
		"tokens_used", execCtx.TotalTokensUsed)
	return nil
}

// FailExecution finalizes a failed run. Before writing it polls storage
// until cached_outputs covers every completed step, so an in-flight
// output writer gets a chance to land; after the poll budget it writes
// whatever is observed. Failures here are logged, never raised.
func (m *Manager) FailExecution(ctx context.Context, execCtx *execontext.Context, execErr error) {
	executionID := execCtx.ExecutionID
	record := m.waitForCachedOutputs(ctx, executionID, len(execCtx.CompletedSteps))
	if record == nil {
		return
	}

	applyContext(record, execCtx)
	m.mergeCacheOutputs(record, executionID)

	now := time.Now().UTC()
	record.Status = StatusFailed
	record.FailedAt = &now
	record.UpdatedAt = now
	record.ErrorMessage = execErr.Error()
	record.ErrorStack = fmt.Sprintf("%+v", execErr)

	if err := m.store.UpdateExecution(ctx, record); err != nil {
		m.persistenceWarn("FailExecution", executionID, err)
		return
	}

	// Paranoid re-read: the failed status must actually be durable.
	verify, err := m.store.GetExecution(ctx, executionID)
	if err != nil || verify.Status != StatusFailed {
		m.logger.Warn("failed-status verification did not confirm",
			log.ExecutionIDKey, executionID,
			"error", err)
	}

	m.recordHistory(ctx, record)
	m.finish(record.ID, StatusFailed)
	m.logger.Error("execution failed",
		log.ExecutionIDKey, executionID,
		"error", execErr)
}

// PauseExecution persists a paused status; progress is retained for a
// later ResumeExecution.
func (m *Manager) PauseExecution(ctx context.Context, execCtx *execontext.Context) error {
	return m.transition(ctx, execCtx, StatusPaused, func(record *store.ExecutionRecord, now time.Time) {
		record.PausedAt = &now
	})
}

// CancelExecution persists a terminal cancelled status.
func (m *Manager) CancelExecution(ctx context.Context, execCtx *execontext.Context) error {
	err := m.transition(ctx, execCtx, StatusCancelled, func(record *store.ExecutionRecord, now time.Time) {
		record.CancelledAt = &now
	})
	if err == nil {
		if record, getErr := m.store.GetExecution(ctx, execCtx.ExecutionID); getErr == nil {
			m.recordHistory(ctx, record)
		}
		m.finish(execCtx.ExecutionID, StatusCancelled)
	}
	return err
}

func (m *Manager) transition(ctx context.Context, execCtx *execontext.Context, status string, stamp func(*store.ExecutionRecord, time.Time)) error {
	record, err := m.store.GetExecution(ctx, execCtx.ExecutionID)
	if err != nil {
		return cascadeerrors.Wrap(cascadeerrors.KindPersistenceFailed,
			fmt.Sprintf("%s execution %s", status, execCtx.ExecutionID), err)
	}

	applyContext(record, execCtx)
	m.mergeCacheOutputs(record, execCtx.ExecutionID)

	now := time.Now().UTC()
	record.Status = status
	record.UpdatedAt = now
	stamp(record, now)

	if err := m.store.UpdateExecution(ctx, record); err != nil {
		return cascadeerrors.Wrap(cascadeerrors.KindPersistenceFailed,
			fmt.Sprintf("%s execution %s", status, execCtx.ExecutionID), err)
	}
	m.logger.Info("execution "+status, log.ExecutionIDKey, execCtx.ExecutionID)
	return nil
}

// Resume is what ResumeExecution hands back to the driver.
type Resume struct {
	Record *store.ExecutionRecord
	Context *execontext.Context
	// FreshRestart is true when no usable progress survived and the
	// workflow must re-execute from the first step.
	FreshRestart bool
}

// ResumeExecution rebuilds an in-memory context from a paused or
// running record. Completed-step outputs are restored from cached
// outputs; if coverage is incomplete the resume downgrades to a fresh
// restart, since replaying from partial outputs would corrupt state.
func (m *Manager) ResumeExecution(ctx context.Context, executionID string) (*Resume, error) {
	record, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, cascadeerrors.Wrap(cascadeerrors.KindExecutionNotFound,
			fmt.Sprintf("execution %s", executionID), err)
	}
	if record.Status != StatusPaused && record.Status != StatusRunning {
		return nil, cascadeerrors.Newf(cascadeerrors.KindResumeFailed,
			"execution %s is %s and cannot be resumed", executionID, record.Status).
			WithSuggestion("Only paused or interrupted running executions can be resumed")
	}

	execCtx := execontext.New(executionID, record.Inputs)
	execCtx.AgentID = record.AgentID
	execCtx.UserID = record.UserID
	execCtx.SessionID = record.SessionID
	execCtx.StartedAt = record.StartedAt

	fresh := len(record.Trace.CompletedSteps) == 0 && len(record.Trace.FailedSteps) == 0
	if !fresh {
		restored := m.restoreOutputs(record, execCtx)
		if restored {
			execCtx.CompletedSteps = append([]string(nil), record.Trace.CompletedSteps...)
			execCtx.FailedSteps = append([]string(nil), record.Trace.FailedSteps...)
			execCtx.SkippedSteps = append([]string(nil), record.Trace.SkippedSteps...)
			execCtx.CurrentStep = record.CurrentStep
			execCtx.TotalTokensUsed = record.TotalTokensUsed
			execCtx.TotalExecutionTime = record.TotalExecutionTimeMS
		} else {
			m.logger.Warn("cached outputs missing, downgrading to fresh restart",
				log.ExecutionIDKey, executionID,
				"completed_steps", len(record.Trace.CompletedSteps))
			fresh = true
		}
	}

	now := time.Now().UTC()
	record.Status = StatusRunning
	record.ResumedAt = &now
	record.UpdatedAt = now
	if fresh {
		record.CurrentStep = ""
	}
	if err := m.store.UpdateExecution(ctx, record); err != nil {
		return nil, cascadeerrors.Wrap(cascadeerrors.KindPersistenceFailed,
			fmt.Sprintf("resume execution %s", executionID), err)
	}

	if m.broadcaster != nil {
		m.broadcaster.Open(executionID)
		m.broadcaster.Publish(broadcast.Event{
			Type:        broadcast.EventExecutionResumed,
			ExecutionID: executionID,
			Status:      StatusRunning,
			Detail:      map[string]any{"fresh_restart": fresh},
		})
	}
	m.logger.Info("execution resumed",
		log.ExecutionIDKey, executionID,
		"fresh_restart", fresh)
	return &Resume{Record: record, Context: execCtx, FreshRestart: fresh}, nil
}

// restoreOutputs reinstalls every completed step's output into the
// context, preferring the in-memory cache over the durable trace.
// Returns false when any completed step lacks a cached output.
func (m *Manager) restoreOutputs(record *store.ExecutionRecord, execCtx *execontext.Context) bool {
	var cached map[string]plan.StepOutput
	if m.outputs != nil {
		cached = m.outputs.GetAllOutputs(record.ID)
	}

	for _, stepID := range record.Trace.CompletedSteps {
		if output, ok := cached[stepID]; ok {
			execCtx.SetStepOutput(stepID, output)
			continue
		}
		stored, ok := record.Trace.CachedOutputs[stepID]
		if !ok {
			return false
		}
		execCtx.SetStepOutput(stepID, fromCachedOutput(stepID, stored))
	}
	return true
}

// CleanupOldExecutions deletes completed and cancelled runs older than
// the given number of days (default 90).
func (m *Manager) CleanupOldExecutions(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = defaultRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	deleted, err := m.store.DeleteTerminatedBefore(ctx, cutoff)
	if err != nil {
		return 0, cascadeerrors.Wrap(cascadeerrors.KindPersistenceFailed, "cleanup old executions", err)
	}
	if deleted > 0 {
		m.logger.Info("old executions deleted", "count", deleted, "older_than_days", days)
	}
	return deleted, nil
}

// waitForCachedOutputs polls storage until the trace's cached_outputs
// covers wantCount completed steps or the poll budget runs out. It
// always returns the last record read, nil only when storage never
// answered.
func (m *Manager) waitForCachedOutputs(ctx context.Context, executionID string, wantCount int) *store.ExecutionRecord {
	var record *store.ExecutionRecord
	for attempt := 0; attempt < m.cachePollAttempts; attempt++ {
		got, err := m.store.GetExecution(ctx, executionID)
		if err != nil {
			m.persistenceWarn("FailExecution", executionID, err)
		} else {
			record = got
			covered := len(record.Trace.CachedOutputs)
			if m.outputs != nil {
				for stepID := range m.outputs.GetAllOutputs(executionID) {
					if _, ok := record.Trace.CachedOutputs[stepID]; !ok {
						covered++
					}
				}
			}
			if covered >= wantCount {
				return record
			}
		}

		select {
		case <-ctx.Done():
			return record
		case <-time.After(m.cachePollInterval):
		}
	}

	if record != nil {
		m.logger.Warn("cached outputs incomplete after poll budget",
			log.ExecutionIDKey, executionID,
			"want", wantCount,
			"have", len(record.Trace.CachedOutputs))
	}
	return record
}

// mergeCacheOutputs folds the in-memory cache into the record's trace
// without overwriting entries the storage writer already owns.
func (m *Manager) mergeCacheOutputs(record *store.ExecutionRecord, executionID string) {
	if m.outputs == nil {
		return
	}
	if record.Trace.CachedOutputs == nil {
		record.Trace.CachedOutputs = make(map[string]store.CachedOutput)
	}
	for stepID, output := range m.outputs.GetAllOutputs(executionID) {
		if _, ok := record.Trace.CachedOutputs[stepID]; !ok {
			record.Trace.CachedOutputs[stepID] = toCachedOutput(output)
		}
	}
}

func (m *Manager) recordHistory(ctx context.Context, record *store.ExecutionRecord) {
	hs, ok := m.store.(store.HistoryStore)
	if !ok {
		return
	}
	err := hs.RecordHistory(ctx, &store.HistoryRecord{
		ExecutionID: record.ID,
		AgentID:     record.AgentID,
		UserID:      record.UserID,
		Status:      record.Status,
		StepCount:   record.CompletedCount,
		TokensUsed:  record.TotalTokensUsed,
		DurationMS:  record.TotalExecutionTimeMS,
		FinishedAt:  record.UpdatedAt,
	})
	if err != nil {
		m.persistenceWarn("RecordHistory", record.ID, err)
	}
}

// finish publishes the terminal event, closes the progress channel, and
// records the terminal metric.
func (m *Manager) finish(executionID, status string) {
	if m.broadcaster != nil {
		m.broadcaster.Publish(broadcast.Event{
			Type:        broadcast.EventExecutionFinished,
			ExecutionID: executionID,
			Status:      status,
		})
		m.broadcaster.Close(executionID)
	}
	metrics.RecordExecutionFinished(status)
}

func (m *Manager) persistenceWarn(operation, executionID string, err error) {
	metrics.RecordPersistenceError(operation, classifyError(err))
	m.logger.Warn("persistence error",
		"operation", operation,
		log.ExecutionIDKey, executionID,
		"error", err)
}

func classifyError(err error) string {
	if kind := cascadeerrors.KindOf(err); kind != "" {
		return string(kind)
	}
	return "storage_error"
}

// applyContext copies live progress onto the record. The record's
// cached_outputs are deliberately left alone.
func applyContext(record *store.ExecutionRecord, execCtx *execontext.Context) {
	record.CurrentStep = execCtx.CurrentStep
	record.CompletedCount = len(execCtx.CompletedSteps)
	record.FailedCount = len(execCtx.FailedSteps)
	record.SkippedCount = len(execCtx.SkippedSteps)
	record.TotalTokensUsed = execCtx.TotalTokensUsed
	record.TotalExecutionTimeMS = execCtx.TotalExecutionTime
	record.Trace.CompletedSteps = append([]string(nil), execCtx.CompletedSteps...)
	record.Trace.FailedSteps = append([]string(nil), execCtx.FailedSteps...)
	record.Trace.SkippedSteps = append([]string(nil), execCtx.SkippedSteps...)
}

// buildResults summarizes per-step outcomes with counts and types only;
// payload bodies stay out of the record.
func buildResults(execCtx *execontext.Context) map[string]any {
	steps := make(map[string]any, len(execCtx.StepOutputs))
	for stepID, output := range execCtx.StepOutputs {
		entry := map[string]any{
			"success": output.Metadata.Success,
			"type":    valueType(output.Data),
		}
		if arr, ok := output.Data.([]any); ok {
			entry["count"] = len(arr)
		}
		if output.Metadata.TokensUsed > 0 {
			entry["tokens_used"] = output.Metadata.TokensUsed
		}
		steps[stepID] = entry
	}
	return map[string]any{
		"completed": len(execCtx.CompletedSteps),
		"failed":    len(execCtx.FailedSteps),
		"skipped":   len(execCtx.SkippedSteps),
		"steps":     steps,
	}
}

func valueType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case string:
		return "string"
	case bool:
		return "boolean"
	default:
		return "number"
	}
}

func toCachedOutput(output plan.StepOutput) store.CachedOutput {
	return store.CachedOutput{
		Data: output.Data,
		Metadata: map[string]any{
			"plugin":         output.Plugin,
			"action":         output.Action,
			"success":        output.Metadata.Success,
			"executed_at":    output.Metadata.ExecutedAt,
			"execution_time": output.Metadata.ExecutionTime,
			"tokens_used":    output.Metadata.TokensUsed,
		},
	}
}

func fromCachedOutput(stepID string, cached store.CachedOutput) plan.StepOutput {
	output := plan.StepOutput{
		StepID: stepID,
		Data:   cached.Data,
	}
	if cached.Metadata != nil {
		if s, ok := cached.Metadata["plugin"].(string); ok {
			output.Plugin = s
		}
		if s, ok := cached.Metadata["action"].(string); ok {
			output.Action = s
		}
		if b, ok := cached.Metadata["success"].(bool); ok {
			output.Metadata.Success = b
		}
		output.Metadata.TokensUsed = intFrom(cached.Metadata["tokens_used"])
		output.Metadata.ExecutionTime = int64(intFrom(cached.Metadata["execution_time"]))
	}
	return output
}

func intFrom(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}
