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

// Package store defines durable storage for execution state. Interfaces
// are segregated by capability so backends implement only what they
// support; Store composes the full surface the state manager needs.
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// CachedOutput is one persisted step output inside an execution trace.
type CachedOutput struct {
	Data     any            `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Trace is the replayable portion of an execution record. CachedOutputs
// is what resume reads to restore completed step results.
type Trace struct {
	CompletedSteps []string                `json:"completed_steps"`
	FailedSteps    []string                `json:"failed_steps,omitempty"`
	SkippedSteps   []string                `json:"skipped_steps,omitempty"`
	CachedOutputs  map[string]CachedOutput `json:"cached_outputs"`
}

// ExecutionRecord is the durable row for one workflow execution.
type ExecutionRecord struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Status      string `json:"status"`
	CurrentStep string `json:"current_step,omitempty"`
	RunMode     string `json:"run_mode,omitempty"`

	CompletedCount int `json:"completed_count"`
	FailedCount    int `json:"failed_count"`
	SkippedCount   int `json:"skipped_count"`

	Plan   any            `json:"plan,omitempty"`
	Inputs map[string]any `json:"inputs,omitempty"`
	Trace  Trace          `json:"trace"`

	FinalOutput  any            `json:"final_output,omitempty"`
	Results      map[string]any `json:"results,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorStack   string         `json:"error_stack,omitempty"`

	TotalTokensUsed      int   `json:"total_tokens_used"`
	TotalExecutionTimeMS int64 `json:"total_execution_time_ms"`

	StartedAt   time.Time  `json:"started_at"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	ResumedAt   *time.Time `json:"resumed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the record is in a terminal status.
func (r *ExecutionRecord) Terminal() bool {
	switch r.Status {
	case "completed", "failed", "cancelled", "rolled_back":
		return true
	}
	return false
}

// StepRecord is the durable row for one step attempt within an
// execution. The (ExecutionID, StepID) pair is the logical key; a retry
// upserts the row and resets its result fields.
type StepRecord struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	Name        string `json:"name,omitempty"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Attempt     int    `json:"attempt"`

	Params       map[string]any `json:"params,omitempty"`
	Result       any            `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`

	TokensUsed int   `json:"tokens_used"`
	DurationMS int64 `json:"duration_ms"`
	ItemCount  int   `json:"item_count"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryRecord is an append-only summary row written when an execution
// reaches a terminal state.
type HistoryRecord struct {
	ExecutionID string    `json:"execution_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Status      string    `json:"status"`
	StepCount   int       `json:"step_count"`
	TokensUsed  int       `json:"tokens_used"`
	DurationMS  int64     `json:"duration_ms"`
	FinishedAt  time.Time `json:"finished_at"`
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	UserID  string
	AgentID string
	Status  string
	Limit   int
}

// ExecutionStore is the minimal read/write surface for executions.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, record *ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	UpdateExecution(ctx context.Context, record *ExecutionRecord) error
}

// ExecutionLister adds listing and retention operations.
type ExecutionLister interface {
	ListExecutions(ctx context.Context, filter ListFilter) ([]*ExecutionRecord, error)
	DeleteExecution(ctx context.Context, id string) error
	DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// StepStore persists per-step rows.
type StepStore interface {
	UpsertStep(ctx context.Context, record *StepRecord) error
	GetStep(ctx context.Context, executionID, stepID string) (*StepRecord, error)
	ListSteps(ctx context.Context, executionID string) ([]*StepRecord, error)
}

// HistoryStore is an optional capability. The state manager detects it
// with a type assertion and records a history row per finished
// execution when present.
type HistoryStore interface {
	RecordHistory(ctx context.Context, record *HistoryRecord) error
}

// Store is the full persistence surface.
type Store interface {
	ExecutionStore
	ExecutionLister
	StepStore
	io.Closer
}
