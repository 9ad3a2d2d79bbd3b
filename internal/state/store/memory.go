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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used for tests and ephemeral runs.
// Records are deep-copied on the way in and out so callers cannot
// mutate stored state.
type Memory struct {
	mu         sync.RWMutex
	executions map[string]*ExecutionRecord
	steps      map[string]*StepRecord
	history    []*HistoryRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		executions: make(map[string]*ExecutionRecord),
		steps:      make(map[string]*StepRecord),
	}
}

var (
	_ Store        = (*Memory)(nil)
	_ HistoryStore = (*Memory)(nil)
)

func (m *Memory) CreateExecution(_ context.Context, record *ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.executions[record.ID]; exists {
		return fmt.Errorf("execution %s already exists", record.ID)
	}
	copied, err := copyExecution(record)
	if err != nil {
		return err
	}
	m.executions[record.ID] = copied
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (*ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return copyExecution(record)
}

func (m *Memory) UpdateExecution(_ context.Context, record *ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[record.ID]; !ok {
		return fmt.Errorf("execution %s: %w", record.ID, ErrNotFound)
	}
	copied, err := copyExecution(record)
	if err != nil {
		return err
	}
	m.executions[record.ID] = copied
	return nil
}

func (m *Memory) ListExecutions(_ context.Context, filter ListFilter) ([]*ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ExecutionRecord
	for _, record := range m.executions {
		if filter.UserID != "" && record.UserID != filter.UserID {
			continue
		}
		if filter.AgentID != "" && record.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		copied, err := copyExecution(record)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) DeleteExecution(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[id]; !ok {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	delete(m.executions, id)
	for key, step := range m.steps {
		if step.ExecutionID == id {
			delete(m.steps, key)
		}
	}
	return nil
}

func (m *Memory) DeleteTerminatedBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, record := range m.executions {
		if record.Status != "completed" && record.Status != "cancelled" {
			continue
		}
		if !record.CreatedAt.Before(cutoff) {
			continue
		}
		delete(m.executions, id)
		for key, step := range m.steps {
			if step.ExecutionID == id {
				delete(m.steps, key)
			}
		}
		deleted++
	}
	return deleted, nil
}

func (m *Memory) UpsertStep(_ context.Context, record *StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied, err := copyStep(record)
	if err != nil {
		return err
	}
	m.steps[stepKey(record.ExecutionID, record.StepID)] = copied
	return nil
}

func (m *Memory) GetStep(_ context.Context, executionID, stepID string) (*StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.steps[stepKey(executionID, stepID)]
	if !ok {
		return nil, fmt.Errorf("step %s/%s: %w", executionID, stepID, ErrNotFound)
	}
	return copyStep(record)
}

func (m *Memory) ListSteps(_ context.Context, executionID string) ([]*StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*StepRecord
	for _, record := range m.steps {
		if record.ExecutionID != executionID {
			continue
		}
		copied, err := copyStep(record)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (m *Memory) RecordHistory(_ context.Context, record *HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *record
	m.history = append(m.history, &copied)
	return nil
}

// History returns recorded history rows, oldest first.
func (m *Memory) History() []*HistoryRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*HistoryRecord, len(m.history))
	for i, record := range m.history {
		copied := *record
		out[i] = &copied
	}
	return out
}

func (m *Memory) Close() error {
	return nil
}

func stepKey(executionID, stepID string) string {
	return executionID + "/" + stepID
}

func copyExecution(record *ExecutionRecord) (*ExecutionRecord, error) {
	var out ExecutionRecord
	if err := roundTrip(record, &out); err != nil {
		return nil, fmt.Errorf("copy execution record: %w", err)
	}
	return &out, nil
}

func copyStep(record *StepRecord) (*StepRecord, error) {
	var out StepRecord
	if err := roundTrip(record, &out); err != nil {
		return nil, fmt.Errorf("copy step record: %w", err)
	}
	return &out, nil
}

func roundTrip(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
