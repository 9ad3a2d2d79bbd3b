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

// Package cache keeps full-fidelity step outputs in memory for the
// lifetime of an execution. The durable store sanitizes large payloads;
// this cache is what resume and final-output assembly read from first.
package cache

import (
	"sync"

	"github.com/cascadehq/cascade/pkg/plan"
)

// OutputCache stores step outputs keyed by execution and step.
type OutputCache interface {
	PutOutput(executionID, stepID string, output plan.StepOutput)
	GetOutput(executionID, stepID string) (plan.StepOutput, bool)
	GetAllOutputs(executionID string) map[string]plan.StepOutput
	Drop(executionID string)
}

// Memory is the in-process OutputCache.
type Memory struct {
	mu      sync.RWMutex
	outputs map[string]map[string]plan.StepOutput
}

var _ OutputCache = (*Memory)(nil)

// NewMemory creates an empty output cache.
func NewMemory() *Memory {
	return &Memory{
		outputs: make(map[string]map[string]plan.StepOutput),
	}
}

func (m *Memory) PutOutput(executionID, stepID string, output plan.StepOutput) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStep, ok := m.outputs[executionID]
	if !ok {
		byStep = make(map[string]plan.StepOutput)
		m.outputs[executionID] = byStep
	}
	byStep[stepID] = output
}

func (m *Memory) GetOutput(executionID, stepID string) (plan.StepOutput, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	output, ok := m.outputs[executionID][stepID]
	return output, ok
}

func (m *Memory) GetAllOutputs(executionID string) map[string]plan.StepOutput {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byStep := m.outputs[executionID]
	out := make(map[string]plan.StepOutput, len(byStep))
	for stepID, output := range byStep {
		out[stepID] = output
	}
	return out
}

// Drop releases all outputs for a finished execution.
func (m *Memory) Drop(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.outputs, executionID)
}
