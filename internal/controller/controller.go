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

// Package controller tracks the lifecycle of a single workflow
// execution: step progress, pause and stop signals, checkpoints, and
// rollback. The controller holds everything in memory; durable
// persistence belongs to the state manager.
package controller

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cascadehq/cascade/internal/log"
	"github.com/cascadehq/cascade/pkg/plan"
)

// Execution status values.
const (
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusStopped    = "stopped"
	StatusRolledBack = "rolled_back"
)

// DefaultCheckpointKeepLast is how many checkpoints ClearOldCheckpoints
// retains when no count is configured.
const DefaultCheckpointKeepLast = 5

// Controller manages control flow for one workflow execution. All
// methods are safe for concurrent use.
type Controller struct {
	mu sync.Mutex

	workflowID     string
	status         string
	currentStep    string
	completedSteps []string
	failedSteps    []string

	checkpoints   []*Checkpoint
	checkpointIdx map[string]*Checkpoint

	pauseRequested bool
	stopRequested  bool

	startedAt time.Time
	endedAt   time.Time

	logger *slog.Logger
}

// New creates a controller for the given workflow execution.
func New(workflowID string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		workflowID:    workflowID,
		status:        StatusRunning,
		checkpointIdx: make(map[string]*Checkpoint),
		startedAt:     time.Now(),
		logger:        logger.With(log.ExecutionIDKey, workflowID),
	}
}

// WorkflowID returns the execution this controller manages.
func (c *Controller) WorkflowID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workflowID
}

// Status returns the current execution status.
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// CurrentStep returns the step currently executing.
func (c *Controller) CurrentStep() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentStep
}

// CompletedSteps returns a copy of the completed step IDs in order.
func (c *Controller) CompletedSteps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.completedSteps...)
}

// FailedSteps returns a copy of the failed step IDs in order.
func (c *Controller) FailedSteps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.failedSteps...)
}

// MarkStepStarted records the step now executing.
func (c *Controller) MarkStepStarted(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentStep = stepID
}

// MarkStepCompleted records a successful step. A step that failed on an
// earlier attempt leaves the failed list; the two lists never share an
// id.
func (c *Controller) MarkStepCompleted(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completedSteps = appendUnique(c.completedSteps, stepID)
	c.failedSteps = removeString(c.failedSteps, stepID)
	if c.currentStep == stepID {
		c.currentStep = ""
	}
}

// MarkStepFailed records a failed step. Tolerated failures, where the
// step continues on error or the failure is a warning, keep the
// execution running so later steps still execute.
func (c *Controller) MarkStepFailed(stepID string, tolerated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedSteps = appendUnique(c.failedSteps, stepID)
	c.completedSteps = removeString(c.completedSteps, stepID)
	if c.currentStep == stepID {
		c.currentStep = ""
	}
	if !tolerated && c.status == StatusRunning {
		c.status = StatusFailed
	}
}

// RequestPause asks the execution to pause at the next step boundary.
func (c *Controller) RequestPause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseRequested = true
	c.logger.Info("pause requested")
}

// RequestStop asks the execution to stop at the next step boundary.
// In-flight steps finish; no new steps start.
func (c *Controller) RequestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRequested = true
	c.logger.Info("stop requested")
}

// Resume clears a pause and sets the execution running again.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseRequested = false
	if c.status == StatusPaused {
		c.status = StatusRunning
	}
}

// ShouldContinue reports whether the next step may start. It applies
// pending pause and stop requests, so callers check it at every step
// boundary.
func (c *Controller) ShouldContinue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopRequested {
		if c.status == StatusRunning || c.status == StatusPaused {
			c.status = StatusStopped
			c.endedAt = time.Now()
		}
		return false
	}
	if c.pauseRequested {
		if c.status == StatusRunning {
			c.status = StatusPaused
		}
		return false
	}
	return c.status == StatusRunning
}

// MarkCompleted moves the execution to its terminal completed state.
func (c *Controller) MarkCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusCompleted
	c.currentStep = ""
	c.endedAt = time.Now()
}

// MarkFailed moves the execution to its terminal failed state.
func (c *Controller) MarkFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusFailed
	c.endedAt = time.Now()
}

// Duration returns elapsed time since the execution started, frozen
// once the execution ends.
func (c *Controller) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.endedAt.IsZero() {
		return c.endedAt.Sub(c.startedAt)
	}
	return time.Since(c.startedAt)
}

// State is the serializable form of a controller, used to move paused
// executions across process restarts.
type State struct {
	WorkflowID     string        `json:"workflow_id"`
	Status         string        `json:"status"`
	CurrentStep    string        `json:"current_step,omitempty"`
	CompletedSteps []string      `json:"completed_steps"`
	FailedSteps    []string      `json:"failed_steps"`
	Checkpoints    []*Checkpoint `json:"checkpoints"`
	PauseRequested bool          `json:"pause_requested"`
	StopRequested  bool          `json:"stop_requested"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        time.Time     `json:"ended_at,omitempty"`
}

// ExportState serializes the controller, checkpoints included.
func (c *Controller) ExportState() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := State{
		WorkflowID:     c.workflowID,
		Status:         c.status,
		CurrentStep:    c.currentStep,
		CompletedSteps: c.completedSteps,
		FailedSteps:    c.failedSteps,
		Checkpoints:    c.checkpoints,
		PauseRequested: c.pauseRequested,
		StopRequested:  c.stopRequested,
		StartedAt:      c.startedAt,
		EndedAt:        c.endedAt,
	}
	return json.Marshal(state)
}

// ImportState restores a controller from serialized state.
func ImportState(data []byte, logger *slog.Logger) (*Controller, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode controller state: %w", err)
	}
	if state.WorkflowID == "" {
		return nil, fmt.Errorf("controller state missing workflow_id")
	}

	c := New(state.WorkflowID, logger)
	c.status = state.Status
	c.currentStep = state.CurrentStep
	c.completedSteps = state.CompletedSteps
	c.failedSteps = state.FailedSteps
	c.pauseRequested = state.PauseRequested
	c.stopRequested = state.StopRequested
	c.startedAt = state.StartedAt
	c.endedAt = state.EndedAt
	for _, cp := range state.Checkpoints {
		c.checkpoints = append(c.checkpoints, cp)
		c.checkpointIdx[cp.ID] = cp
	}
	return c, nil
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

func removeString(list []string, item string) []string {
	for i, existing := range list {
		if existing == item {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// snapshotOutputs deep-copies step outputs so later mutation cannot
// reach into a stored checkpoint.
func snapshotOutputs(outputs map[string]plan.StepOutput) map[string]plan.StepOutput {
	out := make(map[string]plan.StepOutput, len(outputs))
	for id, o := range outputs {
		o.Data = deepCopy(o.Data)
		out[id] = o
	}
	return out
}

func deepCopy(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
