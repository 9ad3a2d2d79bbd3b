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

package controller

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/cascadehq/cascade/internal/execontext"
	"github.com/cascadehq/cascade/pkg/plan"
)

// Checkpoint is a point-in-time snapshot of an execution, taken after a
// step completes. Snapshots are deep copies: later execution never
// mutates a stored checkpoint.
type Checkpoint struct {
	ID             string                     `json:"id"`
	WorkflowID     string                     `json:"workflow_id"`
	Timestamp      time.Time                  `json:"timestamp"`
	Step           string                     `json:"step"`
	CompletedSteps []string                   `json:"completed_steps"`
	StepResults    map[string]plan.StepOutput `json:"step_results"`
	Context        *execontext.Context        `json:"context"`
	RemainingSteps []string                   `json:"remaining_steps"`
	Metadata       CheckpointMetadata         `json:"metadata"`
}

// CheckpointMetadata carries summary figures for checkpoint listings.
type CheckpointMetadata struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	StepCount  int           `json:"step_count"`
	ErrorCount int           `json:"error_count"`
}

// RollbackResult reports the outcome of a rollback attempt.
// StepsReverted lists the completed step IDs the rollback undid, in
// completion order.
type RollbackResult struct {
	Success       bool     `json:"success"`
	CheckpointID  string   `json:"checkpoint_id,omitempty"`
	StepsReverted []string `json:"steps_reverted"`
	Error         string   `json:"error,omitempty"`
}

// CreateCheckpoint snapshots the execution after stepID completed.
// remaining lists the step IDs not yet executed, in plan order.
func (c *Controller) CreateCheckpoint(stepID string, execCtx *execontext.Context, remaining []string) *Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := &Checkpoint{
		ID:             newCheckpointID(),
		WorkflowID:     c.workflowID,
		Timestamp:      time.Now(),
		Step:           stepID,
		CompletedSteps: append([]string(nil), c.completedSteps...),
		RemainingSteps: append([]string(nil), remaining...),
		Metadata: CheckpointMetadata{
			StartedAt:  c.startedAt,
			Duration:   time.Since(c.startedAt),
			StepCount:  len(c.completedSteps),
			ErrorCount: len(c.failedSteps),
		},
	}
	if execCtx != nil {
		cp.Context = execCtx.Clone(false)
		cp.StepResults = snapshotOutputs(execCtx.StepOutputs)
	}

	c.checkpoints = append(c.checkpoints, cp)
	c.checkpointIdx[cp.ID] = cp
	c.logger.Debug("checkpoint created", "checkpoint_id", cp.ID, "step", stepID)
	return cp
}

// Checkpoints returns the stored checkpoints, oldest first.
func (c *Controller) Checkpoints() []*Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Checkpoint(nil), c.checkpoints...)
}

// LatestCheckpoint returns the most recent checkpoint, or nil.
func (c *Controller) LatestCheckpoint() *Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.checkpoints) == 0 {
		return nil
	}
	return c.checkpoints[len(c.checkpoints)-1]
}

// Checkpoint looks up a checkpoint by ID.
func (c *Controller) Checkpoint(id string) (*Checkpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.checkpointIdx[id]
	return cp, ok
}

// RollbackToCheckpoint restores execution state to the named
// checkpoint. Checkpoints taken after it are discarded, failed steps
// are cleared, and the execution is set running so it can be retried
// from the restored point.
func (c *Controller) RollbackToCheckpoint(id string) RollbackResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, ok := c.checkpointIdx[id]
	if !ok {
		return RollbackResult{
			Error: fmt.Sprintf("checkpoint %s not found", id),
		}
	}

	kept := make(map[string]bool, len(target.CompletedSteps))
	for _, id := range target.CompletedSteps {
		kept[id] = true
	}
	var reverted []string
	for _, id := range c.completedSteps {
		if !kept[id] {
			reverted = append(reverted, id)
		}
	}

	c.completedSteps = append([]string(nil), target.CompletedSteps...)
	c.failedSteps = nil
	c.currentStep = ""
	c.status = StatusRunning
	c.endedAt = time.Time{}

	// Drop every checkpoint taken after the target.
	remaining := c.checkpoints[:0]
	for _, cp := range c.checkpoints {
		if cp.Timestamp.After(target.Timestamp) && cp.ID != target.ID {
			delete(c.checkpointIdx, cp.ID)
			continue
		}
		remaining = append(remaining, cp)
	}
	c.checkpoints = remaining

	c.logger.Info("rolled back to checkpoint",
		"checkpoint_id", id,
		"steps_reverted", len(reverted))

	return RollbackResult{
		Success:       true,
		CheckpointID:  id,
		StepsReverted: reverted,
	}
}

// RollbackToLastCheckpoint rolls back to the most recent checkpoint.
func (c *Controller) RollbackToLastCheckpoint() RollbackResult {
	latest := c.LatestCheckpoint()
	if latest == nil {
		return RollbackResult{Error: "no checkpoints available"}
	}
	return c.RollbackToCheckpoint(latest.ID)
}

// RollbackSteps walks n checkpoints back from the newest, clamped to
// the oldest stored checkpoint.
func (c *Controller) RollbackSteps(n int) RollbackResult {
	if n <= 0 {
		return RollbackResult{Error: "step count must be positive"}
	}

	c.mu.Lock()
	if len(c.checkpoints) == 0 {
		c.mu.Unlock()
		return RollbackResult{Error: "no checkpoints available"}
	}
	idx := len(c.checkpoints) - n
	if idx < 0 {
		idx = 0
	}
	target := c.checkpoints[idx]
	c.mu.Unlock()

	return c.RollbackToCheckpoint(target.ID)
}

// ClearOldCheckpoints keeps the keepLast most recent checkpoints and
// drops the rest. Non-positive keepLast selects the default.
func (c *Controller) ClearOldCheckpoints(keepLast int) int {
	if keepLast <= 0 {
		keepLast = DefaultCheckpointKeepLast
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.checkpoints) <= keepLast {
		return 0
	}

	dropped := len(c.checkpoints) - keepLast
	for _, cp := range c.checkpoints[:dropped] {
		delete(c.checkpointIdx, cp.ID)
	}
	c.checkpoints = append([]*Checkpoint(nil), c.checkpoints[dropped:]...)
	return dropped
}

// newCheckpointID builds IDs like "checkpoint_1756100000000_a1b2c3d".
func newCheckpointID() string {
	return fmt.Sprintf("checkpoint_%d_%s", time.Now().UnixMilli(), randomSuffix(7))
}

func randomSuffix(length int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	out := make([]byte, length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			out[i] = alphabet[time.Now().Nanosecond()%len(alphabet)]
			continue
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out)
}
