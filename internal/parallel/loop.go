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

package parallel

import (
	"context"
	"fmt"
	"sync"

	"github.com/cascadehq/cascade/internal/execontext"
	"github.com/cascadehq/cascade/internal/log"
	cascadeerrors "github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/plan"
)

// DefaultMaxIterations caps loop length when the config does not.
const DefaultMaxIterations = 100

// ExecuteLoop iterates a loop step over its resolved input array and
// returns per-iteration results in input order. Each iteration runs in
// a cloned context with reset metrics; child writes and metric totals
// merge back into the parent after the iteration.
func (e *Executor) ExecuteLoop(ctx context.Context, step plan.Step, execCtx *execontext.Context) ([]any, error) {
	cfg := step.Loop
	if cfg == nil || cfg.IterateOver == "" {
		return nil, cascadeerrors.Newf(cascadeerrors.KindMissingIterateOver,
			"loop step %s has no iterateOver", step.ID)
	}
	if len(cfg.Steps) == 0 {
		return nil, cascadeerrors.Newf(cascadeerrors.KindMissingLoopSteps,
			"loop step %s has no steps", step.ID)
	}

	resolved, err := execCtx.ResolveVariable(cfg.IterateOver)
	if err != nil {
		return nil, cascadeerrors.Wrap(cascadeerrors.KindInvalidIterateOver,
			fmt.Sprintf("loop step %s: cannot resolve %q", step.ID, cfg.IterateOver), err)
	}
	items, ok := resolved.([]any)
	if !ok {
		return nil, cascadeerrors.Newf(cascadeerrors.KindInvalidIterateOver,
			"loop step %s: iterateOver must resolve to an array, got %T", step.ID, resolved).
			WithDetail("observed_type", fmt.Sprintf("%T", resolved))
	}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	if len(items) > maxIterations {
		e.logger.Warn("loop input truncated to iteration cap",
			log.StepIDKey, step.ID,
			"input_length", len(items),
			"max_iterations", maxIterations)
		items = items[:maxIterations]
	}

	continueOnError := cfg.ContinueOnError || step.ContinueOnError
	results := make([]any, len(items))

	// Merge-back into the shared parent must be serialized.
	var mergeMu sync.Mutex

	runIteration := func(ctx context.Context, i int) error {
		child := execCtx.Clone(true)
		child.SetVariable("loop", map[string]any{
			"item":      items[i],
			"index":     i,
			"iteration": i + 1,
		})
		child.SetVariable("current", items[i])
		child.SetVariable("index", i)

		iterOutputs := make([]plan.StepOutput, 0, len(cfg.Steps))
		iterData := make(map[string]any, len(cfg.Steps))
		for _, sub := range cfg.Steps {
			output, err := e.runner.ExecuteStep(ctx, sub, child)
			if err != nil {
				if continueOnError {
					results[i] = map[string]any{"error": err.Error(), "iteration": i}
					return nil
				}
				return cascadeerrors.Wrap(cascadeerrors.KindLoopIterationFailed,
					fmt.Sprintf("loop step %s iteration %d failed at %s", step.ID, i, sub.ID), err).
					WithDetail("iteration", i).
					WithDetail("failed_step", sub.ID)
			}
			child.SetStepOutput(sub.ID, output)
			iterOutputs = append(iterOutputs, output)
			iterData[sub.ID] = output.Data
		}

		if len(cfg.Steps) == 1 {
			results[i] = iterOutputs[0].Data
		} else {
			results[i] = iterData
		}

		mergeMu.Lock()
		defer mergeMu.Unlock()
		for _, output := range iterOutputs {
			execCtx.SetStepOutput(fmt.Sprintf("%s_iteration%d", output.StepID, i), output)
			execCtx.SetStepOutput(output.StepID, output)
		}
		execCtx.MergeChild(child)
		return nil
	}

	concurrency := 1
	if cfg.Parallel {
		concurrency = e.maxConcurrency
	}
	if err := forEachIndex(ctx, len(items), concurrency, execCtx.ShouldContinue, runIteration); err != nil {
		return nil, err
	}
	return results, nil
}
