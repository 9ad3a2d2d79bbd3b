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

// Package parallel fans work out over parallel groups, loops, and
// scatter/gather under a shared concurrency limit. Work is chunked: an
// input of length L runs as ceil(L/N) contiguous chunks of at most N,
// and the next chunk starts only after the current one settles. Output
// order always mirrors input order.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cascadehq/cascade/internal/execontext"
	"github.com/cascadehq/cascade/internal/log"
	cascadeerrors "github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/plan"
)

const (
	// DefaultMaxConcurrency bounds simultaneous child executions.
	DefaultMaxConcurrency = 3

	// DefaultBatchDelay is the pause between batches in ExecuteBatched.
	DefaultBatchDelay = 100 * time.Millisecond
)

// ErrHalted reports that a pause or stop request was observed at a
// chunk boundary. Results settled before the halt are retained.
var ErrHalted = errors.New("execution halted at chunk boundary")

// StepRunner dispatches one leaf step.
type StepRunner interface {
	ExecuteStep(ctx context.Context, step plan.Step, execCtx *execontext.Context) (plan.StepOutput, error)
}

// ArrayExtractor unwraps an object payload into its item array, used
// when a scatter input resolves to an object instead of an array.
type ArrayExtractor interface {
	ExtractArray(data map[string]any, plugin, action string) ([]any, bool)
}

// Config tunes an Executor. Zero values select the defaults.
type Config struct {
	MaxConcurrency int
	BatchDelay     time.Duration
}

// Executor runs the fan-out shapes.
type Executor struct {
	runner         StepRunner
	extractor      ArrayExtractor
	maxConcurrency int
	batchDelay     time.Duration
	logger         *slog.Logger
}

// NewExecutor wires a parallel executor. extractor may be nil; scatter
// inputs then must resolve directly to arrays.
func NewExecutor(runner StepRunner, extractor ArrayExtractor, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	batchDelay := cfg.BatchDelay
	if batchDelay <= 0 {
		batchDelay = DefaultBatchDelay
	}
	return &Executor{
		runner:         runner,
		extractor:      extractor,
		maxConcurrency: maxConcurrency,
		batchDelay:     batchDelay,
		logger:         log.WithComponent(logger, "parallel"),
	}
}

// ExecuteParallel runs independent sibling steps chunked, wait-all.
// Successful outputs are installed in the context and returned even
// when a sibling fails; the first failure propagates after the chunk
// settles.
func (e *Executor) ExecuteParallel(ctx context.Context, steps []plan.Step, execCtx *execontext.Context) (map[string]plan.StepOutput, error) {
	return e.runChunked(ctx, steps, execCtx, e.maxConcurrency, false)
}

// ExecuteParallelSettled is ExecuteParallel with settle-all semantics:
// failures become synthetic unsuccessful outputs so every sibling
// completes.
func (e *Executor) ExecuteParallelSettled(ctx context.Context, steps []plan.Step, execCtx *execontext.Context) (map[string]plan.StepOutput, error) {
	return e.runChunked(ctx, steps, execCtx, e.maxConcurrency, true)
}

func (e *Executor) runChunked(ctx context.Context, steps []plan.Step, execCtx *execontext.Context, concurrency int, settled bool) (map[string]plan.StepOutput, error) {
	results := make(map[string]plan.StepOutput, len(steps))
	var firstErr error

	for start := 0; start < len(steps); start += concurrency {
		if !execCtx.ShouldContinue() {
			return results, ErrHalted
		}
		end := start + concurrency
		if end > len(steps) {
			end = len(steps)
		}
		chunk := steps[start:end]
		outputs := make([]plan.StepOutput, len(chunk))
		errs := make([]error, len(chunk))

		var wg sync.WaitGroup
		for i := range chunk {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outputs[i], errs[i] = e.runner.ExecuteStep(ctx, chunk[i], execCtx)
			}(i)
		}
		wg.Wait()

		for i, step := range chunk {
			if errs[i] != nil {
				if !settled {
					if firstErr == nil {
						firstErr = errs[i]
					}
					continue
				}
				outputs[i] = syntheticFailure(step, errs[i])
			}
			results[step.ID] = outputs[i]
			execCtx.SetStepOutput(step.ID, outputs[i])
		}
		if firstErr != nil {
			return results, firstErr
		}
	}
	return results, nil
}

// syntheticFailure is the settle-all stand-in for a rejected step.
func syntheticFailure(step plan.Step, err error) plan.StepOutput {
	return plan.StepOutput{
		StepID: step.ID,
		Plugin: step.Plugin,
		Action: step.Action,
		Data:   nil,
		Metadata: plan.OutputMetadata{
			Success:       false,
			Error:         err.Error(),
			ExecutedAt:    time.Now(),
			ExecutionTime: 0,
		},
	}
}

// ExecuteBatched runs very large groups in batches of batchSize with a
// configurable delay between batches, to spread load on downstream
// services.
func (e *Executor) ExecuteBatched(ctx context.Context, steps []plan.Step, execCtx *execontext.Context, batchSize int) (map[string]plan.StepOutput, error) {
	if batchSize <= 0 {
		batchSize = e.maxConcurrency
	}

	results := make(map[string]plan.StepOutput, len(steps))
	for start := 0; start < len(steps); start += batchSize {
		end := start + batchSize
		if end > len(steps) {
			end = len(steps)
		}

		batch, err := e.runChunked(ctx, steps[start:end], execCtx, batchSize, false)
		for id, out := range batch {
			results[id] = out
		}
		if err != nil {
			return results, err
		}

		if end < len(steps) {
			timer := time.NewTimer(e.batchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return results, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return results, nil
}

// ExecuteRace runs all steps concurrently and returns the first settled
// outcome, success or failure. The remaining steps keep running in the
// background until the shared context ends.
func (e *Executor) ExecuteRace(ctx context.Context, steps []plan.Step, execCtx *execontext.Context) (plan.StepOutput, error) {
	if len(steps) == 0 {
		return plan.StepOutput{}, fmt.Errorf("race requires at least one step")
	}

	type settled struct {
		output plan.StepOutput
		err    error
	}
	done := make(chan settled, len(steps))

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, step := range steps {
		go func(step plan.Step) {
			output, err := e.runner.ExecuteStep(raceCtx, step, execCtx)
			done <- settled{output: output, err: err}
		}(step)
	}

	first := <-done
	if first.err != nil {
		return plan.StepOutput{}, first.err
	}
	execCtx.SetStepOutput(first.output.StepID, first.output)
	return first.output, nil
}

// ExecuteWithTimeout races chunked parallel execution against a
// deadline; on deadline the whole call fails.
func (e *Executor) ExecuteWithTimeout(ctx context.Context, steps []plan.Step, execCtx *execontext.Context, timeout time.Duration) (map[string]plan.StepOutput, error) {
	type settled struct {
		results map[string]plan.StepOutput
		err     error
	}
	done := make(chan settled, 1)

	go func() {
		results, err := e.ExecuteParallel(ctx, steps, execCtx)
		done <- settled{results: results, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-done:
		return result.results, result.err
	case <-timer.C:
		return nil, cascadeerrors.Newf(cascadeerrors.KindParallelExecutionTimeout,
			"parallel execution exceeded %v", timeout).
			WithDetail("timeout_ms", timeout.Milliseconds()).
			WithDetail("step_count", len(steps))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// forEachIndex runs fn for indices 0..n-1, chunked at the given
// concurrency, preserving index association. gate, when non-nil, is
// consulted before each sequential call or parallel chunk; a false
// answer halts with ErrHalted. fn must be safe to call concurrently.
func forEachIndex(ctx context.Context, n, concurrency int, gate func() bool, fn func(ctx context.Context, i int) error) error {
	open := func() bool { return gate == nil || gate() }

	if concurrency <= 1 {
		for i := 0; i < n; i++ {
			if !open() {
				return ErrHalted
			}
			if err := fn(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}

	for start := 0; start < n; start += concurrency {
		if !open() {
			return ErrHalted
		}
		end := start + concurrency
		if end > n {
			end = n
		}
		g, chunkCtx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				return fn(chunkCtx, i)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}
