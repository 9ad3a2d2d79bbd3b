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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/internal/execontext"
	cascadeerrors "github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/plan"
)

func loopStep(cfg *plan.LoopConfig) plan.Step {
	return plan.Step{ID: "each", Kind: plan.KindLoop, Loop: cfg}
}

func loopContext(items []any) *execontext.Context {
	execCtx := execontext.New("exec-1", nil)
	execCtx.SetVariable("items", items)
	return execCtx
}

func TestExecuteLoop_SequentialInputOrder(t *testing.T) {
	runner := &fakeRunner{
		handler: func(_ context.Context, _ plan.Step, child *execontext.Context) (plan.StepOutput, error) {
			current, err := child.ResolveVariable("{{current}}")
			if err != nil {
				return plan.StepOutput{}, err
			}
			return plan.StepOutput{
				StepID:   "double",
				Data:     current.(int) * 2,
				Metadata: plan.OutputMetadata{Success: true},
			}, nil
		},
	}
	e := NewExecutor(runner, nil, Config{}, nil)

	results, err := e.ExecuteLoop(context.Background(), loopStep(&plan.LoopConfig{
		IterateOver: "{{items}}",
		Steps:       []plan.Step{{ID: "double", Kind: plan.KindAction}},
	}), loopContext([]any{10, 20, 30}))

	require.NoError(t, err)
	assert.Equal(t, []any{20, 40, 60}, results)
}

func TestExecuteLoop_VariableBindings(t *testing.T) {
	var bindings []map[string]any
	runner := &fakeRunner{
		handler: func(_ context.Context, _ plan.Step, child *execontext.Context) (plan.StepOutput, error) {
			loopVar, err := child.ResolveVariable("{{loop}}")
			if err != nil {
				return plan.StepOutput{}, err
			}
			bindings = append(bindings, loopVar.(map[string]any))
			return plan.StepOutput{StepID: "s", Data: "ok", Metadata: plan.OutputMetadata{Success: true}}, nil
		},
	}
	e := NewExecutor(runner, nil, Config{}, nil)

	_, err := e.ExecuteLoop(context.Background(), loopStep(&plan.LoopConfig{
		IterateOver: "{{items}}",
		Steps:       []plan.Step{{ID: "s", Kind: plan.KindAction}},
	}), loopContext([]any{"x", "y"}))

	require.NoError(t, err)
	require.Len(t, bindings, 2)
	assert.Equal(t, map[string]any{"item": "x", "index": 0, "iteration": 1}, bindings[0])
	assert.Equal(t, map[string]any{"item": "y", "index": 1, "iteration": 2}, bindings[1])
}

func TestExecuteLoop_InvalidIterateOver(t *testing.T) {
	e := NewExecutor(&fakeRunner{}, nil, Config{}, nil)
	execCtx := execontext.New("exec-1", nil)
	execCtx.SetVariable("items", map[string]any{"not": "an array"})

	_, err := e.ExecuteLoop(context.Background(), loopStep(&plan.LoopConfig{
		IterateOver: "{{items}}",
		Steps:       []plan.Step{{ID: "s", Kind: plan.KindAction}},
	}), execCtx)

	var engineErr *cascadeerrors.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, cascadeerrors.KindInvalidIterateOver, engineErr.Kind)
	assert.Equal(t, "map[string]interface {}", engineErr.Detail["observed_type"])
}

func TestExecuteLoop_MissingConfig(t *testing.T) {
	e := NewExecutor(&fakeRunner{}, nil, Config{}, nil)
	execCtx := loopContext([]any{1})

	_, err := e.ExecuteLoop(context.Background(), loopStep(nil), execCtx)
	var engineErr *cascadeerrors.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, cascadeerrors.KindMissingIterateOver, engineErr.Kind)

	_, err = e.ExecuteLoop(context.Background(), loopStep(&plan.LoopConfig{IterateOver: "{{items}}"}), execCtx)
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, cascadeerrors.KindMissingLoopSteps, engineErr.Kind)
}

func TestExecuteLoop_MaxIterationsCap(t *testing.T) {
	runner := &fakeRunner{}
	e := NewExecutor(runner, nil, Config{}, nil)

	items := make([]any, 10)
	for i := range items {
		items[i] = i
	}
	results, err := e.ExecuteLoop(context.Background(), loopStep(&plan.LoopConfig{
		IterateOver:   "{{items}}",
		MaxIterations: 3,
		Steps:         []plan.Step{{ID: "s", Kind: plan.KindAction}},
	}), loopContext(items))

	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Len(t, runner.callOrder(), 3)
}

func TestExecuteLoop_ContinueOnErrorRecordsIteration(t *testing.T) {
	runner := &fakeRunner{
		handler: func(_ context.Context, _ plan.Step, child *execontext.Context) (plan.StepOutput, error) {
			index, err := child.ResolveVariable("{{index}}")
			if err != nil {
				return plan.StepOutput{}, err
			}
			if index.(int) == 1 {
				return plan.StepOutput{}, errors.New("item rejected")
			}
			return plan.StepOutput{StepID: "s", Data: "ok", Metadata: plan.OutputMetadata{Success: true}}, nil
		},
	}
	e := NewExecutor(runner, nil, Config{}, nil)

	results, err := e.ExecuteLoop(context.Background(), loopStep(&plan.LoopConfig{
		IterateOver:     "{{items}}",
		ContinueOnError: true,
		Steps:           []plan.Step{{ID: "s", Kind: plan.KindAction}},
	}), loopContext([]any{"a", "b", "c"}))

	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "ok", results[0])
	assert.Equal(t, map[string]any{"error": "item rejected", "iteration": 1}, results[1])
	assert.Equal(t, "ok", results[2])
}

func TestExecuteLoop_FailureAborts(t *testing.T) {
	runner := &fakeRunner{
		handler: func(_ context.Context, _ plan.Step, _ *execontext.Context) (plan.StepOutput, error) {
			return plan.StepOutput{}, errors.New("boom")
		},
	}
	e := NewExecutor(runner, nil, Config{}, nil)

	_, err := e.ExecuteLoop(context.Background(), loopStep(&plan.LoopConfig{
		IterateOver: "{{items}}",
		Steps:       []plan.Step{{ID: "s", Kind: plan.KindAction}},
	}), loopContext([]any{"a", "b"}))

	var engineErr *cascadeerrors.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, cascadeerrors.KindLoopIterationFailed, engineErr.Kind)
	assert.Equal(t, 0, engineErr.Detail["iteration"])
	assert.Equal(t, "s", engineErr.Detail["failed_step"])
}

func TestExecuteLoop_IterationOutputsAndMetrics(t *testing.T) {
	runner := &fakeRunner{
		handler: func(_ context.Context, _ plan.Step, child *execontext.Context) (plan.StepOutput, error) {
			child.AddMetrics(10, 5)
			return plan.StepOutput{StepID: "s", Data: "ok", Metadata: plan.OutputMetadata{Success: true}}, nil
		},
	}
	e := NewExecutor(runner, nil, Config{}, nil)
	execCtx := loopContext([]any{"a", "b", "c"})

	_, err := e.ExecuteLoop(context.Background(), loopStep(&plan.LoopConfig{
		IterateOver: "{{items}}",
		Steps:       []plan.Step{{ID: "s", Kind: plan.KindAction}},
	}), execCtx)

	require.NoError(t, err)
	assert.Contains(t, execCtx.StepOutputs, "s_iteration0")
	assert.Contains(t, execCtx.StepOutputs, "s_iteration2")
	assert.Contains(t, execCtx.StepOutputs, "s")
	assert.Equal(t, 30, execCtx.TotalTokensUsed, "per-iteration metrics sum into the parent")
	assert.Equal(t, int64(15), execCtx.TotalExecutionTime)
}

func TestExecuteLoop_ReservedBindingsStayBehind(t *testing.T) {
	runner := &fakeRunner{
		handler: func(_ context.Context, _ plan.Step, child *execontext.Context) (plan.StepOutput, error) {
			child.SetVariable("last_seen", "kept")
			return plan.StepOutput{StepID: "s", Data: "ok", Metadata: plan.OutputMetadata{Success: true}}, nil
		},
	}
	e := NewExecutor(runner, nil, Config{}, nil)
	execCtx := loopContext([]any{"a"})

	_, err := e.ExecuteLoop(context.Background(), loopStep(&plan.LoopConfig{
		IterateOver: "{{items}}",
		Steps:       []plan.Step{{ID: "s", Kind: plan.KindAction}},
	}), execCtx)

	require.NoError(t, err)
	assert.Equal(t, "kept", execCtx.Variables["last_seen"])
	assert.NotContains(t, execCtx.Variables, "loop")
	assert.NotContains(t, execCtx.Variables, "current")
	assert.NotContains(t, execCtx.Variables, "index")
}

func TestExecuteLoop_ParallelPreservesOrder(t *testing.T) {
	runner := &fakeRunner{
		handler: func(_ context.Context, _ plan.Step, child *execontext.Context) (plan.StepOutput, error) {
			index, err := child.ResolveVariable("{{index}}")
			if err != nil {
				return plan.StepOutput{}, err
			}
			i := index.(int)
			// Later items finish first.
			time.Sleep(time.Duration(30-10*i) * time.Millisecond)
			return plan.StepOutput{StepID: "s", Data: i, Metadata: plan.OutputMetadata{Success: true}}, nil
		},
	}
	e := NewExecutor(runner, nil, Config{MaxConcurrency: 3}, nil)

	results, err := e.ExecuteLoop(context.Background(), loopStep(&plan.LoopConfig{
		IterateOver: "{{items}}",
		Parallel:    true,
		Steps:       []plan.Step{{ID: "s", Kind: plan.KindAction}},
	}), loopContext([]any{"a", "b", "c"}))

	require.NoError(t, err)
	assert.Equal(t, []any{0, 1, 2}, results, "results mirror input order regardless of completion order")
}
