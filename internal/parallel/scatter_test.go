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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/internal/execontext"
	cascadeerrors "github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/plan"
)

type fakeExtractor struct {
	field      string
	lastPlugin string
	lastAction string
}

func (f *fakeExtractor) ExtractArray(data map[string]any, plugin, action string) ([]any, bool) {
	f.lastPlugin = plugin
	f.lastAction = action
	arr, ok := data[f.field].([]any)
	return arr, ok
}

func scatterStep(sc *plan.ScatterConfig, gather *plan.GatherConfig) plan.Step {
	return plan.Step{ID: "fanout", Kind: plan.KindScatterGather, Scatter: sc, Gather: gather}
}

func TestExecuteScatterGather_CollectMergesItemWithStepData(t *testing.T) {
	runner := &fakeRunner{
		handler: func(_ context.Context, _ plan.Step, child *execontext.Context) (plan.StepOutput, error) {
			item, err := child.ResolveVariable("{{item}}")
			if err != nil {
				return plan.StepOutput{}, err
			}
			email := item.(map[string]any)
			return plan.StepOutput{
				StepID:   "classify",
				Data:     map[string]any{"is_action_required": email["from"] == "a"},
				Metadata: plan.OutputMetadata{Success: true},
			}, nil
		},
	}
	e := NewExecutor(runner, nil, Config{}, nil)
	execCtx := execontext.New("exec-1", nil)
	execCtx.SetVariable("emails", []any{
		map[string]any{"from": "a", "subject": "s1"},
		map[string]any{"from": "b", "subject": "s2"},
	})

	result, err := e.ExecuteScatterGather(context.Background(), scatterStep(
		&plan.ScatterConfig{Input: "{{emails}}", Steps: []plan.Step{{ID: "classify", Kind: plan.KindAction}}},
		&plan.GatherConfig{Operation: plan.GatherCollect},
	), execCtx)

	require.NoError(t, err)
	collected := result.([]any)
	require.Len(t, collected, 2)
	assert.Equal(t, map[string]any{"from": "a", "subject": "s1", "is_action_required": true}, collected[0])
	assert.Equal(t, map[string]any{"from": "b", "subject": "s2", "is_action_required": false}, collected[1])
}

func TestExecuteScatterGather_ObjectInputExtraction(t *testing.T) {
	runner := &fakeRunner{
		handler: func(_ context.Context, _ plan.Step, child *execontext.Context) (plan.StepOutput, error) {
			item, err := child.ResolveVariable("{{item}}")
			if err != nil {
				return plan.StepOutput{}, err
			}
			return plan.StepOutput{StepID: "s", Data: item, Metadata: plan.OutputMetadata{Success: true}}, nil
		},
	}
	extractor := &fakeExtractor{field: "messages"}
	e := NewExecutor(runner, extractor, Config{}, nil)

	execCtx := execontext.New("exec-1", nil)
	execCtx.SetStepOutput("fetch", plan.StepOutput{
		StepID: "fetch",
		Plugin: "gmail",
		Action: "list_messages",
		Data:   map[string]any{"messages": []any{"m1", "m2"}, "next_page": "tok"},
	})

	result, err := e.ExecuteScatterGather(context.Background(), scatterStep(
		&plan.ScatterConfig{Input: "{{fetch}}", Steps: []plan.Step{{ID: "s", Kind: plan.KindAction}}},
		&plan.GatherConfig{Operation: plan.GatherCollect},
	), execCtx)

	require.NoError(t, err)
	assert.Equal(t, "gmail", extractor.lastPlugin, "extractor sees the source step's plugin")
	assert.Equal(t, "list_messages", extractor.lastAction)
	collected := result.([]any)
	require.Len(t, collected, 2)
	assert.Equal(t, map[string]any{"s": "m1"}, collected[0], "non-object items keep the raw per-step map")
}

func TestExecuteScatterGather_InvalidInput(t *testing.T) {
	e := NewExecutor(&fakeRunner{}, nil, Config{}, nil)
	execCtx := execontext.New("exec-1", nil)
	execCtx.SetVariable("scalar", "not an array")

	_, err := e.ExecuteScatterGather(context.Background(), scatterStep(
		&plan.ScatterConfig{Input: "{{scalar}}", Steps: []plan.Step{{ID: "s", Kind: plan.KindAction}}},
		&plan.GatherConfig{Operation: plan.GatherCollect},
	), execCtx)

	var engineErr *cascadeerrors.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, cascadeerrors.KindInvalidScatterInput, engineErr.Kind)
	assert.Equal(t, "string", engineErr.Detail["observed_type"])
	assert.Contains(t, engineErr.Suggestion, "{{step.data.FIELD}}")
}

func TestExecuteScatterGather_MissingConfig(t *testing.T) {
	e := NewExecutor(&fakeRunner{}, nil, Config{}, nil)
	execCtx := execontext.New("exec-1", nil)

	_, err := e.ExecuteScatterGather(context.Background(), scatterStep(nil, nil), execCtx)
	var engineErr *cascadeerrors.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, cascadeerrors.KindMissingScatterConfig, engineErr.Kind)

	_, err = e.ExecuteScatterGather(context.Background(), scatterStep(
		&plan.ScatterConfig{Input: "{{x}}", Steps: []plan.Step{{ID: "s"}}}, nil,
	), execCtx)
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, cascadeerrors.KindMissingGatherConfig, engineErr.Kind)
}

func TestExecuteScatterGather_ItemFailureDoesNotAbort(t *testing.T) {
	runner := &fakeRunner{
		handler: func(_ context.Context, _ plan.Step, child *execontext.Context) (plan.StepOutput, error) {
			index, err := child.ResolveVariable("{{index}}")
			if err != nil {
				return plan.StepOutput{}, err
			}
			if index.(int) == 1 {
				return plan.StepOutput{}, errors.New("item rejected")
			}
			return plan.StepOutput{
				StepID:   "s",
				Data:     map[string]any{"ok": true},
				Metadata: plan.OutputMetadata{Success: true},
			}, nil
		},
	}
	e := NewExecutor(runner, nil, Config{}, nil)
	execCtx := execontext.New("exec-1", nil)
	execCtx.SetVariable("items", []any{
		map[string]any{"id": "x"},
		map[string]any{"id": "y"},
		map[string]any{"id": "z"},
	})

	result, err := e.ExecuteScatterGather(context.Background(), scatterStep(
		&plan.ScatterConfig{Input: "{{items}}", Steps: []plan.Step{{ID: "s", Kind: plan.KindAction}}},
		&plan.GatherConfig{Operation: plan.GatherCollect},
	), execCtx)

	require.NoError(t, err)
	collected := result.([]any)
	require.Len(t, collected, 3)
	assert.Equal(t, map[string]any{"id": "x", "ok": true}, collected[0])
	assert.Equal(t, map[string]any{"error": "item rejected", "item": 1}, collected[1])
	assert.Equal(t, map[string]any{"id": "z", "ok": true}, collected[2])
}

func TestExecuteScatterGather_OutputVariableAndMultiStepFold(t *testing.T) {
	runner := &fakeRunner{
		handler: func(_ context.Context, step plan.Step, child *execontext.Context) (plan.StepOutput, error) {
			if step.ID == "enrich" {
				return plan.StepOutput{
					StepID:   "enrich",
					Data:     map[string]any{"score": 7},
					Metadata: plan.OutputMetadata{Success: true},
				}, nil
			}
			// Second step reads the first step's aliased output.
			enriched, err := child.ResolveVariable("{{enriched}}")
			if err != nil {
				return plan.StepOutput{}, err
			}
			score := enriched.(map[string]any)["score"].(int)
			return plan.StepOutput{
				StepID:   "label",
				Data:     map[string]any{"label": score > 5},
				Metadata: plan.OutputMetadata{Success: true},
			}, nil
		},
	}
	e := NewExecutor(runner, nil, Config{}, nil)
	execCtx := execontext.New("exec-1", nil)
	execCtx.SetVariable("items", []any{map[string]any{"id": "x"}})

	result, err := e.ExecuteScatterGather(context.Background(), scatterStep(
		&plan.ScatterConfig{
			Input: "{{items}}",
			Steps: []plan.Step{
				{ID: "enrich", Kind: plan.KindAction, OutputVariable: "enriched"},
				{ID: "label", Kind: plan.KindAction},
			},
		},
		&plan.GatherConfig{Operation: plan.GatherCollect},
	), execCtx)

	require.NoError(t, err)
	collected := result.([]any)
	require.Len(t, collected, 1)
	assert.Equal(t, map[string]any{"id": "x", "score": 7, "label": true}, collected[0],
		"multi-step results fold onto the item in step order")
}

func TestExecuteScatterGather_CustomItemVariable(t *testing.T) {
	runner := &fakeRunner{
		handler: func(_ context.Context, _ plan.Step, child *execontext.Context) (plan.StepOutput, error) {
			email, err := child.ResolveVariable("{{email}}")
			if err != nil {
				return plan.StepOutput{}, err
			}
			return plan.StepOutput{StepID: "s", Data: email, Metadata: plan.OutputMetadata{Success: true}}, nil
		},
	}
	e := NewExecutor(runner, nil, Config{}, nil)
	execCtx := execontext.New("exec-1", nil)
	execCtx.SetVariable("items", []any{"m1"})

	result, err := e.ExecuteScatterGather(context.Background(), scatterStep(
		&plan.ScatterConfig{Input: "{{items}}", ItemVariable: "email", Steps: []plan.Step{{ID: "s", Kind: plan.KindAction}}},
		&plan.GatherConfig{Operation: plan.GatherCollect},
	), execCtx)

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"s": "m1"}, result.([]any)[0])
}

func TestApplyGather_Operations(t *testing.T) {
	tests := []struct {
		name    string
		gather  plan.GatherConfig
		results []any
		want    any
	}{
		{
			name:    "merge folds objects and skips scalars",
			gather:  plan.GatherConfig{Operation: plan.GatherMerge},
			results: []any{map[string]any{"a": 1}, "skip me", map[string]any{"b": 2, "a": 3}},
			want:    map[string]any{"a": 3, "b": 2},
		},
		{
			name:    "reduce sums numbers",
			gather:  plan.GatherConfig{Operation: plan.GatherReduce},
			results: []any{1, 2.5, 3},
			want:    6.5,
		},
		{
			name:    "reduce concatenates arrays",
			gather:  plan.GatherConfig{Operation: plan.GatherReduce},
			results: []any{[]any{1}, []any{2, 3}},
			want:    []any{1, 2, 3},
		},
		{
			name:    "reduce merges objects",
			gather:  plan.GatherConfig{Operation: plan.GatherReduce},
			results: []any{map[string]any{"a": 1}, map[string]any{"b": 2}},
			want:    map[string]any{"a": 1, "b": 2},
		},
		{
			name:    "reduce of mixed types takes the last",
			gather:  plan.GatherConfig{Operation: plan.GatherReduce},
			results: []any{1, "two", []any{3}},
			want:    []any{3},
		},
		{
			name:    "reduce with expression returns raw results",
			gather:  plan.GatherConfig{Operation: plan.GatherReduce, ReduceExpression: "acc + item"},
			results: []any{1, 2},
			want:    []any{1, 2},
		},
		{
			name:    "flatten is deep",
			gather:  plan.GatherConfig{Operation: plan.GatherFlatten},
			results: []any{[]any{1, []any{2, 3}}, 4},
			want:    []any{1, 2, 3, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyGather("fanout", &tt.gather, tt.results)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyGather_UnknownOperation(t *testing.T) {
	_, err := applyGather("fanout", &plan.GatherConfig{Operation: "zip"}, []any{1})

	var engineErr *cascadeerrors.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, cascadeerrors.KindUnknownGatherOperation, engineErr.Kind)
	assert.Equal(t, "zip", engineErr.Detail["operation"])
}
