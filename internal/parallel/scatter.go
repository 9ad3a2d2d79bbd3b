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
	"strings"
	"sync"

	"github.com/cascadehq/cascade/internal/execontext"
	cascadeerrors "github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/plan"
)

// ExecuteScatterGather fans a sub-pipeline out over an input array and
// folds the ordered per-item results with the gather operation.
func (e *Executor) ExecuteScatterGather(ctx context.Context, step plan.Step, execCtx *execontext.Context) (any, error) {
	sc := step.Scatter
	if sc == nil || sc.Input == "" || len(sc.Steps) == 0 {
		return nil, cascadeerrors.Newf(cascadeerrors.KindMissingScatterConfig,
			"scatter step %s needs input and steps", step.ID)
	}
	gather := step.Gather
	if gather == nil || gather.Operation == "" {
		return nil, cascadeerrors.Newf(cascadeerrors.KindMissingGatherConfig,
			"scatter step %s has no gather operation", step.ID)
	}

	items, err := e.resolveScatterInput(step.ID, sc, execCtx)
	if err != nil {
		return nil, err
	}

	itemVariable := sc.ItemVariable
	if itemVariable == "" {
		itemVariable = "item"
	}
	concurrency := sc.MaxConcurrency
	if concurrency <= 0 {
		concurrency = e.maxConcurrency
	}

	results := make([]any, len(items))
	var mergeMu sync.Mutex

	runItem := func(ctx context.Context, i int) error {
		child := execCtx.Clone(true)
		child.SetVariable(itemVariable, items[i])
		child.SetVariable("index", i)

		itemResults := make(map[string]any, len(sc.Steps))
		order := make([]string, 0, len(sc.Steps))
		for _, sub := range sc.Steps {
			output, err := e.runner.ExecuteStep(ctx, sub, child)
			if err != nil {
				// A failing item reports itself; it never aborts the run.
				results[i] = map[string]any{"error": err.Error(), "item": i}
				return nil
			}
			child.SetStepOutput(sub.ID, output)
			if sub.OutputVariable != "" {
				child.SetVariable(sub.OutputVariable, output.Data)
			}
			itemResults[sub.ID] = output.Data
			order = append(order, sub.ID)
		}

		results[i] = mergeItemResult(items[i], itemResults, order)

		mergeMu.Lock()
		defer mergeMu.Unlock()
		execCtx.MergeChild(child)
		return nil
	}

	if err := forEachIndex(ctx, len(items), concurrency, execCtx.ShouldContinue, runItem); err != nil {
		return nil, err
	}

	return applyGather(step.ID, gather, results)
}

// resolveScatterInput resolves the scatter input to an item array. An
// object payload goes through the schema-aware extractor using the
// source step's plugin and action.
func (e *Executor) resolveScatterInput(stepID string, sc *plan.ScatterConfig, execCtx *execontext.Context) ([]any, error) {
	resolved, err := execCtx.ResolveVariable(sc.Input)
	if err != nil {
		return nil, cascadeerrors.Wrap(cascadeerrors.KindInvalidScatterInput,
			fmt.Sprintf("scatter step %s: cannot resolve %q", stepID, sc.Input), err)
	}

	switch v := resolved.(type) {
	case []any:
		return v, nil
	case plan.StepOutput:
		return e.unwrapOutput(stepID, sc.Input, v.Data, v.Plugin, v.Action)
	case map[string]any:
		plugin, action := e.sourceOf(sc.Input, execCtx)
		return e.unwrapOutput(stepID, sc.Input, v, plugin, action)
	default:
		return nil, invalidScatterInput(stepID, sc.Input, resolved)
	}
}

func (e *Executor) unwrapOutput(stepID, input string, data any, plugin, action string) ([]any, error) {
	switch v := data.(type) {
	case []any:
		return v, nil
	case map[string]any:
		if e.extractor != nil {
			if arr, ok := e.extractor.ExtractArray(v, plugin, action); ok {
				return arr, nil
			}
		}
	}
	return nil, invalidScatterInput(stepID, input, data)
}

// sourceOf finds the plugin and action of the step referenced by a
// scatter input expression like "{{fetch.data}}".
func (e *Executor) sourceOf(input string, execCtx *execontext.Context) (string, string) {
	path := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(input), "{{"), "}}")
	root := strings.SplitN(strings.TrimSpace(path), ".", 2)[0]
	if output, ok := execCtx.StepOutputs[root]; ok {
		return output.Plugin, output.Action
	}
	return "", ""
}

func invalidScatterInput(stepID, input string, observed any) *cascadeerrors.EngineError {
	return cascadeerrors.Newf(cascadeerrors.KindInvalidScatterInput,
		"scatter step %s: input %q did not resolve to an array (got %T)", stepID, input, observed).
		WithDetail("observed_type", fmt.Sprintf("%T", observed)).
		WithSuggestion("Point the scatter input at the array field, e.g. {{step.data.FIELD}}")
}

// mergeItemResult combines the original item with the sub-pipeline's
// output so downstream transforms see both in one object. A single
// step over object data overlays the step fields onto the item;
// multiple steps fold their object outputs in step order; anything
// else returns the raw per-step result map.
func mergeItemResult(item any, itemResults map[string]any, order []string) any {
	itemObj, itemIsObj := item.(map[string]any)

	if len(order) == 1 {
		stepData, stepIsObj := itemResults[order[0]].(map[string]any)
		if itemIsObj && stepIsObj {
			merged := make(map[string]any, len(itemObj)+len(stepData))
			for k, v := range itemObj {
				merged[k] = v
			}
			for k, v := range stepData {
				merged[k] = v
			}
			return merged
		}
		return itemResults
	}

	if itemIsObj {
		merged := make(map[string]any, len(itemObj))
		for k, v := range itemObj {
			merged[k] = v
		}
		for _, id := range order {
			if stepData, ok := itemResults[id].(map[string]any); ok {
				for k, v := range stepData {
					merged[k] = v
				}
			}
		}
		return merged
	}
	return itemResults
}

// applyGather folds ordered per-item results.
func applyGather(stepID string, gather *plan.GatherConfig, results []any) (any, error) {
	switch gather.Operation {
	case plan.GatherCollect:
		return results, nil

	case plan.GatherMerge:
		merged := make(map[string]any)
		for _, item := range results {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			for k, v := range obj {
				merged[k] = v
			}
		}
		return merged, nil

	case plan.GatherReduce:
		if gather.ReduceExpression != "" {
			// Expression-driven reduce is reserved; return the raw results.
			return results, nil
		}
		return reduceResults(results), nil

	case plan.GatherFlatten:
		return flatten(results), nil

	default:
		return nil, cascadeerrors.Newf(cascadeerrors.KindUnknownGatherOperation,
			"scatter step %s: unknown gather operation %q", stepID, gather.Operation).
			WithDetail("operation", gather.Operation)
	}
}

// reduceResults folds homogeneous results: numbers add, arrays
// concatenate, objects shallow-merge. Mixed types take the last value.
func reduceResults(results []any) any {
	if len(results) == 0 {
		return nil
	}

	allNumbers, allArrays, allObjects := true, true, true
	for _, item := range results {
		switch item.(type) {
		case int, int64, float64:
			allArrays, allObjects = false, false
		case []any:
			allNumbers, allObjects = false, false
		case map[string]any:
			allNumbers, allArrays = false, false
		default:
			allNumbers, allArrays, allObjects = false, false, false
		}
	}

	switch {
	case allNumbers:
		sum := 0.0
		for _, item := range results {
			sum += toFloat(item)
		}
		return sum
	case allArrays:
		var out []any
		for _, item := range results {
			out = append(out, item.([]any)...)
		}
		return out
	case allObjects:
		merged := make(map[string]any)
		for _, item := range results {
			for k, v := range item.(map[string]any) {
				merged[k] = v
			}
		}
		return merged
	default:
		return results[len(results)-1]
	}
}

func flatten(value []any) []any {
	out := make([]any, 0, len(value))
	for _, item := range value {
		if nested, ok := item.([]any); ok {
			out = append(out, flatten(nested)...)
			continue
		}
		out = append(out, item)
	}
	return out
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float64:
		return t
	}
	return 0
}
