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

// Package steps runs single leaf steps: plugin actions, transforms, and
// delays. Container kinds (loops, scatter/gather, parallel groups) are
// the parallel executor's business.
package steps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cascadehq/cascade/internal/execontext"
	"github.com/cascadehq/cascade/internal/log"
	"github.com/cascadehq/cascade/internal/transform"
	"github.com/cascadehq/cascade/pkg/plan"
)

// PluginExecutor invokes one plugin action on behalf of a user. The
// returned value is the action's data payload.
type PluginExecutor interface {
	Execute(ctx context.Context, userID, plugin, action string, params map[string]any) (any, error)
}

// Executor dispatches leaf steps.
type Executor struct {
	plugins    PluginExecutor
	transforms *transform.Executor
	logger     *slog.Logger
}

// NewExecutor wires a step executor. transforms may be nil when no
// transform steps exist; a nil plugins executor fails plugin steps.
func NewExecutor(plugins PluginExecutor, transforms *transform.Executor, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if transforms == nil {
		transforms = transform.NewExecutor(0, 0)
	}
	return &Executor{
		plugins:    plugins,
		transforms: transforms,
		logger:     log.WithComponent(logger, "steps"),
	}
}

// ExecuteStep runs one leaf step against the execution context and
// returns its output. Parameters are variable-resolved first.
func (e *Executor) ExecuteStep(ctx context.Context, step plan.Step, execCtx *execontext.Context) (plan.StepOutput, error) {
	start := time.Now()

	params, err := resolveParams(execCtx, step.Params)
	if err != nil {
		return failedOutput(step, start, err), err
	}

	var data any
	switch plan.NormalizeStepType(step.Kind) {
	case plan.KindTransform:
		data, err = e.runTransform(ctx, step, params, execCtx)
	case plan.KindDelay:
		err = e.runDelay(ctx, params)
		data = map[string]any{"delayed": true}
	default:
		data, err = e.runPlugin(ctx, step, params, execCtx)
	}
	if err != nil {
		return failedOutput(step, start, err), err
	}

	output := plan.StepOutput{
		StepID: step.ID,
		Plugin: step.Plugin,
		Action: step.Action,
		Data:   data,
		Metadata: plan.OutputMetadata{
			Success:       true,
			ExecutedAt:    start,
			ExecutionTime: time.Since(start).Milliseconds(),
			FieldNames:    fieldNames(data),
		},
	}
	log.Trace(e.logger, "step executed",
		slog.String(log.StepIDKey, step.ID),
		slog.String("kind", step.Kind),
		slog.Int64("duration_ms", output.Metadata.ExecutionTime))
	return output, nil
}

func (e *Executor) runPlugin(ctx context.Context, step plan.Step, params map[string]any, execCtx *execontext.Context) (any, error) {
	if e.plugins == nil {
		return nil, fmt.Errorf("step %s: no plugin executor configured", step.ID)
	}
	return e.plugins.Execute(ctx, execCtx.UserID, step.Plugin, step.Action, params)
}

// runTransform evaluates the step's jq expression. The input defaults
// to the resolved "input" param and falls back to the whole param map.
func (e *Executor) runTransform(ctx context.Context, step plan.Step, params map[string]any, _ *execontext.Context) (any, error) {
	expression, _ := params["expression"].(string)
	input, ok := params["input"]
	if !ok {
		input = map[string]any(params)
	}
	return e.transforms.Execute(ctx, expression, input)
}

func (e *Executor) runDelay(ctx context.Context, params map[string]any) error {
	ms := intParam(params, "duration_ms")
	if ms <= 0 {
		ms = 1000
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func resolveParams(execCtx *execontext.Context, params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	resolved, err := execCtx.ResolveAll(params)
	if err != nil {
		return nil, err
	}
	out, ok := resolved.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("resolved params have unexpected type %T", resolved)
	}
	return out, nil
}

func failedOutput(step plan.Step, start time.Time, err error) plan.StepOutput {
	return plan.StepOutput{
		StepID: step.ID,
		Plugin: step.Plugin,
		Action: step.Action,
		Metadata: plan.OutputMetadata{
			Success:       false,
			ExecutedAt:    start,
			ExecutionTime: time.Since(start).Milliseconds(),
			Error:         err.Error(),
		},
	}
}

func fieldNames(data any) []string {
	m, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	return names
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
