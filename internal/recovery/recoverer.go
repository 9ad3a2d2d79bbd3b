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

package recovery

import (
	"context"
	"log/slog"

	"github.com/cascadehq/cascade/internal/execontext"
	"github.com/cascadehq/cascade/internal/log"
	cascadeerrors "github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/plan"
)

// StepRunner dispatches one step; fallback steps run through it.
type StepRunner interface {
	ExecuteStep(ctx context.Context, step plan.Step, execCtx *execontext.Context) (plan.StepOutput, error)
}

// PluginInvoker runs a raw plugin action; compensating rollback actions
// run through it.
type PluginInvoker interface {
	Execute(ctx context.Context, userID, plugin, action string, params map[string]any) (any, error)
}

// Recoverer drives fallback chains and compensating rollback.
type Recoverer struct {
	runner  StepRunner
	plugins PluginInvoker
	logger  *slog.Logger
}

// NewRecoverer wires a recoverer. plugins may be nil when no step
// declares a rollback action.
func NewRecoverer(runner StepRunner, plugins PluginInvoker, logger *slog.Logger) *Recoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recoverer{
		runner:  runner,
		plugins: plugins,
		logger:  log.WithComponent(logger, "recovery"),
	}
}

// ExecuteWithFallback runs primary; on failure it attempts each
// fallback step in order and returns the first success. When every
// fallback fails too, the composite ALL_FALLBACKS_FAILED error bundles
// the primary message and each fallback message.
func (r *Recoverer) ExecuteWithFallback(ctx context.Context, primary func(context.Context) (plan.StepOutput, error), fallbacks []plan.Step, execCtx *execontext.Context) (plan.StepOutput, error) {
	output, primaryErr := primary(ctx)
	if primaryErr == nil {
		return output, nil
	}

	fallbackErrors := make([]string, 0, len(fallbacks))
	for _, fb := range fallbacks {
		r.logger.Info("attempting fallback step",
			log.StepIDKey, fb.ID,
			"primary_error", primaryErr.Error())

		output, err := r.runner.ExecuteStep(ctx, fb, execCtx)
		if err == nil {
			return output, nil
		}
		fallbackErrors = append(fallbackErrors, fb.ID+": "+err.Error())
	}

	return plan.StepOutput{}, cascadeerrors.Wrap(cascadeerrors.KindAllFallbacksFailed,
		"primary and all fallback steps failed", primaryErr).
		WithDetail("primary_error", primaryErr.Error()).
		WithDetail("fallback_errors", fallbackErrors)
}

// RollbackStep runs a step's compensating action if it declares one.
// Rollback never fails the caller; problems are logged and dropped.
func (r *Recoverer) RollbackStep(ctx context.Context, step plan.Step, execCtx *execontext.Context) {
	action := step.RollbackAction
	if action == nil {
		return
	}
	if r.plugins == nil {
		r.logger.Warn("rollback action declared but no plugin invoker wired",
			log.StepIDKey, step.ID)
		return
	}

	params := action.Params
	if resolved, err := execCtx.ResolveAll(action.Params); err == nil {
		if m, ok := resolved.(map[string]any); ok {
			params = m
		}
	} else {
		r.logger.Warn("rollback param resolution failed",
			log.StepIDKey, step.ID,
			"error", err)
	}

	_, err := r.plugins.Execute(ctx, execCtx.UserID, action.Plugin, action.Action, params)
	if err != nil {
		r.logger.Warn("rollback action failed",
			log.StepIDKey, step.ID,
			"plugin", action.Plugin,
			"action", action.Action,
			"error", err)
		return
	}
	r.logger.Info("rollback action succeeded",
		log.StepIDKey, step.ID,
		"plugin", action.Plugin,
		"action", action.Action)
}

// RollbackSteps compensates completed steps in reverse order.
func (r *Recoverer) RollbackSteps(ctx context.Context, steps []plan.Step, execCtx *execontext.Context) {
	for i := len(steps) - 1; i >= 0; i-- {
		r.RollbackStep(ctx, steps[i], execCtx)
	}
}
