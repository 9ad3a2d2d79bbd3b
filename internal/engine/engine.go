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

// Package engine drives workflow execution: it walks the plan, dispatches
// steps through the retry and circuit-breaker layers, checkpoints progress
// after every completed step, and reconciles terminal state with the
// state manager. Pause and stop are cooperative: requests take effect at
// the next step boundary.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cascadehq/cascade/internal/broadcast"
	"github.com/cascadehq/cascade/internal/controller"
	"github.com/cascadehq/cascade/internal/execontext"
	"github.com/cascadehq/cascade/internal/expression"
	"github.com/cascadehq/cascade/internal/log"
	"github.com/cascadehq/cascade/internal/parallel"
	"github.com/cascadehq/cascade/internal/recovery"
	"github.com/cascadehq/cascade/internal/state"
	"github.com/cascadehq/cascade/internal/steps"
	"github.com/cascadehq/cascade/internal/tracing"
	cascadeerrors "github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/plan"
)

// Terminal and non-terminal run outcomes.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPaused    = "paused"
	StatusCancelled = "cancelled"
)

// Options tunes engine behavior. Zero values select defaults.
type Options struct {
	// CheckpointKeepLast bounds the in-memory checkpoint history.
	CheckpointKeepLast int

	// BreakerMaxFailures opens a plugin's circuit after this many
	// consecutive failures (default 5). Negative disables breakers.
	BreakerMaxFailures int

	// BreakerResetTimeout is the open-to-half-open delay (default 30s).
	BreakerResetTimeout time.Duration
}

// Engine executes workflow plans.
type Engine struct {
	state       *state.Manager
	steps       *steps.Executor
	parallel    *parallel.Executor
	recoverer   *recovery.Recoverer
	evaluator   *expression.Evaluator
	broadcaster *broadcast.Broadcaster
	tracer      trace.Tracer
	logger      *slog.Logger
	opts        Options

	mu       sync.Mutex
	running  map[string]*controller.Controller
	breakers map[string]*recovery.CircuitBreaker
}

// New wires an engine. tracer may be nil; spans are then no-ops.
func New(st *state.Manager, stepExec *steps.Executor, par *parallel.Executor, rec *recovery.Recoverer, b *broadcast.Broadcaster, tracer trace.Tracer, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("cascade")
	}
	if opts.CheckpointKeepLast <= 0 {
		opts.CheckpointKeepLast = controller.DefaultCheckpointKeepLast
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = 5
	}
	if opts.BreakerResetTimeout <= 0 {
		opts.BreakerResetTimeout = 30 * time.Second
	}
	return &Engine{
		state:       st,
		steps:       stepExec,
		parallel:    par,
		recoverer:   rec,
		evaluator:   expression.New(),
		broadcaster: b,
		tracer:      tracer,
		logger:      log.WithComponent(logger, "engine"),
		opts:        opts,
		running:     make(map[string]*controller.Controller),
		breakers:    make(map[string]*recovery.CircuitBreaker),
	}
}

// RunRequest describes one workflow run.
type RunRequest struct {
	ExecutionID string
	AgentID     string
	UserID      string
	SessionID   string
	Inputs      map[string]any
	RunMode     string
}

// Result is the outcome of a run or resume.
type Result struct {
	ExecutionID string
	Status      string
	Output      map[string]any
	Err         error
}

// Run executes a plan from the first step. It blocks until the run
// reaches a terminal status or pauses.
func (e *Engine) Run(ctx context.Context, p *plan.Plan, req RunRequest) (*Result, error) {
	if p == nil || len(p.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}

	record, err := e.state.CreateExecution(ctx, state.CreateParams{
		ExecutionID: req.ExecutionID,
		AgentID:     req.AgentID,
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Plan:        p,
		Inputs:      req.Inputs,
		RunMode:     req.RunMode,
	})
	if err != nil {
		return nil, err
	}

	execCtx := execontext.New(record.ID, req.Inputs)
	execCtx.AgentID = req.AgentID
	execCtx.UserID = req.UserID
	execCtx.SessionID = req.SessionID

	return e.drive(ctx, p, execCtx)
}

// Resume continues a paused or interrupted execution from its persisted
// progress. A fresh restart re-executes from the first step.
func (e *Engine) Resume(ctx context.Context, executionID string) (*Result, error) {
	resumed, err := e.state.ResumeExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	p, err := planFromRecord(resumed.Record.Plan)
	if err != nil {
		return nil, cascadeerrors.Wrap(cascadeerrors.KindResumeFailed,
			fmt.Sprintf("execution %s has no usable plan", executionID), err)
	}
	return e.drive(ctx, p, resumed.Context)
}

// Pause requests a cooperative pause; it takes effect before the next
// step starts.
func (e *Engine) Pause(executionID string) error {
	ctrl, ok := e.controllerFor(executionID)
	if !ok {
		return cascadeerrors.Newf(cascadeerrors.KindExecutionNotFound,
			"execution %s is not running in this process", executionID)
	}
	ctrl.RequestPause()
	return nil
}

// Stop requests a cooperative stop. In-flight steps finish first.
func (e *Engine) Stop(executionID string) error {
	ctrl, ok := e.controllerFor(executionID)
	if !ok {
		return cascadeerrors.Newf(cascadeerrors.KindExecutionNotFound,
			"execution %s is not running in this process", executionID)
	}
	ctrl.RequestStop()
	return nil
}

// Controller exposes the live controller for a running execution, for
// checkpoint inspection and rollback.
func (e *Engine) Controller(executionID string) (*controller.Controller, bool) {
	return e.controllerFor(executionID)
}

func (e *Engine) controllerFor(executionID string) (*controller.Controller, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctrl, ok := e.running[executionID]
	return ctrl, ok
}

// drive walks the plan from the context's current progress to an outcome.
func (e *Engine) drive(ctx context.Context, p *plan.Plan, execCtx *execontext.Context) (*Result, error) {
	ctrl := controller.New(execCtx.ExecutionID, e.logger)
	for _, id := range execCtx.CompletedSteps {
		ctrl.MarkStepCompleted(id)
	}
	// Parallel chunks consult the same gate as sequential steps.
	execCtx.ContinueGate = ctrl.ShouldContinue

	e.mu.Lock()
	e.running[execCtx.ExecutionID] = ctrl
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, execCtx.ExecutionID)
		e.mu.Unlock()
	}()

	ctx, span := tracing.StartExecutionSpan(ctx, e.tracer, execCtx.ExecutionID, execCtx.AgentID)
	result := e.walk(ctx, p, execCtx, ctrl)
	tracing.EndSpan(span, result.Err)
	return result, nil
}

func (e *Engine) walk(ctx context.Context, p *plan.Plan, execCtx *execontext.Context, ctrl *controller.Controller) *Result {
	done := make(map[string]bool, len(execCtx.CompletedSteps))
	for _, id := range execCtx.CompletedSteps {
		done[id] = true
	}

	i := 0
	for i < len(p.Steps) {
		if result := e.gate(ctx, execCtx, ctrl); result != nil {
			return result
		}

		// Already completed before a resume.
		if done[p.Steps[i].ID] {
			i++
			continue
		}

		group := contiguousGroup(p.Steps, i)
		if len(group) > 1 {
			pending := make([]plan.Step, 0, len(group))
			for _, step := range group {
				if !done[step.ID] {
					pending = append(pending, step)
				}
			}
			if err := e.runGroup(ctx, p, pending, execCtx, ctrl); err != nil {
				return e.fail(ctx, execCtx, ctrl, err)
			}
			i += len(group)
			continue
		}

		step := p.Steps[i]
		if err := e.runStep(ctx, p, step, execCtx, ctrl); err != nil {
			return e.fail(ctx, execCtx, ctrl, err)
		}
		i++
	}

	// A halt inside the final group leaves steps undispatched; settle
	// the pause or cancel instead of finalizing.
	if result := e.gate(ctx, execCtx, ctrl); result != nil {
		return result
	}

	ctrl.MarkCompleted()
	output := finalOutput(p, execCtx)
	if err := e.state.CompleteExecution(ctx, execCtx, output); err != nil {
		return &Result{ExecutionID: execCtx.ExecutionID, Status: StatusFailed, Err: err}
	}
	return &Result{ExecutionID: execCtx.ExecutionID, Status: StatusCompleted, Output: output}
}

// gate applies pending pause and stop requests at a step boundary.
func (e *Engine) gate(ctx context.Context, execCtx *execontext.Context, ctrl *controller.Controller) *Result {
	if ctrl.ShouldContinue() {
		return nil
	}
	switch ctrl.Status() {
	case controller.StatusPaused:
		if err := e.state.PauseExecution(ctx, execCtx); err != nil {
			e.logger.Warn("pause persistence failed", log.ExecutionIDKey, execCtx.ExecutionID, "error", err)
		}
		return &Result{ExecutionID: execCtx.ExecutionID, Status: StatusPaused}
	default:
		if err := e.state.CancelExecution(ctx, execCtx); err != nil {
			e.logger.Warn("cancel persistence failed", log.ExecutionIDKey, execCtx.ExecutionID, "error", err)
		}
		return &Result{ExecutionID: execCtx.ExecutionID, Status: StatusCancelled}
	}
}

// runGroup dispatches a contiguous parallel group. When every member
// tolerates failure the group settles; otherwise the first failure
// propagates after the chunk finishes.
func (e *Engine) runGroup(ctx context.Context, p *plan.Plan, group []plan.Step, execCtx *execontext.Context, ctrl *controller.Controller) error {
	for _, step := range group {
		e.state.LogStepExecution(ctx, execCtx.ExecutionID, step)
		e.publishStep(broadcast.EventStepStarted, execCtx.ExecutionID, step.ID, "")
	}

	settled := true
	for _, step := range group {
		if !step.ContinueOnError {
			settled = false
			break
		}
	}

	var (
		results map[string]plan.StepOutput
		err     error
	)
	if settled {
		results, err = e.parallel.ExecuteParallelSettled(ctx, group, execCtx)
	} else {
		results, err = e.parallel.ExecuteParallel(ctx, group, execCtx)
	}

	halted := errors.Is(err, parallel.ErrHalted)
	for _, step := range group {
		out, ok := results[step.ID]
		if !ok && halted {
			// Undispatched because of a pause or stop; not a failure.
			continue
		}
		if !ok || !out.Metadata.Success {
			tolerated := step.ContinueOnError
			ctrl.MarkStepFailed(step.ID, tolerated)
			execCtx.RecordFailed(step.ID)
			e.state.UpdateStepExecution(ctx, execCtx.ExecutionID, step.ID, state.StepUpdate{
				Status:       state.StepStatusFailed,
				ErrorMessage: out.Metadata.Error,
			})
			e.publishStep(broadcast.EventStepFailed, execCtx.ExecutionID, step.ID, out.Metadata.Error)
			continue
		}
		e.completeStep(ctx, p, step, out, execCtx, ctrl)
	}
	if halted {
		// The walk gate persists the pause or cancel next.
		return nil
	}
	return err
}

// runStep dispatches one step, including container kinds.
func (e *Engine) runStep(ctx context.Context, p *plan.Plan, step plan.Step, execCtx *execontext.Context, ctrl *controller.Controller) error {
	ctrl.MarkStepStarted(step.ID)
	execCtx.CurrentStep = step.ID

	if step.Condition != "" {
		match, err := e.evaluator.Evaluate(step.Condition, execCtx.ExpressionEnv())
		if err != nil {
			return fmt.Errorf("step %s condition: %w", step.ID, err)
		}
		if !match {
			execCtx.RecordSkipped(step.ID)
			e.state.LogStepExecution(ctx, execCtx.ExecutionID, step)
			e.state.UpdateStepExecution(ctx, execCtx.ExecutionID, step.ID, state.StepUpdate{Status: state.StepStatusSkipped})
			e.logger.Debug("step skipped by condition", log.StepIDKey, step.ID)
			return nil
		}
	}

	ctx, span := tracing.StartStepSpan(ctx, e.tracer, step.ID, step.Kind)
	out, err := e.dispatch(ctx, step, execCtx)
	tracing.EndSpan(span, err)

	if errors.Is(err, parallel.ErrHalted) {
		// A pause or stop interrupted a loop or scatter mid-way. The
		// step stays incomplete; the walk gate settles the run status.
		return nil
	}
	if err != nil {
		return e.recover(ctx, p, step, execCtx, ctrl, err)
	}
	e.completeStep(ctx, p, step, out, execCtx, ctrl)
	return nil
}

// dispatch routes a step to its executor by kind.
func (e *Engine) dispatch(ctx context.Context, step plan.Step, execCtx *execontext.Context) (plan.StepOutput, error) {
	e.state.LogStepExecution(ctx, execCtx.ExecutionID, step)
	e.publishStep(broadcast.EventStepStarted, execCtx.ExecutionID, step.ID, "")
	start := time.Now()

	switch step.Kind {
	case plan.KindLoop:
		results, err := e.parallel.ExecuteLoop(ctx, step, execCtx)
		if err != nil {
			return plan.StepOutput{}, err
		}
		return containerOutput(step, results, start), nil

	case plan.KindScatterGather:
		result, err := e.parallel.ExecuteScatterGather(ctx, step, execCtx)
		if err != nil {
			return plan.StepOutput{}, err
		}
		return containerOutput(step, result, start), nil

	case plan.KindConditional:
		// Condition already held; a bare conditional is a no-op marker.
		if step.Plugin == "" && step.Params == nil {
			return containerOutput(step, true, start), nil
		}
		return e.executeLeaf(ctx, step, execCtx)

	default:
		return e.executeLeaf(ctx, step, execCtx)
	}
}

// executeLeaf runs one leaf step through retry and, for plugin steps,
// the plugin's circuit breaker.
func (e *Engine) executeLeaf(ctx context.Context, step plan.Step, execCtx *execontext.Context) (plan.StepOutput, error) {
	invoke := func(ctx context.Context) (any, error) {
		return e.steps.ExecuteStep(ctx, step, execCtx)
	}
	if breaker := e.breakerFor(step.Plugin); breaker != nil {
		inner := invoke
		invoke = func(ctx context.Context) (any, error) {
			return breaker.Execute(ctx, inner)
		}
	}

	result, err := recovery.ExecuteWithRetry(ctx, step.Retry, invoke)
	if err != nil {
		return plan.StepOutput{}, err
	}
	out, ok := result.(plan.StepOutput)
	if !ok {
		return plan.StepOutput{}, fmt.Errorf("step %s produced unexpected result type %T", step.ID, result)
	}
	return out, nil
}

// breakerFor returns the circuit breaker for a plugin, or nil when the
// step has no plugin or breakers are disabled.
func (e *Engine) breakerFor(plugin string) *recovery.CircuitBreaker {
	if plugin == "" || e.opts.BreakerMaxFailures < 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	breaker, ok := e.breakers[plugin]
	if !ok {
		breaker = recovery.NewCircuitBreaker(e.opts.BreakerMaxFailures, e.opts.BreakerResetTimeout)
		e.breakers[plugin] = breaker
	}
	return breaker
}

// completeStep records a successful step everywhere it needs to land:
// context, controller checkpoint, durable trace, and subscribers.
func (e *Engine) completeStep(ctx context.Context, p *plan.Plan, step plan.Step, out plan.StepOutput, execCtx *execontext.Context, ctrl *controller.Controller) {
	execCtx.SetStepOutput(step.ID, out)
	if step.OutputVariable != "" {
		execCtx.SetVariable(step.OutputVariable, out.Data)
	}
	execCtx.RecordCompleted(step.ID)
	execCtx.AddMetrics(out.Metadata.TokensUsed, out.Metadata.ExecutionTime)

	ctrl.MarkStepCompleted(step.ID)
	ctrl.CreateCheckpoint(step.ID, execCtx, p.RemainingAfter(execCtx.CompletedSteps))
	ctrl.ClearOldCheckpoints(e.opts.CheckpointKeepLast)

	e.state.RecordStepOutput(ctx, execCtx.ExecutionID, step.ID, out)
	e.state.UpdateStepExecution(ctx, execCtx.ExecutionID, step.ID, state.StepUpdate{
		Status: state.StepStatusCompleted,
		Result: resultSummary(out),
		Metadata: map[string]any{
			"execution_time": out.Metadata.ExecutionTime,
			"tokens_used":    out.Metadata.TokensUsed,
		},
	})
	e.state.Checkpoint(ctx, execCtx)
	e.publishStep(broadcast.EventStepCompleted, execCtx.ExecutionID, step.ID, "")
}

// recover applies the post-retry failure policy for one step.
func (e *Engine) recover(ctx context.Context, p *plan.Plan, step plan.Step, execCtx *execontext.Context, ctrl *controller.Controller, stepErr error) error {
	e.state.UpdateStepExecution(ctx, execCtx.ExecutionID, step.ID, state.StepUpdate{
		Status:       state.StepStatusFailed,
		ErrorMessage: stepErr.Error(),
	})
	e.publishStep(broadcast.EventStepFailed, execCtx.ExecutionID, step.ID, stepErr.Error())

	if recovery.ShouldContinueOnError(step, stepErr) {
		ctrl.MarkStepFailed(step.ID, true)
		execCtx.RecordFailed(step.ID)
		e.logger.Warn("step failed, continuing",
			log.StepIDKey, step.ID, "error", stepErr)
		return nil
	}

	strategy := recovery.DetermineRecoveryStrategy(stepErr)
	switch strategy {
	case recovery.StrategyFallback:
		if len(step.Steps) > 0 {
			out, err := e.recoverer.ExecuteWithFallback(ctx, func(context.Context) (plan.StepOutput, error) {
				return plan.StepOutput{}, stepErr
			}, step.Steps, execCtx)
			if err == nil {
				e.completeStep(ctx, p, step, out, execCtx, ctrl)
				return nil
			}
			stepErr = err
		}
	case recovery.StrategyRollback:
		e.recoverer.RollbackSteps(ctx, completedWithRollback(p, execCtx.CompletedSteps), execCtx)
	}

	ctrl.MarkStepFailed(step.ID, false)
	execCtx.RecordFailed(step.ID)
	return stepErr
}

// fail marks the run failed and reconciles durable state.
func (e *Engine) fail(ctx context.Context, execCtx *execontext.Context, ctrl *controller.Controller, err error) *Result {
	ctrl.MarkFailed()
	e.state.FailExecution(ctx, execCtx, err)
	return &Result{ExecutionID: execCtx.ExecutionID, Status: StatusFailed, Err: err}
}

func (e *Engine) publishStep(eventType, executionID, stepID, detail string) {
	if e.broadcaster == nil {
		return
	}
	event := broadcast.Event{Type: eventType, ExecutionID: executionID, StepID: stepID}
	if detail != "" {
		event.Detail = map[string]any{"error": detail}
	}
	e.broadcaster.Publish(event)
}

// contiguousGroup returns the run of steps sharing the parallel group
// that starts at index i. A step without a group is its own run.
func contiguousGroup(all []plan.Step, i int) []plan.Step {
	name := all[i].ParallelGroup
	if name == "" {
		return all[i : i+1]
	}
	end := i + 1
	for end < len(all) && all[end].ParallelGroup == name {
		end++
	}
	return all[i:end]
}

// containerOutput wraps a container step's aggregate result as a
// StepOutput so downstream references resolve uniformly.
func containerOutput(step plan.Step, data any, start time.Time) plan.StepOutput {
	return plan.StepOutput{
		StepID: step.ID,
		Data:   data,
		Metadata: plan.OutputMetadata{
			Success:       true,
			ExecutedAt:    start,
			ExecutionTime: time.Since(start).Milliseconds(),
		},
	}
}

// completedWithRollback selects completed steps carrying a rollback
// action, in plan order. RollbackSteps reverses them.
func completedWithRollback(p *plan.Plan, completed []string) []plan.Step {
	done := make(map[string]bool, len(completed))
	for _, id := range completed {
		done[id] = true
	}
	var out []plan.Step
	for _, step := range p.Steps {
		if done[step.ID] && step.RollbackAction != nil {
			out = append(out, step)
		}
	}
	return out
}

// finalOutput assembles the workflow result: the data of every completed
// top-level step keyed by step ID.
func finalOutput(p *plan.Plan, execCtx *execontext.Context) map[string]any {
	out := make(map[string]any)
	for _, step := range p.Steps {
		if output, ok := execCtx.StepOutputs[step.ID]; ok {
			out[step.ID] = output.Data
		}
	}
	return out
}

// resultSummary reduces a step result to its structural shape before it
// reaches the durable step row. Payload bodies stay in the output cache.
func resultSummary(out plan.StepOutput) any {
	return state.SummarizeValue(out.Data)
}

// planFromRecord rebuilds a typed plan from the persisted record value.
func planFromRecord(v any) (*plan.Plan, error) {
	if v == nil {
		return nil, fmt.Errorf("no plan stored")
	}
	if p, ok := v.(*plan.Plan); ok {
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var p plan.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("stored plan is empty")
	}
	return &p, nil
}
