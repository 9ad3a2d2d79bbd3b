// Package plan defines the execution plan data model: step descriptors,
// loop and scatter/gather configuration, and the StepOutput produced by
// leaf step execution. A Plan is immutable within a run; the engine only
// reads it.
package plan

import (
	"time"
)

// Step kinds understood by the engine. Kinds outside this list are passed
// through to the step executor unchanged.
const (
	KindAction        = "action"
	KindAIProcessing  = "ai_processing"
	KindConditional   = "conditional"
	KindLoop          = "loop"
	KindTransform     = "transform"
	KindDelay         = "delay"
	KindParallelGroup = "parallel_group"
	KindScatterGather = "scatter_gather"
)

// Plan is a precompiled, topologically ordered list of steps.
type Plan struct {
	Steps []Step `json:"steps"`
}

// Step describes one unit of work in a workflow.
type Step struct {
	// ID is the stable step identifier, unique within the plan.
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name,omitempty"`

	// Kind is the step kind (action, loop, scatter_gather, ...).
	Kind string `json:"kind"`

	// DependsOn lists step IDs this step depends on.
	DependsOn []string `json:"depends_on,omitempty"`

	// Level is the 0-based topological rank.
	Level int `json:"level"`

	// ParallelGroup groups sibling steps for concurrent dispatch.
	// Empty means the step runs alone.
	ParallelGroup string `json:"parallel_group,omitempty"`

	// Plugin and Action identify the plugin operation for leaf steps.
	Plugin string `json:"plugin,omitempty"`
	Action string `json:"action,omitempty"`

	// Params are the kind-specific parameters, resolved against the
	// execution context before dispatch.
	Params map[string]any `json:"params,omitempty"`

	// Condition is an expression gating conditional steps.
	Condition string `json:"condition,omitempty"`

	// Loop configures loop steps.
	Loop *LoopConfig `json:"loop,omitempty"`

	// Scatter and Gather configure scatter/gather steps.
	Scatter *ScatterConfig `json:"scatter,omitempty"`
	Gather  *GatherConfig  `json:"gather,omitempty"`

	// OutputVariable aliases the step's output data under this name in
	// the execution context.
	OutputVariable string `json:"output_variable,omitempty"`

	// ContinueOnError lets the run proceed past a failure of this step.
	ContinueOnError bool `json:"continue_on_error,omitempty"`

	// Retry overrides the default retry policy for this step.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// RollbackAction is the compensating operation invoked when the run
	// rolls back past this step.
	RollbackAction *RollbackAction `json:"rollback_action,omitempty"`

	// Steps are nested steps for container kinds (loop bodies are under
	// Loop.Steps; scatter bodies under Scatter.Steps).
	Steps []Step `json:"steps,omitempty"`
}

// LoopConfig configures a loop step.
type LoopConfig struct {
	// IterateOver is a variable expression resolving to an array.
	IterateOver string `json:"iterate_over"`

	// MaxIterations caps the number of iterations (default 100).
	MaxIterations int `json:"max_iterations,omitempty"`

	// Parallel runs iterations concurrently under the executor's limit.
	Parallel bool `json:"parallel,omitempty"`

	// ContinueOnError records a failed iteration and continues.
	ContinueOnError bool `json:"continue_on_error,omitempty"`

	// Steps is the loop body.
	Steps []Step `json:"steps"`
}

// ScatterConfig configures the fan-out half of a scatter/gather step.
type ScatterConfig struct {
	// Input is a variable expression resolving to the array to scatter,
	// or to a StepOutput whose data holds the array.
	Input string `json:"input"`

	// ItemVariable names the per-item binding (default "item").
	ItemVariable string `json:"item_variable,omitempty"`

	// MaxConcurrency overrides the executor's concurrency limit.
	MaxConcurrency int `json:"max_concurrency,omitempty"`

	// Steps is the per-item sub-pipeline.
	Steps []Step `json:"steps"`
}

// Gather operations.
const (
	GatherCollect = "collect"
	GatherMerge   = "merge"
	GatherReduce  = "reduce"
	GatherFlatten = "flatten"
)

// GatherConfig configures the fold half of a scatter/gather step.
type GatherConfig struct {
	// Operation is one of collect, merge, reduce, flatten.
	Operation string `json:"operation"`

	// ReduceExpression is reserved for future use; when set, reduce
	// returns the raw per-item results.
	ReduceExpression string `json:"reduce_expression,omitempty"`
}

// RetryPolicy controls retry behavior for a step invocation.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt. Nil
	// selects the engine default; an explicit 0 disables retries.
	MaxRetries *int `json:"max_retries,omitempty"`

	// BackoffMs is the base delay before the first retry.
	BackoffMs int `json:"backoff_ms"`

	// BackoffMultiplier scales the delay per attempt (>= 1).
	BackoffMultiplier float64 `json:"backoff_multiplier"`

	// RetryableErrors are patterns matched against error message, code,
	// or status to decide whether an error is retryable.
	RetryableErrors []string `json:"retryable_errors,omitempty"`
}

// Retries builds the MaxRetries value for a literal retry policy.
func Retries(n int) *int {
	return &n
}

// RollbackAction is a compensating plugin operation.
type RollbackAction struct {
	Plugin string         `json:"plugin"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// StepOutput is the typed result of executing one leaf step.
type StepOutput struct {
	StepID   string         `json:"stepId"`
	Plugin   string         `json:"plugin,omitempty"`
	Action   string         `json:"action,omitempty"`
	Data     any            `json:"data"`
	Metadata OutputMetadata `json:"metadata"`
}

// OutputMetadata carries execution metadata for a StepOutput.
type OutputMetadata struct {
	Success       bool      `json:"success"`
	ExecutedAt    time.Time `json:"executedAt"`
	ExecutionTime int64     `json:"executionTime"` // milliseconds
	TokensUsed    int       `json:"tokensUsed,omitempty"`
	Error         string    `json:"error,omitempty"`
	FieldNames    []string  `json:"field_names,omitempty"`
}

// StepByID returns the step with the given ID, or nil.
func (p *Plan) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// RemainingAfter returns the IDs of steps that follow the last completed
// step, preserving plan order. Completed IDs are excluded wherever they
// appear.
func (p *Plan) RemainingAfter(completed []string) []string {
	done := make(map[string]bool, len(completed))
	for _, id := range completed {
		done[id] = true
	}
	var remaining []string
	for i := range p.Steps {
		if !done[p.Steps[i].ID] {
			remaining = append(remaining, p.Steps[i].ID)
		}
	}
	return remaining
}
