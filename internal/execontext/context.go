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

// Package execontext holds the mutable state of a single workflow
// execution: inputs, variables, and step outputs, plus the variable
// resolution used to wire step parameters to earlier results.
package execontext

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cascadehq/cascade/pkg/plan"
)

// Variable names bound by loop and scatter execution. They are scoped to
// the iteration and never propagate back to the parent context.
var reservedVariables = map[string]bool{
	"loop":    true,
	"current": true,
	"index":   true,
}

var refPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Context carries the state of one workflow execution.
type Context struct {
	ExecutionID string `json:"execution_id"`
	AgentID     string `json:"agent_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`

	Input       map[string]any             `json:"input"`
	Variables   map[string]any             `json:"variables"`
	StepOutputs map[string]plan.StepOutput `json:"step_outputs"`

	CompletedSteps []string `json:"completed_steps"`
	FailedSteps    []string `json:"failed_steps"`
	SkippedSteps   []string `json:"skipped_steps"`
	CurrentStep    string   `json:"current_step,omitempty"`

	TotalTokensUsed    int       `json:"total_tokens_used"`
	TotalExecutionTime int64     `json:"total_execution_time_ms"`
	StartedAt          time.Time `json:"started_at"`

	// ContinueGate, when set, is consulted before each new unit of work
	// is dispatched, so pause and stop requests land between parallel
	// chunks as well as between sequential steps. Never serialized.
	ContinueGate func() bool `json:"-"`
}

// New creates an execution context with the given inputs.
func New(executionID string, input map[string]any) *Context {
	if input == nil {
		input = make(map[string]any)
	}
	return &Context{
		ExecutionID: executionID,
		Input:       input,
		Variables:   make(map[string]any),
		StepOutputs: make(map[string]plan.StepOutput),
		StartedAt:   time.Now(),
	}
}

// SetVariable stores a context variable.
func (c *Context) SetVariable(name string, value any) {
	if c.Variables == nil {
		c.Variables = make(map[string]any)
	}
	c.Variables[name] = value
}

// SetStepOutput records a step output under its step ID.
func (c *Context) SetStepOutput(stepID string, output plan.StepOutput) {
	if c.StepOutputs == nil {
		c.StepOutputs = make(map[string]plan.StepOutput)
	}
	c.StepOutputs[stepID] = output
}

// RecordCompleted appends a step to the completed list once. A step
// that failed on an earlier attempt leaves the failed list, so the two
// lists never share an id.
func (c *Context) RecordCompleted(stepID string) {
	c.CompletedSteps = appendUnique(c.CompletedSteps, stepID)
	c.FailedSteps = removeString(c.FailedSteps, stepID)
}

// RecordFailed appends a step to the failed list once and removes it
// from the completed list.
func (c *Context) RecordFailed(stepID string) {
	c.FailedSteps = appendUnique(c.FailedSteps, stepID)
	c.CompletedSteps = removeString(c.CompletedSteps, stepID)
}

// RecordSkipped appends a step to the skipped list once.
func (c *Context) RecordSkipped(stepID string) {
	c.SkippedSteps = appendUnique(c.SkippedSteps, stepID)
}

// ShouldContinue reports whether the next unit of work may start.
func (c *Context) ShouldContinue() bool {
	if c.ContinueGate == nil {
		return true
	}
	return c.ContinueGate()
}

// AddMetrics accumulates token and duration totals.
func (c *Context) AddMetrics(tokens int, executionTimeMS int64) {
	c.TotalTokensUsed += tokens
	c.TotalExecutionTime += executionTimeMS
}

// ResolveVariable resolves a single "{{path}}" reference and returns the
// referenced value with its original type. Plain strings pass through
// unchanged; strings with embedded references are interpolated.
//
// Path roots resolve against, in order: "input", "variables", step IDs,
// then bare variable names (loop bindings like "loop.item").
func (c *Context) ResolveVariable(value string) (any, error) {
	matches := refPattern.FindAllStringSubmatchIndex(value, -1)
	if len(matches) == 0 {
		return value, nil
	}

	// Whole-string reference keeps the resolved type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(value) {
		path := strings.TrimSpace(value[matches[0][2]:matches[0][3]])
		return c.resolvePath(path)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(value[last:m[0]])
		path := strings.TrimSpace(value[m[2]:m[3]])
		resolved, err := c.resolvePath(path)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(resolved))
		last = m[1]
	}
	b.WriteString(value[last:])
	return b.String(), nil
}

// ResolveAll resolves variable references recursively through maps,
// slices, and strings.
func (c *Context) ResolveAll(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return c.ResolveVariable(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := c.ResolveAll(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := c.ResolveAll(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func (c *Context) resolvePath(path string) (any, error) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 || segments[0] == "" {
		return nil, fmt.Errorf("empty variable reference")
	}

	root := segments[0]
	rest := segments[1:]

	switch root {
	case "input":
		return walk(c.Input, rest, path)
	case "variables":
		return walk(c.Variables, rest, path)
	}

	if output, ok := c.StepOutputs[root]; ok {
		return walkStepOutput(output, rest, path)
	}

	if v, ok := c.Variables[root]; ok {
		return walk(v, rest, path)
	}

	return nil, fmt.Errorf("unresolved variable reference %q", path)
}

func walkStepOutput(output plan.StepOutput, segments []string, path string) (any, error) {
	if len(segments) == 0 {
		return output.Data, nil
	}

	switch segments[0] {
	case "data":
		return walk(output.Data, segments[1:], path)
	case "metadata":
		return walk(metadataMap(output.Metadata), segments[1:], path)
	default:
		// Convenience form: {{step.field}} reads the output data.
		return walk(output.Data, segments, path)
	}
}

func metadataMap(m plan.OutputMetadata) map[string]any {
	out := map[string]any{
		"success":        m.Success,
		"executed_at":    m.ExecutedAt,
		"execution_time": m.ExecutionTime,
		"tokens_used":    m.TokensUsed,
	}
	if m.Error != "" {
		out["error"] = m.Error
	}
	return out
}

func walk(value any, segments []string, path string) (any, error) {
	current := value
	for _, seg := range segments {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, fmt.Errorf("unresolved variable reference %q: missing field %q", path, seg)
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("unresolved variable reference %q: bad index %q", path, seg)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("unresolved variable reference %q: cannot descend into %T", path, current)
		}
	}
	return current, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return fmt.Sprint(t)
	}
}

// Clone deep-copies the context so concurrent branches cannot observe
// each other's writes. When resetMetrics is true the clone starts with
// zero token and duration totals so parent merge does not double count.
func (c *Context) Clone(resetMetrics bool) *Context {
	clone := &Context{
		ExecutionID:        c.ExecutionID,
		AgentID:            c.AgentID,
		UserID:             c.UserID,
		SessionID:          c.SessionID,
		Input:              deepCopyMap(c.Input),
		Variables:          deepCopyMap(c.Variables),
		StepOutputs:        make(map[string]plan.StepOutput, len(c.StepOutputs)),
		CompletedSteps:     append([]string(nil), c.CompletedSteps...),
		FailedSteps:        append([]string(nil), c.FailedSteps...),
		SkippedSteps:       append([]string(nil), c.SkippedSteps...),
		CurrentStep:        c.CurrentStep,
		TotalTokensUsed:    c.TotalTokensUsed,
		TotalExecutionTime: c.TotalExecutionTime,
		StartedAt:          c.StartedAt,
		ContinueGate:       c.ContinueGate,
	}
	for id, out := range c.StepOutputs {
		out.Data = deepCopyValue(out.Data)
		clone.StepOutputs[id] = out
	}
	if resetMetrics {
		clone.TotalTokensUsed = 0
		clone.TotalExecutionTime = 0
	}
	return clone
}

// MergeChild folds a cloned child context back into the parent after an
// iteration finishes. Reserved loop bindings stay behind; everything
// else the child wrote propagates, and metric totals accumulate.
func (c *Context) MergeChild(child *Context) {
	for name, value := range child.Variables {
		if reservedVariables[name] {
			continue
		}
		c.SetVariable(name, value)
	}
	for id, out := range child.StepOutputs {
		if _, exists := c.StepOutputs[id]; !exists {
			c.SetStepOutput(id, out)
		}
	}
	c.TotalTokensUsed += child.TotalTokensUsed
	c.TotalExecutionTime += child.TotalExecutionTime
}

// ExpressionEnv builds the environment used by condition evaluation.
func (c *Context) ExpressionEnv() map[string]any {
	steps := make(map[string]any, len(c.StepOutputs))
	for id, out := range c.StepOutputs {
		steps[id] = out.Data
	}
	return map[string]any{
		"input":     c.Input,
		"variables": c.Variables,
		"steps":     steps,
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	out := deepCopyValue(m)
	if copied, ok := out.(map[string]any); ok {
		return copied
	}
	return make(map[string]any)
}

// deepCopyValue copies via a JSON round trip. Values that do not survive
// JSON encoding are kept by reference.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

func removeString(list []string, item string) []string {
	for i, existing := range list {
		if existing == item {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
