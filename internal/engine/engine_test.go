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

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/internal/broadcast"
	"github.com/cascadehq/cascade/internal/cache"
	"github.com/cascadehq/cascade/internal/execontext"
	"github.com/cascadehq/cascade/internal/parallel"
	"github.com/cascadehq/cascade/internal/quota"
	"github.com/cascadehq/cascade/internal/recovery"
	"github.com/cascadehq/cascade/internal/state"
	"github.com/cascadehq/cascade/internal/state/store"
	"github.com/cascadehq/cascade/internal/steps"
	"github.com/cascadehq/cascade/pkg/plan"
)

// fakePlugins scripts plugin responses per "plugin/action" key.
type fakePlugins struct {
	mu        sync.Mutex
	responses map[string]any
	failures  map[string]error
	failOnce  map[string]int
	calls     []string
	delay     time.Duration
	onCall    func(key string)
}

func newFakePlugins() *fakePlugins {
	return &fakePlugins{
		responses: make(map[string]any),
		failures:  make(map[string]error),
		failOnce:  make(map[string]int),
	}
}

func (f *fakePlugins) Execute(ctx context.Context, _, plugin, action string, _ map[string]any) (any, error) {
	key := plugin + "/" + action

	f.mu.Lock()
	f.calls = append(f.calls, key)
	delay := f.delay
	hook := f.onCall
	if n := f.failOnce[key]; n > 0 {
		f.failOnce[key] = n - 1
		f.mu.Unlock()
		return nil, errors.New("TIMEOUT: transient")
	}
	err := f.failures[key]
	resp := f.responses[key]
	f.mu.Unlock()

	if hook != nil {
		hook(key)
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return map[string]any{"ok": true}, nil
	}
	return resp, nil
}

func (f *fakePlugins) setDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *fakePlugins) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == key {
			n++
		}
	}
	return n
}

func (f *fakePlugins) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	engine  *Engine
	manager *state.Manager
	store   *store.Memory
	outputs *cache.Memory
	plugins *fakePlugins
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	outputs := cache.NewMemory()
	b := broadcast.New()
	manager := state.NewManager(st, outputs, quota.NewLimiter(0, 0), b, nil, state.Options{
		ProgressTracking:  true,
		CachePollInterval: 10 * time.Millisecond,
		CachePollAttempts: 5,
	})

	plugins := newFakePlugins()
	stepExec := steps.NewExecutor(plugins, nil, nil)
	par := parallel.NewExecutor(stepExec, steps.DefaultRegistry(), parallel.Config{}, nil)
	rec := recovery.NewRecoverer(stepExec, plugins, nil)

	return &fixture{
		engine:  New(manager, stepExec, par, rec, b, nil, nil, Options{}),
		manager: manager,
		store:   st,
		outputs: outputs,
		plugins: plugins,
	}
}

func actionStep(id, plugin, action string) plan.Step {
	return plan.Step{ID: id, Kind: plan.KindAction, Plugin: plugin, Action: action}
}

func TestRun_SequentialPlanCompletes(t *testing.T) {
	f := newFixture(t)
	f.plugins.responses["crm/lookup"] = map[string]any{"account": "acme"}
	f.plugins.responses["mail/send"] = map[string]any{"sent": true}

	result, err := f.engine.Run(context.Background(), &plan.Plan{Steps: []plan.Step{
		actionStep("lookup", "crm", "lookup"),
		actionStep("notify", "mail", "send"),
	}}, RunRequest{UserID: "u1"})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, map[string]any{"account": "acme"}, result.Output["lookup"])
	assert.Equal(t, map[string]any{"sent": true}, result.Output["notify"])

	record, err := f.store.GetExecution(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "completed", record.Status)
	assert.ElementsMatch(t, []string{"lookup", "notify"}, record.Trace.CompletedSteps)
	assert.NotNil(t, record.CompletedAt)
}

func TestRun_ParamsFlowBetweenSteps(t *testing.T) {
	f := newFixture(t)
	f.plugins.responses["crm/lookup"] = map[string]any{"id": "A-7"}
	f.plugins.responses["billing/invoice"] = map[string]any{"invoiced": true}

	result, err := f.engine.Run(context.Background(), &plan.Plan{Steps: []plan.Step{
		actionStep("lookup", "crm", "lookup"),
		{
			ID: "bill", Kind: plan.KindAction, Plugin: "billing", Action: "invoice",
			Params: map[string]any{"account": "{{lookup.data.id}}"},
		},
	}}, RunRequest{})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
}

func TestRun_ConditionSkipsStep(t *testing.T) {
	f := newFixture(t)
	f.plugins.responses["crm/lookup"] = map[string]any{"tier": "free"}

	result, err := f.engine.Run(context.Background(), &plan.Plan{Steps: []plan.Step{
		actionStep("lookup", "crm", "lookup"),
		{
			ID: "upsell", Kind: plan.KindAction, Plugin: "mail", Action: "send",
			Condition: `steps.lookup.tier == "enterprise"`,
		},
	}}, RunRequest{})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Zero(t, f.plugins.callCount("mail/send"))

	record, err := f.store.GetExecution(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.Contains(t, record.Trace.SkippedSteps, "upsell")
}

func TestRun_TransientFailureRetriesAndSucceeds(t *testing.T) {
	f := newFixture(t)
	f.plugins.failOnce["flaky/op"] = 1
	f.plugins.responses["flaky/op"] = map[string]any{"ok": true}

	result, err := f.engine.Run(context.Background(), &plan.Plan{Steps: []plan.Step{
		{
			ID: "flaky", Kind: plan.KindAction, Plugin: "flaky", Action: "op",
			Retry: &plan.RetryPolicy{MaxRetries: plan.Retries(2), BackoffMs: 1, BackoffMultiplier: 1, RetryableErrors: []string{"TIMEOUT"}},
		},
	}}, RunRequest{})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 2, f.plugins.callCount("flaky/op"))
}

func TestRun_HardFailureFailsExecution(t *testing.T) {
	f := newFixture(t)
	f.plugins.failures["auth/check"] = errors.New("unauthorized: bad token")

	result, err := f.engine.Run(context.Background(), &plan.Plan{Steps: []plan.Step{
		actionStep("check", "auth", "check"),
		actionStep("never", "mail", "send"),
	}}, RunRequest{})

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	require.Error(t, result.Err)
	assert.Zero(t, f.plugins.callCount("mail/send"), "run stops at the failure")

	record, err := f.store.GetExecution(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "failed", record.Status)
	assert.Contains(t, record.ErrorMessage, "unauthorized")
}

func TestRun_ContinueOnErrorProceeds(t *testing.T) {
	f := newFixture(t)
	f.plugins.failures["audit/log"] = errors.New("unauthorized: audit sink down")
	f.plugins.responses["mail/send"] = map[string]any{"sent": true}

	result, err := f.engine.Run(context.Background(), &plan.Plan{Steps: []plan.Step{
		{ID: "audit", Kind: plan.KindAction, Plugin: "audit", Action: "log", ContinueOnError: true},
		actionStep("notify", "mail", "send"),
	}}, RunRequest{})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	record, err := f.store.GetExecution(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "completed", record.Status, "tolerated failure does not fail the run")
	assert.Contains(t, record.Trace.FailedSteps, "audit")
}

func TestRun_RollbackStrategyInvokesCompensations(t *testing.T) {
	f := newFixture(t)
	f.plugins.responses["db/insert"] = map[string]any{"row": 1}
	f.plugins.failures["db/commit"] = errors.New("constraint violation: duplicate key")

	result, err := f.engine.Run(context.Background(), &plan.Plan{Steps: []plan.Step{
		{
			ID: "insert", Kind: plan.KindAction, Plugin: "db", Action: "insert",
			RollbackAction: &plan.RollbackAction{Plugin: "db", Action: "delete"},
		},
		actionStep("commit", "db", "commit"),
	}}, RunRequest{})

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 1, f.plugins.callCount("db/delete"), "compensation ran for the completed step")
}

func TestRun_ParallelGroupRunsAllSiblings(t *testing.T) {
	f := newFixture(t)
	f.plugins.responses["a/op"] = map[string]any{"n": 1}
	f.plugins.responses["b/op"] = map[string]any{"n": 2}
	f.plugins.responses["c/op"] = map[string]any{"n": 3}

	result, err := f.engine.Run(context.Background(), &plan.Plan{Steps: []plan.Step{
		{ID: "s1", Kind: plan.KindAction, Plugin: "a", Action: "op", ParallelGroup: "g1"},
		{ID: "s2", Kind: plan.KindAction, Plugin: "b", Action: "op", ParallelGroup: "g1"},
		{ID: "s3", Kind: plan.KindAction, Plugin: "c", Action: "op", ParallelGroup: "g1"},
	}}, RunRequest{})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Len(t, result.Output, 3)
}

func TestRun_LoopStep(t *testing.T) {
	f := newFixture(t)
	f.plugins.responses["mail/send"] = map[string]any{"sent": true}

	result, err := f.engine.Run(context.Background(), &plan.Plan{Steps: []plan.Step{
		{
			ID:   "each",
			Kind: plan.KindLoop,
			Loop: &plan.LoopConfig{
				IterateOver: "{{input.recipients}}",
				Steps:       []plan.Step{actionStep("send", "mail", "send")},
			},
		},
	}}, RunRequest{Inputs: map[string]any{"recipients": []any{"a@x", "b@x"}}})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	results := result.Output["each"].([]any)
	assert.Len(t, results, 2)
	assert.Equal(t, 2, f.plugins.callCount("mail/send"))
}

func TestRun_CooperativePause(t *testing.T) {
	f := newFixture(t)
	f.plugins.setDelay(30 * time.Millisecond)
	executionID := "exec-pause"

	done := make(chan *Result, 1)
	go func() {
		result, err := f.engine.Run(context.Background(), &plan.Plan{Steps: []plan.Step{
			actionStep("s1", "a", "op"),
			actionStep("s2", "b", "op"),
			actionStep("s3", "c", "op"),
		}}, RunRequest{ExecutionID: executionID})
		require.NoError(t, err)
		done <- result
	}()

	// Wait until the run is registered, then request a pause mid-flight.
	require.Eventually(t, func() bool {
		return f.engine.Pause(executionID) == nil
	}, time.Second, 5*time.Millisecond)

	result := <-done
	assert.Equal(t, StatusPaused, result.Status)

	record, err := f.store.GetExecution(context.Background(), executionID)
	require.NoError(t, err)
	assert.Equal(t, "paused", record.Status)
	assert.Less(t, len(record.Trace.CompletedSteps), 3, "pause lands before the last step")
}

func TestRun_PauseThenResumeCompletes(t *testing.T) {
	f := newFixture(t)
	f.plugins.setDelay(20 * time.Millisecond)
	f.plugins.responses["a/op"] = map[string]any{"n": 1}
	f.plugins.responses["b/op"] = map[string]any{"n": 2}
	executionID := "exec-resume"

	done := make(chan *Result, 1)
	go func() {
		result, err := f.engine.Run(context.Background(), &plan.Plan{Steps: []plan.Step{
			actionStep("s1", "a", "op"),
			actionStep("s2", "b", "op"),
		}}, RunRequest{ExecutionID: executionID})
		require.NoError(t, err)
		done <- result
	}()

	// Pause only once the first step has checkpointed, so the resume has
	// durable progress to restore.
	require.Eventually(t, func() bool {
		record, err := f.store.GetExecution(context.Background(), executionID)
		if err != nil || len(record.Trace.CompletedSteps) == 0 {
			return false
		}
		return f.engine.Pause(executionID) == nil
	}, time.Second, time.Millisecond)
	paused := <-done
	if paused.Status == StatusCompleted {
		t.Skip("run finished before the pause landed")
	}
	require.Equal(t, StatusPaused, paused.Status)

	f.plugins.setDelay(0)
	result, err := f.engine.Resume(context.Background(), executionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	record, err := f.store.GetExecution(context.Background(), executionID)
	require.NoError(t, err)
	assert.Equal(t, "completed", record.Status)
	assert.ElementsMatch(t, []string{"s1", "s2"}, record.Trace.CompletedSteps)
	assert.Equal(t, 1, f.plugins.callCount("a/op"), "completed step is not re-executed on resume")
}

func TestRun_StopCancelsExecution(t *testing.T) {
	f := newFixture(t)
	f.plugins.setDelay(30 * time.Millisecond)
	executionID := "exec-stop"

	done := make(chan *Result, 1)
	go func() {
		result, err := f.engine.Run(context.Background(), &plan.Plan{Steps: []plan.Step{
			actionStep("s1", "a", "op"),
			actionStep("s2", "b", "op"),
			actionStep("s3", "c", "op"),
		}}, RunRequest{ExecutionID: executionID})
		require.NoError(t, err)
		done <- result
	}()

	require.Eventually(t, func() bool {
		return f.engine.Stop(executionID) == nil
	}, time.Second, 5*time.Millisecond)

	result := <-done
	assert.Equal(t, StatusCancelled, result.Status)

	record, err := f.store.GetExecution(context.Background(), executionID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", record.Status)
}

func TestRun_CheckpointsAccumulate(t *testing.T) {
	f := newFixture(t)
	executionID := "exec-ckpt"
	f.plugins.setDelay(15 * time.Millisecond)

	done := make(chan *Result, 1)
	go func() {
		result, _ := f.engine.Run(context.Background(), &plan.Plan{Steps: []plan.Step{
			actionStep("s1", "a", "op"),
			actionStep("s2", "b", "op"),
		}}, RunRequest{ExecutionID: executionID})
		done <- result
	}()

	sawController := assert.Eventually(t, func() bool {
		_, ok := f.engine.Controller(executionID)
		return ok
	}, time.Second, time.Millisecond)
	<-done
	assert.True(t, sawController, "controller visible while the run is live")

	_, ok := f.engine.Controller(executionID)
	assert.False(t, ok, "controller unregistered after the run ends")
}

func TestPause_UnknownExecution(t *testing.T) {
	f := newFixture(t)
	err := f.engine.Pause("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXECUTION_NOT_FOUND")
}

func TestRun_StepRowHoldsShapeNotPayload(t *testing.T) {
	f := newFixture(t)
	f.plugins.responses["gmail/fetch"] = map[string]any{
		"email_body": "SECRET CUSTOMER PAYLOAD do-not-persist",
		"from":       "alice@example.com",
	}

	result, err := f.engine.Run(context.Background(), &plan.Plan{Steps: []plan.Step{
		actionStep("fetch", "gmail", "fetch"),
	}}, RunRequest{})

	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)

	row, err := f.store.GetStep(context.Background(), result.ExecutionID, "fetch")
	require.NoError(t, err)

	raw, err := json.Marshal(row.Result)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "SECRET", "payload bodies never reach step rows")
	assert.NotContains(t, string(raw), "alice@example.com")
	assert.Contains(t, string(raw), `"type":"object"`)
	assert.Contains(t, string(raw), "email_body", "shape keys are retained")
}

func TestRun_PauseLandsBetweenParallelChunks(t *testing.T) {
	f := newFixture(t)
	executionID := "exec-chunk-pause"

	// The pause arrives while the first chunk is in flight; the second
	// chunk must never dispatch.
	var once sync.Once
	f.plugins.onCall = func(string) {
		once.Do(func() { _ = f.engine.Pause(executionID) })
	}

	group := make([]plan.Step, 6)
	for i := range group {
		group[i] = plan.Step{
			ID:            fmt.Sprintf("s%d", i+1),
			Kind:          plan.KindAction,
			Plugin:        "svc",
			Action:        fmt.Sprintf("a%d", i+1),
			ParallelGroup: "g1",
		}
	}

	result, err := f.engine.Run(context.Background(), &plan.Plan{Steps: group}, RunRequest{ExecutionID: executionID})

	require.NoError(t, err)
	assert.Equal(t, StatusPaused, result.Status)
	assert.Equal(t, 3, f.plugins.totalCalls(), "only the first chunk dispatched")

	record, err := f.store.GetExecution(context.Background(), executionID)
	require.NoError(t, err)
	assert.Equal(t, "paused", record.Status)
	assert.Len(t, record.Trace.CompletedSteps, 3, "settled chunk results are retained")
}

func TestResume_ReexecutedFailureLeavesFailedList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	executionID := "exec-i1"
	p := &plan.Plan{Steps: []plan.Step{actionStep("s1", "a", "op")}}

	_, err := f.manager.CreateExecution(ctx, state.CreateParams{ExecutionID: executionID, Plan: p})
	require.NoError(t, err)

	// A run paused after a tolerated failure persists the step in the
	// failed list; the resumed run re-executes it successfully.
	execCtx := execontext.New(executionID, nil)
	execCtx.RecordFailed("s1")
	require.NoError(t, f.manager.PauseExecution(ctx, execCtx))

	result, err := f.engine.Resume(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	record, err := f.store.GetExecution(ctx, executionID)
	require.NoError(t, err)
	assert.Contains(t, record.Trace.CompletedSteps, "s1")
	assert.NotContains(t, record.Trace.FailedSteps, "s1", "a step never sits in both lists")
}
