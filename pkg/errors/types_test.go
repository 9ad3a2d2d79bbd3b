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

package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineError_Error(t *testing.T) {
	err := New(KindInvalidIterateOver, "iterateOver resolved to string").
		WithSuggestion("point iterate_over at an array value")

	assert.Contains(t, err.Error(), "INVALID_ITERATE_OVER")
	assert.Contains(t, err.Error(), "iterateOver resolved to string")
	assert.Contains(t, err.Error(), "point iterate_over at an array value")
}

func TestEngineError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(KindScatterItemFailed, "item 3 failed", cause)

	assert.ErrorIs(t, err, cause)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindCircuitBreakerOpen, KindOf(New(KindCircuitBreakerOpen, "open")))
	assert.Equal(t, Kind(""), KindOf(fmt.Errorf("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))

	// Wrapped EngineErrors are still classified.
	wrapped := fmt.Errorf("dispatch: %w", New(KindParallelExecutionTimeout, "deadline"))
	assert.Equal(t, KindParallelExecutionTimeout, KindOf(wrapped))
}

func TestIsWarning(t *testing.T) {
	assert.True(t, IsWarning(New(KindValidationWarning, "loose field")))
	assert.True(t, IsWarning(New(KindPartialSuccess, "3 of 5")))
	assert.True(t, IsWarning(New(KindDeprecatedFeature, "old syntax")))
	assert.False(t, IsWarning(New(KindAllFallbacksFailed, "nope")))
	assert.False(t, IsWarning(fmt.Errorf("plain")))
}

func TestAggregate(t *testing.T) {
	assert.Nil(t, Aggregate(nil))

	err := Aggregate([]StepFailure{
		{StepID: "fetch", Message: "timeout"},
		{StepID: "classify", Message: "rate limited"},
	})
	require.NotNil(t, err)
	assert.Equal(t, KindMultipleStepFailures, err.Kind)
	assert.Contains(t, err.Message, "fetch: timeout")
	assert.Contains(t, err.Message, "classify: rate limited")
	assert.ElementsMatch(t, []string{"fetch", "classify"}, FailedSteps(err))
}
