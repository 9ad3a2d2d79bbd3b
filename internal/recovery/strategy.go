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
	"strings"

	cascadeerrors "github.com/cascadehq/cascade/pkg/errors"
	"github.com/cascadehq/cascade/pkg/plan"
)

// Strategy names how a step failure should be handled.
type Strategy string

const (
	StrategyRetry    Strategy = "retry"
	StrategyFallback Strategy = "fallback"
	StrategyRollback Strategy = "rollback"
	StrategyFail     Strategy = "fail"
)

// DetermineRecoveryStrategy classifies an error into a recovery
// strategy by inspecting its message and code.
func DetermineRecoveryStrategy(err error) Strategy {
	if err == nil {
		return StrategyRetry
	}

	haystack := strings.ToLower(err.Error())
	if code := cascadeerrors.CodeOf(err); code != "" {
		haystack += " " + strings.ToLower(code)
	}

	switch {
	case containsAny(haystack, "timeout", "network", "rate limit", "rate_limit", "econnreset", "econnrefused", "etimedout"):
		return StrategyRetry
	case containsAny(haystack, "unauthorized", "forbidden", "auth"):
		return StrategyFail
	case containsAny(haystack, "plugin_execution_failed", "plugin execution failed", "plugin_not_available", "plugin not available"):
		return StrategyFallback
	case containsAny(haystack, "validation", "constraint", "integrity"):
		return StrategyRollback
	default:
		return StrategyRetry
	}
}

// ShouldContinueOnError reports whether a step failure is tolerated:
// the step opts in with continueOnError or the error is warning-level.
func ShouldContinueOnError(step plan.Step, err error) bool {
	return step.ContinueOnError || cascadeerrors.IsWarning(err)
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
