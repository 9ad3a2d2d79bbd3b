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
	"errors"
)

// KindOf returns the Kind of err, or "" when err is not an EngineError.
func KindOf(err error) Kind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsWarning reports whether err is a warning-level failure that should not
// terminate a run.
func IsWarning(err error) bool {
	switch KindOf(err) {
	case KindValidationWarning, KindPartialSuccess, KindDeprecatedFeature:
		return true
	}
	return false
}

// CodeOf returns the machine error code of err, or "".
func CodeOf(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// StatusOf returns the numeric status of err, or 0.
func StatusOf(err error) int {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Status
	}
	return 0
}

// FailedSteps returns the failed step IDs carried by a
// MULTIPLE_STEP_FAILURES error, or nil.
func FailedSteps(err error) []string {
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Kind != KindMultipleStepFailures {
		return nil
	}
	ids, _ := ee.Detail["failed_steps"].([]string)
	return ids
}
