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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordPersistenceError(t *testing.T) {
	labels := prometheus.Labels{"operation": "Checkpoint", "error_type": "io_error"}
	before := testutil.ToFloat64(persistenceErrors.With(labels))

	RecordPersistenceError("Checkpoint", "io_error")

	after := testutil.ToFloat64(persistenceErrors.With(labels))
	if after != before+1 {
		t.Errorf("expected counter to increment by 1, got before=%f after=%f", before, after)
	}
}

func TestRecordExecutionFinished(t *testing.T) {
	labels := prometheus.Labels{"status": "completed"}
	before := testutil.ToFloat64(executionsFinished.With(labels))

	RecordExecutionFinished("completed")
	RecordExecutionFinished("completed")

	after := testutil.ToFloat64(executionsFinished.With(labels))
	if after != before+2 {
		t.Errorf("expected counter to increment by 2, got before=%f after=%f", before, after)
	}
}

func TestRecordBreakerTransition(t *testing.T) {
	labels := prometheus.Labels{"from": "closed", "to": "open"}
	before := testutil.ToFloat64(breakerTransitions.With(labels))

	RecordBreakerTransition("closed", "open")

	after := testutil.ToFloat64(breakerTransitions.With(labels))
	if after != before+1 {
		t.Errorf("expected counter to increment by 1, got before=%f after=%f", before, after)
	}
}
