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

package state

import "sort"

const (
	sanitizeSampleKeys = 5
	sanitizeObjectKeys = 10
)

// SanitizeOutput reduces a final output to structural metadata. Customer
// payload bytes never reach the execution record: arrays and objects
// collapse to shape summaries, only primitives pass through.
func SanitizeOutput(output map[string]any) map[string]any {
	if output == nil {
		return nil
	}
	out := make(map[string]any, len(output))
	for key, value := range output {
		out[key] = SummarizeValue(value)
	}
	return out
}

// SummarizeValue reduces one value to its structural shape: arrays
// collapse to count plus sample keys, objects to their key list,
// primitives pass through. Step rows store these shapes instead of
// payloads.
func SummarizeValue(value any) any {
	switch v := value.(type) {
	case []any:
		return map[string]any{
			"count":       len(v),
			"type":        "array",
			"sample_keys": sampleKeys(v),
		}
	case map[string]any:
		return map[string]any{
			"type": "object",
			"keys": objectKeys(v, sanitizeObjectKeys),
		}
	default:
		return value
	}
}

// sampleKeys returns the first few keys of the first element when the
// array holds objects, otherwise an empty list.
func sampleKeys(arr []any) []string {
	if len(arr) == 0 {
		return []string{}
	}
	first, ok := arr[0].(map[string]any)
	if !ok {
		return []string{}
	}
	return objectKeys(first, sanitizeSampleKeys)
}

func objectKeys(m map[string]any, limit int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}
