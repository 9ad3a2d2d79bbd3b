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

package steps

import (
	"sort"
	"sync"
)

// SchemaRegistry maps plugin actions to the name of the array field in
// their output, so scatter input resolution can unwrap object payloads.
// It is a process-wide singleton with lazy initialization; registration
// and lookup are safe from any goroutine.
type SchemaRegistry struct {
	mu          sync.Mutex
	initialized bool
	arrayFields map[string]string
}

var defaultRegistry = &SchemaRegistry{}

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *SchemaRegistry {
	defaultRegistry.ensureInit()
	return defaultRegistry
}

func (r *SchemaRegistry) ensureInit() {
	if r.initialized {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return
	}
	r.arrayFields = make(map[string]string)
	r.initialized = true
}

// RegisterArrayField declares which field of a plugin action's output
// holds its item array.
func (r *SchemaRegistry) RegisterArrayField(plugin, action, field string) {
	r.ensureInit()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.arrayFields[schemaKey(plugin, action)] = field
}

// ExtractArray pulls the item array out of an object payload. A
// registered schema field wins; otherwise the first array-typed field
// in sorted key order is used. Returns false when no array field
// exists.
func (r *SchemaRegistry) ExtractArray(data map[string]any, plugin, action string) ([]any, bool) {
	r.ensureInit()

	r.mu.Lock()
	field, registered := r.arrayFields[schemaKey(plugin, action)]
	r.mu.Unlock()

	if registered {
		if arr, ok := data[field].([]any); ok {
			return arr, true
		}
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if arr, ok := data[k].([]any); ok {
			return arr, true
		}
	}
	return nil, false
}

func schemaKey(plugin, action string) string {
	return plugin + "/" + action
}
