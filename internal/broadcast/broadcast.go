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

// Package broadcast fans execution progress events out to subscribers.
// Publishing never blocks; slow subscribers miss events rather than
// stall the engine.
package broadcast

import (
	"sync"
	"time"
)

// Event types.
const (
	EventExecutionStarted  = "execution_started"
	EventStepStarted       = "step_started"
	EventStepCompleted     = "step_completed"
	EventStepFailed        = "step_failed"
	EventExecutionPaused   = "execution_paused"
	EventExecutionResumed  = "execution_resumed"
	EventExecutionFinished = "execution_finished"
)

// Event is one progress notification for an execution.
type Event struct {
	Type        string         `json:"type"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

const subscriberBuffer = 64

type channel struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
}

// Broadcaster manages one event channel per execution.
type Broadcaster struct {
	mu       sync.Mutex
	channels map[string]*channel
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		channels: make(map[string]*channel),
	}
}

// Open creates the channel for an execution. Opening an already open
// channel is a no-op.
func (b *Broadcaster) Open(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[executionID]; !ok {
		b.channels[executionID] = &channel{
			subscribers: make(map[int]chan Event),
		}
	}
}

// Subscribe returns a stream of events for an execution plus a cancel
// function. The stream closes when the execution finishes. Subscribing
// to an unknown or finished execution returns a closed channel.
func (b *Broadcaster) Subscribe(executionID string) (<-chan Event, func()) {
	b.mu.Lock()
	ch, ok := b.channels[executionID]
	b.mu.Unlock()

	if !ok {
		done := make(chan Event)
		close(done)
		return done, func() {}
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		done := make(chan Event)
		close(done)
		return done, func() {}
	}

	id := ch.nextID
	ch.nextID++
	sub := make(chan Event, subscriberBuffer)
	ch.subscribers[id] = sub

	cancel := func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		if existing, ok := ch.subscribers[id]; ok {
			delete(ch.subscribers, id)
			close(existing)
		}
	}
	return sub, cancel
}

// Publish sends an event to every subscriber of the execution without
// blocking. Events to full subscriber buffers are dropped.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	ch, ok := b.channels[event.ExecutionID]
	b.mu.Unlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	for _, sub := range ch.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// Close ends the execution's channel, closing every subscriber stream.
func (b *Broadcaster) Close(executionID string) {
	b.mu.Lock()
	ch, ok := b.channels[executionID]
	if ok {
		delete(b.channels, executionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	for id, sub := range ch.subscribers {
		delete(ch.subscribers, id)
		close(sub)
	}
}
