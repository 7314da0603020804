// Copyright 2025 Tom Barlow
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

package dispatch

import "sync"

// Hub fans out job completion events to subscribers. Each running
// workflow subscribes once and unsubscribes when the run finishes, so
// the subscriber list stays proportional to active runs.
type Hub struct {
	mu   sync.RWMutex
	subs map[int64]func(*CompletionEvent)
	next int64
}

// NewHub creates an empty completion hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[int64]func(*CompletionEvent)),
	}
}

// Subscribe registers a handler for completion events and returns a
// function that removes it. Handlers run synchronously on the
// publishing goroutine.
func (h *Hub) Subscribe(fn func(*CompletionEvent)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Publish delivers the event to every current subscriber.
func (h *Hub) Publish(ev *CompletionEvent) {
	h.mu.RLock()
	handlers := make([]func(*CompletionEvent), 0, len(h.subs))
	for _, fn := range h.subs {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
