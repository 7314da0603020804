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

import (
	"sort"
	"strings"
	"sync"
)

// LabelKey canonicalizes a label set into a queue key: lowercased,
// deduplicated, sorted, comma-joined.
func LabelKey(labels []string) string {
	normalized := NormalizeLabels(labels)
	seen := make(map[string]struct{}, len(normalized))
	unique := normalized[:0]
	for _, l := range normalized {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		unique = append(unique, l)
	}
	sort.Strings(unique)
	return strings.Join(unique, ",")
}

// labelQueue is a FIFO of jobs that all require the same label set.
type labelQueue struct {
	labels []string
	jobs   []*Job
}

// subsetOf reports whether every queue label is present in the agent's
// label set.
func (q *labelQueue) subsetOf(agentLabels map[string]struct{}) bool {
	for _, l := range q.labels {
		if _, ok := agentLabels[l]; !ok {
			return false
		}
	}
	return true
}

// QueueMap holds one FIFO per distinct runs-on label set and a pulse
// channel that wakes long-polling agents whenever any queue changes.
// An agent drains every queue whose label set is a subset of the
// agent's own labels.
type QueueMap struct {
	mu     sync.Mutex
	queues map[string]*labelQueue
	pulse  chan struct{}
}

// NewQueueMap creates an empty queue map.
func NewQueueMap() *QueueMap {
	return &QueueMap{
		queues: make(map[string]*labelQueue),
		pulse:  make(chan struct{}),
	}
}

// Enqueue adds a job to the queue for its exact label set, creating
// the queue on first use, and wakes all waiting agents.
func (m *QueueMap) Enqueue(job *Job) {
	key := LabelKey(job.Labels)

	m.mu.Lock()
	q, ok := m.queues[key]
	if !ok {
		q = &labelQueue{labels: NormalizeLabels(job.Labels)}
		m.queues[key] = q
	}
	q.jobs = append(q.jobs, job)
	m.broadcastLocked()
	m.mu.Unlock()
}

// Wait returns a channel that is closed the next time any queue
// receives a job. Callers re-arm by calling Wait again after waking.
func (m *QueueMap) Wait() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pulse
}

func (m *QueueMap) broadcastLocked() {
	close(m.pulse)
	m.pulse = make(chan struct{})
}

// TryTake removes and returns the oldest job from any queue whose
// label set is a subset of the given agent labels. Queues are scanned
// in deterministic key order. Returns nil when no matching job is
// queued.
func (m *QueueMap) TryTake(agentLabels []string) *Job {
	labelSet := make(map[string]struct{})
	for _, l := range NormalizeLabels(agentLabels) {
		labelSet[l] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.queues))
	for k := range m.queues {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		q := m.queues[k]
		if len(q.jobs) == 0 || !q.subsetOf(labelSet) {
			continue
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		return job
	}
	return nil
}

// Remove deletes a specific job from its queue, used when a queued job
// is cancelled before any agent claims it. Returns true if the job was
// still queued.
func (m *QueueMap) Remove(job *Job) bool {
	key := LabelKey(job.Labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[key]
	if !ok {
		return false
	}
	for i, queued := range q.jobs {
		if queued == job {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return true
		}
	}
	return false
}

// Depth returns the total number of queued jobs across all queues.
func (m *QueueMap) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, q := range m.queues {
		total += len(q.jobs)
	}
	return total
}

// LabelSets returns the distinct label sets that currently have
// queues, for diagnostics and capacity checks.
func (m *QueueMap) LabelSets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.queues))
	for k := range m.queues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
