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

// Package events fans workflow and job state changes plus live log
// lines out to streaming watchers.
package events

import (
	"log/slog"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/foreman/internal/workflow"
)

// Type discriminates stream events.
type Type string

const (
	TypeJob      Type = "job"
	TypeWorkflow Type = "workflow"
	TypeLog      Type = "log"
)

// Event is one stream entry. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind     Type                   `json:"kind"`
	Job      *workflow.JobView      `json:"job,omitempty"`
	Workflow *workflow.WorkflowView `json:"workflow,omitempty"`
	Log      *LogEvent              `json:"log,omitempty"`
}

// Filter narrows a subscription. Zero values pass everything.
type Filter struct {
	// RepoGlob matches the repository full name with ** globs.
	RepoGlob string
	// RunID restricts to one workflow run.
	RunID int64
}

func (f Filter) admits(ev Event) bool {
	repo := ""
	runID := int64(0)
	switch ev.Kind {
	case TypeJob:
		repo, runID = ev.Job.Repo, ev.Job.RunID
	case TypeWorkflow:
		repo, runID = ev.Workflow.Repo, ev.Workflow.RunID
	case TypeLog:
		runID = ev.Log.RunID
	}
	if f.RunID != 0 && runID != f.RunID {
		return false
	}
	if f.RepoGlob != "" && ev.Kind != TypeLog {
		matched, err := doublestar.Match(f.RepoGlob, repo)
		if err != nil || !matched {
			return false
		}
	}
	return true
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Broker distributes events to subscribers. Slow subscribers drop
// events rather than stall publishers.
type Broker struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64

	// finished keeps the terminal workflow event per run so status
	// polls can read it after the run left the live table.
	finished map[int64]workflow.WorkflowView
}

func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:   logger,
		subs:     make(map[int64]*subscriber),
		finished: make(map[int64]workflow.WorkflowView),
	}
}

// Subscribe registers a watcher. The returned channel is closed by
// the unsubscribe function and never by the broker.
func (b *Broker) Subscribe(filter Filter) (<-chan Event, func()) {
	sub := &subscriber{
		ch:     make(chan Event, 64),
		filter: filter,
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	once := sync.Once{}
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, unsubscribe
}

func (b *Broker) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.admits(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Debug("event subscriber lagging, dropping event",
				slog.String("kind", string(ev.Kind)),
			)
		}
	}
}

// JobEvent implements the compiler's event sink.
func (b *Broker) JobEvent(view workflow.JobView) {
	b.publish(Event{Kind: TypeJob, Job: &view})
}

// WorkflowEvent implements the compiler's event sink. Completed runs
// are remembered for later status polls.
func (b *Broker) WorkflowEvent(view workflow.WorkflowView) {
	if view.Status == "completed" {
		b.mu.Lock()
		b.finished[view.RunID] = view
		b.mu.Unlock()
	}
	b.publish(Event{Kind: TypeWorkflow, Workflow: &view})
}

// LogEvent publishes appended log lines.
func (b *Broker) publishLog(ev LogEvent) {
	b.publish(Event{Kind: TypeLog, Log: &ev})
}

// Finished returns the terminal workflow event for a run, if the run
// has completed.
func (b *Broker) Finished(runID int64) (workflow.WorkflowView, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	view, ok := b.finished[runID]
	return view, ok
}

// Subscribers reports the current watcher count.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
