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

package events

import (
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/tombee/foreman/internal/workflow"
)

func newTestBroker() *Broker {
	return NewBroker(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBrokerDeliversJobEvents(t *testing.T) {
	b := newTestBroker()
	ch, unsubscribe := b.Subscribe(Filter{})
	defer unsubscribe()

	b.JobEvent(workflow.JobView{RunID: 7, Repo: "acme/app", Name: "build"})

	ev := <-ch
	if ev.Kind != TypeJob {
		t.Fatalf("Kind = %q, want job", ev.Kind)
	}
	if ev.Job.Name != "build" || ev.Job.RunID != 7 {
		t.Errorf("Job = %+v", ev.Job)
	}
}

func TestBrokerRepoGlobFilter(t *testing.T) {
	b := newTestBroker()
	ch, unsubscribe := b.Subscribe(Filter{RepoGlob: "acme/*"})
	defer unsubscribe()

	b.JobEvent(workflow.JobView{RunID: 1, Repo: "other/app", Name: "skipme"})
	b.JobEvent(workflow.JobView{RunID: 2, Repo: "acme/app", Name: "takeme"})

	ev := <-ch
	if ev.Job.Name != "takeme" {
		t.Errorf("got %q, want the acme event only", ev.Job.Name)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestBrokerRunFilter(t *testing.T) {
	b := newTestBroker()
	ch, unsubscribe := b.Subscribe(Filter{RunID: 42})
	defer unsubscribe()

	b.WorkflowEvent(workflow.WorkflowView{RunID: 41, Repo: "acme/app", Status: "in_progress"})
	b.WorkflowEvent(workflow.WorkflowView{RunID: 42, Repo: "acme/app", Status: "in_progress"})

	ev := <-ch
	if ev.Workflow.RunID != 42 {
		t.Errorf("RunID = %d, want 42", ev.Workflow.RunID)
	}
}

func TestBrokerRemembersFinishedRuns(t *testing.T) {
	b := newTestBroker()

	if _, ok := b.Finished(9); ok {
		t.Fatal("Finished reported an unknown run")
	}

	b.WorkflowEvent(workflow.WorkflowView{RunID: 9, Status: "in_progress"})
	if _, ok := b.Finished(9); ok {
		t.Fatal("in_progress run reported as finished")
	}

	b.WorkflowEvent(workflow.WorkflowView{RunID: 9, Status: "completed", Result: "succeeded"})
	view, ok := b.Finished(9)
	if !ok {
		t.Fatal("completed run not remembered")
	}
	if view.Result != "succeeded" {
		t.Errorf("Result = %q", view.Result)
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := newTestBroker()
	ch, unsubscribe := b.Subscribe(Filter{})
	unsubscribe()
	unsubscribe()

	if b.Subscribers() != 0 {
		t.Errorf("Subscribers = %d, want 0", b.Subscribers())
	}
	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := newTestBroker()
	_, unsubscribe := b.Subscribe(Filter{})
	defer unsubscribe()

	// Nobody reads: publishing must not stall once the buffer fills.
	for i := 0; i < 200; i++ {
		b.JobEvent(workflow.JobView{RunID: int64(i), Repo: "acme/app"})
	}
}

func TestTimelineStoreAppend(t *testing.T) {
	b := newTestBroker()
	store := NewTimelineStore(b)

	ch, unsubscribe := b.Subscribe(Filter{RunID: 3})
	defer unsubscribe()

	timelineID, recordID := uuid.New(), uuid.New()
	store.Append(timelineID, recordID, 3, []string{"line one", "line two"})
	store.Append(timelineID, recordID, 3, []string{"line three"})

	lines, err := store.Lines(timelineID, recordID)
	if err != nil {
		t.Fatalf("Lines: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	if lines[2].Number != 3 || lines[2].Message != "line three" {
		t.Errorf("lines[2] = %+v", lines[2])
	}

	first := <-ch
	if first.Kind != TypeLog || first.Log.StartLine != 1 || len(first.Log.Lines) != 2 {
		t.Errorf("first event = %+v", first.Log)
	}
	second := <-ch
	if second.Log.StartLine != 3 {
		t.Errorf("second event StartLine = %d, want 3", second.Log.StartLine)
	}
}

func TestTimelineStoreUnknown(t *testing.T) {
	store := NewTimelineStore(newTestBroker())
	if _, err := store.Lines(uuid.New(), uuid.New()); err == nil {
		t.Error("Lines() error = nil, want not found")
	}
	if recs := store.Records(uuid.New()); recs != nil {
		t.Errorf("Records() = %v, want nil", recs)
	}
}
