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
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *Registry, *Hub) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := NewRegistry(logger)
	queues := NewQueueMap()
	hub := NewHub()
	c := NewCoordinator(logger, registry, queues, hub)
	c.pollBound = 200 * time.Millisecond
	c.settleDelay = time.Millisecond
	return c, registry, hub
}

func newTestJob(name string, labels []string) *Job {
	job := NewJob(name, labels)
	job.Repo = "acme/app"
	job.RunID = 1
	job.Message = &MessageBuilder{
		Definition:  map[string]interface{}{"steps": []interface{}{}},
		TokenSecret: []byte("test-secret"),
	}
	return job
}

func newTestSession(t *testing.T, registry *Registry, labels []string) *Session {
	t.Helper()
	sess, err := registry.CreateSession(Agent{
		ID:     uuid.New(),
		Name:   "agent-1",
		Labels: labels,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func TestDispatchDelivery(t *testing.T) {
	c, registry, _ := newTestCoordinator(t)
	sess := newTestSession(t, registry, []string{"self-hosted", "linux"})

	job := newTestJob("build", []string{"linux"})
	c.Enqueue(job)

	env, err := c.GetMessage(context.Background(), sess.ID, "http://localhost:8080")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if env == nil {
		t.Fatal("expected a message, got empty poll")
	}
	if env.MessageType != MessageTypeJobRequest {
		t.Fatalf("MessageType = %q", env.MessageType)
	}

	body, err := Open(sess.Key, env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var msg JobRequestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.JobID != job.ID {
		t.Errorf("JobID = %v, want %v", msg.JobID, job.ID)
	}
	if msg.System.URL != "http://localhost:8080" {
		t.Errorf("System.URL = %q", msg.System.URL)
	}
	if msg.System.Token == "" {
		t.Error("missing callback token")
	}

	gotJob, err := VerifyJobToken([]byte("test-secret"), msg.System.Token)
	if err != nil {
		t.Fatalf("VerifyJobToken: %v", err)
	}
	if gotJob != job.ID {
		t.Errorf("token job = %v, want %v", gotJob, job.ID)
	}
}

func TestEmptyPollReturnsNil(t *testing.T) {
	c, registry, _ := newTestCoordinator(t)
	sess := newTestSession(t, registry, []string{"linux"})

	start := time.Now()
	env, err := c.GetMessage(context.Background(), sess.ID, "http://localhost")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if env != nil {
		t.Fatal("expected empty poll")
	}
	if time.Since(start) < c.pollBound {
		t.Error("poll returned before the bound elapsed")
	}
}

func TestUnknownSession(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	if _, err := c.GetMessage(context.Background(), uuid.New(), "http://localhost"); err == nil {
		t.Fatal("expected session error")
	}
}

func TestLabelMismatchNotDelivered(t *testing.T) {
	c, registry, _ := newTestCoordinator(t)
	sess := newTestSession(t, registry, []string{"linux"})

	c.Enqueue(newTestJob("build", []string{"linux", "gpu"}))

	env, err := c.GetMessage(context.Background(), sess.ID, "http://localhost")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if env != nil {
		t.Fatal("job requiring gpu was delivered to a linux-only agent")
	}
}

func TestUnackedMessageRedelivered(t *testing.T) {
	c, registry, _ := newTestCoordinator(t)
	sess := newTestSession(t, registry, []string{"linux"})

	job := newTestJob("build", []string{"linux"})
	c.Enqueue(job)

	first, err := c.GetMessage(context.Background(), sess.ID, "http://localhost")
	if err != nil || first == nil {
		t.Fatalf("first poll: env=%v err=%v", first, err)
	}

	// Poll again without acknowledging: the message must come back.
	second, err := c.GetMessage(context.Background(), sess.ID, "http://localhost")
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if second == nil {
		t.Fatal("unacknowledged job was not redelivered")
	}
	if second.MessageID == first.MessageID {
		t.Error("redelivered message reused the message ID")
	}
}

func TestAckStopsRedelivery(t *testing.T) {
	c, registry, _ := newTestCoordinator(t)
	sess := newTestSession(t, registry, []string{"linux"})

	job := newTestJob("build", []string{"linux"})
	c.Enqueue(job)

	env, err := c.GetMessage(context.Background(), sess.ID, "http://localhost")
	if err != nil || env == nil {
		t.Fatalf("poll: env=%v err=%v", env, err)
	}
	if err := c.AckMessage(sess.ID, env.MessageID); err != nil {
		t.Fatalf("AckMessage: %v", err)
	}

	// With the job assigned and acknowledged the next poll waits for
	// job state changes instead of redelivering.
	env, err = c.GetMessage(context.Background(), sess.ID, "http://localhost")
	if err != nil {
		t.Fatalf("poll after ack: %v", err)
	}
	if env != nil {
		t.Fatalf("unexpected redelivery after ack: %v", env.MessageType)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	c, _, hub := newTestCoordinator(t)

	var mu sync.Mutex
	var events []*CompletionEvent
	unsubscribe := hub.Subscribe(func(ev *CompletionEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer unsubscribe()

	job := newTestJob("build", []string{"linux"})
	c.Enqueue(job)

	if err := c.CancelJob(job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if job.Result() != ResultCanceled {
		t.Errorf("Result = %v, want canceled", job.Result())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].Result != ResultCanceled {
		t.Errorf("events = %+v", events)
	}
}

func TestCancelClaimedJobSendsCancelMessage(t *testing.T) {
	c, registry, _ := newTestCoordinator(t)
	sess := newTestSession(t, registry, []string{"linux"})

	job := newTestJob("build", []string{"linux"})
	job.CancelTimeoutMinutes = 7
	c.Enqueue(job)

	env, err := c.GetMessage(context.Background(), sess.ID, "http://localhost")
	if err != nil || env == nil {
		t.Fatalf("poll: env=%v err=%v", env, err)
	}
	if err := c.AckMessage(sess.ID, env.MessageID); err != nil {
		t.Fatalf("AckMessage: %v", err)
	}

	if err := c.CancelJob(job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	env, err = c.GetMessage(context.Background(), sess.ID, "http://localhost")
	if err != nil {
		t.Fatalf("poll after cancel: %v", err)
	}
	if env == nil || env.MessageType != MessageTypeJobCancel {
		t.Fatalf("expected cancel message, got %+v", env)
	}

	body, err := Open(sess.Key, env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var msg JobCancelMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.TimeoutMinutes != 7 {
		t.Errorf("TimeoutMinutes = %d, want 7", msg.TimeoutMinutes)
	}
}

func TestCompletionClearsAssignedJob(t *testing.T) {
	c, registry, _ := newTestCoordinator(t)
	sess := newTestSession(t, registry, []string{"linux"})

	job := newTestJob("build", []string{"linux"})
	c.Enqueue(job)

	env, err := c.GetMessage(context.Background(), sess.ID, "http://localhost")
	if err != nil || env == nil {
		t.Fatalf("poll: env=%v err=%v", env, err)
	}
	if err := c.AckMessage(sess.ID, env.MessageID); err != nil {
		t.Fatalf("AckMessage: %v", err)
	}

	c.Complete(job, ResultSucceeded, map[string]string{"artifact": "app.tgz"})

	env, err = c.GetMessage(context.Background(), sess.ID, "http://localhost")
	if err != nil {
		t.Fatalf("poll after completion: %v", err)
	}
	if env != nil {
		t.Fatal("expected empty poll after completion")
	}
	if sess.Job() != nil {
		t.Error("session still holds the finished job")
	}
}

func TestEphemeralAgentDeregisteredAfterJob(t *testing.T) {
	c, registry, _ := newTestCoordinator(t)
	sess, err := registry.CreateSession(Agent{
		ID:        uuid.New(),
		Name:      "once",
		Labels:    []string{"linux"},
		Ephemeral: true,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var removed uuid.UUID
	c.OnEphemeralDone(func(agentID uuid.UUID) { removed = agentID })

	job := newTestJob("build", []string{"linux"})
	c.Enqueue(job)

	env, err := c.GetMessage(context.Background(), sess.ID, "http://localhost")
	if err != nil || env == nil {
		t.Fatalf("poll: env=%v err=%v", env, err)
	}
	if err := c.AckMessage(sess.ID, env.MessageID); err != nil {
		t.Fatalf("AckMessage: %v", err)
	}
	c.Complete(job, ResultSucceeded, nil)

	if _, err := c.GetMessage(context.Background(), sess.ID, "http://localhost"); err != nil {
		t.Fatalf("final poll: %v", err)
	}

	if removed != sess.Agent.ID {
		t.Error("ephemeral agent was not deregistered")
	}
	if _, err := registry.GetSession(sess.ID); err == nil {
		t.Error("ephemeral session survived job completion")
	}
}

func TestExpiredSessionAbandonsRunningJob(t *testing.T) {
	c, registry, hub := newTestCoordinator(t)
	sess := newTestSession(t, registry, []string{"linux"})

	var mu sync.Mutex
	var last *CompletionEvent
	defer hub.Subscribe(func(ev *CompletionEvent) {
		mu.Lock()
		last = ev
		mu.Unlock()
	})()

	job := newTestJob("build", []string{"linux"})
	c.Enqueue(job)

	env, err := c.GetMessage(context.Background(), sess.ID, "http://localhost")
	if err != nil || env == nil {
		t.Fatalf("poll: env=%v err=%v", env, err)
	}
	if err := c.AckMessage(sess.ID, env.MessageID); err != nil {
		t.Fatalf("AckMessage: %v", err)
	}

	sess.mu.Lock()
	sess.lastSeen = time.Now().Add(-2 * SessionIdleTimeout)
	sess.mu.Unlock()
	registry.expireIdle()

	if job.Result() != ResultAbandoned {
		t.Errorf("Result = %v, want abandoned", job.Result())
	}
	mu.Lock()
	defer mu.Unlock()
	if last == nil || last.Result != ResultAbandoned {
		t.Errorf("completion event = %+v", last)
	}
}

func TestExpiredSessionRequeuesUnackedJob(t *testing.T) {
	c, registry, _ := newTestCoordinator(t)
	sess := newTestSession(t, registry, []string{"linux"})

	job := newTestJob("build", []string{"linux"})
	c.Enqueue(job)

	if env, err := c.GetMessage(context.Background(), sess.ID, "http://localhost"); err != nil || env == nil {
		t.Fatalf("poll: env=%v err=%v", env, err)
	}

	sess.mu.Lock()
	sess.lastSeen = time.Now().Add(-2 * SessionIdleTimeout)
	sess.mu.Unlock()
	registry.expireIdle()

	if job.Result().Terminal() {
		t.Fatalf("unacked job was finished: %v", job.Result())
	}

	other := newTestSession(t, registry, []string{"linux"})
	env, err := c.GetMessage(context.Background(), other.ID, "http://localhost")
	if err != nil {
		t.Fatalf("poll from second agent: %v", err)
	}
	if env == nil {
		t.Fatal("requeued job was not delivered to the next agent")
	}
}
