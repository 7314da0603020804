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
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTimeoutMinutes bounds a job's execution time when the
	// workflow does not set timeout-minutes.
	DefaultTimeoutMinutes = 360
	// DefaultCancelTimeoutMinutes is the grace period an agent gets to
	// wind down a cancelled job.
	DefaultCancelTimeoutMinutes = 5
)

// Job is a runnable unit handed to an agent. It is created by the
// workflow compiler when a job becomes eligible and lives until an
// agent reports a terminal result or the server synthesizes one.
type Job struct {
	ID          uuid.UUID
	RequestID   int64
	TimelineID  uuid.UUID
	Name        string
	DisplayName string

	Repo         string
	WorkflowName string
	WorkflowPath string
	EventName    string
	RunID        int64
	Attempt      int

	// Labels is the lowercased runs-on label set the job requires.
	Labels []string

	ContinueOnError      bool
	TimeoutMinutes       int
	CancelTimeoutMinutes int

	// Message builds the agent payload at delivery time so that the
	// JWT inside is minted fresh for the receiving session.
	Message *MessageBuilder

	QueuedAt time.Time

	mu        sync.Mutex
	sessionID uuid.UUID
	result    Result
	outputs   map[string]string
	errs      []string

	cancelOnce sync.Once
	cancelled  chan struct{}
	doneOnce   sync.Once
	done       chan struct{}
}

// NewJob creates a job with defaulted timeouts and normalized labels.
func NewJob(name string, labels []string) *Job {
	return &Job{
		ID:                   uuid.New(),
		TimelineID:           uuid.New(),
		Name:                 name,
		DisplayName:          name,
		Labels:               NormalizeLabels(labels),
		TimeoutMinutes:       DefaultTimeoutMinutes,
		CancelTimeoutMinutes: DefaultCancelTimeoutMinutes,
		QueuedAt:             time.Now(),
		cancelled:            make(chan struct{}),
		done:                 make(chan struct{}),
	}
}

// NormalizeLabels lowercases and trims a label set.
func NormalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// Cancel requests cancellation. Agents observing the job receive a
// cancellation message; jobs not yet claimed are completed as canceled
// by the dispatcher.
func (j *Job) Cancel() {
	j.cancelOnce.Do(func() {
		close(j.cancelled)
	})
}

// Cancelled returns a channel closed once cancellation was requested.
func (j *Job) Cancelled() <-chan struct{} {
	return j.cancelled
}

// CancelRequested reports whether Cancel was called.
func (j *Job) CancelRequested() bool {
	select {
	case <-j.cancelled:
		return true
	default:
		return false
	}
}

// Finish records the terminal result exactly once. Later calls are
// ignored so an agent result racing a timeout keeps the first outcome.
func (j *Job) Finish(result Result, outputs map[string]string) {
	j.doneOnce.Do(func() {
		j.mu.Lock()
		j.result = result
		j.outputs = outputs
		j.mu.Unlock()
		close(j.done)
	})
}

// Done returns a channel closed once the job has a terminal result.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Result returns the job's result, ResultNone while still running.
func (j *Job) Result() Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Outputs returns the outputs reported with the terminal result.
func (j *Job) Outputs() map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outputs
}

// Assign binds the job to an agent session. Returns false if the job
// is already assigned to a different live session.
func (j *Job) Assign(sessionID uuid.UUID) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.sessionID != uuid.Nil && j.sessionID != sessionID {
		return false
	}
	j.sessionID = sessionID
	return true
}

// Unassign clears the session binding, making the job eligible for
// re-dispatch.
func (j *Job) Unassign() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sessionID = uuid.Nil
}

// SessionID returns the session currently bound to the job, or
// uuid.Nil when unclaimed.
func (j *Job) SessionID() uuid.UUID {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sessionID
}

// AppendError records a server-side failure detail surfaced in job
// listings.
func (j *Job) AppendError(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errs = append(j.errs, msg)
}

// Errors returns recorded failure details.
func (j *Job) Errors() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.errs))
	copy(out, j.errs)
	return out
}

// Timeout returns the job's execution deadline duration.
func (j *Job) Timeout() time.Duration {
	minutes := j.TimeoutMinutes
	if minutes <= 0 {
		minutes = DefaultTimeoutMinutes
	}
	return time.Duration(minutes) * time.Minute
}
