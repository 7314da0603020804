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
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/foreman/pkg/errors"
)

// Registry tracks live jobs and agent sessions. Jobs stay listed
// after completion so run status endpoints can report them; callers
// prune them when the owning run is evicted.
type Registry struct {
	logger *slog.Logger

	mu            sync.RWMutex
	jobs          map[uuid.UUID]*Job
	timelines     map[uuid.UUID]*Job
	sessions      map[uuid.UUID]*Session
	agentSessions map[uuid.UUID]uuid.UUID

	// onExpire runs after an idle session is removed, outside the
	// registry lock.
	onExpire func(*Session)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:        logger,
		jobs:          make(map[uuid.UUID]*Job),
		timelines:     make(map[uuid.UUID]*Job),
		sessions:      make(map[uuid.UUID]*Session),
		agentSessions: make(map[uuid.UUID]uuid.UUID),
	}
}

// OnSessionExpired installs a hook that runs whenever an idle session
// is reaped. Must be set before RunExpiry starts.
func (r *Registry) OnSessionExpired(fn func(*Session)) {
	r.onExpire = fn
}

// AddJob registers a job.
func (r *Registry) AddJob(job *Job) {
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.timelines[job.TimelineID] = job
	r.mu.Unlock()
}

// JobByTimeline resolves the job owning a timeline, for log ingestion.
func (r *Registry) JobByTimeline(timelineID uuid.UUID) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.timelines[timelineID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "timeline", ID: timelineID.String()}
	}
	return job, nil
}

// GetJob looks up a job by ID.
func (r *Registry) GetJob(id uuid.UUID) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "job", ID: id.String()}
	}
	return job, nil
}

// RemoveJob forgets a job.
func (r *Registry) RemoveJob(id uuid.UUID) {
	r.mu.Lock()
	if job, ok := r.jobs[id]; ok {
		delete(r.timelines, job.TimelineID)
	}
	delete(r.jobs, id)
	r.mu.Unlock()
}

// JobFilter narrows ListJobs results. Zero values match everything.
type JobFilter struct {
	Repo  string
	RunID int64
}

// ListJobs returns jobs matching the filter, newest first.
func (r *Registry) ListJobs(filter JobFilter) []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if filter.Repo != "" && job.Repo != filter.Repo {
			continue
		}
		if filter.RunID != 0 && job.RunID != filter.RunID {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

// CreateSession opens a session for an agent. An agent may hold only
// one session at a time; a second create fails until the first is
// deleted or expires.
func (r *Registry) CreateSession(agent Agent) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agentSessions[agent.ID]; ok {
		return nil, &errors.ValidationError{
			Field:   "agent",
			Message: "agent already has an open session " + existing.String(),
		}
	}

	sess, err := NewSession(agent)
	if err != nil {
		return nil, err
	}
	r.sessions[sess.ID] = sess
	r.agentSessions[agent.ID] = sess.ID
	r.logger.Info("session created",
		slog.String("session_id", sess.ID.String()),
		slog.String("agent", agent.Name),
	)
	return sess, nil
}

// GetSession looks up a session. Unknown or expired sessions report a
// SessionExpiredError so agents know to re-establish.
func (r *Registry) GetSession(id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, &errors.SessionExpiredError{}
	}
	return sess, nil
}

// DeleteSession closes a session. Any unacknowledged message recovery
// fires so an in-flight job is not lost with the session.
func (r *Registry) DeleteSession(id uuid.UUID) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		delete(r.agentSessions, sess.Agent.ID)
	}
	r.mu.Unlock()

	if ok {
		sess.FireDrop()
		r.logger.Info("session deleted",
			slog.String("session_id", id.String()),
			slog.String("agent", sess.Agent.Name),
		)
	}
}

// Sessions returns a snapshot of live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// RunExpiry reaps idle sessions until the context is cancelled. The
// sweep interval is a fraction of the idle timeout so expiry lag stays
// small.
func (r *Registry) RunExpiry(ctx context.Context) {
	ticker := time.NewTicker(SessionIdleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.expireIdle()
		}
	}
}

func (r *Registry) expireIdle() {
	cutoff := time.Now().Add(-SessionIdleTimeout)

	r.mu.Lock()
	var expired []*Session
	for id, sess := range r.sessions {
		if sess.IdleSince().Before(cutoff) {
			delete(r.sessions, id)
			delete(r.agentSessions, sess.Agent.ID)
			expired = append(expired, sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range expired {
		r.logger.Warn("session expired",
			slog.String("session_id", sess.ID.String()),
			slog.String("agent", sess.Agent.Name),
		)
		sess.FireDrop()
		if r.onExpire != nil {
			r.onExpire(sess)
		}
	}
}
