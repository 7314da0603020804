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
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionIdleTimeout is how long a session survives without a poll
// from its agent before the server expires it.
const SessionIdleTimeout = 60 * time.Second

// Agent is the runtime view of a registered agent. The persistent
// registration record lives in the agent store; sessions carry this
// snapshot so dispatch decisions do not hit the database.
type Agent struct {
	ID        uuid.UUID
	Name      string
	Labels    []string
	Ephemeral bool
}

// Session is a live long-poll channel to one agent. Messages to the
// agent are encrypted with the session key negotiated at creation.
type Session struct {
	ID        uuid.UUID
	Agent     Agent
	Key       []byte
	CreatedAt time.Time

	mu        sync.Mutex
	job       *Job
	drop      func()
	messageID int64
	lastSeen  time.Time
}

// NewSession creates a session for an agent with a fresh AES key.
func NewSession(agent Agent) (*Session, error) {
	key, err := NewSessionKey()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Session{
		ID:        uuid.New(),
		Agent:     agent,
		Key:       key,
		CreatedAt: now,
		lastSeen:  now,
	}, nil
}

// Touch records agent activity, deferring idle expiry.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// IdleSince returns the time of the last agent activity.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// NextMessageID returns a session-scoped monotonically increasing
// message ID.
func (s *Session) NextMessageID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageID++
	return s.messageID
}

// SetJob binds the job currently delivered on this session.
func (s *Session) SetJob(job *Job) {
	s.mu.Lock()
	s.job = job
	s.mu.Unlock()
}

// Job returns the job currently delivered on this session, if any.
func (s *Session) Job() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

// ClearJob unbinds the delivered job.
func (s *Session) ClearJob() {
	s.mu.Lock()
	s.job = nil
	s.mu.Unlock()
}

// ArmDrop installs a recovery function that re-dispatches the
// in-flight message if the agent never acknowledges it. The previous
// arm, if any, is replaced.
func (s *Session) ArmDrop(fn func()) {
	s.mu.Lock()
	s.drop = fn
	s.mu.Unlock()
}

// FireDrop runs and clears the armed recovery function. Called when
// the agent polls again without acknowledging, or when the session
// expires.
func (s *Session) FireDrop() {
	s.mu.Lock()
	fn := s.drop
	s.drop = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// DisarmDrop clears the recovery function without running it. Called
// when the agent acknowledges the message.
func (s *Session) DisarmDrop() {
	s.mu.Lock()
	s.drop = nil
	s.mu.Unlock()
}
