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

package workflow

import "sync"

// Counters issues run identity numbers. Run IDs are unique per
// repository for the life of the process; run numbers count triggers
// of one workflow file within a repository. Request IDs are process
// wide and identify a concrete dispatch attempt.
type Counters struct {
	mu         sync.Mutex
	runIDs     map[string]int64
	runNumbers map[string]int64
	requestID  int64
}

// NewCounters creates zeroed counters.
func NewCounters() *Counters {
	return &Counters{
		runIDs:     make(map[string]int64),
		runNumbers: make(map[string]int64),
	}
}

// NextRunID returns the next run ID for a repository.
func (c *Counters) NextRunID(repo string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runIDs[repo]++
	return c.runIDs[repo]
}

// NextRunNumber returns the next run number for a workflow file in a
// repository.
func (c *Counters) NextRunNumber(repo, path string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := repo + "\x00" + path
	c.runNumbers[key]++
	return c.runNumbers[key]
}

// NextRequestID returns the next process-wide dispatch request ID.
func (c *Counters) NextRequestID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestID++
	return c.requestID
}
