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
	"sync"

	"github.com/google/uuid"

	"github.com/tombee/foreman/pkg/errors"
)

// LogLine is one numbered console line within a timeline record.
type LogLine struct {
	Number  int64  `json:"lineNumber"`
	Message string `json:"line"`
}

// LogEvent carries freshly appended lines to stream watchers.
type LogEvent struct {
	TimelineID uuid.UUID `json:"timelineId"`
	RecordID   uuid.UUID `json:"recordId"`
	RunID      int64     `json:"runId"`
	StartLine  int64     `json:"startLine"`
	Lines      []LogLine `json:"lines"`
}

type timelineRecord struct {
	id    uuid.UUID
	lines []LogLine
}

type timeline struct {
	runID   int64
	records map[uuid.UUID]*timelineRecord
	order   []uuid.UUID
}

// TimelineStore keeps agent console logs in memory, keyed by the
// timeline and record GUIDs of the job message, and fans appended
// lines out through the broker. Logs live as long as the process.
type TimelineStore struct {
	broker *Broker

	mu        sync.RWMutex
	timelines map[uuid.UUID]*timeline
}

func NewTimelineStore(broker *Broker) *TimelineStore {
	return &TimelineStore{
		broker:    broker,
		timelines: make(map[uuid.UUID]*timeline),
	}
}

// Append stores console lines for a timeline record and publishes
// them. Line numbers continue from the record's current tail.
func (s *TimelineStore) Append(timelineID, recordID uuid.UUID, runID int64, lines []string) LogEvent {
	s.mu.Lock()
	tl, ok := s.timelines[timelineID]
	if !ok {
		tl = &timeline{runID: runID, records: make(map[uuid.UUID]*timelineRecord)}
		s.timelines[timelineID] = tl
	}
	rec, ok := tl.records[recordID]
	if !ok {
		rec = &timelineRecord{id: recordID}
		tl.records[recordID] = rec
		tl.order = append(tl.order, recordID)
	}

	start := int64(len(rec.lines)) + 1
	appended := make([]LogLine, 0, len(lines))
	for i, line := range lines {
		appended = append(appended, LogLine{Number: start + int64(i), Message: line})
	}
	rec.lines = append(rec.lines, appended...)
	s.mu.Unlock()

	ev := LogEvent{
		TimelineID: timelineID,
		RecordID:   recordID,
		RunID:      runID,
		StartLine:  start,
		Lines:      appended,
	}
	s.broker.publishLog(ev)
	return ev
}

// Lines returns the stored console lines of one record.
func (s *TimelineStore) Lines(timelineID, recordID uuid.UUID) ([]LogLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl, ok := s.timelines[timelineID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "timeline", ID: timelineID.String()}
	}
	rec, ok := tl.records[recordID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "timeline record", ID: recordID.String()}
	}
	return append([]LogLine(nil), rec.lines...), nil
}

// Records lists a timeline's record IDs in first-seen order.
func (s *TimelineStore) Records(timelineID uuid.UUID) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl, ok := s.timelines[timelineID]
	if !ok {
		return nil
	}
	return append([]uuid.UUID(nil), tl.order...)
}
