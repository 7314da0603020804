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

// Package scheduler fires schedule-triggered workflows. It scans the
// workflows directory for files whose on: block declares schedule
// crons, ticks them at minute granularity and reloads when files
// change.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/foreman/pkg/token"
)

// StartFunc receives a due workflow: the file path relative to the
// workflows directory, the file content and the cron line that fired.
type StartFunc func(path string, document []byte, cron string)

// entry is one cron line of one workflow file.
type entry struct {
	path string
	cron string

	cronExpr   *CronExpr
	nextRun    time.Time
	lastRun    *time.Time
	runCount   int64
	errorCount int64
}

// Scheduler manages schedule-triggered workflow execution.
type Scheduler struct {
	mu      sync.RWMutex
	entries map[string][]*entry
	dir     string
	start   StartFunc
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	logger  *slog.Logger
}

// New creates a scheduler over the given workflows directory. An empty
// directory disables scheduling.
func New(dir string, start StartFunc, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		entries: make(map[string][]*entry),
		dir:     dir,
		start:   start,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger.With(slog.String("component", "scheduler")),
	}
}

// Reload rescans the workflows directory. Run statistics of entries
// whose file and cron line survive are preserved.
func (s *Scheduler) Reload() error {
	if s.dir == "" {
		return nil
	}

	files, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading workflows directory: %w", err)
	}

	now := time.Now()
	fresh := make(map[string][]*entry)
	for _, f := range files {
		if f.IsDir() || !isWorkflowFile(f.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			s.logger.Warn("Failed to read workflow file",
				slog.String("path", f.Name()), slog.Any("error", err))
			continue
		}
		crons, err := scheduleCrons(data)
		if err != nil {
			s.logger.Warn("Skipping workflow with unparseable schedule",
				slog.String("path", f.Name()), slog.Any("error", err))
			continue
		}
		for _, cron := range crons {
			expr, err := ParseCron(cron)
			if err != nil {
				s.logger.Warn("Skipping invalid cron line",
					slog.String("path", f.Name()),
					slog.String("cron", cron),
					slog.Any("error", err))
				continue
			}
			fresh[f.Name()] = append(fresh[f.Name()], &entry{
				path:     f.Name(),
				cron:     cron,
				cronExpr: expr,
				nextRun:  expr.Next(now),
			})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for path, entries := range fresh {
		for _, e := range entries {
			if old := findEntry(s.entries[path], e.cron); old != nil {
				e.nextRun = old.nextRun
				e.lastRun = old.lastRun
				e.runCount = old.runCount
				e.errorCount = old.errorCount
			}
		}
	}
	s.entries = fresh
	return nil
}

func findEntry(entries []*entry, cron string) *entry {
	for _, e := range entries {
		if e.cron == cron {
			return e
		}
	}
	return nil
}

func isWorkflowFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yml" || ext == ".yaml"
}

// scheduleCrons extracts the cron lines of a workflow's schedule
// trigger. Workflows without one report none.
func scheduleCrons(data []byte) ([]string, error) {
	doc, err := token.Parse(data)
	if err != nil {
		return nil, err
	}
	if _, err := doc.AsMapping(); err != nil {
		return nil, err
	}
	on, ok := doc.Get("on")
	if !ok || on.Kind() != token.KindMapping {
		return nil, nil
	}
	sched, ok := on.Get("schedule")
	if !ok {
		return nil, nil
	}
	items, err := sched.AsSequence()
	if err != nil {
		return nil, fmt.Errorf("schedule must be a list of cron entries")
	}

	var crons []string
	for _, item := range items {
		cronTok, ok := item.Get("cron")
		if !ok {
			continue
		}
		if cron, err := cronTok.AsString(); err == nil {
			crons = append(crons, cron)
		}
	}
	return crons, nil
}

// Start begins the scheduler loop and the file watcher.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	var watcher *fsnotify.Watcher
	if s.dir != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			s.logger.Warn("File watching disabled", slog.Any("error", err))
		} else if err := w.Add(s.dir); err != nil {
			s.logger.Warn("File watching disabled",
				slog.String("dir", s.dir), slog.Any("error", err))
			w.Close()
		} else {
			watcher = w
		}
	}

	go s.run(ctx, watcher)
}

// Stop stops the scheduler loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

// run is the main scheduler loop.
func (s *Scheduler) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(s.doneCh)
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher != nil {
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev := <-events:
			if !isWorkflowFile(ev.Name) {
				continue
			}
			s.logger.Debug("Workflow file changed, reloading",
				slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			if err := s.Reload(); err != nil {
				s.logger.Warn("Reload failed", slog.Any("error", err))
			}
		case err := <-watchErrs:
			s.logger.Warn("File watcher error", slog.Any("error", err))
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick fires due entries and recomputes their next run.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entries := range s.entries {
		for _, e := range entries {
			if e.nextRun.IsZero() || now.Before(e.nextRun) {
				continue
			}
			go s.fire(e.path, e.cron)
			e.nextRun = e.cronExpr.Next(now)
			fired := now
			e.lastRun = &fired
			e.runCount++
		}
	}
}

// fire reads the workflow file fresh and hands it to the start
// callback, so edits between ticks are picked up.
func (s *Scheduler) fire(path, cron string) {
	logger := s.logger.With(slog.String("path", path), slog.String("cron", cron))
	logger.Info("Triggering scheduled workflow")

	data, err := os.ReadFile(filepath.Join(s.dir, path))
	if err != nil {
		logger.Error("Failed to read workflow", slog.Any("error", err))
		s.mu.Lock()
		if e := findEntry(s.entries[path], cron); e != nil {
			e.errorCount++
		}
		s.mu.Unlock()
		return
	}

	s.start(path, data, cron)
}

// EntryStatus contains status information for one cron line.
type EntryStatus struct {
	Path       string     `json:"path"`
	Cron       string     `json:"cron"`
	NextRun    time.Time  `json:"next_run"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
}

// Status returns the status of every scheduled cron line, ordered by
// path then cron.
func (s *Scheduler) Status() []EntryStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []EntryStatus
	for _, entries := range s.entries {
		for _, e := range entries {
			result = append(result, EntryStatus{
				Path:       e.path,
				Cron:       e.cron,
				NextRun:    e.nextRun,
				LastRun:    e.lastRun,
				RunCount:   e.runCount,
				ErrorCount: e.errorCount,
			})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Path != result[j].Path {
			return result[i].Path < result[j].Path
		}
		return result[i].Cron < result[j].Cron
	})
	return result
}

// EntryCount returns the number of scheduled cron lines.
func (s *Scheduler) EntryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, entries := range s.entries {
		count += len(entries)
	}
	return count
}
