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

// Package agents persists the agent roster. Registrations survive
// daemon restarts so capacity checks and job routing keep working
// while agents reconnect.
package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/foreman/internal/dispatch"
	"github.com/tombee/foreman/pkg/errors"
)

// Registration is a persistent agent record.
type Registration struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Labels    []string  `json:"labels"`
	Ephemeral bool      `json:"ephemeral"`
	CreatedAt time.Time `json:"createdAt"`
}

// Agent returns the runtime view sessions carry.
func (r *Registration) Agent() dispatch.Agent {
	return dispatch.Agent{
		ID:        r.ID,
		Name:      r.Name,
		Labels:    r.Labels,
		Ephemeral: r.Ephemeral,
	}
}

// Store is a SQLite-backed agent roster. It also answers capacity
// queries for the workflow compiler, from an in-memory index kept in
// step with the database.
type Store struct {
	db *sql.DB

	mu     sync.RWMutex
	labels map[uuid.UUID][]string
}

// Config contains store configuration.
type Config struct {
	// Path is the database file path.
	Path string
}

// New opens the roster database, running migrations as needed.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so a single connection avoids lock
	// contention.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, labels: make(map[uuid.UUID][]string)}

	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := s.loadIndex(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load agent index: %w", err)
	}

	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			labels TEXT NOT NULL,
			ephemeral INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_name ON agents(name)`,
	}
	for i, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}

func (s *Store) loadIndex(ctx context.Context) error {
	regs, err := s.List(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reg := range regs {
		s.labels[reg.ID] = dispatch.NormalizeLabels(reg.Labels)
	}
	return nil
}

// Close closes the roster database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Register creates or replaces an agent registration. Re-registering
// an existing name keeps its ID and overwrites labels.
func (s *Store) Register(ctx context.Context, name string, labels []string, ephemeral bool) (*Registration, error) {
	if name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "agent name is required"}
	}
	if len(labels) == 0 {
		return nil, &errors.ValidationError{Field: "labels", Message: "at least one label is required"}
	}

	reg := &Registration{
		ID:        uuid.New(),
		Name:      name,
		Labels:    labels,
		Ephemeral: ephemeral,
		CreatedAt: time.Now().UTC(),
	}

	// Keep the existing ID when the name is already registered.
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM agents WHERE name = ?`, name).Scan(&existing)
	switch {
	case err == nil:
		id, parseErr := uuid.Parse(existing)
		if parseErr != nil {
			return nil, fmt.Errorf("corrupt agent id %q: %w", existing, parseErr)
		}
		reg.ID = id
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("failed to query agent: %w", err)
	}

	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return nil, fmt.Errorf("failed to encode labels: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, labels, ephemeral, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET labels=excluded.labels, ephemeral=excluded.ephemeral`,
		reg.ID.String(), reg.Name, string(labelsJSON), boolToInt(reg.Ephemeral), reg.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}

	s.mu.Lock()
	s.labels[reg.ID] = dispatch.NormalizeLabels(labels)
	s.mu.Unlock()

	return reg, nil
}

// Get returns the registration for an agent ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Registration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, labels, ephemeral, created_at FROM agents WHERE id = ?`, id.String())
	reg, err := scanRegistration(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "agent", ID: id.String()}
	}
	return reg, err
}

// List returns every registration, ordered by name.
func (s *Store) List(ctx context.Context) ([]*Registration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, labels, ephemeral, created_at FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var regs []*Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// Delete removes a registration.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &errors.NotFoundError{Resource: "agent", ID: id.String()}
	}

	s.mu.Lock()
	delete(s.labels, id)
	s.mu.Unlock()

	return nil
}

// Covers reports whether any registered agent's labels are a superset
// of the requested set.
func (s *Store) Covers(labels []string) bool {
	want := dispatch.NormalizeLabels(labels)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, have := range s.labels {
		if subset(want, have) {
			return true
		}
	}
	return false
}

// Available returns the label set of every registered agent, for
// capacity error messages.
func (s *Store) Available() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sets := make([]string, 0, len(s.labels))
	for _, have := range s.labels {
		sets = append(sets, dispatch.LabelKey(have))
	}
	sort.Strings(sets)
	return sets
}

func subset(want, have []string) bool {
	haveSet := make(map[string]struct{}, len(have))
	for _, l := range have {
		haveSet[l] = struct{}{}
	}
	for _, l := range want {
		if _, ok := haveSet[l]; !ok {
			return false
		}
	}
	return true
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*Registration, error) {
	var (
		idStr      string
		name       string
		labelsJSON string
		ephemeral  int
		createdAt  string
	)
	if err := row.Scan(&idStr, &name, &labelsJSON, &ephemeral, &createdAt); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt agent id %q: %w", idStr, err)
	}
	var labels []string
	if err := json.Unmarshal([]byte(labelsJSON), &labels); err != nil {
		return nil, fmt.Errorf("corrupt agent labels: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt agent timestamp: %w", err)
	}

	return &Registration{
		ID:        id,
		Name:      name,
		Labels:    labels,
		Ephemeral: ephemeral != 0,
		CreatedAt: created,
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
