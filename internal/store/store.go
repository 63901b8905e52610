// Package store persists the per-project agent state document and the
// conversation tables in an embedded SQLite database. The store is
// single-writer: an advisory file lock taken at open guarantees one
// orchestrator process per project database. Every mutation is written
// durably before the call returns.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"vibeforge/internal/logging"
	"vibeforge/internal/types"
)

// Store owns the in-memory state and its durable copy.
type Store struct {
	mu        sync.RWMutex
	db        *sql.DB
	lock      *flock.Flock
	projectID string
	state     *types.AgentState
}

// Open initializes (or reopens) the project database at path. A held lock
// means another orchestrator owns this project; Open fails rather than
// risking two writers.
func Open(path, projectID string) (*Store, error) {
	log := logging.Get(logging.CategoryStore)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("project %s is locked by another process", projectID)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debugw("pragma failed", "pragma", pragma, "error", err)
		}
	}

	s := &Store{db: db, lock: lock, projectID: projectID}
	if err := s.initialize(); err != nil {
		db.Close()
		lock.Unlock()
		return nil, err
	}

	if err := s.loadState(); err != nil {
		db.Close()
		lock.Unlock()
		return nil, err
	}

	log.Infow("store opened", "path", path, "project", projectID)
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_state (
		project_id TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS full_conversations (
		id TEXT PRIMARY KEY,
		messages TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS compact_conversations (
		id TEXT PRIMARY KEY,
		messages TEXT NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// loadState reads the persisted document, running it through the migration
// engine. A migrated document is written back immediately so the upgrade
// happens exactly once.
func (s *Store) loadState() error {
	log := logging.Get(logging.CategoryStore)

	var doc string
	err := s.db.QueryRow(
		"SELECT document FROM agent_state WHERE project_id = ?", s.projectID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		s.state = types.NewAgentState(s.projectID)
		return s.persistLocked(s.state)
	}
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	migrated, changed, err := Migrate([]byte(doc))
	if err != nil {
		return fmt.Errorf("migrate state: %w", err)
	}

	var state types.AgentState
	if err := json.Unmarshal(migrated, &state); err != nil {
		return fmt.Errorf("parse state: %w", err)
	}
	normalize(&state, s.projectID)
	s.state = &state

	if changed {
		log.Infow("state document migrated", "project", s.projectID)
		return s.persistLocked(s.state)
	}
	return nil
}

// normalize repairs nil collections after deserialization.
func normalize(state *types.AgentState, projectID string) {
	if state.ProjectID == "" {
		state.ProjectID = projectID
	}
	if state.GeneratedFilesMap == nil {
		state.GeneratedFilesMap = map[string]types.GeneratedFile{}
	}
	if state.GeneratedPhases == nil {
		state.GeneratedPhases = []types.Phase{}
	}
	if state.CommandsHistory == nil {
		state.CommandsHistory = []string{}
	}
	if state.PendingUserInputs == nil {
		state.PendingUserInputs = []string{}
	}
	if state.ConversationMessages == nil {
		state.ConversationMessages = []types.Message{}
	}
	if state.ProjectUpdatesAccumulator == nil {
		state.ProjectUpdatesAccumulator = []string{}
	}
	if state.CurrentDevState == "" {
		state.CurrentDevState = types.StateIdle
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
}

// Get returns a deep snapshot of the current state.
func (s *Store) Get() *types.AgentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, err := s.state.Clone()
	if err != nil {
		// Clone only fails on unmarshalable state, which cannot happen
		// for a document that round-tripped through persistence.
		logging.Get(logging.CategoryStore).Errorw("state clone failed", "error", err)
		return types.NewAgentState(s.projectID)
	}
	return snap
}

// Set replaces the state wholesale and persists it.
func (s *Store) Set(state *types.AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	normalize(state, s.projectID)
	if err := s.persistLocked(state); err != nil {
		return err
	}
	s.state = state
	return nil
}

// Mutate applies fn to a snapshot and swaps it in atomically. The durable
// write happens before the in-memory swap, so readers never observe state
// that could be lost on crash.
func (s *Store) Mutate(fn func(*types.AgentState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.state.Clone()
	if err != nil {
		return fmt.Errorf("snapshot state: %w", err)
	}
	if err := fn(next); err != nil {
		return err
	}
	normalize(next, s.projectID)
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *Store) persistLocked(state *types.AgentState) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO agent_state (project_id, document, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(project_id) DO UPDATE SET
			document = excluded.document,
			updated_at = CURRENT_TIMESTAMP`,
		s.projectID, string(doc))
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for sibling tables (conversation log).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database and the process lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}
