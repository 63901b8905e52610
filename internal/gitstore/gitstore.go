// Package gitstore implements a content-addressed version control store
// over the project's generated-files union. Blobs are addressed by the
// SHA-256 of their contents; commits chain trees of path -> blob ids. The
// store is the source of truth for generated files: after any commit or
// reset it notifies the file manager through a one-way callback registered
// at construction, which keeps the dependency graph acyclic.
package gitstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"vibeforge/internal/diff"
	"vibeforge/internal/logging"
	"vibeforge/internal/types"
)

// DefaultAuthor attributes commits made by the orchestrator.
const DefaultAuthor = "vibeforge"

// File is a path/contents pair in a tree or export.
type File struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

// ExportedObject is one entry of an export suitable for pushing to an
// external remote.
type ExportedObject struct {
	Path  string `json:"path"`
	Bytes []byte `json:"bytes"`
}

// Commit is the stored commit record.
type Commit struct {
	OID       string            `json:"oid"`
	Parent    string            `json:"parent,omitempty"`
	Tree      map[string]string `json:"tree"` // path -> blob oid
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Author    string            `json:"author"`
}

// ShowResult is the answer to a show query.
type ShowResult struct {
	Commit Commit            `json:"commit"`
	Files  []string          `json:"files"`
	Diffs  map[string]string `json:"diffs,omitempty"` // path -> unified diff
}

// Store is the in-process git store, optionally backed by the project
// database so history survives restarts.
type Store struct {
	mu          sync.RWMutex
	db          *sql.DB
	objects     map[string]string // blob oid -> contents
	commits     map[string]Commit
	head        string
	staged      map[string]string // path -> blob oid
	author      string
	initialized bool

	onFilesChanged func()
}

// New creates a store. db may be nil for a memory-only store (tests).
func New(db *sql.DB) *Store {
	return &Store{
		db:      db,
		objects: map[string]string{},
		commits: map[string]Commit{},
		staged:  map[string]string{},
		author:  DefaultAuthor,
	}
}

// SetOnFilesChangedCallback registers the sync hook invoked after commits
// and resets. The store never imports the file manager.
func (s *Store) SetOnFilesChangedCallback(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFilesChanged = fn
}

// Init prepares the store. Idempotent; reloads persisted history when a
// database is attached.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if s.db != nil {
		if err := s.initSchema(); err != nil {
			return err
		}
		if err := s.load(); err != nil {
			return err
		}
	}
	s.initialized = true
	logging.Get(logging.CategoryGit).Debugw("gitstore initialized", "head", s.head, "commits", len(s.commits))
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS git_objects (
		oid TEXT PRIMARY KEY,
		contents TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS git_commits (
		oid TEXT PRIMARY KEY,
		record TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS git_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("gitstore schema: %w", err)
	}
	return nil
}

func (s *Store) load() error {
	rows, err := s.db.Query("SELECT oid, contents FROM git_objects")
	if err != nil {
		return fmt.Errorf("load objects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var oid, contents string
		if err := rows.Scan(&oid, &contents); err != nil {
			return err
		}
		s.objects[oid] = contents
	}

	crows, err := s.db.Query("SELECT record FROM git_commits")
	if err != nil {
		return fmt.Errorf("load commits: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var record string
		if err := crows.Scan(&record); err != nil {
			return err
		}
		var c Commit
		if err := json.Unmarshal([]byte(record), &c); err != nil {
			return fmt.Errorf("parse commit: %w", err)
		}
		s.commits[c.OID] = c
	}

	err = s.db.QueryRow("SELECT value FROM git_meta WHERE key = 'HEAD'").Scan(&s.head)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("load HEAD: %w", err)
	}
	return nil
}

// Stage records files in the index without committing.
func (s *Store) Stage(files []File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return fmt.Errorf("gitstore not initialized")
	}
	for _, f := range files {
		oid := s.putBlobLocked(f.Contents)
		s.staged[f.Path] = oid
	}
	return nil
}

// CommitFiles commits files on top of HEAD. An empty file list commits
// whatever is currently staged. Returns the new commit oid; a commit whose
// tree is identical to HEAD is a no-op and returns the existing HEAD.
func (s *Store) CommitFiles(files []File, message string) (string, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return "", fmt.Errorf("gitstore not initialized")
	}

	tree := map[string]string{}
	if s.head != "" {
		for p, oid := range s.commits[s.head].Tree {
			tree[p] = oid
		}
	}
	if len(files) == 0 {
		for p, oid := range s.staged {
			tree[p] = oid
		}
	} else {
		for _, f := range files {
			tree[f.Path] = s.putBlobLocked(f.Contents)
		}
	}

	if s.head != "" && treesEqual(tree, s.commits[s.head].Tree) {
		head := s.head
		s.staged = map[string]string{}
		s.mu.Unlock()
		return head, nil
	}

	c := Commit{
		Parent:    s.head,
		Tree:      tree,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Author:    s.author,
	}
	c.OID = commitOID(c)
	s.commits[c.OID] = c
	s.head = c.OID
	s.staged = map[string]string{}

	if err := s.persistLocked(c); err != nil {
		s.mu.Unlock()
		return "", err
	}
	cb := s.onFilesChanged
	s.mu.Unlock()

	logging.Get(logging.CategoryGit).Infow("commit", "oid", c.OID[:12], "message", message, "files", len(tree))
	if cb != nil {
		cb()
	}
	return c.OID, nil
}

// DeletePaths commits a tree with the given paths removed.
func (s *Store) DeletePaths(paths []string, message string) (string, error) {
	s.mu.Lock()
	if !s.initialized || s.head == "" {
		s.mu.Unlock()
		return "", nil
	}
	tree := map[string]string{}
	for p, oid := range s.commits[s.head].Tree {
		tree[p] = oid
	}
	removed := false
	for _, p := range paths {
		if _, ok := tree[p]; ok {
			delete(tree, p)
			removed = true
		}
	}
	if !removed {
		head := s.head
		s.mu.Unlock()
		return head, nil
	}

	c := Commit{
		Parent:    s.head,
		Tree:      tree,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Author:    s.author,
	}
	c.OID = commitOID(c)
	s.commits[c.OID] = c
	s.head = c.OID
	if err := s.persistLocked(c); err != nil {
		s.mu.Unlock()
		return "", err
	}
	cb := s.onFilesChanged
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
	return c.OID, nil
}

// Log returns up to limit commits, newest first. limit <= 0 means all.
func (s *Store) Log(limit int) []types.CommitInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []types.CommitInfo{}
	for oid := s.head; oid != ""; {
		c, ok := s.commits[oid]
		if !ok {
			break
		}
		out = append(out, types.CommitInfo{
			OID:       c.OID,
			Message:   c.Message,
			Timestamp: c.Timestamp,
			Author:    c.Author,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
		oid = c.Parent
	}
	return out
}

// Show returns commit metadata, its file list, and optionally per-file
// unified diffs against the parent commit.
func (s *Store) Show(oid string, includeDiff bool) (*ShowResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commits[s.resolveLocked(oid)]
	if !ok {
		return nil, types.NewKindError(types.KindNotFound, fmt.Sprintf("commit %s", oid), nil)
	}

	files := make([]string, 0, len(c.Tree))
	for p := range c.Tree {
		files = append(files, p)
	}
	sort.Strings(files)

	res := &ShowResult{Commit: c, Files: files}
	if !includeDiff {
		return res, nil
	}

	parentTree := map[string]string{}
	if c.Parent != "" {
		if parent, ok := s.commits[c.Parent]; ok {
			parentTree = parent.Tree
		}
	}

	res.Diffs = map[string]string{}
	for p, blob := range c.Tree {
		oldContents := ""
		if oldBlob, ok := parentTree[p]; ok {
			if oldBlob == blob {
				continue
			}
			oldContents = s.objects[oldBlob]
		}
		res.Diffs[p] = diff.Unified(p, p, oldContents, s.objects[blob])
	}
	for p, oldBlob := range parentTree {
		if _, ok := c.Tree[p]; !ok {
			res.Diffs[p] = diff.Unified(p, p, s.objects[oldBlob], "")
		}
	}
	return res, nil
}

// Reset moves HEAD to oid. hard rewrites the working tree through the
// files-changed callback; this is destructive and callers must surface a
// warning before invoking it.
func (s *Store) Reset(oid string, hard bool) error {
	s.mu.Lock()
	target := s.resolveLocked(oid)
	if _, ok := s.commits[target]; !ok {
		s.mu.Unlock()
		return types.NewKindError(types.KindNotFound, fmt.Sprintf("commit %s", oid), nil)
	}
	s.head = target
	s.staged = map[string]string{}
	if err := s.persistHeadLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	cb := s.onFilesChanged
	s.mu.Unlock()

	logging.Get(logging.CategoryGit).Warnw("reset", "oid", target[:12], "hard", hard)
	if hard && cb != nil {
		cb()
	}
	return nil
}

// Head returns the current HEAD oid, "" for an empty store.
func (s *Store) Head() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// GetAllFilesFromHead enumerates the files at HEAD.
func (s *Store) GetAllFilesFromHead() []File {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.head == "" {
		return nil
	}
	c := s.commits[s.head]
	out := make([]File, 0, len(c.Tree))
	for p, oid := range c.Tree {
		out = append(out, File{Path: p, Contents: s.objects[oid]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ExportObjects returns the HEAD tree as raw objects for an external push.
func (s *Store) ExportObjects() []ExportedObject {
	files := s.GetAllFilesFromHead()
	out := make([]ExportedObject, 0, len(files))
	for _, f := range files {
		out = append(out, ExportedObject{Path: f.Path, Bytes: []byte(f.Contents)})
	}
	return out
}

// resolveLocked expands an abbreviated oid to a full one.
func (s *Store) resolveLocked(oid string) string {
	if _, ok := s.commits[oid]; ok {
		return oid
	}
	if len(oid) >= 7 {
		for full := range s.commits {
			if strings.HasPrefix(full, oid) {
				return full
			}
		}
	}
	return oid
}

func (s *Store) putBlobLocked(contents string) string {
	oid := blobOID(contents)
	if _, ok := s.objects[oid]; !ok {
		s.objects[oid] = contents
		if s.db != nil {
			if _, err := s.db.Exec(
				"INSERT OR IGNORE INTO git_objects (oid, contents) VALUES (?, ?)",
				oid, contents); err != nil {
				logging.Get(logging.CategoryGit).Warnw("persist blob failed", "error", err)
			}
		}
	}
	return oid
}

func (s *Store) persistLocked(c Commit) error {
	if s.db == nil {
		return nil
	}
	record, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("serialize commit: %w", err)
	}
	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO git_commits (oid, record) VALUES (?, ?)",
		c.OID, string(record)); err != nil {
		return fmt.Errorf("persist commit: %w", err)
	}
	return s.persistHeadLocked()
}

func (s *Store) persistHeadLocked() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec(
		`INSERT INTO git_meta (key, value) VALUES ('HEAD', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, s.head); err != nil {
		return fmt.Errorf("persist HEAD: %w", err)
	}
	return nil
}

func blobOID(contents string) string {
	sum := sha256.Sum256([]byte(contents))
	return hex.EncodeToString(sum[:])
}

// commitOID hashes the canonical commit serialization: parent, message,
// author, timestamp, and the sorted tree entries.
func commitOID(c Commit) string {
	h := sha256.New()
	fmt.Fprintf(h, "parent %s\n", c.Parent)
	fmt.Fprintf(h, "author %s %d\n", c.Author, c.Timestamp.UnixNano())
	fmt.Fprintf(h, "message %s\n", c.Message)
	paths := make([]string, 0, len(c.Tree))
	for p := range c.Tree {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(h, "%s %s\n", c.Tree[p], p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func treesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
