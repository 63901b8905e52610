// Package files merges template files with generated files into the union
// view the rest of the system works against. Generated files win on path
// collision. The manager computes per-file unified diffs on save and keeps
// the state document in lockstep with the git store through syncFromHead.
package files

import (
	"fmt"
	"sort"
	"time"

	"vibeforge/internal/diff"
	"vibeforge/internal/gitstore"
	"vibeforge/internal/logging"
	"vibeforge/internal/store"
	"vibeforge/internal/types"
)

// redactedPlaceholder replaces file bodies excluded from prompts.
const redactedPlaceholder = "[redacted]"

// Manager owns the template/generated union.
type Manager struct {
	store    *store.Store
	git      *gitstore.Store
	template *types.TemplateDetails
}

// NewManager wires the manager and registers the git sync callback. The
// callback is the only edge from gitstore back into this package.
func NewManager(st *store.Store, git *gitstore.Store, template *types.TemplateDetails) *Manager {
	m := &Manager{store: st, git: git, template: template}
	git.SetOnFilesChangedCallback(func() {
		if err := m.SyncFromHead(); err != nil {
			logging.Get(logging.CategoryFiles).Errorw("sync from head failed", "error", err)
		}
	})
	return m
}

// SetTemplate replaces the cached template details (lazy reconstruction
// after a migration dropped the inlined blob).
func (m *Manager) SetTemplate(t *types.TemplateDetails) { m.template = t }

// Template returns the cached template details, possibly nil.
func (m *Manager) Template() *types.TemplateDetails { return m.template }

// GetAllFiles returns the full union: every template file plus every
// generated file, with generated contents winning on collision.
func (m *Manager) GetAllFiles() []types.GeneratedFile {
	byPath := map[string]types.GeneratedFile{}
	if m.template != nil {
		for _, tf := range m.template.AllFiles {
			byPath[tf.Path] = types.GeneratedFile{Path: tf.Path, Contents: tf.Contents}
		}
	}
	for path, gf := range m.store.Get().GeneratedFilesMap {
		byPath[path] = gf
	}
	return sorted(byPath)
}

// GetAllRelevantFiles returns the important template files plus all
// generated files. When redact is true the bodies of redacted template
// files are replaced with a placeholder.
func (m *Manager) GetAllRelevantFiles(redact bool) []types.GeneratedFile {
	byPath := map[string]types.GeneratedFile{}
	if m.template != nil {
		important := map[string]bool{}
		for _, p := range m.template.ImportantFiles {
			important[p] = true
		}
		redacted := map[string]bool{}
		for _, p := range m.template.RedactedFiles {
			redacted[p] = true
		}
		for _, tf := range m.template.AllFiles {
			if !important[tf.Path] {
				continue
			}
			contents := tf.Contents
			if redact && redacted[tf.Path] {
				contents = redactedPlaceholder
			}
			byPath[tf.Path] = types.GeneratedFile{Path: tf.Path, Contents: contents}
		}
	}
	for path, gf := range m.store.Get().GeneratedFilesMap {
		byPath[path] = gf
	}
	return sorted(byPath)
}

// GetFile returns the union entry for path, generated first then template.
func (m *Manager) GetFile(path string) (types.GeneratedFile, bool) {
	if gf, ok := m.store.Get().GeneratedFilesMap[path]; ok {
		return gf, true
	}
	if m.template != nil {
		for _, tf := range m.template.AllFiles {
			if tf.Path == path {
				return types.GeneratedFile{Path: tf.Path, Contents: tf.Contents}, true
			}
		}
	}
	return types.GeneratedFile{}, false
}

// SaveGeneratedFiles records files in the state document with a fresh
// lastDiff each, then stages them or commits them depending on whether a
// commit message was supplied. Saving identical contents is a no-op both in
// the diff and in the git store.
func (m *Manager) SaveGeneratedFiles(incoming []types.GeneratedFile, commitMessage string) error {
	if len(incoming) == 0 {
		return nil
	}
	log := logging.Get(logging.CategoryFiles)

	now := time.Now().UnixMilli()
	err := m.store.Mutate(func(s *types.AgentState) error {
		for _, f := range incoming {
			base := ""
			if prior, ok := s.GeneratedFilesMap[f.Path]; ok {
				base = prior.Contents
				if f.Purpose == "" {
					f.Purpose = prior.Purpose
				}
			} else {
				base = m.templateContents(f.Path)
			}
			f.LastDiff = diff.Unified(f.Path, f.Path, base, f.Contents)
			f.LastModified = now
			s.GeneratedFilesMap[f.Path] = f
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save generated files: %w", err)
	}

	gitFiles := make([]gitstore.File, 0, len(incoming))
	for _, f := range incoming {
		gitFiles = append(gitFiles, gitstore.File{Path: f.Path, Contents: f.Contents})
	}
	if commitMessage == "" {
		return m.git.Stage(gitFiles)
	}
	oid, err := m.git.CommitFiles(gitFiles, commitMessage)
	if err != nil {
		return fmt.Errorf("commit generated files: %w", err)
	}
	log.Infow("files saved", "count", len(incoming), "commit", short(oid))
	return nil
}

// DeleteFiles removes paths from the state document and commits the
// removal. Sandbox-side deletion is the caller's responsibility.
func (m *Manager) DeleteFiles(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	err := m.store.Mutate(func(s *types.AgentState) error {
		for _, p := range paths {
			delete(s.GeneratedFilesMap, p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete files: %w", err)
	}
	_, err = m.git.DeletePaths(paths, fmt.Sprintf("Delete %d file(s)", len(paths)))
	return err
}

// SyncFromHead rebuilds generatedFilesMap from the git HEAD tree. Purpose
// annotations survive the rebuild; paths absent from HEAD are dropped.
func (m *Manager) SyncFromHead() error {
	head := m.git.GetAllFilesFromHead()
	return m.store.Mutate(func(s *types.AgentState) error {
		prior := s.GeneratedFilesMap
		next := make(map[string]types.GeneratedFile, len(head))
		for _, f := range head {
			gf := types.GeneratedFile{Path: f.Path, Contents: f.Contents}
			if p, ok := prior[f.Path]; ok {
				gf.Purpose = p.Purpose
				gf.LastDiff = p.LastDiff
				gf.LastModified = p.LastModified
			}
			next[f.Path] = gf
		}
		s.GeneratedFilesMap = next
		return nil
	})
}

func (m *Manager) templateContents(path string) string {
	if m.template == nil {
		return ""
	}
	for _, tf := range m.template.AllFiles {
		if tf.Path == path {
			return tf.Contents
		}
	}
	return ""
}

func sorted(byPath map[string]types.GeneratedFile) []types.GeneratedFile {
	out := make([]types.GeneratedFile, 0, len(byPath))
	for _, f := range byPath {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func short(oid string) string {
	if len(oid) > 12 {
		return oid[:12]
	}
	return oid
}
