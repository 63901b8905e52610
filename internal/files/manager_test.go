package files

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibeforge/internal/gitstore"
	"vibeforge/internal/store"
	"vibeforge/internal/types"
)

func testTemplate() *types.TemplateDetails {
	return &types.TemplateDetails{
		Name: "vite-react",
		AllFiles: []types.TemplateFile{
			{Path: "package.json", Contents: `{"name": "template"}`},
			{Path: "src/main.tsx", Contents: "render()"},
			{Path: ".env", Contents: "SECRET=abc"},
		},
		ImportantFiles: []string{"package.json", ".env"},
		RedactedFiles:  []string{".env"},
	}
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *gitstore.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), "proj-files")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	git := gitstore.New(nil)
	require.NoError(t, git.Init())
	return NewManager(st, git, testTemplate()), st, git
}

func TestGetAllFilesGeneratedWins(t *testing.T) {
	m, st, _ := newTestManager(t)
	require.NoError(t, st.Mutate(func(s *types.AgentState) error {
		s.GeneratedFilesMap["src/main.tsx"] = types.GeneratedFile{
			Path: "src/main.tsx", Contents: "generated()",
		}
		s.GeneratedFilesMap["src/new.tsx"] = types.GeneratedFile{
			Path: "src/new.tsx", Contents: "added",
		}
		return nil
	}))

	all := m.GetAllFiles()
	byPath := map[string]string{}
	for _, f := range all {
		byPath[f.Path] = f.Contents
	}
	assert.Equal(t, "generated()", byPath["src/main.tsx"], "generated contents win on collision")
	assert.Equal(t, "added", byPath["src/new.tsx"])
	assert.Contains(t, byPath, "package.json")

	// Sorted by path.
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Path, all[i].Path)
	}
}

func TestGetAllRelevantFilesRedaction(t *testing.T) {
	m, _, _ := newTestManager(t)

	relevant := m.GetAllRelevantFiles(true)
	byPath := map[string]string{}
	for _, f := range relevant {
		byPath[f.Path] = f.Contents
	}
	assert.Equal(t, redactedPlaceholder, byPath[".env"])
	assert.Equal(t, `{"name": "template"}`, byPath["package.json"])
	assert.NotContains(t, byPath, "src/main.tsx", "non-important template files are omitted")

	unredacted := m.GetAllRelevantFiles(false)
	for _, f := range unredacted {
		if f.Path == ".env" {
			assert.Equal(t, "SECRET=abc", f.Contents)
		}
	}
}

func TestGetFilePrecedence(t *testing.T) {
	m, st, _ := newTestManager(t)

	f, ok := m.GetFile("src/main.tsx")
	require.True(t, ok)
	assert.Equal(t, "render()", f.Contents)

	require.NoError(t, st.Mutate(func(s *types.AgentState) error {
		s.GeneratedFilesMap["src/main.tsx"] = types.GeneratedFile{Path: "src/main.tsx", Contents: "mine"}
		return nil
	}))
	f, ok = m.GetFile("src/main.tsx")
	require.True(t, ok)
	assert.Equal(t, "mine", f.Contents)

	_, ok = m.GetFile("nope.ts")
	assert.False(t, ok)
}

func TestSaveGeneratedFilesCommitsAndDiffs(t *testing.T) {
	m, st, git := newTestManager(t)

	require.NoError(t, m.SaveGeneratedFiles([]types.GeneratedFile{
		{Path: "src/app.tsx", Contents: "v1\n", Purpose: "App shell"},
	}, "Add app"))

	state := st.Get()
	saved := state.GeneratedFilesMap["src/app.tsx"]
	assert.Equal(t, "v1\n", saved.Contents)
	assert.Equal(t, "App shell", saved.Purpose)
	assert.NotEmpty(t, saved.LastDiff)
	assert.NotZero(t, saved.LastModified)
	require.NotEmpty(t, git.Head())

	head := git.Head()
	require.NoError(t, m.SaveGeneratedFiles([]types.GeneratedFile{
		{Path: "src/app.tsx", Contents: "v2\n"},
	}, "Edit app"))
	assert.NotEqual(t, head, git.Head())

	updated := st.Get().GeneratedFilesMap["src/app.tsx"]
	assert.Equal(t, "App shell", updated.Purpose, "empty incoming purpose keeps the prior one")
	assert.Contains(t, updated.LastDiff, "-v1")
	assert.Contains(t, updated.LastDiff, "+v2")
}

func TestSaveIdenticalContentsIsIdempotent(t *testing.T) {
	m, st, git := newTestManager(t)

	require.NoError(t, m.SaveGeneratedFiles([]types.GeneratedFile{
		{Path: "src/app.tsx", Contents: "same\n"},
	}, "first"))
	head := git.Head()

	require.NoError(t, m.SaveGeneratedFiles([]types.GeneratedFile{
		{Path: "src/app.tsx", Contents: "same\n"},
	}, "second"))
	assert.Equal(t, head, git.Head(), "identical tree must not grow history")
	assert.Empty(t, st.Get().GeneratedFilesMap["src/app.tsx"].LastDiff)
}

func TestSaveWithoutMessageStagesOnly(t *testing.T) {
	m, _, git := newTestManager(t)
	require.NoError(t, m.SaveGeneratedFiles([]types.GeneratedFile{
		{Path: ".bootstrap.js", Contents: "// setup"},
	}, ""))
	assert.Empty(t, git.Head(), "empty message stages without committing")

	_, err := git.CommitFiles(nil, "flush staged")
	require.NoError(t, err)
	files := git.GetAllFilesFromHead()
	require.Len(t, files, 1)
	assert.Equal(t, ".bootstrap.js", files[0].Path)
}

func TestDiffBaselineIsTemplateForFirstSave(t *testing.T) {
	m, st, _ := newTestManager(t)
	require.NoError(t, m.SaveGeneratedFiles([]types.GeneratedFile{
		{Path: "src/main.tsx", Contents: "replaced()"},
	}, "Replace main"))

	d := st.Get().GeneratedFilesMap["src/main.tsx"].LastDiff
	assert.Contains(t, d, "-render()")
	assert.Contains(t, d, "+replaced()")
}

func TestDeleteFiles(t *testing.T) {
	m, st, git := newTestManager(t)
	require.NoError(t, m.SaveGeneratedFiles([]types.GeneratedFile{
		{Path: "a.ts", Contents: "a"},
		{Path: "b.ts", Contents: "b"},
	}, "seed"))

	require.NoError(t, m.DeleteFiles([]string{"a.ts"}))
	assert.NotContains(t, st.Get().GeneratedFilesMap, "a.ts")

	files := git.GetAllFilesFromHead()
	require.Len(t, files, 1)
	assert.Equal(t, "b.ts", files[0].Path)
}

func TestSyncFromHeadPreservesAnnotations(t *testing.T) {
	m, st, git := newTestManager(t)
	require.NoError(t, m.SaveGeneratedFiles([]types.GeneratedFile{
		{Path: "a.ts", Contents: "v1", Purpose: "Entry"},
		{Path: "b.ts", Contents: "b"},
	}, "seed"))
	first := git.Head()
	require.NoError(t, m.SaveGeneratedFiles([]types.GeneratedFile{
		{Path: "a.ts", Contents: "v2"},
	}, "edit"))

	// Hard reset rewinds the working tree through the registered callback.
	require.NoError(t, git.Reset(first, true))

	state := st.Get()
	a := state.GeneratedFilesMap["a.ts"]
	assert.Equal(t, "v1", a.Contents)
	assert.Equal(t, "Entry", a.Purpose, "purpose survives the rebuild")
	assert.Contains(t, state.GeneratedFilesMap, "b.ts")
}
