package ops

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibeforge/internal/types"
)

func feedIn(p *streamParser, text string, chunkSize int) {
	for len(text) > 0 {
		n := min(chunkSize, len(text))
		p.feed(text[:n])
		text = text[n:]
	}
	p.finish()
}

func TestStreamParserSingleFile(t *testing.T) {
	p := &streamParser{}
	feedIn(p, `<file path="src/app.tsx" purpose="App shell">
export const App = () => null
</file>`, 1<<20)

	require.Len(t, p.files, 1)
	f := p.files[0]
	assert.Equal(t, "src/app.tsx", f.Path)
	assert.Equal(t, "App shell", f.Purpose)
	assert.Equal(t, "export const App = () => null", f.Contents)
}

func TestStreamParserSplitTags(t *testing.T) {
	// Tiny chunks force every tag to arrive split across boundaries.
	for _, chunkSize := range []int{1, 2, 3, 5, 7} {
		p := &streamParser{}
		feedIn(p, `prose the model emits
<command>bun install zod</command>
<file path="a.ts" purpose="first">
const a = 1
</file>
more prose
<file path="b.ts" purpose="second">
const b = 2
</file>`, chunkSize)

		require.Len(t, p.files, 2, "chunk size %d", chunkSize)
		assert.Equal(t, "a.ts", p.files[0].Path)
		assert.Equal(t, "const a = 1", p.files[0].Contents)
		assert.Equal(t, "b.ts", p.files[1].Path)
		assert.Equal(t, "const b = 2", p.files[1].Contents)
		assert.Equal(t, []string{"bun install zod"}, p.commands)
	}
}

func TestStreamParserCallbacks(t *testing.T) {
	var started []string
	var chunks string
	var completed []types.GeneratedFile
	p := &streamParser{callbacks: ImplementCallbacks{
		OnFileStart:    func(path, purpose string) { started = append(started, path+"|"+purpose) },
		OnFileChunk:    func(_, chunk string) { chunks += chunk },
		OnFileComplete: func(f types.GeneratedFile) { completed = append(completed, f) },
	}}
	feedIn(p, `<file path="x.ts" purpose="demo">
line one
line two
</file>`, 4)

	assert.Equal(t, []string{"x.ts|demo"}, started)
	assert.Equal(t, "line one\nline two\n", chunks)
	require.Len(t, completed, 1)
	assert.Equal(t, "line one\nline two", completed[0].Contents)
}

func TestStreamParserTruncatedFileFlushed(t *testing.T) {
	p := &streamParser{}
	p.feed(`<file path="partial.ts" purpose="cut off">
const x =`)
	p.finish()

	require.Len(t, p.files, 1)
	assert.Equal(t, "partial.ts", p.files[0].Path)
	assert.Equal(t, "const x =", p.files[0].Contents)
}

func TestStreamParserIgnoresPathlessFile(t *testing.T) {
	p := &streamParser{}
	feedIn(p, `<file purpose="no path">orphan</file>`, 1<<20)
	assert.Empty(t, p.files)
}

func TestImplementPhaseParsesModelOutput(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`<command>bun install zod</command>
<file path="src/store.ts" purpose="State container">
export const store = {}
</file>`,
	}}
	c := testCtx(client)

	res, err := ImplementPhase(context.Background(), c, ImplementRequest{
		Phase: types.Phase{
			ID:   "ph-1",
			Name: "State layer",
			Files: []types.FileConcept{
				{Path: "src/store.ts", Purpose: "State container"},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "src/store.ts", res.Files[0].Path)
	assert.Equal(t, "export const store = {}", res.Files[0].Contents)
	assert.Equal(t, []string{"bun install zod"}, res.Commands)
	assert.True(t, res.DeploymentNeeded)

	calls := client.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "State layer")
	assert.Contains(t, calls[0].Prompt, "src/store.ts")
}

func TestImplementPhaseRealtimeFixMergesChanges(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`<file path="src/broken.ts" purpose="Needs fixing">
const x = ;
</file>`,
		"const x = 0;",
	}}
	c := testCtx(client)

	res, err := ImplementPhase(context.Background(), c, ImplementRequest{
		Phase: types.Phase{
			ID:    "ph-1",
			Name:  "Fix pass",
			Files: []types.FileConcept{{Path: "src/broken.ts", Purpose: "Needs fixing"}},
		},
		RealtimeFix: true,
	})
	require.NoError(t, err)
	require.NotNil(t, res.FixedFiles)

	fixed := res.FixedFiles.Await()
	require.Len(t, fixed, 1)
	assert.Equal(t, "src/broken.ts", fixed[0].Path)
	assert.Equal(t, "const x = 0;", fixed[0].Contents)
}

func TestImplementPhaseRealtimeFixUnchangedOutput(t *testing.T) {
	body := "const fine = true;"
	client := &scriptedClient{responses: []string{
		`<file path="src/fine.ts" purpose="ok">` + "\n" + body + "\n</file>",
		body, // fixer returns the file verbatim
	}}
	c := testCtx(client)

	res, err := ImplementPhase(context.Background(), c, ImplementRequest{
		Phase: types.Phase{
			ID:    "ph-1",
			Name:  "Clean pass",
			Files: []types.FileConcept{{Path: "src/fine.ts", Purpose: "ok"}},
		},
		RealtimeFix: true,
	})
	require.NoError(t, err)
	assert.Empty(t, res.FixedFiles.Await(), "verbatim fixer output means no change")
}
