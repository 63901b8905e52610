package ops

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibeforge/internal/types"
)

type fakeExecutor struct {
	files    map[string]string
	written  map[string]string
	commands []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{files: map[string]string{}, written: map[string]string{}}
}

func (f *fakeExecutor) ReadFile(_ context.Context, path string) (string, error) {
	contents, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("no such file %s", path)
	}
	return contents, nil
}

func (f *fakeExecutor) WriteFile(_ context.Context, path, contents string) error {
	f.written[path] = contents
	return nil
}

func (f *fakeExecutor) Exec(_ context.Context, command string) (string, error) {
	f.commands = append(f.commands, command)
	return "exit 0", nil
}

func (f *fakeExecutor) StaticAnalysis(context.Context) (*types.StaticAnalysis, error) {
	return &types.StaticAnalysis{Success: true}, nil
}

func TestDeepDebugPlainTextEndsSession(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"The bug is a missing null check in src/app.tsx.",
	}}
	transcript, err := DeepDebug(context.Background(), testCtx(client), DeepDebugRequest{
		Issue:    "app crashes on load",
		Executor: newFakeExecutor(),
	})
	require.NoError(t, err)
	assert.Contains(t, transcript, "Issue: app crashes on load")
	assert.Contains(t, transcript, "missing null check")
	assert.Len(t, client.calls(), 1)
}

func TestDeepDebugDispatchesTools(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"tool": "read_file", "args": {"path": "src/app.tsx"}}`,
		`{"tool": "write_file", "args": {"path": "src/app.tsx", "contents": "fixed"}}`,
		`{"tool": "exec", "args": {"command": "bun run check"}}`,
		"Fixed: the handler never returned.",
	}}
	exec := newFakeExecutor()
	exec.files["src/app.tsx"] = "broken source"

	transcript, err := DeepDebug(context.Background(), testCtx(client), DeepDebugRequest{
		Issue:    "handler hangs",
		Executor: exec,
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed", exec.written["src/app.tsx"])
	assert.Equal(t, []string{"bun run check"}, exec.commands)
	assert.Contains(t, transcript, "broken source", "tool output lands in the transcript")
	assert.Contains(t, transcript, "Fixed: the handler never returned.")

	// Each model call sees the transcript so far.
	calls := client.calls()
	require.Len(t, calls, 4)
	assert.Contains(t, calls[1].Prompt, "broken source")
}

func TestDeepDebugBlocksRepeatedCalls(t *testing.T) {
	same := `{"tool": "read_file", "args": {"path": "src/app.tsx"}}`
	client := &scriptedClient{responses: []string{
		same, same, same,
		"Giving up on that file.",
	}}
	exec := newFakeExecutor()
	exec.files["src/app.tsx"] = "contents"

	transcript, err := DeepDebug(context.Background(), testCtx(client), DeepDebugRequest{
		Issue:    "stuck loop",
		Executor: exec,
	})
	require.NoError(t, err)
	assert.Contains(t, transcript, "BLOCKED")
	assert.Contains(t, transcript, "repeated 3 times")
}

func TestDeepDebugDistinctWritesAreNotBlocked(t *testing.T) {
	// Identical long contents for different paths: the shared prefix must
	// not collapse the calls into one signature.
	shared := strings.Repeat("export const filler = 0;\n", 10)
	write := func(path string) string {
		return fmt.Sprintf(`{"tool": "write_file", "args": {"contents": %q, "path": %q}}`, shared, path)
	}
	client := &scriptedClient{responses: []string{
		write("src/a.ts"), write("src/b.ts"), write("src/c.ts"),
		"Rewrote all three modules.",
	}}
	exec := newFakeExecutor()

	transcript, err := DeepDebug(context.Background(), testCtx(client), DeepDebugRequest{
		Issue:    "shared helper broken everywhere",
		Executor: exec,
	})
	require.NoError(t, err)
	assert.NotContains(t, transcript, "BLOCKED")
	require.Len(t, exec.written, 3)
	assert.Equal(t, shared, exec.written["src/c.ts"])
}

func TestDeepDebugUnknownTool(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"tool": "rm_rf", "args": {}}`,
		"Understood, stopping here.",
	}}
	transcript, err := DeepDebug(context.Background(), testCtx(client), DeepDebugRequest{
		Issue:    "x",
		Executor: newFakeExecutor(),
	})
	require.NoError(t, err)
	assert.Contains(t, transcript, `unknown tool "rm_rf"`)
}

func TestDeepDebugCarriesPriorSession(t *testing.T) {
	client := &scriptedClient{responses: []string{"Same root cause as before."}}
	_, err := DeepDebug(context.Background(), testCtx(client), DeepDebugRequest{
		Issue:              "still failing",
		PreviousTranscript: "Issue: earlier crash\nVERDICT: unresolved",
		Executor:           newFakeExecutor(),
	})
	require.NoError(t, err)
	assert.Contains(t, client.calls()[0].Prompt, "earlier crash")
}
