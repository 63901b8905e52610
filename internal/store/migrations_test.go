package store

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibeforge/internal/types"
)

func TestMigrateIsFixedPoint(t *testing.T) {
	doc := []byte(`{
		"projectId": "p",
		"generatedFilesMap": {
			"a.ts": {"file_path": "a.ts", "file_contents": "x", "file_purpose": "entry"}
		},
		"conversationMessages": [],
		"templateDetails": {"name": "vite-react", "allFiles": []}
	}`)

	once, changed, err := Migrate(doc)
	require.NoError(t, err)
	require.True(t, changed)

	twice, changedAgain, err := Migrate(once)
	require.NoError(t, err)
	assert.False(t, changedAgain)
	assert.JSONEq(t, string(once), string(twice))
}

func TestMigrateFileKeys(t *testing.T) {
	doc := []byte(`{"generatedFilesMap":{"a.ts":{"file_path":"a.ts","file_contents":"body","file_purpose":"entry"}},"projectName":"ok-name"}`)
	out, changed, err := Migrate(doc)
	require.NoError(t, err)
	require.True(t, changed)

	var state struct {
		Files map[string]types.GeneratedFile `json:"generatedFilesMap"`
	}
	require.NoError(t, json.Unmarshal(out, &state))
	f := state.Files["a.ts"]
	assert.Equal(t, "a.ts", f.Path)
	assert.Equal(t, "body", f.Contents)
	assert.Equal(t, "entry", f.Purpose)
}

func TestMigrateConversationDedupLastWriterWins(t *testing.T) {
	doc := []byte(`{"projectName":"ok-name","conversationMessages":[
		{"conversationId":"c1","role":"assistant","content":"first draft"},
		{"conversationId":"c2","role":"user","content":"hello"},
		{"conversationId":"c1","role":"assistant","content":"final"}
	]}`)
	out, changed, err := Migrate(doc)
	require.NoError(t, err)
	require.True(t, changed)

	var state struct {
		Messages []types.Message `json:"conversationMessages"`
	}
	require.NoError(t, json.Unmarshal(out, &state))
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "c2", state.Messages[0].ConversationID)
	assert.Equal(t, "c1", state.Messages[1].ConversationID)
	assert.Equal(t, "final", state.Messages[1].Content)
}

func TestMigrateConversationPrunesInternalMemos(t *testing.T) {
	msgs := make([]map[string]any, 0, conversationBloatThreshold+2)
	for i := 0; i < conversationBloatThreshold+1; i++ {
		msgs = append(msgs, map[string]any{
			"conversationId": fmt.Sprintf("c%d", i),
			"role":           "user",
			"content":        "keep",
		})
	}
	msgs = append(msgs, map[string]any{
		"conversationId": "memo",
		"role":           "assistant",
		"content":        InternalMemoSentinel + " project context",
	})
	doc, err := json.Marshal(map[string]any{
		"projectName":          "ok-name",
		"conversationMessages": msgs,
	})
	require.NoError(t, err)

	out, changed, err := Migrate(doc)
	require.NoError(t, err)
	require.True(t, changed)

	var state struct {
		Messages []types.Message `json:"conversationMessages"`
	}
	require.NoError(t, json.Unmarshal(out, &state))
	for _, m := range state.Messages {
		assert.NotContains(t, m.Content, InternalMemoSentinel)
	}
}

func TestMigrateTemplateDetailsToName(t *testing.T) {
	doc := []byte(`{"projectName":"ok-name","templateDetails":{"name":"vite-react","allFiles":[{"path":"a","contents":"b"}]}}`)
	out, changed, err := Migrate(doc)
	require.NoError(t, err)
	require.True(t, changed)

	var state map[string]any
	require.NoError(t, json.Unmarshal(out, &state))
	assert.Equal(t, "vite-react", state["templateName"])
	assert.NotContains(t, state, "templateDetails")
}

func TestMigrateProjectNameBackfill(t *testing.T) {
	doc := []byte(`{"blueprint":{"title":"My Cool App!!"}}`)
	out, changed, err := Migrate(doc)
	require.NoError(t, err)
	require.True(t, changed)

	var state map[string]any
	require.NoError(t, json.Unmarshal(out, &state))
	name, _ := state["projectName"].(string)
	assert.True(t, types.IsValidProjectName(name), "backfilled name %q must be a valid slug", name)
}

func TestMigrateInferenceContextDropsUserApiKeys(t *testing.T) {
	doc := []byte(`{"projectName":"ok-name","inferenceContext":{"provider":"gemini","userApiKeys":{"k":"v"}}}`)
	out, changed, err := Migrate(doc)
	require.NoError(t, err)
	require.True(t, changed)

	var state map[string]any
	require.NoError(t, json.Unmarshal(out, &state))
	ic := state["inferenceContext"].(map[string]any)
	assert.NotContains(t, ic, "userApiKeys")
	assert.Equal(t, "gemini", ic["provider"])
}

func TestGenerateProjectName(t *testing.T) {
	cases := []string{
		"My Cool App",
		"",
		"UPPER case & symbols!!",
		"a-very-long-title-that-keeps-going-and-going-and-going",
	}
	for _, base := range cases {
		name := GenerateProjectName(base)
		assert.True(t, types.IsValidProjectName(name), "GenerateProjectName(%q) = %q", base, name)
		assert.LessOrEqual(t, len(name), 20)
	}

	// Suffixed names are unique across calls.
	assert.NotEqual(t, GenerateProjectName("app"), GenerateProjectName("app"))
}
