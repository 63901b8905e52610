package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONPlainObject(t *testing.T) {
	var out map[string]string
	require.NoError(t, ExtractJSON(`{"key": "value"}`, &out))
	assert.Equal(t, "value", out["key"])
}

func TestExtractJSONFencedBlock(t *testing.T) {
	text := "Here is the plan:\n```json\n{\"title\": \"App\"}\n```\nLet me know."
	var out map[string]string
	require.NoError(t, ExtractJSON(text, &out))
	assert.Equal(t, "App", out["title"])
}

func TestExtractJSONSurroundingProse(t *testing.T) {
	text := `Sure! The result is {"count": 3} as requested.`
	var out map[string]int
	require.NoError(t, ExtractJSON(text, &out))
	assert.Equal(t, 3, out["count"])
}

func TestExtractJSONArray(t *testing.T) {
	var out []string
	require.NoError(t, ExtractJSON(`noise ["a", "b"] noise`, &out))
	assert.Equal(t, []string{"a", "b"}, out)
}

func TestExtractJSONBracketsInsideStrings(t *testing.T) {
	text := `{"code": "if (x) { return \"}\"; }", "ok": true}`
	var out map[string]any
	require.NoError(t, ExtractJSON(text, &out))
	assert.Equal(t, true, out["ok"])
}

func TestExtractJSONNested(t *testing.T) {
	text := `{"phase": {"name": "Setup", "files": [{"path": "a.ts"}]}}`
	var out struct {
		Phase struct {
			Name  string `json:"name"`
			Files []struct {
				Path string `json:"path"`
			} `json:"files"`
		} `json:"phase"`
	}
	require.NoError(t, ExtractJSON(text, &out))
	assert.Equal(t, "Setup", out.Phase.Name)
	require.Len(t, out.Phase.Files, 1)
}

func TestExtractJSONErrors(t *testing.T) {
	var out map[string]any
	assert.Error(t, ExtractJSON("no json here at all", &out))
	assert.Error(t, ExtractJSON(`{"unterminated": "value"`, &out))
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, "body", stripFences("```ts\nbody\n```"))
	assert.Equal(t, "plain text", stripFences("plain text"))
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
}
