package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeMarshalFlattensPayload(t *testing.T) {
	data, err := Envelope{
		Type:    TypeFileChunk,
		Payload: FileChunk{Path: "src/app.tsx", Chunk: "export"},
	}.Marshal()
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "file_chunk_generated", m["type"])
	assert.Equal(t, "src/app.tsx", m["filePath"])
	assert.Equal(t, "export", m["chunk"])
	_, nested := m["payload"]
	assert.False(t, nested, "payload must sit beside the tag, not under a key")
}

func TestEnvelopeMarshalNilPayload(t *testing.T) {
	data, err := Envelope{Type: TypeGenerationComplete}.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"generation_complete"}`, string(data))
}

func TestEnvelopeMarshalMissingType(t *testing.T) {
	_, err := Envelope{}.Marshal()
	require.Error(t, err)
}

func TestDecodeRejectsMalformedAndUntagged(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"filePath":"a"}`))
	assert.Error(t, err, "missing type tag must be rejected")

	_, err = Decode(nil)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeRoundTrip(t *testing.T) {
	line, err := Envelope{Type: TypePreview, Payload: Preview{ProjectID: "p-1"}}.Marshal()
	require.NoError(t, err)

	msg, err := Decode(line)
	require.NoError(t, err)
	assert.Equal(t, TypePreview, msg.Type)

	var bind Preview
	require.NoError(t, msg.Unmarshal(&bind))
	assert.Equal(t, "p-1", bind.ProjectID)
}

func TestReaderWriterStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Write(Envelope{Type: TypeGenerationStarted}))
	require.NoError(t, w.Write(Envelope{Type: TypeError, Payload: ErrorEvent{Error: "boom"}}))

	r := NewReader(&buf)
	first, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, TypeGenerationStarted, first.Type)

	second, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, TypeError, second.Type)
	var ev ErrorEvent
	require.NoError(t, second.Unmarshal(&ev))
	assert.Equal(t, "boom", ev.Error)

	_, err = r.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderSkipsBlankLines(t *testing.T) {
	r := NewReader(bytes.NewBufferString("\n\n{\"type\":\"preview\",\"projectId\":\"x\"}\n"))
	msg, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, TypePreview, msg.Type)
}

func TestIsClientType(t *testing.T) {
	assert.True(t, IsClientType(TypeUserSuggestion))
	assert.True(t, IsClientType(TypePreview))
	assert.False(t, IsClientType(TypeAgentState), "server tags are not valid inbound")
	assert.False(t, IsClientType("made_up"))
}
