package conversation

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibeforge/internal/store"
	"vibeforge/internal/types"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), "proj-conv")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewLog(st.DB(), DefaultSession)
}

func TestAppendAndGet(t *testing.T) {
	l := newTestLog(t)

	require.NoError(t, l.Append(types.Message{Role: "user", ConversationID: "c1", Content: "hello"}))
	require.NoError(t, l.Append(types.Message{Role: "assistant", ConversationID: "c2", Content: "hi there"}))

	h, err := l.Get()
	require.NoError(t, err)
	require.Len(t, h.Full, 2)
	require.Len(t, h.Running, 2)
	assert.Equal(t, "hello", h.Full[0].Content)
	assert.Equal(t, "hi there", h.Full[1].Content)
}

func TestAppendUpsertsByConversationID(t *testing.T) {
	l := newTestLog(t)

	require.NoError(t, l.Append(types.Message{Role: "assistant", ConversationID: "c1", Content: "draft"}))
	require.NoError(t, l.Append(types.Message{Role: "user", ConversationID: "c2", Content: "other"}))
	require.NoError(t, l.Append(types.Message{Role: "assistant", ConversationID: "c1", Content: "final"}))

	h, err := l.Get()
	require.NoError(t, err)
	require.Len(t, h.Full, 2)
	assert.Equal(t, "final", h.Full[0].Content, "last writer wins in place")
	assert.Equal(t, "other", h.Full[1].Content)
}

func TestAppendGeneratesMissingID(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append(types.Message{Role: "user", Content: "anonymous"}))

	h, err := l.Get()
	require.NoError(t, err)
	require.Len(t, h.Full, 1)
	assert.NotEmpty(t, h.Full[0].ConversationID)
}

func TestCompactKeepsRecentRunningHistory(t *testing.T) {
	l := newTestLog(t)
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		require.NoError(t, l.Append(types.Message{Role: "user", ConversationID: id, Content: id}))
	}

	require.NoError(t, l.Compact(2))

	h, err := l.Get()
	require.NoError(t, err)
	assert.Len(t, h.Full, 5, "full tier is untouched")
	require.Len(t, h.Running, 3)
	assert.True(t, IsArchivePlaceholder(h.Running[0]))
	assert.Equal(t, "c4", h.Running[1].Content)
	assert.Equal(t, "c5", h.Running[2].Content)
}

func TestCompactBelowThresholdIsNoop(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append(types.Message{Role: "user", ConversationID: "c1", Content: "only"}))
	require.NoError(t, l.Compact(5))

	h, err := l.Get()
	require.NoError(t, err)
	require.Len(t, h.Running, 1)
	assert.False(t, IsArchivePlaceholder(h.Running[0]))
}

func TestRunningTierFallsBackToFull(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), "proj-conv")
	require.NoError(t, err)
	defer st.Close()

	// Simulate a database that predates the compacted tier.
	_, err = st.DB().Exec(
		`INSERT INTO full_conversations (id, messages) VALUES (?, ?)`,
		DefaultSession, `[{"conversationId":"c1","role":"user","content":"legacy"}]`)
	require.NoError(t, err)

	h, err := NewLog(st.DB(), DefaultSession).Get()
	require.NoError(t, err)
	require.Len(t, h.Running, 1)
	assert.Equal(t, "legacy", h.Running[0].Content)
}

func TestForUIHidesInternalMemos(t *testing.T) {
	msgs := []types.Message{
		{ConversationID: "c1", Role: "user", Content: "visible"},
		{ConversationID: "c2", Role: "assistant", Content: store.InternalMemoSentinel + " hidden context"},
		{ConversationID: "c3", Role: "assistant", Content: "also visible"},
	}
	out := ForUI(msgs)
	require.Len(t, out, 2)
	assert.Equal(t, "c1", out[0].ConversationID)
	assert.Equal(t, "c3", out[1].ConversationID)
}

func TestSessionsAreIsolated(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), "proj-conv")
	require.NoError(t, err)
	defer st.Close()

	a := NewLog(st.DB(), "session-a")
	b := NewLog(st.DB(), "session-b")
	require.NoError(t, a.Append(types.Message{ConversationID: "c1", Role: "user", Content: "for a"}))

	hb, err := b.Get()
	require.NoError(t, err)
	assert.Empty(t, hb.Full)
}
