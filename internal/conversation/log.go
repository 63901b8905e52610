// Package conversation maintains the two-tier chat history of a project:
// an append-only full history used for UI restoration and a compacted
// running history fed to the model each turn. Both tiers live in the
// project database as serialized JSON arrays keyed by session id.
package conversation

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"vibeforge/internal/logging"
	"vibeforge/internal/store"
	"vibeforge/internal/types"
)

// DefaultSession is the session key used when none is supplied.
const DefaultSession = "default"

// archivePrefix tags placeholder entries left behind by compaction.
const archivePrefix = "archive-"

// compactedPlaceholder replaces dropped history in the running tier.
const compactedPlaceholder = "Previous conversation history was compacted to save space."

// Log stores and retrieves the conversation tiers.
type Log struct {
	db        *sql.DB
	sessionID string
}

// NewLog binds a conversation log to the store's database.
func NewLog(db *sql.DB, sessionID string) *Log {
	if sessionID == "" {
		sessionID = DefaultSession
	}
	return &Log{db: db, sessionID: sessionID}
}

// History is the deduplicated pair of tiers.
type History struct {
	Full    []types.Message
	Running []types.Message
}

// Append upserts msg into both tiers by conversationId (last writer wins)
// and writes the serialized arrays back durably.
func (l *Log) Append(msg types.Message) error {
	if msg.ConversationID == "" {
		msg.ConversationID = uuid.NewString()
	}

	h, err := l.Get()
	if err != nil {
		return err
	}

	h.Full = upsert(h.Full, msg)
	h.Running = upsert(h.Running, msg)

	if err := l.write("full_conversations", h.Full); err != nil {
		return err
	}
	return l.write("compact_conversations", h.Running)
}

// Get returns both tiers, deduplicated. An empty running tier falls back to
// the full history (migration path for databases that predate compaction).
func (l *Log) Get() (History, error) {
	full, err := l.read("full_conversations")
	if err != nil {
		return History{}, err
	}
	running, err := l.read("compact_conversations")
	if err != nil {
		return History{}, err
	}
	if len(running) == 0 {
		running = append([]types.Message(nil), full...)
	}
	return History{Full: dedup(full), Running: dedup(running)}, nil
}

// Compact collapses the running tier down to its most recent keepLast
// entries, preceded by a single archive placeholder. The full tier is
// untouched.
func (l *Log) Compact(keepLast int) error {
	h, err := l.Get()
	if err != nil {
		return err
	}
	if len(h.Running) <= keepLast {
		return nil
	}

	compacted := make([]types.Message, 0, keepLast+1)
	compacted = append(compacted, types.Message{
		Role:           "assistant",
		ConversationID: archivePrefix + uuid.NewString(),
		Content:        compactedPlaceholder,
	})
	compacted = append(compacted, h.Running[len(h.Running)-keepLast:]...)

	logging.Get(logging.CategoryStore).Debugw("conversation compacted",
		"dropped", len(h.Running)-keepLast, "kept", keepLast)
	return l.write("compact_conversations", compacted)
}

// ForUI filters a message list for client display: internal memos are
// model context only.
func ForUI(msgs []types.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if strings.Contains(m.Text(), store.InternalMemoSentinel) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// IsArchivePlaceholder reports whether the message stands in for compacted
// history.
func IsArchivePlaceholder(m types.Message) bool {
	return strings.HasPrefix(m.ConversationID, archivePrefix)
}

func (l *Log) read(table string) ([]types.Message, error) {
	var raw string
	err := l.db.QueryRow(
		fmt.Sprintf("SELECT messages FROM %s WHERE id = ?", table), l.sessionID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}

	var msgs []types.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", table, err)
	}
	return msgs, nil
}

func (l *Log) write(table string, msgs []types.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", table, err)
	}
	_, err = l.db.Exec(
		fmt.Sprintf(`INSERT INTO %s (id, messages) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET messages = excluded.messages`, table),
		l.sessionID, string(data))
	if err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}
	return nil
}

// upsert replaces an existing entry with the same conversationId or
// appends, keeping insertion order for new ids.
func upsert(msgs []types.Message, msg types.Message) []types.Message {
	for i := range msgs {
		if msgs[i].ConversationID == msg.ConversationID {
			msgs[i] = msg
			return msgs
		}
	}
	return append(msgs, msg)
}

// dedup keeps only the last occurrence of each conversationId, in the
// order of last occurrence.
func dedup(msgs []types.Message) []types.Message {
	lastIdx := map[string]int{}
	for i, m := range msgs {
		lastIdx[m.ConversationID] = i
	}
	out := make([]types.Message, 0, len(msgs))
	for i, m := range msgs {
		if lastIdx[m.ConversationID] == i {
			out = append(out, m)
		}
	}
	return out
}
