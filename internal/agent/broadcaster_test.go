package agent

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vibeforge/internal/protocol"
)

func TestStreamClientChunkBudget(t *testing.T) {
	// No writeLoop: the queue only fills, so the budget is observable.
	c := newStreamClient(nil)
	for i := 0; i < chunkQueueLimit+50; i++ {
		c.enqueue(protocol.Envelope{Type: protocol.TypeFileChunk, Payload: protocol.FileChunk{Chunk: "x"}})
	}
	c.enqueue(protocol.Envelope{Type: protocol.TypeAgentState})

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, chunkQueueLimit+1, len(c.queue), "chunks past the budget are dropped, other types are not")
	assert.Equal(t, chunkQueueLimit, c.chunks)
}

// opencensus starts a worker goroutine in its package init (pulled in
// transitively via the inference package); it is not ours and never exits.
var goleakIgnoreOpencensus = goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start")

func TestBroadcastReachesClient(t *testing.T) {
	defer goleak.VerifyNone(t, goleakIgnoreOpencensus)

	b := NewBroadcaster()
	server, client := net.Pipe()
	id := b.Add(server)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, b.ClientCount())

	received := make(chan protocol.Decoded, 8)
	go func() {
		r := protocol.NewReader(client)
		for {
			msg, err := r.Read()
			if err != nil {
				close(received)
				return
			}
			received <- msg
		}
	}()

	b.Broadcast(protocol.TypeTerminalOutput, protocol.TerminalOutput{Output: "$ bun install"})
	msg := <-received
	assert.Equal(t, protocol.TypeTerminalOutput, msg.Type)
	assert.Contains(t, string(msg.Body), "$ bun install")

	b.SendTo(id, protocol.TypeServerLog, protocol.ServerLog{Stdout: "ready"})
	msg = <-received
	assert.Equal(t, protocol.TypeServerLog, msg.Type)

	b.Close()
	client.Close()
	for range received {
	}
	waitFor(t, func() bool { return b.ClientCount() == 0 })
}

func TestSendToUnknownClientIsNoOp(t *testing.T) {
	b := NewBroadcaster()
	b.SendTo("missing", protocol.TypeAgentState, nil)
	assert.Equal(t, 0, b.ClientCount())
}

func TestRemoveDisconnectsClient(t *testing.T) {
	defer goleak.VerifyNone(t, goleakIgnoreOpencensus)

	b := NewBroadcaster()
	server, client := net.Pipe()
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()

	id := b.Add(server)
	b.Remove(id)
	waitFor(t, func() bool { return b.ClientCount() == 0 })
	client.Close()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not reached in time")
}
