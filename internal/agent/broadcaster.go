// Package agent is the composition root of the orchestrator: it owns the
// store, git store, file manager, sandbox and registry clients, inference
// providers, and the streaming protocol, and drives the phase state
// machine. One Agent instance serves one project.
package agent

import (
	"net"
	"sync"

	"github.com/google/uuid"

	"vibeforge/internal/logging"
	"vibeforge/internal/metrics"
	"vibeforge/internal/protocol"
)

// chunkQueueLimit caps buffered chunk messages per client. Chunks beyond
// the cap are dropped; every other message type is queued unconditionally
// so terminal events always reach the client.
const chunkQueueLimit = 256

// streamClient is one connected consumer with its own outbound queue and
// writer goroutine. The producer side never blocks.
type streamClient struct {
	id   string
	conn net.Conn

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []protocol.Envelope
	chunks  int
	closed  bool
}

func newStreamClient(conn net.Conn) *streamClient {
	c := &streamClient{id: uuid.NewString(), conn: conn}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// enqueue adds one message. Chunk messages are dropped once the chunk
// budget is exhausted; the queue is otherwise unbounded.
func (c *streamClient) enqueue(e protocol.Envelope) {
	isChunk := e.Type == protocol.TypeFileChunk
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if isChunk {
		if c.chunks >= chunkQueueLimit {
			metrics.ChunksDropped.Inc()
			return
		}
		c.chunks++
	}
	c.queue = append(c.queue, e)
	c.cond.Signal()
}

// writeLoop drains the queue onto the connection until close or write
// failure.
func (c *streamClient) writeLoop(onExit func(id string)) {
	defer onExit(c.id)
	w := protocol.NewWriter(c.conn)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed && len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		batch := c.queue
		c.queue = nil
		c.chunks = 0
		c.mu.Unlock()

		for _, e := range batch {
			if err := w.Write(e); err != nil {
				logging.Get(logging.CategoryStream).Debugw("client write failed",
					"client", c.id, "error", err)
				c.close()
				return
			}
			metrics.MessagesBroadcast.WithLabelValues(e.Type).Inc()
		}
	}
}

func (c *streamClient) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.cond.Signal()
	}
	c.mu.Unlock()
	c.conn.Close()
}

// Broadcaster fans agent events out to every connected client in
// production order.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*streamClient
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: map[string]*streamClient{}}
}

// Add registers a connection and starts its writer. The returned id is
// used for removal.
func (b *Broadcaster) Add(conn net.Conn) string {
	c := newStreamClient(conn)
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()
	go c.writeLoop(b.remove)
	logging.Get(logging.CategoryStream).Infow("client connected", "client", c.id)
	return c.id
}

func (b *Broadcaster) remove(id string) {
	b.mu.Lock()
	c, ok := b.clients[id]
	delete(b.clients, id)
	b.mu.Unlock()
	if ok {
		c.close()
		logging.Get(logging.CategoryStream).Infow("client disconnected", "client", id)
	}
}

// Remove disconnects one client.
func (b *Broadcaster) Remove(id string) { b.remove(id) }

// SendTo queues one message for a single client.
func (b *Broadcaster) SendTo(id string, msgType string, payload any) {
	b.mu.RLock()
	c, ok := b.clients[id]
	b.mu.RUnlock()
	if ok {
		c.enqueue(protocol.Envelope{Type: msgType, Payload: payload})
	}
}

// Broadcast queues one message for every client.
func (b *Broadcaster) Broadcast(msgType string, payload any) {
	b.mu.RLock()
	clients := make([]*streamClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()
	for _, c := range clients {
		c.enqueue(protocol.Envelope{Type: msgType, Payload: payload})
	}
}

// ClientCount reports the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	clients := b.clients
	b.clients = map[string]*streamClient{}
	b.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
