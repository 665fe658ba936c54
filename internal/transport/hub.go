// Package transport implements the Transport Hub: ownership of the
// per-session client connection handle, with safe serialized send and
// drop-oldest back-pressure, grounded on the reference gateway's
// newEventSender mutex-guarded writer and on a non-blocking channel-send
// back-pressure pattern seen across the example pack.
package transport

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"
)

// Frame is one outbound wire frame: either JSON text (messageType
// websocket.TextMessage) or a binary envelope (websocket.BinaryMessage).
// Droppable marks frames the back-pressure policy is allowed to discard under
// load — audio chunks only (spec.md §5); transcript, response, and control
// frames must never be silently dropped.
type Frame struct {
	MessageType int
	Data        []byte
	Droppable   bool
}

const outboundQueueSize = 64

// connection is the per-session send pipeline: a bounded queue drained by
// one writer goroutine, so concurrent callers never race the underlying
// socket (gorilla/websocket connections are not safe for concurrent writers).
type connection struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	queue  []Frame
	notify chan struct{}
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

// ID satisfies session.Conn so the Session Registry can key sessions by
// connection handle.
func (c *connection) ID() string { return c.id }

func newConnection(id string, ws *websocket.Conn) *connection {
	c := &connection{
		id:     id,
		conn:   ws,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// enqueue pushes a frame onto the bounded outbound queue. When full, the
// oldest Droppable (audio-bearing) frame is evicted to make room (spec.md
// §4.3, §5: "a bounded outbound queue with drop-oldest when full is
// acceptable for audio frames"). Non-droppable frames (transcripts,
// responses, control/ack/error events) are never evicted and are never
// themselves dropped to make room for something else: if the queue is full
// of non-droppable frames, it grows past the soft cap instead. A droppable
// frame arriving with no droppable frame left to evict is dropped itself
// rather than displacing a non-droppable one.
func (c *connection) enqueue(f Frame) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if len(c.queue) >= outboundQueueSize {
		if idx := oldestDroppable(c.queue); idx >= 0 {
			c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
			slog.Warn("transport: outbound queue full, dropped oldest droppable frame", "conn_id", c.id)
		} else if f.Droppable {
			c.mu.Unlock()
			slog.Warn("transport: outbound queue full of non-droppable frames, dropped incoming droppable frame", "conn_id", c.id)
			return false
		} else {
			slog.Warn("transport: outbound queue over capacity with non-droppable frames, growing queue", "conn_id", c.id)
		}
	}
	c.queue = append(c.queue, f)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// oldestDroppable returns the index of the first Droppable frame in q, or -1.
func oldestDroppable(q []Frame) int {
	for i, f := range q {
		if f.Droppable {
			return i
		}
	}
	return -1
}

func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			f := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			if err := c.conn.WriteMessage(f.MessageType, f.Data); err != nil {
				slog.Warn("transport: write failed, marking connection closed", "conn_id", c.id, "error", err)
				c.markClosed()
				return
			}
		}
	}
}

func (c *connection) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub owns every active client connection handle, keyed by sessionId.
type Hub struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*connection
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[uuid.UUID]*connection)}
}

// Register associates a websocket connection with a sessionId and returns a
// session.Conn-satisfying handle for the Session Registry to key on.
func (h *Hub) Register(sessionID uuid.UUID, ws *websocket.Conn) interface{ ID() string } {
	c := newConnection(sessionID.String(), ws)
	h.mu.Lock()
	h.conns[sessionID] = c
	h.mu.Unlock()
	return c
}

// Send enqueues a frame for sessionId. Returns false if the connection is
// unknown or already closed — it never blocks and never panics on a closed
// socket.
func (h *Hub) Send(sessionID uuid.UUID, f Frame) bool {
	h.mu.RLock()
	c, ok := h.conns[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.enqueue(f)
}

// Close closes the underlying socket and stops its writer goroutine.
func (h *Hub) Close(sessionID uuid.UUID) {
	h.mu.RLock()
	c, ok := h.conns[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	c.markClosed()
	c.conn.Close()
}

// Remove drops the hub's reference to a session's connection. Call after
// Close once the session is fully torn down.
func (h *Hub) Remove(sessionID uuid.UUID) {
	h.mu.Lock()
	delete(h.conns, sessionID)
	h.mu.Unlock()
}
