package ui

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/transcript"
)

const (
	// clientBuffer is how many messages may wait for a slow client before it
	// is disconnected.
	clientBuffer = 64

	writeTimeout = 5 * time.Second
)

// Message types pushed to clients.
const (
	TypeState  = "state"
	TypeResult = "result"
	TypeError  = "error"
)

// Message is one server-to-client push.
type Message struct {
	Type    string             `json:"type"`
	Session *session.Session   `json:"session,omitempty"`
	Result  *transcript.Result `json:"result,omitempty"`
	Code    string             `json:"code,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// client is one connected WebSocket.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans session state changes and results out to every connected client
// and remembers the latest result. All methods are safe for concurrent use.
//
// [Hub.PublishState] is a [session.StateListener] and [Hub.PublishResult] a
// [transcript.Subscriber]; both only enqueue and never block on a client.
type Hub struct {
	metrics *observe.Metrics

	mu        sync.Mutex
	clients   map[*client]struct{}
	state     session.Session
	latest    transcript.Result
	hasLatest bool
}

// NewHub returns an empty Hub. A nil m selects [observe.DefaultMetrics].
func NewHub(m *observe.Metrics) *Hub {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Hub{
		metrics: m,
		clients: make(map[*client]struct{}),
		state:   session.Session{State: session.StateIdle},
	}
}

// PublishState records the new session snapshot and pushes it to all
// clients. Entering Initializing clears the latest result.
func (h *Hub) PublishState(_ session.State, to session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = to
	if to.State == session.StateInitializing {
		h.latest, h.hasLatest = transcript.Result{}, false
	}
	h.broadcastLocked(Message{Type: TypeState, Session: &to})
}

// PublishResult records r as the latest result and pushes it to all clients.
func (h *Hub) PublishResult(r transcript.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest, h.hasLatest = r, true
	h.broadcastLocked(Message{Type: TypeResult, Result: &r})
}

// Latest returns the most recent result of the current or last session.
func (h *Hub) Latest() (transcript.Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.hasLatest
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// add registers conn and queues the current state and latest result for it.
func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.metrics.UIClients.Add(context.Background(), 1)

	st := h.state
	h.sendLocked(c, Message{Type: TypeState, Session: &st})
	if h.hasLatest {
		r := h.latest
		h.sendLocked(c, Message{Type: TypeResult, Result: &r})
	}
	return c
}

// remove unregisters c and closes its send queue. Safe to call more than once.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.metrics.UIClients.Add(context.Background(), -1)
}

// reply queues msg for c only.
func (h *Hub) reply(c *client, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.sendLocked(c, msg)
	}
}

func (h *Hub) broadcastLocked(msg Message) {
	if len(h.clients) == 0 {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ui: marshal message", "type", msg.Type, "err", err)
		return
	}
	for c := range h.clients {
		h.enqueueLocked(c, b)
	}
}

func (h *Hub) sendLocked(c *client, msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ui: marshal message", "type", msg.Type, "err", err)
		return
	}
	h.enqueueLocked(c, b)
}

// enqueueLocked hands b to c's writer. A client whose queue is full is
// disconnected.
func (h *Hub) enqueueLocked(c *client, b []byte) {
	select {
	case c.send <- b:
	default:
		slog.Warn("ui: disconnecting slow client")
		h.removeLocked(c)
		go c.conn.Close(websocket.StatusPolicyViolation, "client too slow")
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		h.removeLocked(c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// writeLoop sends queued messages to the client until its queue is closed or
// ctx ends.
func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
