package statusapi

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reelforge/ralph/internal/store"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// Message is what websocket clients receive for each committed event.
type Message struct {
	Event store.LogEvent  `json:"event"`
	State *store.JobState `json:"state,omitempty"`
}

// Hub fans store changes out to websocket clients. A client that cannot keep
// up is disconnected instead of slowing the publisher.
type Hub struct {
	logger  *slog.Logger
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan Message
	once sync.Once
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, clients: map[*client]struct{}{}}
}

// Add registers conn and starts its reader and writer goroutines.
func (h *Hub) Add(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan Message, clientBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "clients", count)

	go h.writeLoop(c)
	go func() {
		defer h.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Publish queues change for every client. It never blocks.
func (h *Hub) Publish(change store.Change) {
	msg := Message{Event: change.Event, State: change.State}
	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()
	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client")
		h.remove(c)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (h *Hub) remove(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		count := len(h.clients)
		h.mu.Unlock()
		close(c.send)
		h.logger.Info("websocket client disconnected", "clients", count)
	})
}
