package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/engine/internal/queue"
)

// writeTimeout bounds a single write to a subscriber.
const writeTimeout = 10 * time.Second

// Message types sent to subscribers.
const (
	TypeTaskOutcome = "task_outcome"
)

// Message is the JSON envelope of every frame sent to subscribers.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Client wraps a WebSocket connection.
type Client struct {
	conn *websocket.Conn
	// mu serializes writes, gorilla connections allow one writer at a time.
	mu sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub manages the active subscriber connections.
// It supports multiple connections at once (e.g., multiple tabs).
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	maxClients int
}

// NewHub creates a new Hub with a connection limit.
func NewHub(maxClients int) *Hub {
	if maxClients <= 0 {
		maxClients = 10
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		maxClients: maxClients,
	}
}

// Register adds a WebSocket connection.
// If the limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.maxClients {
		log.Printf("websocket: exceeded max connections (%d), closing new connection", h.maxClients)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	h.clients[client] = struct{}{}
	return client
}

// Unregister removes a client and closes its connection.
func (h *Hub) Unregister(client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	_ = client.conn.Close()
}

// Send broadcasts a message to all active clients.
func (h *Hub) Send(msg []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if err := client.write(msg); err != nil {
			log.Printf("websocket: failed to write message: %v", err)
			h.Unregister(client)
		}
	}
}

// Broadcast sends v to all clients inside a Message of the given type.
func (h *Hub) Broadcast(msgType string, v any) error {
	data, err := json.Marshal(Message{Type: msgType, Payload: v})
	if err != nil {
		return err
	}
	h.Send(data)
	return nil
}

// ActiveConnections returns the number of active WebSocket connections.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Forward broadcasts every task outcome from events until ctx is done or
// events is closed.
func (h *Hub) Forward(ctx context.Context, events <-chan queue.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.Broadcast(TypeTaskOutcome, ev); err != nil {
				log.Warnf("websocket: failed to encode outcome of task %s: %v", ev.TaskID, err)
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for client := range clients {
		_ = client.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second),
		)
		_ = client.conn.Close()
	}
}
