package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sellmair/broadheart/heart"
)

// Event is what goes over the WebSocket to snapshot consumers.
type Event struct {
	Type  string      `json:"type"`
	Group heart.Group `json:"group"`
}

// Hub fans group snapshots out to connected WebSocket clients. Slow or
// dead clients are evicted rather than allowed to stall a broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]bool)}
}

func (h *Hub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
}

func (h *Hub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends the snapshot to every client.
func (h *Hub) Broadcast(group heart.Group) {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	event := Event{Type: "group", Group: group}

	var failed []*websocket.Conn
	var failedMu sync.Mutex
	var wg sync.WaitGroup
	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			c.SetWriteDeadline(time.Now().Add(time.Second))
			if err := c.WriteJSON(event); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	for _, conn := range failed {
		h.RemoveClient(conn)
	}
}
