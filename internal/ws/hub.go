package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"trafficcount/internal/pipeline"
)

// clientBuffer is the number of queued messages per client before drops
const clientBuffer = 64

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	tracks bool // Wants per-frame track messages
}

// LiveHub fans session events and per-frame tracks out to WebSocket clients.
// It is both a pipeline.EventHandler and a pipeline.FrameSink.
type LiveHub struct {
	clients map[*websocket.Conn]*client
	mu      sync.RWMutex

	// Last counts and status, replayed to new clients
	lastCounts []byte
	lastStatus []byte
	lastMu     sync.RWMutex
}

// NewLiveHub creates a new live hub
func NewLiveHub() *LiveHub {
	return &LiveHub{
		clients: make(map[*websocket.Conn]*client),
	}
}

var (
	_ pipeline.EventHandler = (*LiveHub)(nil)
	_ pipeline.FrameSink    = (*LiveHub)(nil)
)

// Register adds a connection and queues the latest state for it
func (h *LiveHub) Register(conn *websocket.Conn, tracks bool) *client {
	c := &client{
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
		tracks: tracks,
	}

	h.lastMu.RLock()
	for _, msg := range [][]byte{h.lastStatus, h.lastCounts} {
		if msg != nil {
			c.send <- msg
		}
	}
	h.lastMu.RUnlock()

	h.mu.Lock()
	h.clients[conn] = c
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[WS] Client registered (total: %d)", count)
	return c
}

// Unregister removes a connection and stops its writer
func (h *LiveHub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(c.send)
		log.Printf("[WS] Client unregistered (total: %d)", len(h.clients))
	}
}

// ClientCount returns the number of connected clients
func (h *LiveHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HasClients returns true if anyone is listening
func (h *LiveHub) HasClients() bool {
	return h.ClientCount() > 0
}

// OnEvent implements pipeline.EventHandler
func (h *LiveHub) OnEvent(ev *pipeline.Event) {
	for _, msg := range messagesFor(ev) {
		data, err := json.Marshal(msg)
		if err != nil {
			log.Printf("[WS] Error marshaling %s message: %v", ev.Type, err)
			continue
		}

		h.lastMu.Lock()
		switch msg.(type) {
		case *CountsMessage:
			h.lastCounts = data
		case *StatusMessage:
			h.lastStatus = data
		}
		h.lastMu.Unlock()

		h.broadcast(data, false)
	}
}

// ShowFrame implements pipeline.FrameSink
func (h *LiveHub) ShowFrame(frame *pipeline.AnnotatedFrame) {
	if !h.HasClients() {
		return
	}

	data, err := json.Marshal(NewTracksMessage(frame))
	if err != nil {
		log.Printf("[WS] Error marshaling tracks message: %v", err)
		return
	}
	h.broadcast(data, true)
}

// broadcast queues data for every client; slow clients drop messages
func (h *LiveHub) broadcast(data []byte, tracksOnly bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		if tracksOnly && !c.tracks {
			continue
		}
		select {
		case c.send <- data:
		default:
			log.Printf("[WS] Client %s is slow, dropping message", c.conn.RemoteAddr())
		}
	}
}

// Close disconnects every client
func (h *LiveHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn, c := range h.clients {
		delete(h.clients, conn)
		close(c.send)
	}
}
