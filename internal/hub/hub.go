// Package hub owns the live WebSocket connections and their room membership.
// It moves bytes; the service layer decides what the bytes mean. The contract
// it keeps is: exactly the members of a room receive room broadcasts, and
// exactly one target connection receives a direct send.
package hub

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/duolink/duolink/internal/config"
	"github.com/duolink/duolink/internal/metrics"
)

// Handler receives inbound frames and disconnect notices from the hub.
type Handler interface {
	OnMessage(connID string, data []byte)
	OnDisconnect(connID string)
}

// client represents a connected WebSocket client
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	id      string
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
}

// Hub maintains the set of active clients and their room membership.
type Hub struct {
	cfg     config.WebSocketConfig
	metrics metrics.Collector

	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]*client
	roomOf  map[string]string

	handler Handler
	closed  bool
}

// New creates a new hub.
func New(cfg config.WebSocketConfig, m metrics.Collector) *Hub {
	return &Hub{
		cfg:     cfg,
		metrics: m,
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]*client),
		roomOf:  make(map[string]string),
	}
}

// SetHandler wires the inbound frame handler. Must be called before the first
// connection registers.
func (h *Hub) SetHandler(handler Handler) {
	h.handler = handler
}

// RegisterClient adopts an upgraded connection and starts its read and write
// pumps.
func (h *Hub) RegisterClient(conn *websocket.Conn, connID string) {
	limit := rate.Limit(h.cfg.ActionsPerSec)
	if limit <= 0 {
		limit = rate.Inf
	}
	c := &client{
		hub:     h,
		conn:    conn,
		id:      connID,
		send:    make(chan []byte, 64),
		limiter: rate.NewLimiter(limit, h.cfg.ActionBurst),
	}

	h.mu.Lock()
	h.clients[connID] = c
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

// JoinRoom adds a connection to a room's broadcast group.
func (h *Hub) JoinRoom(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return
	}
	if prev, ok := h.roomOf[connID]; ok {
		h.leaveLocked(prev, connID)
	}
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*client)
		h.rooms[roomID] = members
	}
	members[connID] = c
	h.roomOf[connID] = roomID
}

func (h *Hub) leaveLocked(roomID, connID string) {
	if members, ok := h.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	delete(h.roomOf, connID)
}

// SendToClient sends a frame to a single connection. It reports whether the
// connection was known.
func (h *Hub) SendToClient(connID string, data []byte) bool {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	c.enqueue(data)
	return true
}

// BroadcastRoom sends a frame to every member of a room except the listed
// connection ids.
func (h *Hub) BroadcastRoom(roomID string, data []byte, except ...string) {
	h.mu.RLock()
	members := h.rooms[roomID]
	targets := make([]*client, 0, len(members))
	for id, c := range members {
		skip := false
		for _, ex := range except {
			if id == ex {
				skip = true
				break
			}
		}
		if !skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

// CloseClient forcibly disconnects a connection. Used when a newer connection
// for the same identity replaces a stale one.
func (h *Hub) CloseClient(connID string) {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if ok {
		c.close()
	}
}

// Close tears down every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	if roomID, ok := h.roomOf[c.id]; ok {
		h.leaveLocked(roomID, c.id)
	}
	closed := h.closed
	h.mu.Unlock()

	c.close()

	if h.handler != nil && !closed {
		h.handler.OnDisconnect(c.id)
	}
}

func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Slow consumer; drop the connection rather than block the room.
		log.Printf("Client %s send buffer full, closing", c.id)
		c.closed = true
		close(c.send)
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps frames from the WebSocket connection to the handler.
func (c *client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			break
		}

		if !c.limiter.Allow() {
			c.hub.metrics.ClientError("", "rate_limited")
			continue
		}

		if c.hub.handler != nil {
			c.hub.handler.OnMessage(c.id, message)
		}
	}
}

// writePump pumps frames from the hub to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued frames to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
