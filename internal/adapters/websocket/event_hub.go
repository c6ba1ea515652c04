// Package websocket streams delivery events to operator dashboards
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"immortal-outreach/internal/core/domain"
	"immortal-outreach/internal/core/ports"
)

var _ ports.EventPublisher = (*EventHub)(nil)

// EventHub fans delivery events out to every connected client.
// Publish never blocks: events are dropped when a buffer is full.
type EventHub struct {
	clients map[*Client]struct{}

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex

	secretKey string
	upgrader  websocket.Upgrader
}

// Client is one connected websocket
type Client struct {
	hub  *EventHub
	conn *websocket.Conn
	send chan []byte
}

const (
	broadcastBufferSize = 256
	clientBufferSize    = 64

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// NewEventHub creates a hub; clients authenticate with ?secret_key=
func NewEventHub(secretKey string) *EventHub {
	return &EventHub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		secretKey:  secretKey,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// dashboard runs on another origin; access is gated by the secret key
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run is the hub's event loop; it disconnects every client when ctx ends
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			slog.Info("Event stream client connected", "clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			slog.Info("Event stream client disconnected", "clients", n)

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// slow client, skip
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues an event for broadcast
func (h *EventHub) Publish(event domain.DeliveryEvent) {
	msg, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to encode delivery event", "error", err, "job_id", event.JobID)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
	}
}

// ServeWS upgrades an authenticated request to a websocket
// Route: /ws/events?secret_key=HUB_SECRET
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	queryKey := r.URL.Query().Get("secret_key")
	if h.secretKey == "" || queryKey != h.secretKey {
		slog.Warn("Unauthorized event stream attempt", "remote_addr", r.RemoteAddr)
		http.Error(w, "Unauthorized: Invalid or missing secret_key", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientBufferSize),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump drains the connection so pongs and close frames are processed
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("Event stream read error", "error", err)
			}
			return
		}
	}
}

// writePump writes one JSON event per text frame
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
