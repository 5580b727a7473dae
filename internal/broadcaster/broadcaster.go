// Package broadcaster implements the WebSocket surface (spec.md §6,
// "WebSocket"): a Hub that subscribes to the Event Bus and fans
// type-tagged JSON messages out to every connected client.
package broadcaster

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
	"github.com/r3e-network/gridtokenx-gateway/internal/eventbus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	clientSendCap  = 64
)

// message is the wire envelope: {"type": "order_matched", "payload": {...}}.
type message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// client is one upgraded connection and its outbound queue.
type client struct {
	conn *websocket.Conn
	send chan message
}

// Hub upgrades HTTP connections to WebSocket and relays every Event Bus
// publication to all currently connected clients.
type Hub struct {
	bus      *eventbus.Bus
	log      *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// New constructs a Hub. CheckOrigin is left permissive (the gateway is
// typically fronted by its own reverse proxy); tighten via cfg if needed.
func New(bus *eventbus.Bus, log *logging.Logger) *Hub {
	return &Hub{
		bus:     bus,
		log:     log,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and registers the resulting client; it
// satisfies http.Handler so it can be mounted directly at /ws and
// /market/ws.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan message, clientSendCap)}
	h.register(c)

	go h.writePump(c)
	go h.readPump(c)
}

// Run subscribes to the Event Bus and relays every publication to every
// connected client until ctx is cancelled. Call once, in its own
// goroutine, for the Hub's lifetime.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			h.broadcast(message{Type: wireType(evt.Type), Payload: evt.Payload})
		}
	}
}

// wireType converts an eventbus.EventType (PascalCase) to the snake_case
// tag spec.md §6 specifies for the WebSocket message `type` field.
func wireType(t eventbus.EventType) string {
	var b strings.Builder
	for i, r := range string(t) {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// broadcast fans a message out to every client. A client whose send
// queue is full is dropped rather than allowed to stall the others —
// the same never-block-the-publisher policy the Event Bus itself
// applies to slow subscribers (spec.md §5).
func (h *Hub) broadcast(msg message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.WithFields(map[string]interface{}{"message_type": msg.Type}).Warn("websocket client send queue full, dropping message")
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// readPump drains control frames (pings/pongs, the one client->server
// direction spec.md §6 names) until the connection closes, then
// unregisters the client. Subscription-control messages are a named
// future extension with no behavior yet, so payloads are read and
// discarded.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
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
			return
		}
	}
}

// writePump serializes every queued message to the connection and sends
// a keep-alive ping each pingPeriod; the server tolerates one missed
// ping interval before the read deadline above closes the connection.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			body, err := json.Marshal(msg)
			if err != nil {
				h.log.WithError(err).Warn("failed to marshal websocket message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
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
