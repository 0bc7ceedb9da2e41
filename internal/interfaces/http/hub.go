package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/alerts"
	"github.com/atacama-labs/pricewatch/internal/domain"
)

const (
	// Outbound buffer per client. A client that falls this far behind is
	// disconnected rather than allowed to stall the publisher.
	clientBuffer = 64

	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// Must be shorter than pongWait or every client times out.
	pingPeriod = 45 * time.Second

	maxInboundBytes = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		// The server binds to loopback by default; origin checks add
		// nothing there and break local tooling.
		return true
	},
}

// envelope frames every event pushed down the socket.
type envelope struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// HubStats counts hub activity since startup.
type HubStats struct {
	Clients   int   `json:"clients"`
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
}

type client struct {
	conn *websocket.Conn
	send chan envelope
}

// Hub fans pipeline events out to connected websocket clients. It
// satisfies the Publish feed the dispatcher, detector and health monitor
// write to, so wiring it in is one assignment.
type Hub struct {
	mu        sync.Mutex
	clients   map[*client]struct{}
	published int64
	dropped   int64

	now func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		now:     time.Now,
	}
}

// Publish frames the event and queues it for every connected client.
// Clients with a full buffer are dropped; Publish never blocks.
func (h *Hub) Publish(event any) {
	env := envelope{Kind: eventKind(event), At: h.now(), Data: event}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.published++
	for c := range h.clients {
		select {
		case c.send <- env:
		default:
			delete(h.clients, c)
			close(c.send)
			h.dropped++
			log.Warn().Str("remote", c.conn.RemoteAddr().String()).
				Msg("websocket client too slow, dropped")
		}
	}
}

// ServeWS upgrades the request and attaches the client to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan envelope, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	log.Info().Str("remote", conn.RemoteAddr().String()).
		Int("clients", count).
		Msg("websocket client connected")

	go h.writePump(c)
	go h.readPump(c)
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{
		Clients:   len(h.clients),
		Published: h.published,
		Dropped:   h.dropped,
	}
}

// Close disconnects every client, typically during server shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// writePump owns all writes on the connection. It exits when the send
// channel closes or a write fails.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				h.detach(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.detach(c)
				return
			}
		}
	}
}

// readPump discards inbound frames; the stream is one-way. It keeps the
// connection alive through pong handling and detaches on close.
func (h *Hub) readPump(c *client) {
	defer h.detach(c)
	c.conn.SetReadLimit(maxInboundBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func eventKind(event any) string {
	switch event.(type) {
	case domain.PriceChangeEvent:
		return "price_change"
	case domain.OpportunityEvent:
		return "opportunity"
	case domain.SystemHealthEvent:
		return "system_health"
	case domain.CycleEvent:
		return "cycle"
	case alerts.Alert:
		return "alert"
	default:
		return "event"
	}
}
