// Package feed streams pipeline events to websocket clients as JSON.
package feed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"pocketagent/internal/bus"
	"pocketagent/internal/metrics"

	"github.com/gorilla/websocket"
)

const (
	clientBuffer = 32
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Message is the JSON frame written for each event.
type Message struct {
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Config configures a Hub.
type Config struct {
	// Origins lists the Origin headers accepted on upgrade. Empty allows
	// requests without an Origin header and same-host requests only.
	Origins []string
	Logger  *slog.Logger
}

// Hub fans bus events out to every connected client. A client that cannot
// keep up has frames dropped rather than stalling the publisher.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// New creates a Hub.
func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Hub{
		logger:  cfg.Logger.With("component", "feed"),
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.Origins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Attach subscribes the hub to every event on events and returns the
// subscription ID.
func (h *Hub) Attach(events *bus.EventBus) string {
	return events.On("*", func(e bus.Event) {
		h.Broadcast(Message{Type: e.Type, Source: e.Source, Payload: e.Payload, Timestamp: e.Timestamp})
	})
}

// Broadcast queues msg for every connected client.
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("feed marshal failed", "type", msg.Type, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("feed client too slow, frame dropped", "remote", c.conn.RemoteAddr())
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("feed upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	hello, _ := json.Marshal(Message{Type: "feed.connected", Source: "feed", Timestamp: time.Now()})
	c.send <- hello
	if !h.add(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeTimeout))
		conn.Close()
		return
	}
	h.logger.Info("feed client connected", "remote", conn.RemoteAddr())

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.FeedClients.Set(int64(len(h.clients)))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	metrics.FeedClients.Set(int64(len(h.clients)))
	h.mu.Unlock()
}

// readLoop discards client frames; it only exists to notice disconnects.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.remove(c)
		h.logger.Info("feed client disconnected", "remote", c.conn.RemoteAddr())
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("feed read error", "err", err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("feed write failed", "err", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	metrics.FeedClients.Set(0)
}

