// Package realtime streams directory events over WebSocket so dashboards and
// agents can follow verification outcomes without polling.
//
// A client connects to /ws and receives every event until it sends a
// Subscription frame; the hub answers each frame with a "subscribed" or
// "error" control message.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/agentdir/internal/metrics"
)

// Connection tuning.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second // must be shorter than pongWait
	maxFrameSize   = 16 * 1024        // subscription frames are small
	sendBufferSize = 256
	eventQueueSize = 256
)

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// maxWatchedHandles caps a single subscription's handle filter.
const maxWatchedHandles = 100

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// EventType names a directory event.
type EventType string

const (
	EventVerificationCompleted EventType = "verification_completed"
	EventLevelChanged          EventType = "level_changed"
	EventAgentRegistered       EventType = "agent_registered"
	EventBatchCompleted        EventType = "batch_completed"

	// Control messages sent only to the client that subscribed.
	EventSubscribed EventType = "subscribed"
	EventError      EventType = "error"
)

// directoryEvents are the types a subscription may filter on.
var directoryEvents = []EventType{
	EventVerificationCompleted,
	EventLevelChanged,
	EventAgentRegistered,
	EventBatchCompleted,
}

// Event is one message pushed to subscribers. Handle is empty for events not
// tied to a single agent (batch summaries).
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Handle    string    `json:"handle,omitempty"`
	Data      any       `json:"data"`
}

// Subscription filters what a client receives. Clients send it as a JSON
// text frame; each frame replaces the previous filter.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	Handles    []string    `json:"handles"` // watch specific agents
}

// normalize lowercases handles and rejects unknown event types.
func (s Subscription) normalize() (Subscription, error) {
	for _, t := range s.EventTypes {
		if !slices.Contains(directoryEvents, t) {
			return Subscription{}, fmt.Errorf("unknown event type %q", t)
		}
	}
	if len(s.Handles) > maxWatchedHandles {
		return Subscription{}, fmt.Errorf("at most %d handles per subscription", maxWatchedHandles)
	}
	out := Subscription{AllEvents: s.AllEvents, EventTypes: slices.Clone(s.EventTypes)}
	for _, h := range s.Handles {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			out.Handles = append(out.Handles, h)
		}
	}
	return out, nil
}

// Matches reports whether event passes the filter. An empty subscription
// matches everything; handle filters only constrain per-agent events.
func (s Subscription) Matches(event *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, event.Type) {
		return false
	}
	if len(s.Handles) > 0 && event.Handle != "" {
		return slices.ContainsFunc(s.Handles, func(h string) bool {
			return strings.EqualFold(h, event.Handle)
		})
	}
	return true
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription

	sendMu sync.Mutex // guards closed against replies from readPump
	closed bool
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *Client) setSubscription(sub Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// reply queues a control message for this client only. It never blocks; a
// client too slow to take it is about to be dropped anyway.
func (c *Client) reply(eventType EventType, data any) {
	msg, err := json.Marshal(&Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	c.closed = true
	close(c.send)
	c.sendMu.Unlock()
}

// HubStats is a snapshot of hub counters.
type HubStats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	DroppedClients   int64 `json:"droppedClients"`
}

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents    atomic.Int64
	totalClients   atomic.Int64
	peakClients    atomic.Int64
	droppedClients atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan *Event, eventQueueSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

// deliver fans one event out. The payload is encoded once; clients whose
// buffers are full are disconnected.
func (h *Hub) deliver(event *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event", "type", event.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !client.subscription().Matches(event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		if h.removeLocked(client) {
			h.droppedClients.Add(1)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("dropped slow websocket clients", "count", len(slow))
}

// removeLocked closes client's send channel once. Caller holds h.mu.
func (h *Hub) removeLocked(client *Client) bool {
	if _, ok := h.clients[client]; !ok {
		return false
	}
	delete(h.clients, client)
	client.closeSend()
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		h.removeLocked(client) // writePump sends a close frame
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// Broadcast queues an event for delivery. It never blocks; when the queue is
// full the event is dropped.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("event queue full, dropping event", "type", event.Type)
	}
}

// Publish builds and broadcasts an event stamped with the current time.
func (h *Hub) Publish(eventType EventType, handle string, data any) {
	h.Broadcast(&Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Handle:    handle,
		Data:      data,
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return HubStats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		DroppedClients:   h.droppedClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		sub:  Subscription{AllEvents: true},
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription frames until the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		c.applySubscription(message)
	}
}

func (c *Client) applySubscription(frame []byte) {
	var sub Subscription
	if err := json.Unmarshal(frame, &sub); err != nil {
		c.reply(EventError, map[string]string{"message": "subscription must be a JSON object"})
		return
	}
	sub, err := sub.normalize()
	if err != nil {
		c.reply(EventError, map[string]string{"message": err.Error()})
		return
	}
	c.setSubscription(sub)
	c.reply(EventSubscribed, sub)
}

// writePump drains send and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
