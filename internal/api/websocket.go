package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/printwatch/internal/infrastructure/config"
	"github.com/nerrad567/printwatch/internal/infrastructure/logging"
	"github.com/nerrad567/printwatch/internal/session"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypeResync      = "resync"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// defaultChannels are the events a new client receives without subscribing.
var defaultChannels = []string{session.EventUpdate, session.EventHeartbeat}

// WSMessage is one frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects event channels and, optionally, printers. An
// empty printer list on subscribe means every printer.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Printers []string `json:"printers,omitempty"`
}

// Hub fans printer snapshots out to dashboard clients. It satisfies
// session.Broadcaster.
//
// Thread Safety: all methods are safe for concurrent use.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	closed  bool
	mu      sync.RWMutex
}

// WSClient is one dashboard connection.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// snapshots serves resync requests. Nil in hub-only tests.
	snapshots func() []session.Snapshot

	mu       sync.RWMutex
	channels map[string]struct{}
	printers map[string]struct{} // empty: all printers
}

func newClient(hub *Hub, conn *websocket.Conn, snapshots func() []session.Snapshot) *WSClient {
	c := &WSClient{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, wsSendBufferSize),
		snapshots: snapshots,
		channels:  make(map[string]struct{}, len(defaultChannels)),
		printers:  make(map[string]struct{}),
	}
	for _, ch := range defaultChannels {
		c.channels[ch] = struct{}{}
	}
	return c
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub. Call Run to tie its lifetime to a context.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// Register adds a client. It reports false once the hub has shut down.
func (h *Hub) Register(c *WSClient) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("dashboard client connected", "clients", n)
	return true
}

// Unregister removes a client. Whoever removes it from the map closes its
// send channel, so shutdown and a read error cannot both close it.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(c.send)
		h.logger.Debug("dashboard client disconnected", "clients", n)
	}
}

// Broadcast sends event to every client subscribed to it and, for snapshot
// payloads, interested in that printer. Slow clients lose the message
// instead of stalling the session that called Broadcast.
func (h *Hub) Broadcast(event string, payload any) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		h.logger.Error("encoding dashboard event", "event", event, "error", err)
		return
	}
	printerID := payloadPrinter(payload)

	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.wants(event, printerID) {
			c.trySend(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) pingInterval() time.Duration {
	return secondsOr(h.cfg.PingInterval, 30*time.Second)
}

func (h *Hub) pongWait() time.Duration {
	return secondsOr(h.cfg.PongTimeout, 10*time.Second)
}

func (h *Hub) maxMessageSize() int64 {
	if h.cfg.MaxMessageSize <= 0 {
		return 8192
	}
	return int64(h.cfg.MaxMessageSize)
}

func secondsOr(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// payloadPrinter returns the printer a payload belongs to, or "" for
// payloads that concern the whole fleet.
func payloadPrinter(payload any) string {
	switch p := payload.(type) {
	case session.Snapshot:
		return p.PrinterID
	case *session.Snapshot:
		if p != nil {
			return p.PrinterID
		}
	}
	return ""
}

func encodeEvent(event string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

// handleWebSocket upgrades the connection, subscribes the client to printer
// updates and heartbeats and sends the current snapshot of every printer.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(s.hub, conn, s.fleet.Snapshots)
	if !s.hub.Register(c) {
		conn.Close()
		return
	}
	c.resync()

	go c.writePump()
	go c.readPump()
}

// readPump handles inbound frames until the connection fails.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	deadline := c.hub.pingInterval() + c.hub.pongWait()
	extend := func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	}
	c.conn.SetReadLimit(c.hub.maxMessageSize())
	extend("") //nolint:errcheck // a failed deadline surfaces on the next read
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		extend("") //nolint:errcheck // as above
		c.handleMessage(data)
	}
}

// writePump owns all writes to the connection and keeps it alive with pings.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	wait := c.hub.pongWait()
	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(wait)) //nolint:errcheck // write reports it
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if write(websocket.TextMessage, data) != nil {
				return
			}
		case <-ticker.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

// handleMessage answers one client frame.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.handleSubscription(msg)
	case WSTypeResync:
		n := c.resync()
		c.reply(msg.ID, WSTypeResponse, map[string]int{"printers": n})
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// handleSubscription changes the client's channels and printer filter.
// Unsubscribing printers narrows the filter; unsubscribing the last one
// returns the client to every printer.
func (c *WSClient) handleSubscription(msg WSMessage) {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, "invalid payload")
		return
	}
	var sub WSSubscribePayload
	if err := json.Unmarshal(raw, &sub); err != nil {
		c.sendError(msg.ID, "invalid "+msg.Type+" payload")
		return
	}

	add := msg.Type == WSTypeSubscribe
	c.mu.Lock()
	for _, ch := range sub.Channels {
		if add {
			c.channels[ch] = struct{}{}
		} else {
			delete(c.channels, ch)
		}
	}
	for _, id := range sub.Printers {
		if add {
			c.printers[id] = struct{}{}
		} else {
			delete(c.printers, id)
		}
	}
	channels := keys(c.channels)
	printers := keys(c.printers)
	c.mu.Unlock()

	c.reply(msg.ID, WSTypeResponse, map[string][]string{
		"channels": channels,
		"printers": printers,
	})
}

// resync queues the current snapshot of every printer the client follows
// and reports how many were sent.
func (c *WSClient) resync() int {
	if c.snapshots == nil {
		return 0
	}
	n := 0
	for _, snap := range c.snapshots() {
		if !c.wants(session.EventUpdate, snap.PrinterID) {
			continue
		}
		if data, err := encodeEvent(session.EventUpdate, snap); err == nil {
			c.trySend(data)
			n++
		}
	}
	return n
}

func (c *WSClient) wants(event, printerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.channels[event]; !ok {
		return false
	}
	if printerID == "" || len(c.printers) == 0 {
		return true
	}
	_, ok := c.printers[printerID]
	return ok
}

// trySend queues data without blocking. A full buffer drops the message; a
// closed channel means the client left mid-broadcast.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // send on a channel closed by shutdown
	}()

	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err == nil {
		c.trySend(data)
	}
}

func (c *WSClient) sendError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
