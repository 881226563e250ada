package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/printwatch/internal/infrastructure/config"
	"github.com/nerrad567/printwatch/internal/infrastructure/logging"
	"github.com/nerrad567/printwatch/internal/session"
)

func testHub() *Hub {
	return NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, logging.Discard())
}

// testClient returns a connectionless client subscribed to exactly channels.
func testClient(hub *Hub, channels ...string) *WSClient {
	c := newClient(hub, nil, nil)
	c.channels = make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	return c
}

// drain returns the event messages currently queued for c.
func drain(t *testing.T, c *WSClient) []WSMessage {
	t.Helper()
	var out []WSMessage
	for {
		select {
		case data := <-c.send:
			var msg WSMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

// ─── Hub Tests ─────────────────────────────────────────────────────

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := testHub()
	client := testClient(hub, session.EventUpdate)
	hub.Register(client)

	hub.Broadcast(session.EventUpdate, session.Snapshot{PrinterID: "P1", Percent: 10})

	select {
	case msg := <-client.send:
		var wsMsg struct {
			Type      string           `json:"type"`
			EventType string           `json:"event_type"`
			Payload   session.Snapshot `json:"payload"`
		}
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if wsMsg.Type != WSTypeEvent || wsMsg.EventType != session.EventUpdate || wsMsg.Payload.Percent != 10 {
			t.Errorf("message = %+v", wsMsg)
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for broadcast message")
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	hub := testHub()
	client := testClient(hub, session.EventHeartbeat)
	hub.Register(client)

	hub.Broadcast(session.EventUpdate, map[string]any{"printer_id": "P1"})

	select {
	case <-client.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ClientCountAndShutdown(t *testing.T) {
	hub := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	client := testClient(hub)
	if !hub.Register(client) {
		t.Fatal("Register() refused before shutdown")
	}
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}
	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}

	cancel()
	<-stopped
	if hub.Register(testClient(hub)) {
		t.Error("Register() accepted a client after shutdown")
	}
	// Broadcasting after shutdown is a no-op.
	hub.Broadcast(session.EventUpdate, nil)
}

func TestHub_SlowClientDoesNotBlock(t *testing.T) {
	hub := testHub()
	client := testClient(hub, session.EventUpdate)
	client.send = make(chan []byte, 1)
	hub.Register(client)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Broadcast(session.EventUpdate, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full client buffer")
	}
}

func TestHub_PrinterFilter(t *testing.T) {
	hub := testHub()
	all := testClient(hub, session.EventUpdate)
	one := testClient(hub, session.EventUpdate)
	one.printers["P2"] = struct{}{}
	hub.Register(all)
	hub.Register(one)

	hub.Broadcast(session.EventUpdate, session.Snapshot{PrinterID: "P1"})
	hub.Broadcast(session.EventUpdate, &session.Snapshot{PrinterID: "P2"})
	hub.Broadcast(session.EventUpdate, map[string]any{"fleet": true})

	if got := len(drain(t, all)); got != 3 {
		t.Errorf("unfiltered client got %d messages, want 3", got)
	}
	// P2 plus the fleet-wide payload.
	if got := len(drain(t, one)); got != 2 {
		t.Errorf("filtered client got %d messages, want 2", got)
	}
}

func TestClient_Resync(t *testing.T) {
	hub := testHub()
	c := newClient(hub, nil, func() []session.Snapshot {
		return []session.Snapshot{{PrinterID: "P1"}, {PrinterID: "P2"}, {PrinterID: "P3"}}
	})
	if n := c.resync(); n != 3 {
		t.Errorf("resync() = %d, want 3", n)
	}
	drain(t, c)

	c.printers["P3"] = struct{}{}
	if n := c.resync(); n != 1 {
		t.Errorf("filtered resync() = %d, want 1", n)
	}
	msgs := drain(t, c)
	if len(msgs) != 1 || msgs[0].EventType != session.EventUpdate {
		t.Fatalf("resync messages = %+v", msgs)
	}
	if p, _ := msgs[0].Payload.(map[string]any); p["printer_id"] != "P3" {
		t.Errorf("resync payload = %v", msgs[0].Payload)
	}
}

// ─── WebSocket Endpoint Tests ──────────────────────────────────────

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func TestWebSocket_InitialSnapshotsAndUpdates(t *testing.T) {
	srv, _ := testServer(t, nil)
	conn := dialWS(t, srv)

	first := readMessage(t, conn)
	second := readMessage(t, conn)
	if first.EventType != session.EventUpdate || second.EventType != session.EventUpdate {
		t.Fatalf("initial events = %q, %q", first.EventType, second.EventType)
	}
	payload, _ := first.Payload.(map[string]any)
	if payload["printer_id"] != "P1" {
		t.Errorf("first snapshot = %v", payload)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub().ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	srv.Hub().Broadcast(session.EventHeartbeat, session.Snapshot{PrinterID: "P1", Percent: 55})

	beat := readMessage(t, conn)
	payload, _ = beat.Payload.(map[string]any)
	if beat.EventType != session.EventHeartbeat || payload["percent"] != float64(55) {
		t.Errorf("heartbeat = %+v", beat)
	}
}

func TestWebSocket_SubscriptionMessages(t *testing.T) {
	srv, _ := testServer(t, nil)
	conn := dialWS(t, srv)
	readMessage(t, conn)
	readMessage(t, conn)

	tests := []struct {
		name     string
		send     string
		wantType string
		wantID   string
	}{
		{"ping", `{"type":"ping","id":"1"}`, WSTypePong, "1"},
		{"unsubscribe", `{"type":"unsubscribe","id":"2","payload":{"channels":["printer.heartbeat"]}}`, WSTypeResponse, "2"},
		{"subscribe", `{"type":"subscribe","id":"3","payload":{"channels":["printer.heartbeat"]}}`, WSTypeResponse, "3"},
		{"bad payload", `{"type":"subscribe","id":"5","payload":{"channels":"printer.update"}}`, WSTypeError, "5"},
		{"unknown", `{"type":"dance","id":"4"}`, WSTypeError, "4"},
		{"garbage", `not json`, WSTypeError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.send)); err != nil {
				t.Fatal(err)
			}
			msg := readMessage(t, conn)
			if msg.Type != tt.wantType || msg.ID != tt.wantID {
				t.Errorf("reply = %+v, want type %q id %q", msg, tt.wantType, tt.wantID)
			}
		})
	}
}

func TestWebSocket_PrinterSubscriptionAndResync(t *testing.T) {
	srv, _ := testServer(t, nil)
	conn := dialWS(t, srv)
	readMessage(t, conn)
	readMessage(t, conn)

	send := func(frame string) {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatal(err)
		}
	}

	send(`{"type":"subscribe","id":"1","payload":{"channels":[],"printers":["P2"]}}`)
	ack := readMessage(t, conn)
	payload, _ := ack.Payload.(map[string]any)
	if printers, _ := payload["printers"].([]any); len(printers) != 1 || printers[0] != "P2" {
		t.Fatalf("subscribe ack = %+v", ack)
	}

	send(`{"type":"resync","id":"2"}`)
	snap := readMessage(t, conn)
	if p, _ := snap.Payload.(map[string]any); snap.EventType != session.EventUpdate || p["printer_id"] != "P2" {
		t.Errorf("resync snapshot = %+v", snap)
	}
	done := readMessage(t, conn)
	if p, _ := done.Payload.(map[string]any); done.Type != WSTypeResponse || done.ID != "2" || p["printers"] != float64(1) {
		t.Errorf("resync reply = %+v", done)
	}
}
