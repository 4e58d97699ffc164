package api_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"geminize/internal/api"
)

func dialHub(t *testing.T, hub *api.Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(api.New(api.Deps{Hub: hub}, api.Options{}, discardLogger()).Handler())
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) api.WSMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read error: %v", err)
	}
	return msg
}

func TestHub_BroadcastsEvents(t *testing.T) {
	hub := api.NewHub(api.HubConfig{}, discardLogger())
	conn := dialHub(t, hub)

	hub.Broadcast(api.EventSession, map[string]string{"state": "connected"})
	msg := readMessage(t, conn)
	if msg.Type != api.WSTypeEvent || msg.EventType != api.EventSession {
		t.Errorf("message: got %+v", msg)
	}
	payload, _ := msg.Payload.(map[string]any)
	if payload["state"] != "connected" {
		t.Errorf("payload: got %v", msg.Payload)
	}

	if err := hub.Notify(context.Background(), "Could not rename Winch. Please try again."); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	msg = readMessage(t, conn)
	if msg.EventType != api.EventNotification {
		t.Errorf("event type: got %q, want %q", msg.EventType, api.EventNotification)
	}
}

func TestHub_AnswersPing(t *testing.T) {
	hub := api.NewHub(api.HubConfig{}, discardLogger())
	conn := dialHub(t, hub)

	if err := conn.WriteJSON(api.WSMessage{Type: api.WSTypePing, ID: "42"}); err != nil {
		t.Fatalf("write error: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != api.WSTypePong || msg.ID != "42" {
		t.Errorf("reply: got %+v", msg)
	}

	if err := conn.WriteJSON(api.WSMessage{Type: "subscribe"}); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != api.WSTypeError {
		t.Errorf("unknown type reply: got %+v", msg)
	}
}

func TestHub_RunClosesClients(t *testing.T) {
	hub := api.NewHub(api.HubConfig{}, discardLogger())
	conn := dialHub(t, hub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if hub.ClientCount() != 0 {
		t.Errorf("clients: got %d, want 0", hub.ClientCount())
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection should be closed")
	}
}
