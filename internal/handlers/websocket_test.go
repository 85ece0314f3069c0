package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/metrics"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/auth"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/monitoring"
)

var wsTestSecret = []byte("test-secret")

func dialWS(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		if resp != nil {
			t.Fatalf("dial failed with status %d: %v", resp.StatusCode, err)
		}
		t.Fatalf("dial failed: %v", err)
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) notification.ServerMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg notification.ServerMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func TestWebSocketLifecycle(t *testing.T) {
	f := newFixture(t, Config{JWTSecret: wsTestSecret})
	server := httptest.NewServer(f.router)
	defer server.Close()

	token, err := auth.GenerateJWT("u1", "default", []string{"admin"}, wsTestSecret, time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	ws := dialWS(t, server, token)
	defer ws.Close()

	// Registry sees the connection shortly after the upgrade.
	waitFor(t, func() bool { return f.registry.Stats().TotalConnections == 1 })

	// Subscribe and expect the confirmation frame.
	if err := ws.WriteJSON(notification.ClientMessage{Type: "subscribe", Channels: []string{"ops"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	frame := readFrame(t, ws)
	if frame.Type != "subscribed" || len(frame.Channels) != 1 || frame.Channels[0] != "ops" {
		t.Fatalf("unexpected subscribe reply: %+v", frame)
	}

	// Ping round-trips.
	if err := ws.WriteJSON(notification.ClientMessage{Type: "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if frame := readFrame(t, ws); frame.Type != "pong" {
		t.Fatalf("expected pong, got %+v", frame)
	}

	// A channel dispatch lands on the socket, and the client ack clears the
	// pending entry.
	event := notification.NewEvent("deploy.done", json.RawMessage(`{"ok":true}`))
	result := f.handlers.dispatcher.SendToChannel(context.Background(), "ops", event)
	if result.DeliveredTo != 1 {
		t.Fatalf("channel dispatch: %+v", result)
	}
	frame = readFrame(t, ws)
	if frame.Type != "notification" || frame.Event == nil || frame.Event.ID != event.ID {
		t.Fatalf("unexpected notification frame: %+v", frame)
	}

	if err := ws.WriteJSON(notification.ClientMessage{Type: "ack", NotificationID: event.ID}); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	if frame := readFrame(t, ws); frame.Type != "acked" || frame.NotificationID != event.ID {
		t.Fatalf("unexpected ack reply: %+v", frame)
	}
	pending, err := f.acks.GetPending(context.Background(), event.ID)
	if err != nil || pending != nil {
		t.Fatalf("pending entry must be cleared, got %v (%v)", pending, err)
	}

	// Close tears the registration down.
	ws.Close()
	waitFor(t, func() bool { return f.registry.Stats().TotalConnections == 0 })
}

// An accepted ack clears the pending entry and records the delivery-to-ack
// latency on the histogram.
func TestAcknowledgeObservesLatency(t *testing.T) {
	f := newFixture(t, Config{})
	m := metrics.New(monitoring.NewMetricsCollector("handlers-ack-test", "test", "none"))
	f.handlers.SetMetrics(m)

	handle, err := f.registry.Register("u1", "default", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	f.acks.Track("n-1", "u1", handle.ID)

	f.handlers.acknowledge(handle, "n-1")

	if pending, _ := f.acks.GetPending(context.Background(), "n-1"); pending != nil {
		t.Fatal("pending entry must be cleared")
	}
	if got := testutil.CollectAndCount(m.AckLatency); got != 1 {
		t.Fatalf("ack latency series = %d, want 1", got)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	f := newFixture(t, Config{JWTSecret: wsTestSecret})
	server := httptest.NewServer(f.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial with a bad token must fail")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestWebSocketReplaysOfflineQueue(t *testing.T) {
	f := newFixture(t, Config{JWTSecret: wsTestSecret})
	server := httptest.NewServer(f.router)
	defer server.Close()

	// Queue three messages while the user is offline.
	for i := 1; i <= 3; i++ {
		event := notification.NewEvent("backlog", json.RawMessage(`{"n":`+strconv.Itoa(i)+`}`))
		result := f.handlers.dispatcher.SendToUser(context.Background(), "u2", event)
		if !result.Queued {
			t.Fatalf("expected queued dispatch, got %+v", result)
		}
	}

	token, err := auth.GenerateJWT("u2", "default", nil, wsTestSecret, time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	ws := dialWS(t, server, token)
	defer ws.Close()

	for i := 1; i <= 3; i++ {
		frame := readFrame(t, ws)
		if frame.Type != "notification" {
			t.Fatalf("replay frame %d: %+v", i, frame)
		}
	}
}

func TestWebSocketMalformedFrameGetsError(t *testing.T) {
	f := newFixture(t, Config{JWTSecret: wsTestSecret})
	server := httptest.NewServer(f.router)
	defer server.Close()

	token, _ := auth.GenerateJWT("u1", "default", nil, wsTestSecret, time.Minute)
	ws := dialWS(t, server, token)
	defer ws.Close()

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, ws); frame.Type != "error" || frame.Code != "bad_frame" {
		t.Fatalf("expected error frame, got %+v", frame)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}
