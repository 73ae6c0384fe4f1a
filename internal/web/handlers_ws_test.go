package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"oee-monitor/internal/production"

	"nhooyr.io/websocket"
)

func newTestHub() *Hub {
	return NewHub(newTestLogger())
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c := &client{send: make(chan []byte, 16)}
	hub.register <- c
	waitFor(t, "register", func() bool { return hub.Len() == 1 })

	hub.unregister <- c
	waitFor(t, "unregister", func() bool { return hub.Len() == 0 })

	if _, ok := <-c.send; ok {
		t.Error("send queue still open after unregister")
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &client{send: make(chan []byte, 16)}
	c2 := &client{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2

	hub.Broadcast(production.Event{Type: production.EventViewChanged, Data: production.ViewSetup})

	for i, c := range []*client{c1, c2} {
		select {
		case msg := <-c.send:
			var ev struct {
				Type string `json:"type"`
				Data string `json:"data"`
			}
			if err := json.Unmarshal(msg, &ev); err != nil {
				t.Fatal(err)
			}
			if ev.Type != production.EventViewChanged || ev.Data != "setup" {
				t.Errorf("client %d got %s", i, msg)
			}
		case <-time.After(time.Second):
			t.Errorf("client %d did not receive broadcast", i)
		}
	}
}

func TestHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &client{send: make(chan []byte, 1)}
	fast := &client{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast

	hub.Broadcast("msg1")
	hub.Broadcast("msg2")
	waitFor(t, "eviction", func() bool { return hub.Len() == 1 })

	hub.mu.RLock()
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()
	if !fastPresent {
		t.Error("fast client was evicted")
	}
}

func TestHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	defer hub.Stop()

	// Not running: the queue fills up.
	for i := 0; i < hubQueue; i++ {
		hub.Broadcast(i)
	}
	done := make(chan struct{})
	go func() {
		hub.Broadcast("overflow")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked on a full queue")
	}
}

func TestHubStop(t *testing.T) {
	hub := newTestHub()
	stopped := make(chan struct{})
	go func() {
		hub.Run()
		close(stopped)
	}()

	c := &client{send: make(chan []byte, 16)}
	hub.register <- c

	hub.Stop()
	hub.Stop()
	<-stopped

	if _, ok := <-c.send; ok {
		t.Error("client queue still open after Stop")
	}
}

func TestHubUnregisterUnknownClient(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	unknown := &client{send: make(chan []byte, 16)}
	hub.unregister <- unknown

	select {
	case unknown.send <- []byte("x"):
	default:
		t.Error("queue of an unregistered client was closed")
	}
}

func TestWebsocketSnapshotThenEvents(t *testing.T) {
	srv, env := setupTestServer(t, "")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() map[string]any {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatal(err)
		}
		return m
	}

	first := read()
	if first["type"] != EventSnapshot {
		t.Fatalf("first frame type = %v, want snapshot", first["type"])
	}
	if data, _ := first["data"].(map[string]any); data["deviceId"] != env.state.Snapshot().DeviceID {
		t.Errorf("snapshot frame = %v", first)
	}

	waitFor(t, "client registration", func() bool { return srv.hub.Len() == 1 })
	if err := env.state.SetView(production.ViewSetup); err != nil {
		t.Fatal(err)
	}
	ev := read()
	if ev["type"] != production.EventViewChanged || ev["data"] != "setup" {
		t.Errorf("event frame = %v", ev)
	}
}
