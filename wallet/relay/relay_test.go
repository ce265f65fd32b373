package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type relayServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	handler func(conn *websocket.Conn, req wsRequest)
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	rs := &relayServer{}
	rs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := rs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			rs.mu.Lock()
			handler := rs.handler
			rs.mu.Unlock()
			if handler != nil {
				handler(conn, req)
			}
		}
	}))
	t.Cleanup(rs.server.Close)
	return rs
}

func (rs *relayServer) url() string {
	return "ws" + strings.TrimPrefix(rs.server.URL, "http")
}

func (rs *relayServer) respond(handler func(conn *websocket.Conn, req wsRequest)) {
	rs.mu.Lock()
	rs.handler = handler
	rs.mu.Unlock()
}

func TestCall(t *testing.T) {
	rs := newRelayServer(t)
	rs.respond(func(conn *websocket.Conn, req wsRequest) {
		conn.WriteJSON(wsMessage{Id: req.Id, Result: json.RawMessage(`{"ok":true}`)})
	})

	client := NewClient(rs.url(), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	var result struct {
		OK bool `json:"ok"`
	}
	if err := client.Call(context.Background(), "ping", struct{}{}, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !result.OK {
		t.Error("result not decoded")
	}
}

func TestCallRelayError(t *testing.T) {
	rs := newRelayServer(t)
	rs.respond(func(conn *websocket.Conn, req wsRequest) {
		conn.WriteJSON(wsMessage{Id: req.Id, Error: "no such method"})
	})

	client := NewClient(rs.url(), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	err := client.Call(context.Background(), "bogus", struct{}{}, nil)
	if err == nil || !strings.Contains(err.Error(), "no such method") {
		t.Errorf("expected relay error, got %v", err)
	}
}

func TestCallStreamEOSE(t *testing.T) {
	rs := newRelayServer(t)
	rs.respond(func(conn *websocket.Conn, req wsRequest) {
		conn.WriteJSON(wsMessage{Id: req.Id, Item: json.RawMessage(`{"n":1}`)})
		conn.WriteJSON(wsMessage{Id: req.Id, Item: json.RawMessage(`{"n":2}`)})
		conn.WriteJSON(wsMessage{Id: req.Id, EOSE: true})
	})

	client := NewClient(rs.url(), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	// the deadline is generous, EOSE must resolve the wait well
	// before it
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	items, err := client.CallStream(ctx, "fetch", struct{}{})
	if err != nil {
		t.Fatalf("CallStream: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 items, got %d", len(items))
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("stream did not resolve on end-of-stream signal, took %v", elapsed)
	}
}

func TestCallContextDeadline(t *testing.T) {
	rs := newRelayServer(t)
	// server never answers

	client := NewClient(rs.url(), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.Call(ctx, "ping", struct{}{}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestReconnectOrphansPendingCalls(t *testing.T) {
	rs := newRelayServer(t)
	// server never answers, so the call stays pending

	client := NewClient(rs.url(), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	genBefore := client.Generation()

	callErr := make(chan error, 1)
	go func() {
		callErr <- client.Call(context.Background(), "ping", struct{}{}, nil)
	}()

	// let the call register before replacing the connection
	time.Sleep(100 * time.Millisecond)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	select {
	case err := <-callErr:
		if !errors.Is(err, ErrStaleGeneration) {
			t.Errorf("expected ErrStaleGeneration, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not failed by reconnect")
	}

	if client.Generation() <= genBefore {
		t.Error("generation did not advance on reconnect")
	}

	// the replaced connection must not affect new calls
	rs.respond(func(conn *websocket.Conn, req wsRequest) {
		conn.WriteJSON(wsMessage{Id: req.Id, Result: json.RawMessage(`{}`)})
	})
	if err := client.Call(context.Background(), "ping", struct{}{}, nil); err != nil {
		t.Errorf("call after reconnect failed: %v", err)
	}
}

func TestCallNotConnected(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1", nil)
	err := client.Call(context.Background(), "ping", struct{}{}, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}
