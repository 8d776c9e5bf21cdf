// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsPair upgrades a test server connection and dials it, returning the
// adapter around the server side and the raw client side.
func wsPair(t *testing.T, onClose func(string)) (*WSConn, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverConn := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConn <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	conn := NewWSConn(<-serverConn, onClose)
	conn.Start()
	return conn, client
}

func TestWSConnSend(t *testing.T) {
	conn, client := wsPair(t, nil)

	if err := conn.Send([]byte(`{"type":"session:updated"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(payload) != `{"type":"session:updated"}` {
		t.Errorf("payload = %s", payload)
	}
}

func TestWSConnCloseDeliversCode(t *testing.T) {
	var mu sync.Mutex
	var closedID string
	conn, client := wsPair(t, func(id string) {
		mu.Lock()
		closedID = id
		mu.Unlock()
	})

	if err := conn.Close(websocket.ClosePolicyViolation, "session terminated"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("client read err = %v, want CloseError", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.ClosePolicyViolation)
	}

	mu.Lock()
	defer mu.Unlock()
	if closedID != conn.ID() {
		t.Errorf("onClose got %q, want %q", closedID, conn.ID())
	}

	// Send after close fails, and a second Close is a no-op.
	if err := conn.Send([]byte("late")); err == nil {
		t.Error("Send after close succeeded")
	}
	_ = conn.Close(websocket.CloseNormalClosure, "")
}

func TestWSConnReadLoop(t *testing.T) {
	conn, client := wsPair(t, nil)

	received := make(chan []byte, 1)
	go conn.ReadLoop(func(payload []byte) {
		received <- payload
	})

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("client write: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != `{"type":"ping"}` {
			t.Errorf("payload = %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the message")
	}
}
