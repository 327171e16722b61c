package research

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readStatus(t *testing.T, conn *websocket.Conn) StatusMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg StatusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v (raw: %s)", err, data)
	}
	return msg
}

func TestWSHubBroadcastAndPrune(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	first := dialWS(t, srv)
	second := dialWS(t, srv)
	defer second.Close()

	// Give the hub's event loop time to process both registrations.
	time.Sleep(100 * time.Millisecond)

	hub.NotifyStatus("user-1", "q1", "running", "")

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readStatus(t, conn)
		if msg.Type != "refresh_status" || msg.UserID != "user-1" || msg.QueryID != "q1" {
			t.Errorf("unexpected message: %+v", msg)
		}
		if msg.State != "running" || msg.At == "" {
			t.Errorf("unexpected state fields: %+v", msg)
		}
	}

	// A dropped client is pruned on the next broadcast; survivors still
	// receive.
	first.Close()
	time.Sleep(50 * time.Millisecond)

	hub.NotifyStatus("user-1", "q1", "success", "")
	msg := readStatus(t, second)
	if msg.State != "success" {
		t.Errorf("expected success broadcast, got %+v", msg)
	}
}
