package api_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/outcomex/exchange-engine/internal/api"
)

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(strings.Replace(url, "http", "ws", 1), nil)
	if err != nil {
		t.Fatalf("ws dial failed: %v", err)
	}
	return conn
}

func TestWSHub_BroadcastReachesClients(t *testing.T) {
	hub := api.NewWSHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dialWS(t, srv.URL)
	defer conn.Close()

	// Registration happens on the hub goroutine after the handshake.
	time.Sleep(100 * time.Millisecond)

	hub.Broadcast(api.WSMessage{Type: "book_updated", MarketID: "mkt-1", Outcome: "YES"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != "book_updated" || msg.MarketID != "mkt-1" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestWSHub_SurvivesClientChurn(t *testing.T) {
	hub := api.NewWSHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	gone := dialWS(t, srv.URL)
	stay := dialWS(t, srv.URL)
	defer stay.Close()

	time.Sleep(100 * time.Millisecond)
	gone.Close()

	// Broadcasts keep flowing while the dead connection gets reaped.
	for i := 0; i < 5; i++ {
		hub.Broadcast(api.WSMessage{Type: "trade_executed", MarketID: "mkt-1", Outcome: "YES"})
	}

	stay.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	if err := stay.ReadJSON(&msg); err != nil {
		t.Fatalf("surviving client should still receive broadcasts: %v", err)
	}
	if msg.Type != "trade_executed" {
		t.Errorf("unexpected message type: %s", msg.Type)
	}
}
