package engine

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func clientCount(h *WSHub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWSHub_BroadcastReachesClient(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return clientCount(hub) == 1 }, "client never registered")

	hub.Broadcast(WSMessage{Type: "listing_created", ListingID: "l1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if !strings.Contains(string(data), "listing_created") {
		t.Errorf("unexpected payload: %s", data)
	}
}

// A client that goes away is evicted on the next broadcast, concurrently
// with its ping ticker still reading the client set.
func TestWSHub_EvictsDeadClientOnBroadcast(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	waitFor(t, func() bool { return clientCount(hub) == 1 }, "client never registered")

	conn.Close()

	// Writes to a closed peer eventually fail; keep broadcasting until the
	// hub notices and drops the connection.
	waitFor(t, func() bool {
		hub.Broadcast(WSMessage{Type: "shares_purchased", ListingID: "l1"})
		return clientCount(hub) == 0
	}, "dead client never evicted")
}
