package websocket

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pbalanced/internal/events"
)

func TestBridgeRelaysHubEventsToClient(t *testing.T) {
	hub := events.New()
	defer hub.Close()
	bridge := NewBridge(hub)

	server := httptest.NewServer(bridge)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// Give the server goroutine time to subscribe before we publish.
	deadline := time.Now().Add(2 * time.Second)
	for bridge.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered with bridge")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(events.TypeScanProgress, events.ScanProgress{Disk: "disk1", FilesSeen: 10})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.Type != events.TypeScanProgress {
		t.Fatalf("event type = %q, want %q", got.Type, events.TypeScanProgress)
	}
}

func TestBridgeClientCountDropsOnDisconnect(t *testing.T) {
	hub := events.New()
	defer hub.Close()
	bridge := NewBridge(hub)

	server := httptest.NewServer(bridge)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for bridge.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered with bridge")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for bridge.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge never noticed client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
