// Package websocket mirrors the event hub onto a /ws/events endpoint
// for clients that want a persistent connection instead of polling the
// HTTP API or consuming the SSE stream.
package websocket

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"pbalanced/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Bridge relays every event published on a hub to connected WebSocket
// clients. Each client gets its own subscriber (and so its own bounded,
// lossy buffer): a slow browser tab drops its own backlog rather than
// stalling the executor's publishes to everyone else.
type Bridge struct {
	hub *events.Hub

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

// NewBridge constructs a Bridge over hub.
func NewBridge(hub *events.Hub) *Bridge {
	return &Bridge{hub: hub, clients: make(map[*websocket.Conn]bool)}
}

// ClientCount reports the number of currently connected clients.
func (b *Bridge) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// ServeHTTP upgrades the request to a WebSocket and streams hub events
// to it until the connection closes or the client goes silent.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket: upgrade failed: %v", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	b.mu.Unlock()
	log.Printf("websocket: client connected, total: %d", b.ClientCount())

	sub := b.hub.Subscribe()
	done := make(chan struct{})

	// Drain client-initiated frames (close, pings) on their own
	// goroutine; we never expect application data from the client.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				b.closeClient(conn)
				return
			}
			if sub.TookLagged() {
				log.Printf("websocket: client lagged, events dropped")
			}
			if err := conn.WriteJSON(ev); err != nil {
				b.hub.Unsubscribe(sub)
				b.closeClient(conn)
				return
			}
		case <-done:
			b.hub.Unsubscribe(sub)
			b.closeClient(conn)
			return
		}
	}
}

func (b *Bridge) closeClient(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.clients, conn)
	b.mu.Unlock()
	conn.Close()
	log.Printf("websocket: client disconnected, total: %d", b.ClientCount())
}
