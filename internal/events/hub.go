// Package events is the daemon's in-process broadcast hub: scanner,
// balancer, and executor publish Event values; HTTP handlers (SSE and
// websocket) subscribe to watch them live. No subscriber can block a
// publisher — each subscriber owns a bounded buffer and the hub drops
// the subscriber's own oldest event, never the publisher's newest.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies an Event's payload shape, matching the variant names
// fanned out to SSE/websocket clients.
type Type string

const (
	TypeScanProgress  Type = "scan_progress"
	TypeScanCompleted Type = "scan_completed"
	TypePlanCreated   Type = "plan_created"
	TypeMoveStarted   Type = "move_started"
	TypeMoveProgress  Type = "move_progress"
	TypeMoveCompleted Type = "move_completed"
	TypeMoveFailed    Type = "move_failed"
	TypePlanFinished  Type = "plan_finished"
	TypeWarning       Type = "warning"
)

// Event is the envelope broadcast to every subscriber. Data holds one
// of the payload structs in payloads.go, chosen by Type.
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// subscriberBacklog is the per-subscriber ring buffer depth. Sized for
// a few seconds of MoveProgress ticks at the executor's ≤10 Hz cap
// plus bursty ScanProgress, so a brief HTTP stall does not immediately
// trip the lagged marker.
const subscriberBacklog = 256

// Subscriber is a single live listener's view of the hub. Events()
// yields the channel to range over; TookLagged reports (and clears)
// whether this subscriber has dropped events since the last check, so
// a UI can resync state from the REST API.
type Subscriber struct {
	id     uint64
	ch     chan Event
	lagged atomic.Bool
	hub    *Hub
}

// Events returns the channel of events for this subscriber. The
// channel is closed when Unsubscribe is called or the hub shuts down.
func (sub *Subscriber) Events() <-chan Event {
	return sub.ch
}

// TookLagged reports whether an event was dropped for this subscriber
// since the last call, clearing the marker as it reports it.
func (sub *Subscriber) TookLagged() bool {
	return sub.lagged.Swap(false)
}

// Hub is the process-wide broadcast point. Zero value is not usable;
// construct with New.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscriber
	nextID  uint64
	closed  bool
}

// New constructs an empty hub ready to accept subscribers and publishes.
func New() *Hub {
	return &Hub{subs: make(map[uint64]*Subscriber)}
}

// Subscribe registers a new listener and returns its handle. Callers
// must call Unsubscribe when done to free the backlog buffer.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{
		id:  h.nextID,
		ch:  make(chan Event, subscriberBacklog),
		hub: h,
	}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a listener and closes its channel. Safe to call
// more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)
}

// Publish fans an event out to every current subscriber. Never blocks:
// a subscriber whose buffer is full has its oldest event dropped to
// make room, and is marked lagged so it can resync via REST instead of
// stalling the publisher (the executor, most critically) on a slow
// HTTP client.
func (h *Hub) Publish(typ Type, data interface{}) {
	ev := Event{Type: typ, Timestamp: time.Now(), Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		sub.deliver(ev)
	}
}

func (sub *Subscriber) deliver(ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	// Buffer full: drop the oldest queued event, then retry. Another
	// goroutine draining sub.ch concurrently may win the receive first;
	// either way the slot opens and the lagged marker still applies.
	select {
	case <-sub.ch:
	default:
	}
	sub.lagged.Store(true)

	select {
	case sub.ch <- ev:
	default:
		// Backlog refilled by a concurrent publish between our drain and
		// send; this event is lost too, which is within the documented
		// best-effort contract.
	}
}

// Close unsubscribes and closes every outstanding subscriber, used at
// daemon shutdown so blocked SSE/websocket handlers observe closed channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}
