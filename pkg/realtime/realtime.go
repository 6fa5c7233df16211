// Package realtime provides the notification envelope and the in-process
// publish/subscribe hub swapsync components use to tell outside consumers
// (CLI, local status API, UI bridges) what is happening: connection state
// changes, queue drops, targeting state changes and optimistic rollbacks.
//
// Delivery is best-effort. Each listener owns a buffered channel and a
// listener whose buffer is full misses that notification; publishers never
// block. Components that need guaranteed delivery between each other (the
// queue telling the coordinator a message was dropped) use direct callbacks
// instead of the hub.
package realtime

import (
	"sync"
	"time"
)

// Notification kinds published on the hub.
const (
	KindConnected     = "connected"
	KindDisconnected  = "disconnected"
	KindReconnecting  = "reconnecting"
	KindError         = "error"
	KindMessageSent   = "message_sent"
	KindMessageFailed = "message_failed"
	KindStateChanged  = "state_changed"
	KindConfirmed     = "optimistic_confirmed"
	KindRolledBack    = "optimistic_rolled_back"
)

// Notification is the hub envelope. Only the fields relevant to Kind are set.
type Notification struct {
	Kind      string        `json:"kind"`
	Time      time.Time     `json:"time"`
	SwapID    string        `json:"swap_id,omitempty"`
	TargetID  string        `json:"target_id,omitempty"`
	EventType string        `json:"event_type,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Hub is an in-memory fan-out dispatcher. It is safe for concurrent use.
type Hub struct {
	mu        sync.RWMutex
	listeners map[uint64]chan Notification
	nextID    uint64
	bufSize   int
}

// NewHub constructs a hub with the given per-listener buffer size.
// If bufSize <= 0, a default of 64 is used.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Hub{
		listeners: make(map[uint64]chan Notification),
		bufSize:   bufSize,
	}
}

// Register adds a listener and returns its id and receive channel.
// Callers must Unregister(id) to release it.
func (h *Hub) Register() (uint64, <-chan Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Notification, h.bufSize)
	h.listeners[id] = ch
	return id, ch
}

// Unregister removes the listener and closes its channel. Unknown ids are ignored.
func (h *Hub) Unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.listeners[id]; ok {
		delete(h.listeners, id)
		close(ch)
	}
}

// Publish delivers n to every listener without blocking. A zero Time is
// stamped with the current time.
func (h *Hub) Publish(n Notification) {
	if h == nil {
		return
	}
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- n:
		default:
			// slow listener
		}
	}
}

// Size returns the current number of listeners.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
