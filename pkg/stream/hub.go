// Package stream fans policy decision events out to live websocket
// subscribers on the admin dashboard. Delivery is best effort: a subscriber
// that cannot keep up loses events rather than slowing the request path, and
// the audit table remains the durable record.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent stamps the event with the current UTC time. A payload that fails
// to marshal is sent without data rather than blocking the decision path.
func NewEvent(eventType string, data interface{}) Event {
	evt := Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano)}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			evt.Data = b
		}
	}
	return evt
}

type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: map[chan Event]struct{}{}}
}

// Subscribe registers a new listener. The buffer absorbs bursts of
// decisions; once it fills, Publish drops events for this listener.
func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes the listener and closes its channel. Safe to call
// more than once for the same channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, registered := h.subscribers[ch]
	delete(h.subscribers, ch)
	h.mu.Unlock()
	if registered {
		close(ch)
	}
}

// Publish delivers the event to every subscriber without blocking.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
