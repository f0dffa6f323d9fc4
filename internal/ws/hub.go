package ws

import (
	"sort"
	"strings"
	"sync"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans events out to topic rooms. Broadcasts from a single goroutine
// reach each subscriber in publication order; clients whose send fails are
// evicted and closed.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[Subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[Subscriber]struct{})}
}

// Register adds a client to a topic room.
func (h *Hub) Register(topic string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.topics[topic]
	if !ok {
		room = make(map[Subscriber]struct{})
		h.topics[topic] = room
	}
	room[client] = struct{}{}
}

// Unregister removes a client from a topic room without closing it.
func (h *Hub) Unregister(topic string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.topics[topic]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Broadcast delivers payload to every subscriber of a topic. It returns the
// number of successful deliveries.
func (h *Hub) Broadcast(topic string, payload []byte) int {
	h.mu.RLock()
	room := h.topics[topic]
	clients := make([]Subscriber, 0, len(room))
	for c := range room {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	delivered := 0
	var failed []Subscriber
	for _, c := range clients {
		if err := c.Send(payload); err != nil {
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	if len(failed) > 0 {
		h.mu.Lock()
		if room, ok := h.topics[topic]; ok {
			for _, c := range failed {
				delete(room, c)
			}
			if len(room) == 0 {
				delete(h.topics, topic)
			}
		}
		h.mu.Unlock()
		for _, c := range failed {
			c.Close()
		}
	}
	return delivered
}

// Topics returns the sorted topic names carrying the given prefix that have
// at least one live subscriber. The metrics sampler uses it to find which
// services are being watched.
func (h *Hub) Topics(prefix string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var names []string
	for topic, room := range h.topics {
		if len(room) == 0 {
			continue
		}
		if strings.HasPrefix(topic, prefix) {
			names = append(names, topic)
		}
	}
	sort.Strings(names)
	return names
}

// SubscriberCount reports the number of clients in a topic room.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// CloseAll closes every client and empties the hub. Used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	rooms := h.topics
	h.topics = make(map[string]map[Subscriber]struct{})
	h.mu.Unlock()

	closed := make(map[Subscriber]struct{})
	for _, room := range rooms {
		for c := range room {
			if _, done := closed[c]; done {
				continue
			}
			closed[c] = struct{}{}
			c.Close()
		}
	}
}
