package bus

import (
	"context"
	"sync"
)

// MemoryHub connects in-process transports. Every endpoint receives what
// the others publish.
type MemoryHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]memorySub
}

type memorySub struct {
	endpoint *MemoryTransport
	deliver  func([]byte)
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[string]map[int]memorySub)}
}

// Endpoint returns a new transport attached to the hub.
func (h *MemoryHub) Endpoint() *MemoryTransport {
	return &MemoryTransport{hub: h}
}

// MemoryTransport is one participant of a MemoryHub.
type MemoryTransport struct {
	hub *MemoryHub
}

// Publish delivers data to every other endpoint subscribed to topic.
func (t *MemoryTransport) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h := t.hub
	h.mu.Lock()
	var targets []func([]byte)
	for _, s := range h.subs[topic] {
		if s.endpoint != t {
			targets = append(targets, s.deliver)
		}
	}
	h.mu.Unlock()

	for _, deliver := range targets {
		deliver(append([]byte(nil), data...))
	}
	return nil
}

// Subscribe registers deliver for topic.
func (t *MemoryTransport) Subscribe(topic string, deliver func([]byte)) (func(), error) {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[int]memorySub)
	}
	h.subs[topic][id] = memorySub{endpoint: t, deliver: deliver}

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[topic], id)
		if len(h.subs[topic]) == 0 {
			delete(h.subs, topic)
		}
	}, nil
}
