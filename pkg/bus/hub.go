package bus

import (
	"context"
	"sync"

	"github.com/aixgo-dev/tabsync/pkg/observability"
)

const defaultHubBuffer = 256

// Hub is an in-process broadcast primitive for contexts that share one
// process. It fans every published message out to all other members and
// keeps nothing: a member that joins later never sees earlier messages.
type Hub struct {
	mu      sync.RWMutex
	members map[*HubTransport]struct{}
	buffer  int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		members: make(map[*HubTransport]struct{}),
		buffer:  defaultHubBuffer,
	}
}

// Dialer returns a Dialer that joins the hub.
func (h *Hub) Dialer() Dialer {
	return func(id Identity) (Transport, error) {
		return h.Join(id), nil
	}
}

// Join adds a member to the hub.
func (h *Hub) Join(id Identity) *HubTransport {
	t := &HubTransport{
		hub: h,
		id:  id,
		in:  make(chan []byte, h.buffer),
	}

	h.mu.Lock()
	h.members[t] = struct{}{}
	h.mu.Unlock()

	return t
}

// Size returns the number of joined members.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

func (h *Hub) broadcast(from *HubTransport, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for member := range h.members {
		if member == from {
			continue
		}
		select {
		case member.in <- data:
		default:
			// Slow member; the hub never blocks the publisher.
			observability.RecordBusDrop("hub_full")
		}
	}
}

func (h *Hub) leave(t *HubTransport) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.members[t]; !ok {
		return false
	}
	delete(h.members, t)
	close(t.in)
	return true
}

// HubTransport is one member's view of a Hub.
type HubTransport struct {
	hub *Hub
	id  Identity
	in  chan []byte
}

// Publish implements Transport.
func (t *HubTransport) Publish(_ context.Context, data []byte) error {
	t.hub.mu.RLock()
	_, ok := t.hub.members[t]
	t.hub.mu.RUnlock()
	if !ok {
		return ErrTransportClosed
	}

	t.hub.broadcast(t, data)
	return nil
}

// Messages implements Transport.
func (t *HubTransport) Messages() <-chan []byte {
	return t.in
}

// Close implements Transport.
func (t *HubTransport) Close() error {
	t.hub.leave(t)
	return nil
}
