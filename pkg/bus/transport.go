package bus

import (
	"context"
	"errors"
)

var (
	// ErrTransportUnsupported is returned by a Dialer when its primitive is not
	// available in this environment. The Bus then degrades to its fallback.
	ErrTransportUnsupported = errors.New("transport unsupported")
	// ErrBusClosed is returned when operating on a bus after Shutdown.
	ErrBusClosed = errors.New("bus is closed")
	// ErrTransportClosed is returned when publishing on a closed transport.
	ErrTransportClosed = errors.New("transport is closed")
)

// Transport moves encoded messages between contexts of the same origin.
// Delivery is best effort: no persistence, no acknowledgement, no retry.
type Transport interface {
	// Publish hands data to every other live context.
	Publish(ctx context.Context, data []byte) error

	// Messages returns inbound encoded messages. The channel is closed by Close.
	// Transports may echo the sender's own messages; the Bus filters them.
	Messages() <-chan []byte

	// Close releases the transport.
	Close() error
}

// PeerCounter is implemented by transports that infer presence from the
// shared medium instead of heartbeats. Peers must not block.
type PeerCounter interface {
	// Peers returns the number of live contexts, including this one.
	Peers() int
}

// Dialer opens a transport for the context with the given identity.
type Dialer func(id Identity) (Transport, error)
