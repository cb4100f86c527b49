package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aixgo-dev/tabsync/pkg/observability"
)

const (
	// DefaultPollInterval is how often the relay polls the shared medium.
	DefaultPollInterval = time.Second
	// DefaultRelayCapacity keeps only the latest message, which loses any
	// earlier message sent within the same poll interval.
	DefaultRelayCapacity = 1
)

// RelayConfig configures a RelayTransport.
type RelayConfig struct {
	// PollInterval is the polling period (default 1s).
	PollInterval time.Duration
	// Capacity is the number of retained messages (default 1).
	// With capacity 1 a reader consumes the slot it read. With a larger
	// capacity entries stay until pushed out and readers de-duplicate by
	// per-origin sequence number.
	Capacity int
	// LivenessTTL is how long a liveness marker survives without a refresh
	// (default 5 poll intervals).
	LivenessTTL time.Duration
	// Logger receives transport warnings.
	Logger logrus.FieldLogger
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultRelayCapacity
	}
	if c.LivenessTTL <= 0 {
		c.LivenessTTL = 5 * c.PollInterval
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// RelayTransport is the degraded-mode transport: it writes outgoing messages
// into a shared Medium and polls it on a fixed interval.
type RelayTransport struct {
	id     Identity
	medium Medium
	cfg    RelayConfig
	log    logrus.FieldLogger

	out     chan []byte
	lastSeq map[Identity]uint64
	peers   atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// RelayDialer returns a Dialer that opens relay transports over medium.
func RelayDialer(medium Medium, cfg RelayConfig) Dialer {
	return func(id Identity) (Transport, error) {
		return NewRelayTransport(id, medium, cfg), nil
	}
}

// NewRelayTransport starts polling medium on behalf of id.
func NewRelayTransport(id Identity, medium Medium, cfg RelayConfig) *RelayTransport {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	t := &RelayTransport{
		id:      id,
		medium:  medium,
		cfg:     cfg,
		log:     cfg.Logger.WithFields(logrus.Fields{"component": "relay", "origin": id}),
		out:     make(chan []byte, defaultHubBuffer),
		lastSeq: make(map[Identity]uint64),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	t.peers.Store(1)

	// Entries already retained in a ring belong to the past.
	if cfg.Capacity > 1 {
		t.poll(ctx, false)
	} else {
		t.heartbeat(ctx)
	}

	go t.run(ctx)
	return t
}

func (t *RelayTransport) run(ctx context.Context) {
	defer close(t.done)
	defer close(t.out)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.poll(ctx, true)
		}
	}
}

func (t *RelayTransport) heartbeat(ctx context.Context) {
	if err := t.medium.MarkAlive(ctx, t.id, t.cfg.LivenessTTL); err != nil {
		t.log.WithError(err).Warn("Failed to refresh liveness marker")
	}
	n, err := t.medium.Alive(ctx)
	if err != nil {
		t.log.WithError(err).Warn("Failed to count live contexts")
		return
	}
	if n < 1 {
		n = 1
	}
	t.peers.Store(int64(n))
}

// poll reads the medium once. When deliver is false the entries only
// advance the per-origin sequence watermarks.
func (t *RelayTransport) poll(ctx context.Context, deliver bool) {
	t.heartbeat(ctx)

	entries, err := t.medium.Read(ctx)
	if err != nil {
		t.log.WithError(err).Warn("Failed to read relay")
		return
	}

	var retained map[Identity]struct{}
	if t.cfg.Capacity > 1 {
		retained = make(map[Identity]struct{}, len(t.lastSeq))
		defer t.forgetOrigins(retained)
	}

	for _, data := range entries {
		msg, err := Decode(data)
		if err != nil {
			t.log.WithError(err).Debug("Discarding undecodable relay entry")
			observability.RecordBusDrop("decode")
			if t.cfg.Capacity == 1 {
				_ = t.medium.Remove(ctx, data)
			}
			continue
		}
		if msg.OriginID == t.id {
			continue
		}

		if t.cfg.Capacity == 1 {
			// Consume the slot so the message is delivered once.
			if err := t.medium.Remove(ctx, data); err != nil {
				t.log.WithError(err).Warn("Failed to consume relay slot")
			}
		} else {
			retained[msg.OriginID] = struct{}{}
			if msg.Seq <= t.lastSeq[msg.OriginID] {
				continue
			}
			t.lastSeq[msg.OriginID] = msg.Seq
		}

		if !deliver {
			continue
		}
		select {
		case t.out <- data:
		case <-ctx.Done():
			return
		}
	}
}

// forgetOrigins drops the watermark of every origin with no entry left in
// the ring. Entries are only ever pushed out, so a returning origin can only
// bring sequence numbers not seen before.
func (t *RelayTransport) forgetOrigins(retained map[Identity]struct{}) {
	for origin := range t.lastSeq {
		if _, ok := retained[origin]; !ok {
			delete(t.lastSeq, origin)
		}
	}
}

// Publish implements Transport.
func (t *RelayTransport) Publish(ctx context.Context, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	return t.medium.Append(ctx, data, t.cfg.Capacity)
}

// Messages implements Transport.
func (t *RelayTransport) Messages() <-chan []byte {
	return t.out
}

// Peers implements PeerCounter using the liveness markers of the medium.
func (t *RelayTransport) Peers() int {
	return int(t.peers.Load())
}

// Close implements Transport. It stops polling and removes the liveness marker.
func (t *RelayTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	<-t.done

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return t.medium.MarkGone(ctx, t.id)
}
