// Package bus gives every execution context an identity and a best-effort
// publish/subscribe channel to all other contexts of the same origin, with
// heartbeat-based presence and a polling fallback when no native broadcast
// primitive is available.
package bus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aixgo-dev/tabsync/pkg/observability"
)

const (
	// DefaultHeartbeatInterval is the presence heartbeat period.
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultPresenceTTL is how long a context stays present without a heartbeat.
	DefaultPresenceTTL = 3 * DefaultHeartbeatInterval

	defaultOutboundBuffer = 128
	defaultPublishTimeout = 5 * time.Second
)

// Handler receives messages from other contexts.
type Handler func(Message)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is one context's endpoint on the message bus.
// Bus is safe for concurrent use.
type Bus struct {
	id        Identity
	transport Transport
	degraded  bool
	log       logrus.FieldLogger
	now       func() time.Time

	heartbeatInterval time.Duration
	presenceTTL       time.Duration
	publishTimeout    time.Duration

	presence *PresenceSet
	nextSub  atomic.Uint64

	// sendMu orders sequence numbers with their position in outbound.
	sendMu sync.Mutex
	seq    uint64

	mu       sync.RWMutex
	handlers map[Kind][]subscription
	outbound chan []byte
	started  bool
	closed   bool

	cancel     context.CancelFunc
	publishers sync.WaitGroup
	loops      sync.WaitGroup
}

// Option configures a Bus.
type Option func(*options)

type options struct {
	fallback          Dialer
	logger            logrus.FieldLogger
	now               func() time.Time
	heartbeatInterval time.Duration
	presenceTTL       time.Duration
	publishTimeout    time.Duration
	outboundBuffer    int
	identity          Identity
}

// WithFallback sets the dialer used when the primary dialer reports
// ErrTransportUnsupported.
func WithFallback(d Dialer) Option {
	return func(o *options) { o.fallback = d }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithHeartbeatInterval sets the presence heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) { o.heartbeatInterval = d }
}

// WithPresenceTTL sets how long a silent context stays in the presence set.
func WithPresenceTTL(d time.Duration) Option {
	return func(o *options) { o.presenceTTL = d }
}

// WithPublishTimeout bounds each transport publish.
func WithPublishTimeout(d time.Duration) Option {
	return func(o *options) { o.publishTimeout = d }
}

// WithOutboundBuffer sets how many messages may wait for the publisher.
func WithOutboundBuffer(n int) Option {
	return func(o *options) { o.outboundBuffer = n }
}

// WithIdentity fixes the context identity instead of generating one.
func WithIdentity(id Identity) Option {
	return func(o *options) { o.identity = id }
}

// New creates a bus endpoint for a fresh context identity and opens its
// transport with dial. If dial reports ErrTransportUnsupported and a
// fallback is configured, the bus degrades to the fallback transport.
func New(dial Dialer, opts ...Option) (*Bus, error) {
	o := options{
		logger:            logrus.StandardLogger(),
		now:               time.Now,
		heartbeatInterval: DefaultHeartbeatInterval,
		publishTimeout:    defaultPublishTimeout,
		outboundBuffer:    defaultOutboundBuffer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.presenceTTL <= 0 {
		o.presenceTTL = 3 * o.heartbeatInterval
	}

	id := o.identity
	if id == "" {
		id = NewIdentity()
	}
	log := o.logger.WithFields(logrus.Fields{"component": "bus", "origin": id})

	transport, err := dial(id)
	degraded := false
	if err != nil {
		if !errors.Is(err, ErrTransportUnsupported) || o.fallback == nil {
			return nil, fmt.Errorf("dial transport: %w", err)
		}
		log.WithError(err).Warn("Native broadcast unavailable, falling back to polling relay")
		transport, err = o.fallback(id)
		if err != nil {
			return nil, fmt.Errorf("dial fallback transport: %w", err)
		}
		degraded = true
	}

	return &Bus{
		id:                id,
		transport:         transport,
		degraded:          degraded,
		log:               log,
		now:               o.now,
		heartbeatInterval: o.heartbeatInterval,
		presenceTTL:       o.presenceTTL,
		publishTimeout:    o.publishTimeout,
		presence:          NewPresenceSet(),
		handlers:          make(map[Kind][]subscription),
		outbound:          make(chan []byte, o.outboundBuffer),
	}, nil
}

// Identity returns this context's identity.
func (b *Bus) Identity() Identity {
	return b.id
}

// Degraded reports whether the bus runs on its fallback transport.
func (b *Bus) Degraded() bool {
	return b.degraded
}

// Start begins dispatching inbound messages, publishing queued messages and
// sending heartbeats. The first heartbeat is sent immediately.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if b.started {
		return fmt.Errorf("bus already started")
	}
	b.started = true

	ctx, b.cancel = context.WithCancel(ctx)

	b.publishers.Add(1)
	go b.publish()

	b.loops.Add(2)
	go b.dispatch()
	go b.heartbeat(ctx)

	b.presence.Observe(b.id, b.now())
	_ = b.enqueueLocked(NewMessage(PresencePayload{Active: true}))

	b.log.WithField("degraded", b.degraded).Info("Bus started")
	return nil
}

// Send publishes msg to every other context. It never blocks on delivery:
// the message is queued for the publisher and transport failures are
// logged, not returned.
func (b *Bus) Send(msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	return b.enqueueLocked(msg)
}

// enqueueLocked requires b.mu to be held.
func (b *Bus) enqueueLocked(msg Message) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	msg.OriginID = b.id
	msg.Timestamp = b.now().UnixMilli()
	msg.Seq = b.seq + 1

	data, err := Encode(msg)
	if err != nil {
		return err
	}
	b.seq = msg.Seq

	select {
	case b.outbound <- data:
		observability.RecordBusMessage("sent", string(msg.Kind))
	default:
		observability.RecordBusDrop("outbound_full")
		b.log.WithField("kind", msg.Kind).Warn("Outbound queue full, dropping message")
	}
	return nil
}

func (b *Bus) publish() {
	defer b.publishers.Done()

	for data := range b.outbound {
		ctx, cancel := context.WithTimeout(context.Background(), b.publishTimeout)
		if err := b.transport.Publish(ctx, data); err != nil {
			observability.RecordBusDrop("publish")
			b.log.WithError(err).Warn("Failed to publish message")
		}
		cancel()
	}
}

func (b *Bus) dispatch() {
	defer b.loops.Done()

	for data := range b.transport.Messages() {
		msg, err := Decode(data)
		if err != nil {
			observability.RecordBusDrop("decode")
			b.log.WithError(err).Debug("Discarding undecodable message")
			continue
		}
		if msg.OriginID == b.id {
			continue
		}
		observability.RecordBusMessage("received", string(msg.Kind))

		if p, ok := msg.Payload.(PresencePayload); ok {
			if p.Active {
				b.presence.Observe(msg.OriginID, b.now())
			} else {
				b.presence.Remove(msg.OriginID)
			}
			observability.SetPresentContexts(b.presence.Len())
		}

		b.mu.RLock()
		subs := make([]subscription, len(b.handlers[msg.Kind]))
		copy(subs, b.handlers[msg.Kind])
		b.mu.RUnlock()

		for _, sub := range subs {
			b.safeCall(sub.handler, msg)
		}
	}
}

// safeCall invokes a handler and recovers from any panic so one handler
// cannot prevent delivery to the others.
func (b *Bus) safeCall(handler Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			observability.RecordBusDrop("handler_panic")
			b.log.WithFields(logrus.Fields{
				"kind":  msg.Kind,
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Message handler panicked")
		}
	}()
	handler(msg)
}

func (b *Bus) heartbeat(ctx context.Context) {
	defer b.loops.Done()

	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := b.now()
			b.presence.Observe(b.id, now)
			if n := b.presence.Prune(now.Add(-b.presenceTTL), b.id); n > 0 {
				b.log.WithField("pruned", n).Debug("Pruned stale contexts")
			}
			observability.SetPresentContexts(b.presence.Len())

			if err := b.Send(NewMessage(PresencePayload{Active: true})); err != nil && !errors.Is(err, ErrBusClosed) {
				b.log.WithError(err).Warn("Failed to send heartbeat")
			}
		}
	}
}

// Subscribe registers handler for messages of kind sent by other contexts.
// The returned function removes the subscription and is safe to call more
// than once.
func (b *Bus) Subscribe(kind Kind, handler Handler) func() {
	id := b.nextSub.Add(1)

	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs := b.handlers[kind]
			for i, sub := range subs {
				if sub.id == id {
					b.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// HasMultipleContexts reports whether another context is believed to be
// open. On the relay transport presence comes from the medium's liveness
// markers, otherwise from heartbeats.
func (b *Bus) HasMultipleContexts() bool {
	if pc, ok := b.transport.(PeerCounter); ok {
		return pc.Peers() > 1
	}
	return b.presence.Len() > 1
}

// Presence returns the heartbeat-based presence set.
func (b *Bus) Presence() *PresenceSet {
	return b.presence
}

// Shutdown sends a going-inactive heartbeat, flushes queued messages,
// releases the transport and clears all handlers.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	if b.started {
		_ = b.enqueueLocked(NewMessage(PresencePayload{Active: false}))
	}
	b.closed = true
	close(b.outbound)
	started := b.started
	b.mu.Unlock()

	if started {
		b.cancel()

		flushed := make(chan struct{})
		go func() {
			b.publishers.Wait()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-ctx.Done():
			b.log.Warn("Shutdown deadline reached before outbound queue drained")
		}
	}

	err := b.transport.Close()
	if started {
		b.loops.Wait()
	}

	b.mu.Lock()
	b.handlers = make(map[Kind][]subscription)
	b.mu.Unlock()

	b.log.Info("Bus stopped")
	return err
}
