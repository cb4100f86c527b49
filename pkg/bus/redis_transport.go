package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "tabsync:bus"

// RedisTransport is the native broadcast primitive backed by Redis pub/sub.
// Messages published while a context is not subscribed are lost.
type RedisTransport struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	out     chan []byte
	stop    chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// RedisDialer returns a Dialer that subscribes to channel on client.
// The client is owned by the caller and is not closed by the transport.
func RedisDialer(client *redis.Client, channel string) Dialer {
	return func(Identity) (Transport, error) {
		return NewRedisTransport(client, channel)
	}
}

// NewRedisTransport subscribes to channel and starts forwarding messages.
// A server that refuses the subscription (pub/sub disabled, ACL, proxy)
// yields ErrTransportUnsupported so the bus can fall back to polling.
func NewRedisTransport(client *redis.Client, channel string) (*RedisTransport, error) {
	if channel == "" {
		channel = DefaultRedisChannel
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubsub := client.Subscribe(ctx, channel)

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrTransportUnsupported, channel, err)
	}

	t := &RedisTransport{
		client:  client,
		pubsub:  pubsub,
		channel: channel,
		out:     make(chan []byte, defaultHubBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.forward()

	return t, nil
}

func (t *RedisTransport) forward() {
	defer close(t.done)
	defer close(t.out)

	for msg := range t.pubsub.Channel() {
		select {
		case t.out <- []byte(msg.Payload):
		case <-t.stop:
			return
		}
	}
}

// Publish implements Transport.
func (t *RedisTransport) Publish(ctx context.Context, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	if err := t.client.Publish(ctx, t.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", t.channel, err)
	}
	return nil
}

// Messages implements Transport.
func (t *RedisTransport) Messages() <-chan []byte {
	return t.out
}

// Channel returns the pub/sub channel name.
func (t *RedisTransport) Channel() string {
	return t.channel
}

// Close implements Transport.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.stop)
	err := t.pubsub.Close()
	<-t.done
	return err
}
