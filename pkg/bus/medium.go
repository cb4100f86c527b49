package bus

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/redis/go-redis/v9"
)

// Medium is the shared storage the relay transport polls when no native
// broadcast primitive is available. It holds a bounded list of the most
// recent messages and a liveness marker per context.
type Medium interface {
	// Append stores data, keeping at most capacity of the newest entries.
	Append(ctx context.Context, data []byte, capacity int) error

	// Read returns the retained entries, oldest first.
	Read(ctx context.Context) ([][]byte, error)

	// Remove deletes one entry equal to data, if it is still retained.
	Remove(ctx context.Context, data []byte) error

	// MarkAlive records that id is alive until now+ttl.
	MarkAlive(ctx context.Context, id Identity, ttl time.Duration) error

	// MarkGone removes the liveness marker of id.
	MarkGone(ctx context.Context, id Identity) error

	// Alive returns the number of unexpired liveness markers.
	Alive(ctx context.Context) (int, error)
}

// MemoryMedium is an in-process Medium backed by a ring queue.
type MemoryMedium struct {
	mu    sync.Mutex
	ring  *queue.Queue
	alive map[Identity]time.Time
	now   func() time.Time
}

// NewMemoryMedium creates an empty in-process medium.
func NewMemoryMedium() *MemoryMedium {
	return &MemoryMedium{
		ring:  queue.New(),
		alive: make(map[Identity]time.Time),
		now:   time.Now,
	}
}

// Append implements Medium.
func (m *MemoryMedium) Append(_ context.Context, data []byte, capacity int) error {
	if capacity < 1 {
		capacity = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring.Add(bytes.Clone(data))
	for m.ring.Length() > capacity {
		m.ring.Remove()
	}
	return nil
}

// Read implements Medium.
func (m *MemoryMedium) Read(context.Context) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([][]byte, 0, m.ring.Length())
	for i := 0; i < m.ring.Length(); i++ {
		entries = append(entries, m.ring.Get(i).([]byte))
	}
	return entries, nil
}

// Remove implements Medium.
func (m *MemoryMedium) Remove(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := queue.New()
	removed := false
	for m.ring.Length() > 0 {
		entry := m.ring.Remove().([]byte)
		if !removed && bytes.Equal(entry, data) {
			removed = true
			continue
		}
		kept.Add(entry)
	}
	m.ring = kept
	return nil
}

// MarkAlive implements Medium.
func (m *MemoryMedium) MarkAlive(_ context.Context, id Identity, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive[id] = m.now().Add(ttl)
	return nil
}

// MarkGone implements Medium.
func (m *MemoryMedium) MarkGone(_ context.Context, id Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alive, id)
	return nil
}

// Alive implements Medium.
func (m *MemoryMedium) Alive(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, until := range m.alive {
		if !until.After(now) {
			delete(m.alive, id)
		}
	}
	return len(m.alive), nil
}

// RedisMedium is a Medium stored in plain Redis keys: a list for the relay
// and a sorted set of liveness deadlines. It only needs commands that work
// behind proxies that refuse pub/sub.
type RedisMedium struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisMedium creates a Redis medium under prefix (default "tabsync:").
func NewRedisMedium(client *redis.Client, prefix string) *RedisMedium {
	if prefix == "" {
		prefix = "tabsync:"
	}
	return &RedisMedium{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (m *RedisMedium) relayKey() string {
	return m.prefix + "relay"
}

func (m *RedisMedium) aliveKey() string {
	return m.prefix + "alive"
}

// Append implements Medium.
func (m *RedisMedium) Append(ctx context.Context, data []byte, capacity int) error {
	if capacity < 1 {
		capacity = 1
	}

	pipe := m.client.TxPipeline()
	pipe.RPush(ctx, m.relayKey(), data)
	pipe.LTrim(ctx, m.relayKey(), int64(-capacity), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append relay: %w", err)
	}
	return nil
}

// Read implements Medium.
func (m *RedisMedium) Read(ctx context.Context) ([][]byte, error) {
	values, err := m.client.LRange(ctx, m.relayKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read relay: %w", err)
	}

	entries := make([][]byte, 0, len(values))
	for _, v := range values {
		entries = append(entries, []byte(v))
	}
	return entries, nil
}

// Remove implements Medium.
func (m *RedisMedium) Remove(ctx context.Context, data []byte) error {
	if err := m.client.LRem(ctx, m.relayKey(), 1, data).Err(); err != nil {
		return fmt.Errorf("remove relay entry: %w", err)
	}
	return nil
}

// MarkAlive implements Medium.
func (m *RedisMedium) MarkAlive(ctx context.Context, id Identity, ttl time.Duration) error {
	deadline := m.now().Add(ttl).UnixMilli()
	err := m.client.ZAdd(ctx, m.aliveKey(), redis.Z{
		Score:  float64(deadline),
		Member: id.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("mark alive: %w", err)
	}
	return nil
}

// MarkGone implements Medium.
func (m *RedisMedium) MarkGone(ctx context.Context, id Identity) error {
	if err := m.client.ZRem(ctx, m.aliveKey(), id.String()).Err(); err != nil {
		return fmt.Errorf("mark gone: %w", err)
	}
	return nil
}

// Alive implements Medium.
func (m *RedisMedium) Alive(ctx context.Context) (int, error) {
	now := strconv.FormatInt(m.now().UnixMilli(), 10)

	pipe := m.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, m.aliveKey(), "-inf", now)
	card := pipe.ZCard(ctx, m.aliveKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("count alive: %w", err)
	}
	return int(card.Val()), nil
}
