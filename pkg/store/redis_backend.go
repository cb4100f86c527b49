package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is the key prefix used when none is configured.
const DefaultRedisPrefix = "tabsync:store:"

// RedisBackend implements Backend using Redis.
// Each record lives under its own key and an owner index set tracks the
// logical keys an owner holds.
type RedisBackend struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	ownsClient bool
	mu         sync.RWMutex
	closed     bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all record keys (default: "tabsync:store:").
	Prefix string
	// RecordTTL is the record expiry duration (0 = never expire).
	RecordTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		// Close client to release connection pool resources
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping failed: %v", ErrUnsupported, err)
	}

	b := NewRedisBackendFromClient(client, cfg.Prefix, cfg.RecordTTL)
	b.ownsClient = true
	return b, nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// The client is shared and is not closed by Close.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Key helpers
func (b *RedisBackend) recordKey(owner string, key LogicalKey) string {
	return b.prefix + "rec:" + CompositeKey(owner, key)
}

func (b *RedisBackend) ownerIndexKey(owner string) string {
	return b.prefix + "owner:" + owner
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Put implements Backend.
func (b *RedisBackend) Put(ctx context.Context, rec *Record) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.recordKey(rec.OwnerUserID, rec.LogicalKey), data, b.ttl)
	pipe.SAdd(ctx, b.ownerIndexKey(rec.OwnerUserID), string(rec.LogicalKey))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, owner string, key LogicalKey) (*Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	data, err := b.client.Get(ctx, b.recordKey(owner, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, owner string, key LogicalKey) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.recordKey(owner, key))
	pipe.SRem(ctx, b.ownerIndexKey(owner), string(key))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// ClearAll implements Backend. It walks the owner index with SSCAN so large
// indexes are removed in batches.
func (b *RedisBackend) ClearAll(ctx context.Context, owner string) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	removed := 0
	var cursor uint64
	for {
		members, next, err := b.client.SScan(ctx, b.ownerIndexKey(owner), cursor, "", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("scan owner index: %w", err)
		}

		if len(members) > 0 {
			keys := make([]string, 0, len(members))
			for _, m := range members {
				keys = append(keys, b.recordKey(owner, LogicalKey(m)))
			}
			n, err := b.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("delete records: %w", err)
			}
			removed += int(n)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if err := b.client.Del(ctx, b.ownerIndexKey(owner)).Err(); err != nil {
		return removed, fmt.Errorf("delete owner index: %w", err)
	}
	return removed, nil
}

// List implements Backend. Index entries whose record expired are pruned.
func (b *RedisBackend) List(ctx context.Context, owner string) ([]*Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	keys, err := b.client.SMembers(ctx, b.ownerIndexKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	records := make([]*Record, 0, len(keys))
	for _, k := range keys {
		rec, err := b.Get(ctx, owner, LogicalKey(k))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Record expired, clean up index
				b.client.SRem(ctx, b.ownerIndexKey(owner), k)
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	sortRecords(records)
	return records, nil
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}
