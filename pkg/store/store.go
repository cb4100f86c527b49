package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aixgo-dev/tabsync/internal/observability"
	metrics "github.com/aixgo-dev/tabsync/pkg/observability"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultOpenTimeout bounds how long the first operation waits for the medium.
const DefaultOpenTimeout = 10 * time.Second

// Opener connects to a durable medium. It returns an error wrapping
// ErrUnsupported when the medium does not exist in this environment.
type Opener func(ctx context.Context) (Backend, error)

// UnsupportedOpener is an Opener for environments without durable storage.
func UnsupportedOpener(reason string) Opener {
	return func(context.Context) (Backend, error) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, reason)
	}
}

// Store gives typed, owner-scoped access to a Backend. The backend is opened
// lazily by the first operation and reused afterwards.
type Store struct {
	open        Opener
	openTimeout time.Duration
	limiter     *RateLimiter
	logger      logrus.FieldLogger
	now         func() time.Time

	mu          sync.Mutex
	backend     Backend
	openErr     error
	warnedUnsup bool
	closed      bool
}

// Option configures a Store.
type Option func(*Store)

// WithOpenTimeout sets how long opening the medium may take.
func WithOpenTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.openTimeout = d
		}
	}
}

// WithRateLimiter throttles every operation through rl.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Store) { s.limiter = rl }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used for write timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Store that opens its backend with open on first use.
func New(open Opener, opts ...Option) *Store {
	s := &Store{
		open:        open,
		openTimeout: DefaultOpenTimeout,
		logger:      logrus.StandardLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "store")
	return s
}

// NewWithBackend creates a Store around an already open backend.
func NewWithBackend(b Backend, opts ...Option) *Store {
	s := New(func(context.Context) (Backend, error) { return b, nil }, opts...)
	s.backend = b
	return s
}

type openResult struct {
	backend Backend
	err     error
}

// acquire returns the open backend, opening it on first use. A failed open
// other than ErrUnsupported is retried by the next operation.
func (s *Store) acquire(ctx context.Context) (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStorageClosed
	}
	if s.backend != nil {
		return s.backend, nil
	}
	if s.openErr != nil {
		return nil, s.openErr
	}

	openCtx, cancel := context.WithTimeout(ctx, s.openTimeout)
	defer cancel()

	done := make(chan openResult, 1)
	go func() {
		b, err := s.open(openCtx)
		done <- openResult{backend: b, err: err}
	}()

	var res openResult
	select {
	case res = <-done:
	case <-openCtx.Done():
		// A late backend is closed so it does not leak.
		go func() {
			if late := <-done; late.backend != nil {
				_ = late.backend.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrOpenTimeout, s.openTimeout)
	}

	if res.err != nil {
		if errors.Is(res.err, ErrUnsupported) {
			s.openErr = res.err
			if !s.warnedUnsup {
				s.warnedUnsup = true
				s.logger.WithError(res.err).Warn("Durable storage unavailable, operations will fail")
			}
		}
		return nil, fmt.Errorf("open storage: %w", res.err)
	}
	if res.backend == nil {
		return nil, fmt.Errorf("open storage: %w: opener returned no backend", ErrUnsupported)
	}

	s.backend = res.backend
	return s.backend, nil
}

// do runs op against the backend with tracing, metrics and rate limiting.
func (s *Store) do(ctx context.Context, name, owner string, op func(context.Context, Backend) error) error {
	ctx, span := observability.StartSpanWithOtel(ctx, "store."+name,
		trace.WithAttributes(
			attribute.String("store.op", name),
			attribute.String("store.owner", owner),
		),
	)
	defer span.End()

	start := time.Now()
	err := s.run(ctx, owner, op)

	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case errors.Is(err, ErrUnsupported):
		status = "unsupported"
	default:
		status = "error"
	}
	metrics.RecordStoreOp(name, status, time.Since(start))

	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Store) run(ctx context.Context, owner string, op func(context.Context, Backend) error) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, owner); err != nil {
			return err
		}
	}
	b, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	return op(ctx, b)
}

// Put encodes p and upserts it under owner, replacing any prior value.
func (s *Store) Put(ctx context.Context, owner string, p Payload) error {
	return s.do(ctx, "put", owner, func(ctx context.Context, b Backend) error {
		rec, err := NewRecord(owner, p, s.now())
		if err != nil {
			return err
		}
		if err := b.Put(ctx, rec); err != nil {
			return fmt.Errorf("put %s: %w", rec.CompositeKey, err)
		}
		return nil
	})
}

// Get returns the record stored for owner and key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, owner string, key LogicalKey) (*Record, error) {
	var rec *Record
	err := s.do(ctx, "get", owner, func(ctx context.Context, b Backend) error {
		if err := validate(owner, key); err != nil {
			return err
		}
		r, err := b.Get(ctx, owner, key)
		if err != nil {
			return fmt.Errorf("get %s: %w", CompositeKey(owner, key), err)
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Load reads the record for p's logical key and decodes it into p.
func (s *Store) Load(ctx context.Context, owner string, p Payload) (*Record, error) {
	rec, err := s.Get(ctx, owner, p.LogicalKey())
	if err != nil {
		return nil, err
	}
	if err := rec.Decode(p); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the record for owner and key. Deleting an absent record
// succeeds.
func (s *Store) Delete(ctx context.Context, owner string, key LogicalKey) error {
	return s.do(ctx, "delete", owner, func(ctx context.Context, b Backend) error {
		if err := validate(owner, key); err != nil {
			return err
		}
		if err := b.Delete(ctx, owner, key); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("delete %s: %w", CompositeKey(owner, key), err)
		}
		return nil
	})
}

// ClearAll removes every record of owner and reports how many were removed.
func (s *Store) ClearAll(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.do(ctx, "clear_all", owner, func(ctx context.Context, b Backend) error {
		if err := validateOwner(owner); err != nil {
			return err
		}
		removed, err := b.ClearAll(ctx, owner)
		n = removed
		if err != nil {
			return fmt.Errorf("clear records of %s: %w", owner, err)
		}
		return nil
	})
	if err == nil {
		s.logger.WithFields(logrus.Fields{"user": owner, "removed": n}).Debug("Cleared durable records")
		if s.limiter != nil {
			s.limiter.Forget(owner)
		}
	}
	return n, err
}

// List returns every record of owner ordered by logical key.
func (s *Store) List(ctx context.Context, owner string) ([]*Record, error) {
	var records []*Record
	err := s.do(ctx, "list", owner, func(ctx context.Context, b Backend) error {
		if err := validateOwner(owner); err != nil {
			return err
		}
		rs, err := b.List(ctx, owner)
		if err != nil {
			return fmt.Errorf("list records of %s: %w", owner, err)
		}
		sortRecords(rs)
		records = rs
		return nil
	})
	return records, err
}

// Ping opens the medium if needed and checks it is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", "", func(ctx context.Context, b Backend) error {
		return b.Ping(ctx)
	})
}

// Close releases the backend. Operations after Close fail with
// ErrStorageClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.backend == nil {
		return nil
	}
	err := s.backend.Close()
	s.backend = nil
	return err
}
