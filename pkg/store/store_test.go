package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewWithBackend(NewMemoryBackend(), WithLogger(quietLogger()), WithClock(func() time.Time { return at }))
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Put(ctx, "u1", &ActiveCharacter{CharacterID: "lovelace", Subject: "math"}))

	var ch ActiveCharacter
	rec, err := s.Load(ctx, "u1", &ch)
	require.NoError(t, err)
	assert.Equal(t, "lovelace", ch.CharacterID)
	assert.Equal(t, "math", ch.Subject)
	assert.Equal(t, at, rec.WriteTimestamp)

	records, err := s.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	require.NoError(t, s.Delete(ctx, "u1", KeyActiveCharacter))
	require.NoError(t, s.Delete(ctx, "u1", KeyActiveCharacter))

	_, err = s.Get(ctx, "u1", KeyActiveCharacter)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreKeyMismatch(t *testing.T) {
	ctx := context.Background()
	s := NewWithBackend(NewMemoryBackend(), WithLogger(quietLogger()))

	require.NoError(t, s.Put(ctx, "u1", &DraftResponse{Text: "hello"}))

	rec, err := s.Get(ctx, "u1", KeyDraftResponse)
	require.NoError(t, err)
	err = rec.Decode(&ChatHistory{})
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestStoreInvalidKeys(t *testing.T) {
	ctx := context.Background()
	s := NewWithBackend(NewMemoryBackend(), WithLogger(quietLogger()))

	assert.ErrorIs(t, s.Put(ctx, "", &ChatHistory{}), ErrInvalidKey)
	_, err := s.Get(ctx, "u1", LogicalKey("bogus"))
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = s.ClearAll(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestStoreUnsupported(t *testing.T) {
	ctx := context.Background()
	logger, hook := test.NewNullLogger()
	s := New(UnsupportedOpener("no durable medium"), WithLogger(logger))

	err := s.Put(ctx, "u1", &ChatHistory{})
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = s.Get(ctx, "u1", KeyChatHistory)
	assert.ErrorIs(t, err, ErrUnsupported)

	var ch ChatHistory
	_, err = s.Load(ctx, "u1", &ch)
	assert.ErrorIs(t, err, ErrUnsupported)

	assert.ErrorIs(t, s.Delete(ctx, "u1", KeyChatHistory), ErrUnsupported)

	_, err = s.ClearAll(ctx, "u1")
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = s.List(ctx, "u1")
	assert.ErrorIs(t, err, ErrUnsupported)

	assert.ErrorIs(t, s.Ping(ctx), ErrUnsupported)

	// The warning is logged once.
	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestStoreLazyOpen(t *testing.T) {
	ctx := context.Background()
	var opens atomic.Int32
	s := New(func(context.Context) (Backend, error) {
		opens.Add(1)
		return NewMemoryBackend(), nil
	}, WithLogger(quietLogger()))

	assert.Zero(t, opens.Load())

	require.NoError(t, s.Put(ctx, "u1", &ChatHistory{}))
	_, err := s.Get(ctx, "u1", KeyChatHistory)
	require.NoError(t, err)
	assert.Equal(t, int32(1), opens.Load())
}

func TestStoreOpenRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	var opens atomic.Int32
	s := New(func(context.Context) (Backend, error) {
		if opens.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return NewMemoryBackend(), nil
	}, WithLogger(quietLogger()))

	assert.Error(t, s.Ping(ctx))
	assert.NoError(t, s.Ping(ctx))
	assert.Equal(t, int32(2), opens.Load())
}

func TestStoreOpenTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	s := New(func(context.Context) (Backend, error) {
		<-release
		return NewMemoryBackend(), nil
	}, WithLogger(quietLogger()), WithOpenTimeout(20*time.Millisecond))

	start := time.Now()
	err := s.Ping(context.Background())
	assert.ErrorIs(t, err, ErrOpenTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStoreClose(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	s := NewWithBackend(b, WithLogger(quietLogger()))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put(ctx, "u1", &ChatHistory{}), ErrStorageClosed)
	assert.ErrorIs(t, b.Ping(ctx), ErrStorageClosed)
}

func TestStoreClearAll(t *testing.T) {
	ctx := context.Background()
	s := NewWithBackend(NewMemoryBackend(), WithLogger(quietLogger()), WithRateLimiter(NewRateLimiter(1000, 10)))

	require.NoError(t, s.Put(ctx, "u1", &ChatHistory{}))
	require.NoError(t, s.Put(ctx, "u1", &DraftResponse{Text: "d"}))
	require.NoError(t, s.Put(ctx, "u2", &DraftResponse{Text: "d"}))

	n, err := s.ClearAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, key := range LogicalKeys {
		_, err := s.Get(ctx, "u1", key)
		assert.ErrorIs(t, err, ErrNotFound, key)
	}
	_, err = s.Get(ctx, "u2", KeyDraftResponse)
	assert.NoError(t, err)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, rl.Wait(ctx, "u2"))

	rl.Forget("u1")
}
