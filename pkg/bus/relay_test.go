package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualRelay returns a relay transport that never polls on its own, so the
// test decides exactly when a poll happens.
func manualRelay(t *testing.T, id Identity, medium Medium, capacity int) *RelayTransport {
	t.Helper()

	rt := NewRelayTransport(id, medium, RelayConfig{
		PollInterval: time.Hour,
		Capacity:     capacity,
		Logger:       quietLogger(),
	})
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func encodeFrom(t *testing.T, origin Identity, seq uint64, p Payload) []byte {
	t.Helper()

	m := NewMessage(p)
	m.OriginID = origin
	m.Seq = seq
	m.Timestamp = time.Now().UnixMilli()

	data, err := Encode(m)
	require.NoError(t, err)
	return data
}

func drain(rt *RelayTransport) []Message {
	var msgs []Message
	for {
		select {
		case data := <-rt.Messages():
			m, err := Decode(data)
			if err == nil {
				msgs = append(msgs, m)
			}
		default:
			return msgs
		}
	}
}

// Two messages sent within one polling interval on the single-slot relay:
// only the later one survives. This loss is the documented behavior of
// capacity 1.
func TestRelay_SingleSlotLosesEarlierMessage(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()

	sender := manualRelay(t, "sender", medium, 1)
	receiver := manualRelay(t, "receiver", medium, 1)

	require.NoError(t, sender.Publish(ctx, encodeFrom(t, "sender", 1, ChatHistoryPayload{UserID: "u", MessageCount: 1})))
	require.NoError(t, sender.Publish(ctx, encodeFrom(t, "sender", 2, ChatHistoryPayload{UserID: "u", MessageCount: 2})))

	receiver.poll(ctx, true)

	got := drain(receiver)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Payload.(ChatHistoryPayload).MessageCount)

	// The slot was consumed.
	entries, err := medium.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	receiver.poll(ctx, true)
	assert.Empty(t, drain(receiver))
}

func TestRelay_SingleSlotLeavesOwnMessage(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()

	sender := manualRelay(t, "sender", medium, 1)
	require.NoError(t, sender.Publish(ctx, encodeFrom(t, "sender", 1, PresencePayload{Active: true})))

	sender.poll(ctx, true)
	assert.Empty(t, drain(sender))

	entries, err := medium.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRelay_RingDeliversEveryMessageOnce(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()

	sender := manualRelay(t, "sender", medium, 8)
	first := manualRelay(t, "first", medium, 8)
	second := manualRelay(t, "second", medium, 8)

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, sender.Publish(ctx, encodeFrom(t, "sender", seq, ChatHistoryPayload{UserID: "u", MessageCount: int(seq)})))
	}

	first.poll(ctx, true)
	second.poll(ctx, true)

	for _, rt := range []*RelayTransport{first, second} {
		got := drain(rt)
		require.Len(t, got, 3)
		for i, m := range got {
			assert.Equal(t, i+1, m.Payload.(ChatHistoryPayload).MessageCount)
		}
	}

	// Polling again delivers nothing new.
	first.poll(ctx, true)
	assert.Empty(t, drain(first))
}

// Heartbeats and session writes reach Send from different goroutines. Every
// message must land in the ring in sequence order, or readers tracking the
// per-origin watermark would skip the ones that arrived late.
func TestRelay_RingKeepsOrderWithConcurrentSenders(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()
	const (
		senders   = 8
		perSender = 25
		capacity  = 1000
	)

	receiver := manualRelay(t, "receiver", medium, capacity)
	sender := startBus(t, RelayDialer(medium, RelayConfig{
		PollInterval: time.Hour,
		Capacity:     capacity,
		Logger:       quietLogger(),
	}), WithHeartbeatInterval(time.Hour), WithOutboundBuffer(capacity))

	var wg sync.WaitGroup
	for g := 0; g < senders; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				assert.NoError(t, sender.Send(NewMessage(ChatHistoryPayload{UserID: "u", MessageCount: i})))
			}
		}()
	}
	wg.Wait()

	// The start heartbeat plus every Send.
	want := senders*perSender + 1
	require.Eventually(t, func() bool {
		entries, err := medium.Read(ctx)
		return err == nil && len(entries) == want
	}, waitFor, 5*time.Millisecond)

	entries, err := medium.Read(ctx)
	require.NoError(t, err)
	var prev uint64
	for _, data := range entries {
		m, err := Decode(data)
		require.NoError(t, err)
		require.Greater(t, m.Seq, prev, "sequence out of order in the ring")
		prev = m.Seq
	}

	receiver.poll(ctx, true)
	assert.Len(t, drain(receiver), want)
}

func TestRelay_RingForgetsOriginsPushedOut(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()

	receiver := manualRelay(t, "receiver", medium, 2)

	require.NoError(t, medium.Append(ctx, encodeFrom(t, "gone", 7, PresencePayload{Active: true}), 2))
	receiver.poll(ctx, true)
	require.Len(t, drain(receiver), 1)
	assert.Contains(t, receiver.lastSeq, Identity("gone"))

	for seq := uint64(1); seq <= 2; seq++ {
		require.NoError(t, medium.Append(ctx, encodeFrom(t, "other", seq, PresencePayload{Active: true}), 2))
	}
	receiver.poll(ctx, true)
	require.Len(t, drain(receiver), 2)
	assert.NotContains(t, receiver.lastSeq, Identity("gone"))
	assert.Len(t, receiver.lastSeq, 1)

	// A returning origin only brings entries not seen before.
	require.NoError(t, medium.Append(ctx, encodeFrom(t, "gone", 8, PresencePayload{Active: true}), 2))
	receiver.poll(ctx, true)
	got := drain(receiver)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(8), got[0].Seq)
}

func TestRelay_RingSkipsHistoryOnJoin(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()

	sender := manualRelay(t, "sender", medium, 4)
	require.NoError(t, sender.Publish(ctx, encodeFrom(t, "sender", 1, ChatHistoryPayload{UserID: "u", MessageCount: 1})))

	late := manualRelay(t, "late", medium, 4)
	require.NoError(t, sender.Publish(ctx, encodeFrom(t, "sender", 2, ChatHistoryPayload{UserID: "u", MessageCount: 2})))

	late.poll(ctx, true)
	got := drain(late)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Seq)
}

func TestRelay_RingDropsBeyondCapacity(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()

	sender := manualRelay(t, "sender", medium, 2)
	receiver := manualRelay(t, "receiver", medium, 2)

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, sender.Publish(ctx, encodeFrom(t, "sender", seq, ChatHistoryPayload{UserID: "u", MessageCount: int(seq)})))
	}

	receiver.poll(ctx, true)
	got := drain(receiver)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(4), got[0].Seq)
	assert.Equal(t, uint64(5), got[1].Seq)
}

func TestRelay_PeersFromLiveness(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()

	first := manualRelay(t, "first", medium, 1)
	assert.Equal(t, 1, first.Peers())

	second := manualRelay(t, "second", medium, 1)
	first.poll(ctx, true)
	assert.Equal(t, 2, first.Peers())

	require.NoError(t, second.Close())
	first.poll(ctx, true)
	assert.Equal(t, 1, first.Peers())
}

func TestMemoryMedium_LivenessExpires(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()

	now := time.Unix(1000, 0)
	medium.now = func() time.Time { return now }

	require.NoError(t, medium.MarkAlive(ctx, "a", time.Second))
	require.NoError(t, medium.MarkAlive(ctx, "b", 5*time.Second))

	n, err := medium.Alive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	now = now.Add(2 * time.Second)
	n, err = medium.Alive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func setupRedisMedium(t *testing.T) (*miniredis.Miniredis, *RedisMedium) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisMedium(client, "test:")
}

func TestRedisMedium_AppendTrimsToCapacity(t *testing.T) {
	ctx := context.Background()
	mr, medium := setupRedisMedium(t)

	require.NoError(t, medium.Append(ctx, []byte("one"), 2))
	require.NoError(t, medium.Append(ctx, []byte("two"), 2))
	require.NoError(t, medium.Append(ctx, []byte("three"), 2))

	entries, err := medium.Read(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "two", string(entries[0]))
	assert.Equal(t, "three", string(entries[1]))

	require.NoError(t, medium.Remove(ctx, []byte("two")))
	list, err := mr.List("test:relay")
	require.NoError(t, err)
	assert.Equal(t, []string{"three"}, list)
}

func TestRedisMedium_Liveness(t *testing.T) {
	ctx := context.Background()
	_, medium := setupRedisMedium(t)

	now := time.Unix(5000, 0)
	medium.now = func() time.Time { return now }

	require.NoError(t, medium.MarkAlive(ctx, "a", time.Second))
	require.NoError(t, medium.MarkAlive(ctx, "b", 10*time.Second))

	n, err := medium.Alive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	now = now.Add(3 * time.Second)
	n, err = medium.Alive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, medium.MarkGone(ctx, "b"))
	n, err = medium.Alive(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelay_OverRedisMedium(t *testing.T) {
	ctx := context.Background()
	_, medium := setupRedisMedium(t)

	sender := manualRelay(t, "sender", medium, 1)
	receiver := manualRelay(t, "receiver", medium, 1)

	require.NoError(t, sender.Publish(ctx, encodeFrom(t, "sender", 1, SessionStatePayload{Action: SessionActionUpdate, UserID: "u"})))
	receiver.poll(ctx, true)

	got := drain(receiver)
	require.Len(t, got, 1)
	assert.Equal(t, KindSessionState, got[0].Kind)
	assert.Equal(t, 2, receiver.Peers())
}
