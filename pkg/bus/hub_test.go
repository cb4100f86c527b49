package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_Membership(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	assert.Zero(t, hub.Size())

	a := hub.Join("a")
	b := hub.Join("b")
	assert.Equal(t, 2, hub.Size())

	require.NoError(t, a.Publish(ctx, []byte("hello")))
	assert.Equal(t, "hello", string(<-b.Messages()))
	select {
	case data := <-a.Messages():
		t.Fatalf("publisher received its own message %q", data)
	default:
	}

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 1, hub.Size())

	_, open := <-b.Messages()
	assert.False(t, open)
	assert.ErrorIs(t, b.Publish(ctx, []byte("late")), ErrTransportClosed)

	require.NoError(t, a.Close())
	assert.Zero(t, hub.Size())
}
