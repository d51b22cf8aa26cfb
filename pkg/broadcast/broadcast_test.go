package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFanout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ch := NewMemory()

	sub1, cancel1, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel1()
	sub2, cancel2, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel2()

	ev := Event{ContextID: "ctx-1", TenantID: "acme", At: time.Now()}
	require.NoError(t, ch.Publish(ctx, ev))

	for _, sub := range []<-chan Event{sub1, sub2} {
		select {
		case got := <-sub:
			assert.Equal(t, "acme", got.TenantID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestMemoryCancelStopsDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ch := NewMemory()

	sub, cancel, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	// Publishing after cancel must not panic or block.
	require.NoError(t, ch.Publish(ctx, Event{TenantID: "acme", At: time.Now()}))
	_, open := <-sub
	assert.False(t, open)
}
