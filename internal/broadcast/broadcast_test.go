package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	b := New[string]()
	_, ch1 := b.Subscribe(4)
	_, ch2 := b.Subscribe(4)

	b.Send("hello")

	item1 := <-ch1
	item2 := <-ch2
	require.Equal(t, "hello", item1.Value)
	require.False(t, item1.Lagged)
	require.Equal(t, "hello", item2.Value)
	require.False(t, item2.Lagged)
}

func TestBroadcastSlowSubscriberLagsWithoutBlockingOthers(t *testing.T) {
	b := New[int]()
	slowID, slow := b.Subscribe(1)
	_, fast := b.Subscribe(4)

	b.Send(1)
	b.Send(2) // slow's buffer (cap 1) already holds 1; 2 and 3 are dropped for slow.
	b.Send(3)

	// fast receives every value, in order.
	require.Equal(t, 1, (<-fast).Value)
	require.Equal(t, 2, (<-fast).Value)
	require.Equal(t, 3, (<-fast).Value)

	// slow receives only the buffered 1, unflagged; unsubscribing then
	// closes its channel.
	first := <-slow
	require.Equal(t, 1, first.Value)
	require.False(t, first.Lagged)

	b.Unsubscribe(slowID)
	_, stillOpen := <-slow
	require.False(t, stillOpen)
}

func TestBroadcastCloseClosesAllSubscribers(t *testing.T) {
	b := New[int]()
	_, ch1 := b.Subscribe(1)
	_, ch2 := b.Subscribe(1)

	b.Close()

	select {
	case _, ok := <-ch1:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("ch1 never closed")
	}
	select {
	case _, ok := <-ch2:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("ch2 never closed")
	}

	// Subscribing after Close returns an already-closed channel.
	_, ch3 := b.Subscribe(1)
	_, ok := <-ch3
	require.False(t, ok)
}

func TestBroadcastUnsubscribeIsIdempotent(t *testing.T) {
	b := New[int]()
	id, _ := b.Subscribe(1)
	b.Unsubscribe(id)
	require.NotPanics(t, func() { b.Unsubscribe(id) })
	require.NotPanics(t, func() { b.Unsubscribe(9999) })
}
