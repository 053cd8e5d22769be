package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroker_Subscribe_DeliversInInstallationOrder(t *testing.T) {
	b := New[int]()
	var mu sync.Mutex
	var order []int

	for i := 0; i < 3; i++ {
		i := i
		b.Subscribe("tick", func(payload int) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	b.Emit("tick", 1)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestBroker_SubscribeOnce_FiresAtMostOnce(t *testing.T) {
	b := New[string]()
	count := 0
	b.SubscribeOnce("e", func(payload string) {
		count++
	})

	b.Emit("e", "a")
	b.Emit("e", "b")

	require.Equal(t, 1, count)
}

func TestBroker_Unsubscribe_StopsDelivery(t *testing.T) {
	b := New[int]()
	count := 0
	sub := b.Subscribe("e", func(payload int) {
		count++
	})

	b.Emit("e", 1)
	sub.Unsubscribe()
	b.Emit("e", 1)

	require.Equal(t, 1, count)
}

func TestBroker_Unsubscribe_IsIdempotent(t *testing.T) {
	b := New[int]()
	sub := b.Subscribe("e", func(payload int) {})
	sub.Unsubscribe()
	require.NotPanics(t, func() {
		sub.Unsubscribe()
	})
}

func TestBroker_Emit_IsolatesHandlerPanics(t *testing.T) {
	b := New[int]()
	secondRan := false
	b.Subscribe("e", func(payload int) {
		panic("boom")
	})
	b.Subscribe("e", func(payload int) {
		secondRan = true
	})

	require.NotPanics(t, func() {
		b.Emit("e", 1)
	})
	require.True(t, secondRan)
}

func TestBroker_OnceHandler_ReentrantEmitDoesNotRefire(t *testing.T) {
	b := New[int]()
	count := 0
	b.SubscribeOnce("e", func(payload int) {
		count++
		// Re-entrant emit from inside the once-handler must not re-fire it:
		// the handler is removed from the registry before being invoked.
		b.Emit("e", payload+1)
	})

	b.Emit("e", 1)

	require.Equal(t, 1, count)
}

func TestBroker_ListenerCount(t *testing.T) {
	b := New[int]()
	require.Equal(t, 0, b.ListenerCount("e"))

	sub1 := b.Subscribe("e", func(int) {})
	b.Subscribe("e", func(int) {})
	require.Equal(t, 2, b.ListenerCount("e"))

	sub1.Unsubscribe()
	require.Equal(t, 1, b.ListenerCount("e"))
}

func TestBroker_RemoveAll_SingleType(t *testing.T) {
	b := New[int]()
	b.Subscribe("a", func(int) {})
	b.Subscribe("b", func(int) {})

	b.RemoveAll("a")

	require.Equal(t, 0, b.ListenerCount("a"))
	require.Equal(t, 1, b.ListenerCount("b"))
}

func TestBroker_RemoveAll_EveryType(t *testing.T) {
	b := New[int]()
	b.Subscribe("a", func(int) {})
	b.Subscribe("b", func(int) {})

	b.RemoveAll()

	require.Equal(t, 0, b.ListenerCount("a"))
	require.Equal(t, 0, b.ListenerCount("b"))
}

func TestBroker_WaitFor_ResolvesWithNextPayload(t *testing.T) {
	b := New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resultCh := make(chan string, 1)
	go func() {
		payload, err := b.WaitFor(ctx, "e")
		require.NoError(t, err)
		resultCh <- payload
	}()

	// Give the goroutine a chance to subscribe before emitting.
	time.Sleep(10 * time.Millisecond)
	b.Emit("e", "hello")

	select {
	case got := <-resultCh:
		require.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not resolve")
	}
}

func TestBroker_WaitFor_CancelledContext(t *testing.T) {
	b := New[string]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.WaitFor(ctx, "e")
	require.Error(t, err)
}

func TestBroker_NoBufferingForMissedEvents(t *testing.T) {
	b := New[int]()
	b.Emit("e", 1)

	count := 0
	b.Subscribe("e", func(int) { count++ })
	b.Emit("e", 2)

	require.Equal(t, 1, count)
}
