package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(SyncStart, SyncComplete)
	defer bus.Unsubscribe(sub)

	bus.Publish(SyncStart, nil)
	bus.Publish(QueueAdd, nil) // filtered out
	bus.Publish(SyncComplete, "done")

	ev := <-sub.C
	assert.Equal(t, SyncStart, ev.Type)

	ev = <-sub.C
	assert.Equal(t, SyncComplete, ev.Type)
	assert.Equal(t, "done", ev.Data)

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllTypes(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	bus.Publish(QueueAdd, nil)
	bus.Publish(NetworkChanged, nil)

	assert.Equal(t, QueueAdd, (<-sub.C).Type)
	assert.Equal(t, NetworkChanged, (<-sub.C).Type)
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(SyncProgress)
	defer bus.Unsubscribe(sub)

	// Fill well past the subscriber buffer without draining. Publish must
	// drop rather than stall.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(SyncProgress, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(SyncStart)
	bus.Unsubscribe(sub)

	_, ok := <-sub.C
	assert.False(t, ok)

	// Double unsubscribe is harmless.
	bus.Unsubscribe(sub)
}

func TestCloseStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(SyncStart)

	bus.Close()
	bus.Publish(SyncStart, nil)

	_, ok := <-sub.C
	require.False(t, ok)
}
