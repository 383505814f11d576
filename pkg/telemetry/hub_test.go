package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishSubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	hub.Publish(Event{Type: EventWorkflowEscalated, RequestID: "req-1"})

	select {
	case ev := <-ch:
		assert.Equal(t, EventWorkflowEscalated, ev.Type)
		assert.Equal(t, "req-1", ev.RequestID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsubscribe := hub.Subscribe()
	unsubscribe()

	// Channel should be closed after unsubscribe.
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	hub.Publish(Event{Type: EventApprovalDecided})
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	// Overfill the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.Publish(Event{Type: EventToolCompleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	// Buffered events are still readable.
	require.Len(t, ch, 64)
}

func TestHubSubscribeAfterClose(t *testing.T) {
	hub := NewHub()
	hub.Close()

	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	_, open := <-ch
	assert.False(t, open)
}
