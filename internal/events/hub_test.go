package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversInOrder(t *testing.T) {
	hub := NewHub()
	hub.Run(context.Background())
	defer hub.Stop()

	ch, cancel := hub.Subscribe(8)
	defer cancel()

	hub.Publish(Event{Type: TaskQueued, TaskID: "t1"})
	hub.Publish(Event{Type: TaskExecuting, TaskID: "t1"})
	hub.Publish(Event{Type: TaskCompleted, TaskID: "t1"})

	want := []Type{TaskQueued, TaskExecuting, TaskCompleted}
	for _, expected := range want {
		select {
		case e := <-ch:
			assert.Equal(t, expected, e.Type)
			assert.Equal(t, "t1", e.TaskID)
			assert.False(t, e.At.IsZero(), "timestamp should be set on publish")
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", expected)
		}
	}
}

func TestHubMultipleSubscribers(t *testing.T) {
	hub := NewHub()
	hub.Run(context.Background())
	defer hub.Stop()

	a, cancelA := hub.Subscribe(4)
	defer cancelA()
	b, cancelB := hub.Subscribe(4)
	defer cancelB()

	hub.Publish(Event{Type: AccountBanned, AccountID: "acct-1"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			assert.Equal(t, AccountBanned, e.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub()
	hub.Run(context.Background())
	defer hub.Stop()

	ch, cancel := hub.Subscribe(1)
	cancel()

	_, open := <-ch
	assert.False(t, open, "cancelled subscription channel should be closed")

	// Publishing after cancel must not panic or block.
	hub.Publish(Event{Type: TaskQueued})
}

func TestHubSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := NewHub()
	hub.Run(context.Background())
	defer hub.Stop()

	// Subscriber with a tiny buffer that is never drained.
	_, cancel := hub.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish(Event{Type: TaskQueued})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestHubStopIsIdempotent(t *testing.T) {
	hub := NewHub()
	hub.Run(context.Background())

	hub.Stop()
	require.NotPanics(t, hub.Stop)
}
