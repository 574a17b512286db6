package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	idx := 1
	event := StreamEvent{
		RunID:     "run-1",
		Sequence:  3,
		EventType: "step_completed",
		StepIndex: &idx,
		Snapshot:  json.RawMessage(`{"id":"run-1","status":"running"}`),
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := recv(t, ch)
	assert.Equal(t, event.RunID, got.RunID)
	assert.Equal(t, int64(3), got.Sequence)
	assert.Equal(t, 1, *got.StepIndex)
	assert.JSONEq(t, string(event.Snapshot), string(got.Snapshot))
}

func TestFilterByRunID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "step_started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-2", EventType: "step_started"}))

	assert.Equal(t, "run-1", recv(t, ch).RunID)
	assertNoEvent(t, ch)
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"step_completed", "run_failed"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", EventType: "step_completed"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", EventType: "step_started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", EventType: "run_failed"}))

	assert.Equal(t, "step_completed", recv(t, ch).EventType)
	assert.Equal(t, "run_failed", recv(t, ch).EventType)
	assertNoEvent(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "run_started"}))

	for _, ch := range []<-chan StreamEvent{ch1, ch2} {
		assert.Equal(t, "run_started", recv(t, ch).EventType)
	}
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "run_started"}))

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancelCtx := context.WithCancel(context.Background())

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	cancelCtx()
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestLaggingSubscriberIsEvicted(t *testing.T) {
	hub := NewMemoryHubWithBuffer(4)
	ctx := context.Background()

	slow, cancelSlow, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancelSlow()

	for i := 1; i <= 6; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", Sequence: int64(i)}))
	}

	var seqs []int64
	for evt := range slow {
		seqs = append(seqs, evt.Sequence)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, seqs, "buffered events are delivered before the close")
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestCloseEvictsSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Close())
	_, ok := <-ch
	assert.False(t, ok)

	late, lateCancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer lateCancel()
	_, ok = <-late
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				_ = hub.Publish(ctx, StreamEvent{RunID: "run-concurrent", EventType: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "tick"})
	assert.ErrorIs(t, err, context.Canceled)

	_, _, err = hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
