package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adt-sh/adt/internal/common/logger"
	"github.com/adt-sh/adt/internal/events"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	b := NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	return b
}

func waitFor(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishDeliversToExactSubscriber(t *testing.T) {
	b := newTestBus(t)

	received := make(chan *Event, 1)
	_, err := b.Subscribe(events.AgentSpawned, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, Emit(context.Background(), b, events.AgentSpawned, "webapp", map[string]any{"pid": 42}))

	e := waitFor(t, received)
	assert.Equal(t, events.AgentSpawned, e.Type)
	assert.Equal(t, "webapp", e.Project)
	assert.Equal(t, 42, e.Data["pid"])
}

func TestWildcardSubscriptions(t *testing.T) {
	b := newTestBus(t)

	star := make(chan *Event, 4)
	_, err := b.Subscribe("task.*", func(ctx context.Context, e *Event) error {
		star <- e
		return nil
	})
	require.NoError(t, err)

	all := make(chan *Event, 4)
	_, err = b.Subscribe(">", func(ctx context.Context, e *Event) error {
		all <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, Emit(context.Background(), b, events.TaskCreated, "p", nil))
	require.NoError(t, Emit(context.Background(), b, events.AgentStopped, "p", nil))

	assert.Equal(t, events.TaskCreated, waitFor(t, star).Type)
	got := map[string]bool{}
	got[waitFor(t, all).Type] = true
	got[waitFor(t, all).Type] = true
	assert.True(t, got[events.TaskCreated])
	assert.True(t, got[events.AgentStopped])

	select {
	case e := <-star:
		t.Fatalf("task.* should not receive %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)

	received := make(chan *Event, 1)
	sub, err := b.Subscribe(events.TaskCreated, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, Emit(context.Background(), b, events.TaskCreated, "", nil))

	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueueSubscribeDeliversOnce(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	count := 0
	done := make(chan struct{}, 2)
	handler := func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	_, err := b.QueueSubscribe(events.TaskCompleted, "workers", handler)
	require.NoError(t, err)
	_, err = b.QueueSubscribe(events.TaskCompleted, "workers", handler)
	require.NoError(t, err)

	require.NoError(t, Emit(context.Background(), b, events.TaskCompleted, "", nil))

	<-done
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestHistoryRing(t *testing.T) {
	b := newTestBus(t)

	for i := 0; i < HistorySize+20; i++ {
		require.NoError(t, Emit(context.Background(), b, events.Notification, "", map[string]any{"seq": i}))
	}

	history := b.History(0, "")
	require.Len(t, history, HistorySize)
	// Oldest retained entry is the 21st published.
	assert.Equal(t, 20, history[0].Data["seq"])
	assert.Equal(t, HistorySize+19, history[len(history)-1].Data["seq"])

	limited := b.History(10, "")
	require.Len(t, limited, 10)
	assert.Equal(t, HistorySize+10, limited[0].Data["seq"])
}

func TestHistoryTypeFilter(t *testing.T) {
	b := newTestBus(t)

	require.NoError(t, Emit(context.Background(), b, events.TaskCreated, "", nil))
	require.NoError(t, Emit(context.Background(), b, events.TaskFailed, "", nil))
	require.NoError(t, Emit(context.Background(), b, events.TaskCreated, "", nil))

	filtered := b.History(0, events.TaskCreated)
	require.Len(t, filtered, 2)
	for _, e := range filtered {
		assert.Equal(t, events.TaskCreated, e.Type)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	err := Emit(context.Background(), b, events.TaskCreated, "", nil)
	assert.Error(t, err)
	assert.False(t, b.IsConnected())
}

func TestConcurrentPublish(t *testing.T) {
	b := newTestBus(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = Emit(context.Background(), b, events.AgentOutput, fmt.Sprintf("p%d", n), nil)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, b.History(0, ""), HistorySize)
}

func TestNilLoggerGetsDefault(t *testing.T) {
	b := NewMemoryEventBus(nil)
	t.Cleanup(b.Close)

	received := make(chan *Event, 1)
	_, err := b.Subscribe(events.TaskCreated, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, Emit(context.Background(), b, events.TaskCreated, "p", nil))
	waitFor(t, received)
}

func TestDeliveryOrderPerSubscriber(t *testing.T) {
	b := newTestBus(t)

	const n = 200
	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	_, err := b.Subscribe(events.AgentOutput, func(ctx context.Context, e *Event) error {
		mu.Lock()
		seen = append(seen, e.Data["seq"].(int))
		full := len(seen) == n
		mu.Unlock()
		if full {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, Emit(context.Background(), b, events.AgentOutput, "p", map[string]any{"seq": i}))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all events delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range seen {
		require.Equal(t, i, got, "event %d arrived out of order", i)
	}
}
