package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewMemory(2, 1, 8)

	var mu sync.Mutex
	seen := map[string]Task{}
	done := make(chan struct{}, 3)
	go q.Run(ctx, func(_ context.Context, task Task) error {
		mu.Lock()
		seen[task.JobID] = task
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, Task{JobID: id, Token: "tok-" + id}))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("task not delivered")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, "tok-b", seen["b"].Token)
	assert.Equal(t, 1, seen["b"].Attempt)
	assert.NotEmpty(t, seen["b"].ID)
	assert.False(t, seen["b"].EnqueuedAt.IsZero())
}

func TestMemoryRedeliversUntilLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewMemory(1, 3, 8)

	var calls atomic.Int32
	go q.Run(ctx, func(_ context.Context, task Task) error {
		calls.Add(1)
		return errors.New("store unavailable")
	})
	require.NoError(t, q.Enqueue(ctx, Task{JobID: "a"}))

	assert.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestMemoryRetrySucceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewMemory(1, 3, 8)

	attempts := make(chan int, 3)
	go q.Run(ctx, func(_ context.Context, task Task) error {
		attempts <- task.Attempt
		if task.Attempt == 1 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, q.Enqueue(ctx, Task{JobID: "a"}))

	assert.Equal(t, 1, <-attempts)
	assert.Equal(t, 2, <-attempts)
}

func TestMemoryRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemory(2, 1, 1)

	stopped := make(chan error)
	go func() { stopped <- q.Run(ctx, func(context.Context, Task) error { return nil }) }()
	cancel()

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestMemoryEnqueueHonorsContext(t *testing.T) {
	q := NewMemory(1, 1, 1)
	require.NoError(t, q.Enqueue(context.Background(), Task{JobID: "fills buffer"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(ctx, Task{JobID: "blocked"}), context.DeadlineExceeded)
}
