package worker_test

import (
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/batchq/queue"
	"github.com/remiges-tech/batchq/worker"
)

type procFunc func(ctx context.Context, d *queue.Delivery) queue.Response

func (f procFunc) Process(ctx context.Context, d *queue.Delivery) queue.Response {
	return f(ctx, d)
}

func testLogger() *logharbour.Logger {
	return logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
}

func TestDrainProcessesBacklog(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(ctx, "q1", queue.Message{Class: "Job"}, queue.PushOptions{}))
	}

	var mu sync.Mutex
	seen := 0
	w := worker.New(q, "q1", procFunc(func(ctx context.Context, d *queue.Delivery) queue.Response {
		mu.Lock()
		seen++
		mu.Unlock()
		return queue.Ack
	}), testLogger())

	require.NoError(t, w.Drain(ctx))
	mu.Lock()
	assert.Equal(t, 5, seen)
	mu.Unlock()
	assert.Zero(t, q.Pending("q1"))
}

func TestDrainFollowsChainedPushes(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "q1", queue.Message{
		Class: "Job",
		Args:  map[string]any{"hop": 0},
	}, queue.PushOptions{}))

	// Each delivery pushes a follow-up until three hops are done, the way
	// a chain processor releases the next position.
	var mu sync.Mutex
	var hops []int
	w := worker.New(q, "q1", procFunc(func(ctx context.Context, d *queue.Delivery) queue.Response {
		hop, _ := d.Args["hop"].(int)
		mu.Lock()
		hops = append(hops, hop)
		mu.Unlock()
		if hop < 2 {
			_ = q.Push(ctx, "q1", queue.Message{
				Class: "Job",
				Args:  map[string]any{"hop": hop + 1},
			}, queue.PushOptions{})
		}
		return queue.Ack
	}), testLogger())

	require.NoError(t, w.Drain(ctx))
	mu.Lock()
	assert.Equal(t, []int{0, 1, 2}, hops)
	mu.Unlock()
}

func TestPanicRequeues(t *testing.T) {
	q := queue.NewMemoryQueue()
	q.MaxDeliveries = 2
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "q1", queue.Message{Class: "Panicky"}, queue.PushOptions{}))

	var mu sync.Mutex
	attempts := 0
	w := worker.New(q, "q1", procFunc(func(ctx context.Context, d *queue.Delivery) queue.Response {
		mu.Lock()
		attempts++
		mu.Unlock()
		panic("boom")
	}), testLogger())

	require.NoError(t, w.Drain(ctx))
	// First attempt panicked and was requeued; the second exhausted the cap.
	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()
	assert.Zero(t, q.Pending("q1"))
}

func TestRunStopsOnCancel(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	seen := 0
	w := worker.New(q, "q1", procFunc(func(ctx context.Context, d *queue.Delivery) queue.Response {
		mu.Lock()
		seen++
		mu.Unlock()
		return queue.Ack
	}), testLogger())
	w.Concurrency = 2

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, q.Push(context.Background(), "q1", queue.Message{Class: "Job"}, queue.PushOptions{}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestRunStopsOnQueueClose(t *testing.T) {
	q := queue.NewMemoryQueue()
	w := worker.New(q, "q1", procFunc(func(ctx context.Context, d *queue.Delivery) queue.Response {
		return queue.Ack
	}), testLogger())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}
