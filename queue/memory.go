package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxDeliveries bounds redeliveries of a single message on the
// memory queue so a permanently requeued message cannot loop forever.
const DefaultMaxDeliveries = 25

// MemoryQueue is an in-process Queue used by tests and example programs.
// FIFO per queue name; Requeue appends the message at the tail with its
// delivery counter bumped.
type MemoryQueue struct {
	mu            sync.Mutex
	queues        map[string][]*Delivery
	closed        bool
	MaxDeliveries int
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues:        make(map[string][]*Delivery),
		MaxDeliveries: DefaultMaxDeliveries,
	}
}

func (q *MemoryQueue) Push(ctx context.Context, queueName string, msg Message, opts PushOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.queues[queueName] = append(q.queues[queueName], &Delivery{
		Message:   msg,
		MessageID: uuid.New().String(),
		QueueName: queueName,
	})
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, queueName string) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if list := q.queues[queueName]; len(list) > 0 {
			d := list[0]
			q.queues[queueName] = list[1:]
			d.Deliveries++
			q.mu.Unlock()
			return d, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) Settle(ctx context.Context, d *Delivery, resp Response) error {
	if resp != Requeue {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.MaxDeliveries > 0 && d.Deliveries >= q.MaxDeliveries {
		// Retry budget exhausted; drop like a dead-letter.
		return nil
	}
	q.queues[d.QueueName] = append(q.queues[d.QueueName], d)
	return nil
}

// Pending reports how many messages are waiting on the named queue.
func (q *MemoryQueue) Pending(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queueName])
}

// Close rejects further pushes and wakes blocked receivers.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
