// Package worker runs a processing loop over one queue: it receives
// deliveries, hands them to a processor and settles them with the
// processor's verdict. Batch semantics live in the processors; the
// worker only supplies the loop, concurrency and panic containment.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchq/queue"
)

// Processor decides the fate of one delivery.
type Processor interface {
	Process(ctx context.Context, d *queue.Delivery) queue.Response
}

// DefaultConcurrency is the number of receive loops Run starts when
// Worker.Concurrency is zero.
const DefaultConcurrency = 4

// drainIdle is how long Drain waits on an empty queue before deciding
// the backlog is gone.
const drainIdle = 200 * time.Millisecond

// Worker binds a queue name to a processor.
type Worker struct {
	Queue       queue.Queue
	QueueName   string
	Processor   Processor
	Logger      *logharbour.Logger
	Concurrency int
}

// New builds a worker. The logger must not be nil.
func New(q queue.Queue, queueName string, p Processor, logger *logharbour.Logger) *Worker {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &Worker{
		Queue:     q,
		QueueName: queueName,
		Processor: p,
		Logger:    logger,
	}
}

// Run consumes the queue until the context is cancelled or the queue is
// closed. It blocks; call it in a goroutine when running several
// workers.
func (w *Worker) Run(ctx context.Context) error {
	n := w.Concurrency
	if n <= 0 {
		n = DefaultConcurrency
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		d, err := w.Queue.Receive(ctx, w.QueueName)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			w.Logger.Error(err).LogActivity("Receive failed", map[string]any{
				"queue": w.QueueName,
			})
			continue
		}
		w.handle(ctx, d)
	}
}

// Drain processes deliveries single-threaded until the queue stays
// empty, then returns. Meant for tests and batch-style invocations
// where the caller wants the backlog, including messages the processors
// enqueue while draining, fully worked off.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		rctx, cancel := context.WithTimeout(ctx, drainIdle)
		d, err := w.Queue.Receive(rctx, w.QueueName)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		w.handle(ctx, d)
	}
}

// handle runs the processor with panic containment and settles the
// delivery. A panicking processor counts as transient: the message is
// requeued and the transport's delivery cap decides when to give up.
func (w *Worker) handle(ctx context.Context, d *queue.Delivery) {
	resp := w.safeProcess(ctx, d)
	if err := w.Queue.Settle(ctx, d, resp); err != nil {
		w.Logger.Error(err).LogActivity("Settle failed", map[string]any{
			"queue":     w.QueueName,
			"messageId": d.MessageID,
			"response":  resp.String(),
		})
	}
}

func (w *Worker) safeProcess(ctx context.Context, d *queue.Delivery) (resp queue.Response) {
	defer func() {
		if r := recover(); r != nil {
			w.Logger.Error(fmt.Errorf("panic: %v", r)).LogActivity("Processor panicked", map[string]any{
				"queue":     w.QueueName,
				"class":     d.Class,
				"messageId": d.MessageID,
				"stack":     string(debug.Stack()),
			})
			resp = queue.Requeue
		}
	}()
	return w.Processor.Process(ctx, d)
}
