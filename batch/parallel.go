package batch

import (
	"context"

	"github.com/remiges-tech/batchq/batch/store"
	"github.com/remiges-tech/batchq/queue"
)

// ParallelProcessor consumes deliveries for parallel batches. Each job
// is independent; the processor records the outcome, recomputes the
// batch counters and fires the terminal callback when its call is the
// one that transitioned the batch.
type ParallelProcessor struct {
	bm *BatchManager
}

// NewParallelProcessor builds the processor for the given manager.
func NewParallelProcessor(bm *BatchManager) *ParallelProcessor {
	return &ParallelProcessor{bm: bm}
}

// Process handles one delivery. Deliveries without orchestration markers
// pass through untouched, so a batch worker can share a queue with
// plain, non-batch jobs.
func (p *ParallelProcessor) Process(ctx context.Context, d *queue.Delivery) queue.Response {
	bm := p.bm

	if boolArg(d.Args, argIsCallback) {
		return bm.runCallback(ctx, d)
	}

	batchID := stringArg(d.Args, argBatchID)
	position, havePos := intArg(d.Args, argJobPosition)
	if batchID == "" || !havePos {
		return bm.runPlain(ctx, d)
	}

	row, resp, ok := bm.claimJob(ctx, d, batchID, position)
	if !ok {
		return resp
	}

	job, err := bm.Registry.Resolve(row.Payload.Class)
	if err != nil {
		// The class was known at dispatch time; an unknown class here is
		// a deployment mismatch on the worker. Recorded as a job failure
		// so the batch does not hang.
		_, resp, _ := bm.recordFailure(ctx, store.TypeParallel, batchID, row, err)
		return resp
	}

	execErr := job.Execute(ctx, d.Args)
	if execErr != nil {
		_, resp, _ := bm.recordFailure(ctx, store.TypeParallel, batchID, row, &JobExecutionError{Class: row.Payload.Class, Err: execErr})
		return resp
	}

	_, resp, _ = bm.recordSuccess(ctx, store.TypeParallel, batchID, row, jobResult(job))
	return resp
}
