package batch

import (
	"context"

	"github.com/remiges-tech/batchq/batch/store"
	"github.com/remiges-tech/batchq/queue"
)

// dispatchBatch translates a persisted batch into its initial queue
// messages: one per job for parallel batches, only position 0 for
// chains. Subsequent chain positions are released by the chain processor
// as their predecessors complete.
func (bm *BatchManager) dispatchBatch(ctx context.Context, def *store.BatchDefinition) error {
	switch def.Type {
	case store.TypeSequential:
		first := def.JobAtPosition(0)
		if first == nil {
			return ErrEmptyBatch
		}
		return bm.enqueueJob(ctx, def, first)
	default:
		for i := range def.Jobs {
			if err := bm.enqueueJob(ctx, def, &def.Jobs[i]); err != nil {
				return err
			}
		}
		return nil
	}
}

// enqueueJob pushes one job's envelope: the user args layered under the
// batch context, topped with the routing markers. The compensation class
// travels with the message so the worker knows a failure registers a
// rollback obligation.
func (bm *BatchManager) enqueueJob(ctx context.Context, def *store.BatchDefinition, job *store.JobDefinition) error {
	markers := map[string]any{
		argBatchID:     def.ID,
		argJobPosition: job.Position,
	}
	if job.Payload.Compensation != "" {
		markers[argCompensation] = job.Payload.Compensation
	}
	msg := queue.Message{
		Class: job.Payload.Class,
		Args:  mergeArgs(job.Payload.Args, def.Context, markers),
	}
	opts := queue.PushOptions{
		MaxRetries: def.Options.MaxRetries,
		DelaySec:   def.Options.RetryDelay,
	}
	if err := bm.Queue.Push(ctx, def.QueueConfig, msg, opts); err != nil {
		return err
	}
	bm.Logger.Debug0().LogActivity("Enqueued job", map[string]any{
		"batchId":  def.ID,
		"position": job.Position,
		"class":    job.Payload.Class,
		"queue":    def.QueueConfig,
	})
	return nil
}

// enqueueCallback pushes an on_complete / on_failure callback job. It is
// marked is_callback so the processors execute it without touching batch
// counters.
func (bm *BatchManager) enqueueCallback(ctx context.Context, def *store.BatchDefinition, cb *store.CallbackSpec, status store.Status, errMsg string) error {
	args := mergeArgs(cb.Args, map[string]any{
		argIsCallback: true,
		argBatchID:    def.ID,
		argStatus:     string(status),
	})
	if errMsg != "" {
		args[argError] = errMsg
	}
	msg := queue.Message{Class: cb.Class, Args: args}
	if err := bm.Queue.Push(ctx, def.QueueConfig, msg, queue.PushOptions{}); err != nil {
		return err
	}
	bm.Logger.Debug0().LogActivity("Enqueued callback", map[string]any{
		"batchId": def.ID,
		"class":   cb.Class,
		"status":  string(status),
	})
	return nil
}
