package batch

import (
	"context"
	"errors"

	"github.com/remiges-tech/batchq/batch/store"
	"github.com/remiges-tech/batchq/queue"
)

// storageResponse maps a storage failure to a queue verdict. A missing
// batch or job row means the batch was cancelled or cleaned up while
// the message was in flight, so the message is poison. Anything else is
// treated as transient and redelivered.
func storageResponse(err error) queue.Response {
	if errors.Is(err, store.ErrBatchNotFound) || errors.Is(err, store.ErrJobNotFound) {
		return queue.Reject
	}
	return queue.Requeue
}

// runCallback executes an on_complete / on_failure callback delivery.
// Callbacks run outside the batch's job accounting: no status rows, no
// counters. A failing callback is redelivered by the transport.
func (bm *BatchManager) runCallback(ctx context.Context, d *queue.Delivery) queue.Response {
	job, err := bm.Registry.Resolve(d.Class)
	if err != nil {
		bm.Logger.Error(err).LogActivity("Callback class not registered", map[string]any{
			"class":   d.Class,
			"batchId": stringArg(d.Args, argBatchID),
		})
		return queue.Reject
	}
	if ca, ok := job.(ContextAware); ok {
		ca.SetContext(d.Args)
	}
	if err := job.Execute(ctx, d.Args); err != nil {
		bm.Logger.Error(err).LogActivity("Callback execution failed", map[string]any{
			"class":   d.Class,
			"batchId": stringArg(d.Args, argBatchID),
		})
		return queue.Requeue
	}
	return queue.Ack
}

// claimJob binds the delivery to its job row and marks the row running.
// The returned response is only meaningful when ok is false.
func (bm *BatchManager) claimJob(ctx context.Context, d *queue.Delivery, batchID string, position int) (*store.JobDefinition, queue.Response, bool) {
	row, err := bm.Store.GetJobByPosition(ctx, batchID, position)
	if err != nil {
		bm.Logger.Error(err).LogActivity("Job row lookup failed", map[string]any{
			"batchId":  batchID,
			"position": position,
		})
		return nil, storageResponse(err), false
	}
	if err := bm.Store.UpdateJobID(ctx, batchID, position, d.MessageID); err != nil {
		return nil, storageResponse(err), false
	}
	if err := bm.Store.UpdateJobStatus(ctx, batchID, row.ID, store.StatusRunning, nil, nil); err != nil {
		return nil, storageResponse(err), false
	}
	return row, queue.Ack, true
}

// jobResult extracts the structured result of a finished job, if it
// exposes one.
func jobResult(job Job) any {
	if ra, ok := job.(ResultAware); ok {
		return ra.Result()
	}
	return nil
}

// recordSuccess persists the completed job row and recomputes the
// completed counter. When this call is the one that transitioned the
// batch to completed, the completion callback fires here, exactly once.
func (bm *BatchManager) recordSuccess(ctx context.Context, typ store.BatchType, batchID string, row *store.JobDefinition, result any) (store.CounterResult, queue.Response, bool) {
	if err := bm.Store.UpdateJobStatus(ctx, batchID, row.ID, store.StatusCompleted, result, nil); err != nil {
		return store.CounterResult{}, storageResponse(err), false
	}
	res, err := bm.Store.IncrementCompletedJobs(ctx, batchID)
	if err != nil {
		return store.CounterResult{}, storageResponse(err), false
	}
	metricJobsCompleted.WithLabelValues(string(typ)).Inc()

	if res.Transitioned && res.Status == store.StatusCompleted {
		metricBatchesCompleted.WithLabelValues(string(typ)).Inc()
		bm.Logger.Info().LogActivity("Batch completed", map[string]any{
			"batchId":   batchID,
			"completed": res.Count,
			"total":     res.Total,
		})
		bm.fireCallback(ctx, batchID, store.StatusCompleted, "")
	}
	return res, queue.Ack, true
}

// recordFailure persists the failed job row with its error record and
// recomputes the failed counter. When this call transitioned the batch
// to failed, the failure callback fires here.
func (bm *BatchManager) recordFailure(ctx context.Context, typ store.BatchType, batchID string, row *store.JobDefinition, execErr error) (store.CounterResult, queue.Response, bool) {
	jerr := &store.JobError{Message: execErr.Error()}
	if err := bm.Store.UpdateJobStatus(ctx, batchID, row.ID, store.StatusFailed, nil, jerr); err != nil {
		return store.CounterResult{}, storageResponse(err), false
	}
	res, err := bm.Store.IncrementFailedJobs(ctx, batchID)
	if err != nil {
		return store.CounterResult{}, storageResponse(err), false
	}
	metricJobsFailed.WithLabelValues(string(typ)).Inc()
	bm.Logger.Error(execErr).LogActivity("Job failed", map[string]any{
		"batchId":  batchID,
		"position": row.Position,
		"class":    row.Payload.Class,
	})

	if res.Transitioned && res.Status == store.StatusFailed {
		metricBatchesFailed.WithLabelValues(string(typ)).Inc()
		bm.fireCallback(ctx, batchID, store.StatusFailed, execErr.Error())
	}
	return res, queue.Ack, true
}

// runPlain executes a delivery that carries no batch markers. Batch
// workers can share a queue with plain jobs; those run and settle
// without touching any batch state.
func (bm *BatchManager) runPlain(ctx context.Context, d *queue.Delivery) queue.Response {
	job, err := bm.Registry.Resolve(d.Class)
	if err != nil {
		bm.Logger.Error(err).LogActivity("Unroutable delivery", map[string]any{
			"class": d.Class,
			"queue": d.QueueName,
		})
		return queue.Reject
	}
	if err := job.Execute(ctx, d.Args); err != nil {
		bm.Logger.Error(err).LogActivity("Plain job failed", map[string]any{"class": d.Class})
		return queue.Requeue
	}
	return queue.Ack
}

// fireCallback enqueues the configured callback job for the terminal
// status the batch just reached. Enqueue failures are logged, not
// retried; the batch's own terminal state is already durable.
func (bm *BatchManager) fireCallback(ctx context.Context, batchID string, status store.Status, errMsg string) {
	def, err := bm.Store.GetBatch(ctx, batchID)
	if err != nil {
		bm.Logger.Error(err).LogActivity("Batch reload for callback failed", map[string]any{
			"batchId": batchID,
		})
		return
	}
	var cb *store.CallbackSpec
	switch status {
	case store.StatusCompleted:
		cb = def.Options.OnComplete
	case store.StatusFailed:
		cb = def.Options.OnFailure
	}
	if cb == nil {
		return
	}
	if err := bm.enqueueCallback(ctx, def, cb, status, errMsg); err != nil {
		bm.Logger.Error(err).LogActivity("Callback enqueue failed", map[string]any{
			"batchId": batchID,
			"class":   cb.Class,
		})
	}
}
