package batch

import (
	"context"

	"github.com/remiges-tech/batchq/batch/store"
	"github.com/remiges-tech/batchq/queue"
)

// ChainProcessor consumes deliveries for sequential chains. Exactly one
// step of a chain is in flight at a time: on success the processor
// persists any context the step accumulated and releases the next
// position; on failure it stops the chain and launches compensation for
// the completed steps that declared one.
type ChainProcessor struct {
	bm *BatchManager
}

// NewChainProcessor builds the processor for the given manager.
func NewChainProcessor(bm *BatchManager) *ChainProcessor {
	return &ChainProcessor{bm: bm}
}

// Process handles one delivery.
func (p *ChainProcessor) Process(ctx context.Context, d *queue.Delivery) queue.Response {
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

	// Fresh load: the step must see the context accumulated by its
	// predecessors, not the snapshot taken at enqueue time.
	def, err := bm.Store.GetBatch(ctx, batchID)
	if err != nil {
		return storageResponse(err)
	}

	job, err := bm.Registry.Resolve(row.Payload.Class)
	if err != nil {
		return p.failStep(ctx, def, row, d, err)
	}

	ca, contextAware := job.(ContextAware)
	if contextAware {
		ca.SetContext(def.Context)
	}

	if execErr := job.Execute(ctx, d.Args); execErr != nil {
		return p.failStep(ctx, def, row, d, &JobExecutionError{Class: row.Payload.Class, Err: execErr})
	}

	if contextAware {
		if updated := ca.Context(); updated != nil {
			if err := bm.Store.UpdateBatch(ctx, batchID, map[string]any{"context": updated}); err != nil {
				return storageResponse(err)
			}
		}
	}

	res, resp, ok := bm.recordSuccess(ctx, store.TypeSequential, batchID, row, jobResult(job))
	if !ok {
		return resp
	}
	if !res.Transitioned {
		if err := p.advance(ctx, batchID, position); err != nil {
			// A step that completed without releasing its successor wedges
			// the chain. Redelivery retries the advance; the counter
			// recompute keeps the repeat harmless.
			return queue.Requeue
		}
	}
	return queue.Ack
}

// advance releases the next chain position, if any. The batch is
// reloaded so jobs appended mid-run are seen, and a chain that went
// terminal in the meantime is left alone.
func (p *ChainProcessor) advance(ctx context.Context, batchID string, position int) error {
	bm := p.bm
	def, err := bm.Store.GetBatch(ctx, batchID)
	if err != nil {
		bm.Logger.Error(err).LogActivity("Chain reload for advance failed", map[string]any{
			"batchId": batchID,
		})
		return err
	}
	if def.Status.IsTerminal() {
		return nil
	}
	next := def.NextSequentialJob(position)
	if next == nil {
		return nil
	}
	if err := bm.enqueueJob(ctx, def, next); err != nil {
		bm.Logger.Error(err).LogActivity("Chain advance enqueue failed", map[string]any{
			"batchId":  batchID,
			"position": next.Position,
		})
		return err
	}
	return nil
}

// failStep records the failure and, when this call is the one that moved
// the chain to failed, launches the compensation chain for the completed
// steps. A step of a compensation chain never compensates recursively.
func (p *ChainProcessor) failStep(ctx context.Context, def *store.BatchDefinition, row *store.JobDefinition, d *queue.Delivery, execErr error) queue.Response {
	bm := p.bm
	res, resp, ok := bm.recordFailure(ctx, store.TypeSequential, def.ID, row, execErr)
	if !ok {
		return resp
	}
	if !res.Transitioned {
		return queue.Ack
	}
	if _, isComp := d.Args[argCompensationInfo]; isComp {
		return queue.Ack
	}

	// Reload so completed rows and their results are current.
	fresh, err := bm.Store.GetBatch(ctx, def.ID)
	if err != nil {
		bm.Logger.Error(err).LogActivity("Batch reload for compensation failed", map[string]any{
			"batchId": def.ID,
		})
		return queue.Ack
	}
	if len(fresh.JobsWithCompensation()) == 0 {
		return queue.Ack
	}
	if _, err := bm.launchCompensation(ctx, fresh); err != nil {
		bm.Logger.Error(err).LogActivity("Compensation launch failed", map[string]any{
			"batchId": def.ID,
		})
	}
	return queue.Ack
}
