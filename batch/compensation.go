package batch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/remiges-tech/batchq/batch/store"
)

// Class names of the built-in compensation outcome callbacks. They are
// registered on the manager's registry at construction.
const (
	ClassCompensationComplete = "CompensationCompleteCallback"
	ClassCompensationFailed   = "CompensationFailedCallback"
)

// launchCompensation builds and dispatches a compensation chain for a
// failed (or cancelled) sequential batch. Only completed jobs carrying a
// compensation class are rolled back, in reverse position order: the
// failing job itself and still-pending jobs have no side effects to
// undo. The chain inherits the original batch's queue routing and
// context, and reports its outcome back onto the original batch's
// context through the built-in callbacks.
func (bm *BatchManager) launchCompensation(ctx context.Context, orig *store.BatchDefinition) (string, error) {
	candidates := orig.JobsWithCompensation()
	if len(candidates) == 0 {
		return "", nil
	}

	inputs := make([]any, 0, len(candidates))
	for i := range candidates {
		j := &candidates[i]
		info := map[string]any{
			compOriginalBatchID:  orig.ID,
			compOriginalJobClass: j.Payload.Class,
			compOriginalPosition: j.Position,
			compOriginalResult:   j.Result,
			compOrder:            i,
		}
		inputs = append(inputs, JobSpec{
			Class: j.Payload.Compensation,
			Args: mergeArgs(j.Payload.Args, map[string]any{
				argIsCompensation:   true,
				argCompensationInfo: info,
			}),
		})
	}

	jobs, err := normalizeJobs(bm.Registry, store.TypeSequential, inputs, 0)
	if err != nil {
		return "", err
	}

	cbArgs := map[string]any{compOriginalBatchID: orig.ID}
	comp := &store.BatchDefinition{
		ID:        uuid.New().String(),
		Type:      store.TypeSequential,
		Status:    store.StatusPending,
		TotalJobs: len(jobs),
		Context:   mergeArgs(orig.Context),
		Options: store.BatchOptions{
			OnComplete: &store.CallbackSpec{Class: ClassCompensationComplete, Args: cbArgs},
			OnFailure:  &store.CallbackSpec{Class: ClassCompensationFailed, Args: cbArgs},
			Name:       orig.Options.Name,
		},
		QueueName:   orig.QueueName,
		QueueConfig: orig.QueueConfig,
		Jobs:        jobs,
	}
	for i := range comp.Jobs {
		comp.Jobs[i].BatchID = comp.ID
	}

	if _, err := bm.Store.CreateBatch(ctx, comp); err != nil {
		return "", err
	}

	// Stamp the original batch so operators can correlate the two.
	origCtx := mergeArgs(orig.Context, map[string]any{
		ctxCompensationBatchID:   comp.ID,
		ctxCompensationStatus:    string(store.StatusRunning),
		ctxCompensationStartedAt: store.FormatTime(time.Now()),
	})
	if err := bm.Store.UpdateBatch(ctx, orig.ID, map[string]any{"context": origCtx}); err != nil {
		return "", err
	}

	if err := bm.dispatchBatch(ctx, comp); err != nil {
		return "", err
	}
	metricCompensations.Inc()
	bm.Logger.Info().LogActivity("Compensation chain launched", map[string]any{
		"batchId":             orig.ID,
		"compensationBatchId": comp.ID,
		"steps":               len(jobs),
	})
	return comp.ID, nil
}

// registerBuiltins adds the compensation outcome callbacks to the
// registry. Re-registration (several managers sharing one registry) is
// harmless.
func (bm *BatchManager) registerBuiltins() {
	_ = bm.Registry.Register(ClassCompensationComplete, func() Job {
		return &compensationCompleteCallback{st: bm.Store}
	})
	_ = bm.Registry.Register(ClassCompensationFailed, func() Job {
		return &compensationFailedCallback{st: bm.Store}
	})
}

// compensationCompleteCallback records a successful rollback on the
// original batch's context.
type compensationCompleteCallback struct {
	st store.Store
}

func (c *compensationCompleteCallback) Execute(ctx context.Context, args map[string]any) error {
	origID := stringArg(args, compOriginalBatchID)
	if origID == "" {
		return nil
	}
	orig, err := c.st.GetBatch(ctx, origID)
	if errors.Is(err, store.ErrBatchNotFound) {
		// Original batch deleted meanwhile (cancel path); nothing to stamp.
		return nil
	}
	if err != nil {
		return err
	}
	updated := mergeArgs(orig.Context, map[string]any{
		ctxCompensationStatus:      string(store.StatusCompleted),
		ctxCompensationCompletedAt: store.FormatTime(time.Now()),
	})
	return c.st.UpdateBatch(ctx, origID, map[string]any{"context": updated})
}

// compensationFailedCallback records a failed rollback, with the error,
// on the original batch's context.
type compensationFailedCallback struct {
	st store.Store
}

func (c *compensationFailedCallback) Execute(ctx context.Context, args map[string]any) error {
	origID := stringArg(args, compOriginalBatchID)
	if origID == "" {
		return nil
	}
	orig, err := c.st.GetBatch(ctx, origID)
	if errors.Is(err, store.ErrBatchNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	updated := mergeArgs(orig.Context, map[string]any{
		ctxCompensationStatus:   string(store.StatusFailed),
		ctxCompensationFailedAt: store.FormatTime(time.Now()),
	})
	if msg := stringArg(args, argError); msg != "" {
		updated[ctxCompensationError] = msg
	}
	return c.st.UpdateBatch(ctx, origID, map[string]any{"context": updated})
}
