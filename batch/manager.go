// Package batch is the orchestration core: it builds and dispatches
// groups of background jobs (parallel batches and sequential chains) on
// a queue transport, tracks their lifecycle in a durable store, advances
// chains with accumulated context, and drives Saga-style compensation
// when a chain fails.
package batch

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchq/batch/store"
	"github.com/remiges-tech/batchq/config"
	"github.com/remiges-tech/batchq/queue"
)

// BatchManager is the entry point for constructing, dispatching,
// introspecting, extending, cancelling and cleaning up batches. It is
// bound to one store, one queue transport and one job registry.
type BatchManager struct {
	Store    store.Store
	Queue    queue.Queue
	Registry *Registry
	Logger   *logharbour.Logger
	Config   *config.BatchQueueConfig

	queueCfg *QueueConfigService
	validate *validator.Validate
}

// NewBatchManager wires the manager and registers the built-in
// compensation callback classes on the registry.
func NewBatchManager(st store.Store, q queue.Queue, reg *Registry, logger *logharbour.Logger, cfg *config.BatchQueueConfig) *BatchManager {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if reg == nil {
		reg = NewRegistry()
	}
	if cfg == nil {
		cfg = &config.BatchQueueConfig{}
	}
	cfg.SetDefaults()

	bm := &BatchManager{
		Store:    st,
		Queue:    q,
		Registry: reg,
		Logger:   logger,
		Config:   cfg,
		queueCfg: NewQueueConfigService(cfg),
		validate: validator.New(),
	}
	bm.registerBuiltins()
	return bm
}

// Batch starts building a parallel batch of independent jobs.
func (bm *BatchManager) Batch(jobs ...any) *Builder {
	return newBuilder(bm, store.TypeParallel, jobs)
}

// Chain starts building a sequential chain: each job runs after its
// predecessor completes and sees the context it accumulated.
func (bm *BatchManager) Chain(jobs ...any) *Builder {
	return newBuilder(bm, store.TypeSequential, jobs)
}

// GetBatch loads a batch with all of its jobs.
func (bm *BatchManager) GetBatch(ctx context.Context, id string) (*store.BatchDefinition, error) {
	return bm.Store.GetBatch(ctx, id)
}

// BatchProgress is a read-only summary of one batch's advancement.
type BatchProgress struct {
	ID              string          `json:"id"`
	Name            string          `json:"name,omitempty"`
	Type            store.BatchType `json:"type"`
	Status          store.Status    `json:"status"`
	TotalJobs       int             `json:"total_jobs"`
	CompletedJobs   int             `json:"completed_jobs"`
	FailedJobs      int             `json:"failed_jobs"`
	PendingJobs     int             `json:"pending_jobs"`
	PercentComplete float64         `json:"percent_complete"`
	CompletedAt     string          `json:"completed_at,omitempty"`
}

// GetProgress summarizes a batch's counters.
func (bm *BatchManager) GetProgress(ctx context.Context, id string) (*BatchProgress, error) {
	def, err := bm.Store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	p := &BatchProgress{
		ID:            def.ID,
		Name:          def.Options.Name,
		Type:          def.Type,
		Status:        def.Status,
		TotalJobs:     def.TotalJobs,
		CompletedJobs: def.CompletedJobs,
		FailedJobs:    def.FailedJobs,
		PendingJobs:   def.TotalJobs - def.CompletedJobs - def.FailedJobs,
		CompletedAt:   def.CompletedAt,
	}
	if def.TotalJobs > 0 {
		p.PercentComplete = float64(def.CompletedJobs+def.FailedJobs) / float64(def.TotalJobs) * 100
	}
	return p, nil
}

// GetBatches lists batches matching the filters, newest first.
func (bm *BatchManager) GetBatches(ctx context.Context, f store.BatchFilters, limit, offset int) ([]*store.BatchDefinition, error) {
	if err := bm.validate.Struct(f); err != nil {
		return nil, err
	}
	return bm.Store.GetBatches(ctx, f, limit, offset)
}

// CountBatches counts batches matching the filters.
func (bm *BatchManager) CountBatches(ctx context.Context, f store.BatchFilters) (int, error) {
	if err := bm.validate.Struct(f); err != nil {
		return 0, err
	}
	return bm.Store.CountBatches(ctx, f)
}

// AddJobs appends jobs to a non-terminal batch. For parallel batches the
// appended jobs are enqueued immediately; for chains the running chain
// reaches the new positions through the normal step-advance protocol.
// Returns the refreshed batch definition.
func (bm *BatchManager) AddJobs(ctx context.Context, batchID string, jobs ...any) (*store.BatchDefinition, error) {
	def, err := bm.Store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if def.Status.IsTerminal() {
		return nil, ErrBatchClosed
	}

	newJobs, err := normalizeJobs(bm.Registry, def.Type, jobs, def.TotalJobs)
	if err != nil {
		return nil, err
	}
	for i := range newJobs {
		newJobs[i].BatchID = def.ID
	}
	if _, err := bm.Store.AddJobsToBatch(ctx, batchID, newJobs); err != nil {
		return nil, err
	}
	bm.Logger.Info().LogActivity("Appended jobs to batch", map[string]any{
		"batchId": batchID,
		"added":   len(newJobs),
	})

	refreshed, err := bm.Store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if def.Type == store.TypeParallel {
		for i := range newJobs {
			job := refreshed.JobAtPosition(newJobs[i].Position)
			if job == nil {
				continue
			}
			if err := bm.enqueueJob(ctx, refreshed, job); err != nil {
				return nil, err
			}
		}
	}
	return refreshed, nil
}

// CancelBatch launches compensation when warranted and then deletes the
// batch. Messages already in flight for it are tolerated by the
// processors, which reject deliveries for a missing batch.
func (bm *BatchManager) CancelBatch(ctx context.Context, batchID string) error {
	def, err := bm.Store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if def.Type == store.TypeSequential && len(def.JobsWithCompensation()) > 0 {
		if _, err := bm.launchCompensation(ctx, def); err != nil {
			bm.Logger.Error(err).LogActivity("Failed to launch compensation during cancel", map[string]any{
				"batchId": batchID,
			})
		}
	}
	if err := bm.Store.DeleteBatch(ctx, batchID); err != nil {
		return err
	}
	bm.Logger.Info().LogActivity("Batch cancelled", map[string]any{"batchId": batchID})
	return nil
}

// Compensate manually launches a compensation chain for a batch that has
// compensation-bearing completed jobs. Returns the compensation batch id.
func (bm *BatchManager) Compensate(ctx context.Context, batchID string) (string, error) {
	def, err := bm.Store.GetBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	if len(def.JobsWithCompensation()) == 0 {
		return "", ErrNoCompensation
	}
	return bm.launchCompensation(ctx, def)
}

// Cleanup removes terminal batches older than the cut-off and returns
// how many were removed.
func (bm *BatchManager) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	n, err := bm.Store.CleanupOldBatches(ctx, olderThanDays)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		bm.Logger.Info().LogActivity("Cleaned up old batches", map[string]any{
			"removed":       n,
			"olderThanDays": olderThanDays,
		})
	}
	return n, nil
}

// RunCleanup periodically removes old terminal batches until the context
// is cancelled. Call it in its own goroutine when Cleanup.Enabled is set.
func (bm *BatchManager) RunCleanup(ctx context.Context) {
	interval := time.Duration(bm.Config.Cleanup.RunInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := bm.Cleanup(ctx, bm.Config.Cleanup.OlderThanDays); err != nil {
				bm.Logger.Error(err).LogActivity("Periodic cleanup failed", nil)
			}
		}
	}
}

// HealthCheck verifies the store is reachable.
func (bm *BatchManager) HealthCheck(ctx context.Context) error {
	return bm.Store.HealthCheck(ctx)
}
