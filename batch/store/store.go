// Package store defines the durable state contract of the batch
// orchestrator: the value types shared by all components and the Store
// interface implemented by the SQL (pgstore) and Redis (redisstore)
// backends. Both backends provide the same behavioral contract; only
// their performance characteristics differ.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrBatchNotFound is returned by lookups and mutations referencing a
// batch id that was deleted or never existed.
var ErrBatchNotFound = errors.New("batch not found")

// ErrJobNotFound is returned when a job row cannot be located inside an
// existing batch.
var ErrJobNotFound = errors.New("batch job not found")

// StorageError wraps backend failures (connectivity, constraint
// violations). Workers treat it as transient and requeue the message.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err with the failing operation name.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// BatchFilters narrows GetBatches / CountBatches result sets. Zero values
// mean "no constraint".
type BatchFilters struct {
	Type            BatchType `validate:"omitempty,oneof=parallel sequential"`
	Status          Status    `validate:"omitempty,oneof=pending running completed failed"`
	HasCompensation bool
	Name            string
}

// JobFilters narrows GetAllJobs result sets.
type JobFilters struct {
	Status          Status `validate:"omitempty,oneof=pending running completed failed"`
	HasCompensation bool
}

// CounterResult is the outcome of an IncrementCompletedJobs or
// IncrementFailedJobs call. Count is the authoritative recomputed value.
// Transitioned is true when this call moved the batch into Status; the
// caller that observes Transitioned owns firing completion callbacks.
type CounterResult struct {
	Count        int
	Total        int
	Transitioned bool
	Status       Status
}

// Store is the durable metadata store of the orchestrator. All counter
// recomputation and terminal-transition checks are atomic within a single
// call: a transaction in the SQL backend, a Lua script in the Redis
// backend. Counters are recomputed from child row state rather than
// blindly incremented, so redeliveries of the same queue message are
// idempotent.
type Store interface {
	// CreateBatch persists the batch and its full initial job set
	// atomically and returns the batch id.
	CreateBatch(ctx context.Context, def *BatchDefinition) (string, error)

	// UpdateBatch applies the given field map to the batch row.
	// Recognized keys: status, context, options, queue_name, queue_config,
	// completed_at.
	UpdateBatch(ctx context.Context, id string, fields map[string]any) error

	// GetBatch loads the batch and all its jobs, or ErrBatchNotFound.
	GetBatch(ctx context.Context, id string) (*BatchDefinition, error)

	// AddJobsToBatch appends job rows and grows total_jobs in the same
	// atomic step. Returns the number of rows added.
	AddJobsToBatch(ctx context.Context, id string, jobs []JobDefinition) (int, error)

	GetJobByPosition(ctx context.Context, batchID string, position int) (*JobDefinition, error)

	// GetJobByID locates a job by its row id or by its queue message id.
	GetJobByID(ctx context.Context, batchID, jobID string) (*JobDefinition, error)

	// UpdateJobID records the queue-provided message id against the job
	// row at the given position.
	UpdateJobID(ctx context.Context, batchID string, position int, queueMsgID string) error

	// UpdateJobStatus moves a job row to the given status, persisting the
	// result or the error record when present. Writing a status a row
	// already holds is a no-op at the invariant level.
	UpdateJobStatus(ctx context.Context, batchID, jobID string, status Status, result any, jobErr *JobError) error

	// IncrementCompletedJobs recomputes completed_jobs from child rows
	// and, when every job completed with none failed, transitions the
	// batch to completed (stamping completed_at) in the same atomic step.
	IncrementCompletedJobs(ctx context.Context, batchID string) (CounterResult, error)

	// IncrementFailedJobs recomputes failed_jobs and transitions the
	// batch to failed in the same atomic step, subject to the sticky
	// terminal rule.
	IncrementFailedJobs(ctx context.Context, batchID string) (CounterResult, error)

	// GetBatchResults returns the recorded results keyed by job row id.
	GetBatchResults(ctx context.Context, batchID string) (map[string]any, error)

	// GetAllJobs returns the batch's jobs in position order.
	GetAllJobs(ctx context.Context, batchID string, f JobFilters) ([]JobDefinition, error)

	GetBatches(ctx context.Context, f BatchFilters, limit, offset int) ([]*BatchDefinition, error)
	CountBatches(ctx context.Context, f BatchFilters) (int, error)

	// DeleteBatch removes the batch and all child rows.
	DeleteBatch(ctx context.Context, batchID string) error

	// CleanupOldBatches removes terminal batches older than the cut-off
	// and returns how many were removed.
	CleanupOldBatches(ctx context.Context, olderThanDays int) (int, error)

	HealthCheck(ctx context.Context) error
}
