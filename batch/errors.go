package batch

import (
	"errors"
	"fmt"

	"github.com/remiges-tech/batchq/batch/store"
)

// Builder-time and manager-time error sentinels.
var (
	// ErrInvalidJob covers bad job shapes and a compensation class
	// declared on a job of a parallel batch.
	ErrInvalidJob = errors.New("invalid job definition")

	// ErrUnknownClass means the job class is not registered.
	ErrUnknownClass = errors.New("unknown job class")

	// ErrEmptyBatch means dispatch was attempted with zero jobs.
	ErrEmptyBatch = errors.New("batch has no jobs")

	// ErrBatchClosed means jobs were appended to a terminal batch.
	ErrBatchClosed = errors.New("batch is already completed or failed")

	// ErrInvalidCallback means a callback was given as something other
	// than a serializable job spec.
	ErrInvalidCallback = errors.New("callback must be a serializable job spec")

	// ErrNoCompensation means manual compensation was requested for a
	// batch that has no completed jobs carrying a compensation class.
	ErrNoCompensation = errors.New("batch has no completed jobs with compensation")
)

// ErrBatchNotFound is re-exported from the store for callers that only
// import this package.
var ErrBatchNotFound = store.ErrBatchNotFound

// InvalidJobError wraps ErrInvalidJob with the offending input and position.
type InvalidJobError struct {
	Position int
	Reason   string
}

func (e *InvalidJobError) Error() string {
	return fmt.Sprintf("invalid job at position %d: %s", e.Position, e.Reason)
}

func (e *InvalidJobError) Unwrap() error {
	return ErrInvalidJob
}

// UnknownClassError wraps ErrUnknownClass with the class name.
type UnknownClassError struct {
	Class string
}

func (e *UnknownClassError) Error() string {
	return fmt.Sprintf("unknown job class %q", e.Class)
}

func (e *UnknownClassError) Unwrap() error {
	return ErrUnknownClass
}

// JobExecutionError records a user job failure; it is persisted onto the
// job row and propagated into the batch's failure path.
type JobExecutionError struct {
	Class string
	Err   error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.Class, e.Err)
}

func (e *JobExecutionError) Unwrap() error {
	return e.Err
}
