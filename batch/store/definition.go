package store

import (
	"encoding/json"
	"time"
)

// BatchType distinguishes how the jobs of a batch are scheduled.
type BatchType string

const (
	// TypeParallel batches enqueue all jobs at once; jobs run concurrently.
	TypeParallel BatchType = "parallel"
	// TypeSequential batches (chains) run one job at a time in position order.
	TypeSequential BatchType = "sequential"
)

// Status is the lifecycle state of a batch or of a single batch job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is one of the two final states.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TimeFormat is the wire format for all batch timestamps. Both backends
// normalize their native representations (SQL timestamps, Redis Unix
// seconds) to this layout on hydration.
const TimeFormat = "2006-01-02 15:04:05"

// FormatTime renders t in the wire format, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// JobError is the persisted error record of a failed job.
type JobError struct {
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Trace   string `json:"trace,omitempty"`
}

// JobPayload is the canonical job descriptor stored on every batch job row.
type JobPayload struct {
	Class        string         `json:"class"`
	Compensation string         `json:"compensation,omitempty"`
	Args         map[string]any `json:"args"`
}

// JobDefinition is one job slot inside a batch. Position is the zero-based
// execution index; JobID is the queue message id, filled in on first pickup.
type JobDefinition struct {
	ID          string     `json:"id"`
	BatchID     string     `json:"batch_id"`
	JobID       string     `json:"job_id,omitempty"`
	Position    int        `json:"position"`
	Status      Status     `json:"status"`
	Payload     JobPayload `json:"payload"`
	Result      any        `json:"result,omitempty"`
	Error       *JobError  `json:"error,omitempty"`
	CompletedAt string     `json:"completed_at,omitempty"`
}

// HasCompensation reports whether the job carries a compensation partner class.
func (j *JobDefinition) HasCompensation() bool {
	return j.Payload.Compensation != ""
}

// CallbackSpec is a serializable job reference used for the on_complete and
// on_failure batch options. Inline function values are not representable
// here on purpose: callbacks travel through the queue.
type CallbackSpec struct {
	Class string         `json:"class"`
	Args  map[string]any `json:"args,omitempty"`
}

// BatchOptions are the recognized per-batch options.
type BatchOptions struct {
	OnComplete       *CallbackSpec `json:"on_complete,omitempty"`
	OnFailure        *CallbackSpec `json:"on_failure,omitempty"`
	MaxRetries       int           `json:"max_retries,omitempty"`
	RetryDelay       int           `json:"retry_delay,omitempty"`
	Timeout          int           `json:"timeout,omitempty"`
	FailOnFirstError bool          `json:"fail_on_first_error,omitempty"`
	Name             string        `json:"name,omitempty"`
}

// BatchDefinition is the full state of one batch plus its child jobs.
type BatchDefinition struct {
	ID            string          `json:"id"`
	Type          BatchType       `json:"type"`
	Status        Status          `json:"status"`
	TotalJobs     int             `json:"total_jobs"`
	CompletedJobs int             `json:"completed_jobs"`
	FailedJobs    int             `json:"failed_jobs"`
	Context       map[string]any  `json:"context"`
	Options       BatchOptions    `json:"options"`
	QueueName     string          `json:"queue_name,omitempty"`
	QueueConfig   string          `json:"queue_config,omitempty"`
	Created       string          `json:"created,omitempty"`
	Modified      string          `json:"modified,omitempty"`
	CompletedAt   string          `json:"completed_at,omitempty"`
	Jobs          []JobDefinition `json:"jobs,omitempty"`
}

// IsComplete reports whether the batch has reached a terminal state.
func (b *BatchDefinition) IsComplete() bool {
	return b.Status.IsTerminal()
}

// HasFailed reports whether the batch failed or holds at least one failed job.
func (b *BatchDefinition) HasFailed() bool {
	return b.Status == StatusFailed || b.FailedJobs > 0
}

// HasCompensation reports whether any job of the batch carries a
// compensation class. Only sequential batches can ever satisfy this.
func (b *BatchDefinition) HasCompensation() bool {
	for i := range b.Jobs {
		if b.Jobs[i].HasCompensation() {
			return true
		}
	}
	return false
}

// Job returns the child job with the given row id, or nil.
func (b *BatchDefinition) Job(id string) *JobDefinition {
	for i := range b.Jobs {
		if b.Jobs[i].ID == id {
			return &b.Jobs[i]
		}
	}
	return nil
}

// JobAtPosition returns the child job at the given position, or nil.
func (b *BatchDefinition) JobAtPosition(pos int) *JobDefinition {
	for i := range b.Jobs {
		if b.Jobs[i].Position == pos {
			return &b.Jobs[i]
		}
	}
	return nil
}

// JobsWithCompensation returns the completed jobs that carry a compensation
// class, in reverse position order. These are the rollback candidates: a
// failing job and still-pending jobs have no visible side effects to undo.
func (b *BatchDefinition) JobsWithCompensation() []JobDefinition {
	var out []JobDefinition
	for pos := b.TotalJobs - 1; pos >= 0; pos-- {
		j := b.JobAtPosition(pos)
		if j != nil && j.Status == StatusCompleted && j.HasCompensation() {
			out = append(out, *j)
		}
	}
	return out
}

// NextSequentialJob returns the job at position current+1, or nil when the
// chain has no further step.
func (b *BatchDefinition) NextSequentialJob(current int) *JobDefinition {
	return b.JobAtPosition(current + 1)
}

// ToMap flattens the definition into a plain map for storage round-trips.
// JSON-valued fields stay as Go values; the backends decide their encoding.
func (b *BatchDefinition) ToMap() map[string]any {
	m := map[string]any{
		"id":             b.ID,
		"type":           string(b.Type),
		"status":         string(b.Status),
		"total_jobs":     b.TotalJobs,
		"completed_jobs": b.CompletedJobs,
		"failed_jobs":    b.FailedJobs,
		"context":        b.Context,
		"options":        optionsToMap(&b.Options),
		"queue_name":     b.QueueName,
		"queue_config":   b.QueueConfig,
		"created":        b.Created,
		"modified":       b.Modified,
		"completed_at":   b.CompletedAt,
	}
	if len(b.Jobs) > 0 {
		jobs := make([]map[string]any, 0, len(b.Jobs))
		for i := range b.Jobs {
			jobs = append(jobs, jobToMap(&b.Jobs[i]))
		}
		m["jobs"] = jobs
	}
	return m
}

// FromMap rebuilds a definition from the flat map produced by ToMap. The
// two functions form a round-trip law: FromMap(ToMap(b)) is value-equal to b.
func FromMap(m map[string]any) (*BatchDefinition, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var b BatchDefinition
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func jobToMap(j *JobDefinition) map[string]any {
	m := map[string]any{
		"id":       j.ID,
		"batch_id": j.BatchID,
		"position": j.Position,
		"status":   string(j.Status),
		"payload": map[string]any{
			"class":        j.Payload.Class,
			"compensation": j.Payload.Compensation,
			"args":         j.Payload.Args,
		},
	}
	if j.JobID != "" {
		m["job_id"] = j.JobID
	}
	if j.Result != nil {
		m["result"] = j.Result
	}
	if j.Error != nil {
		m["error"] = map[string]any{
			"message": j.Error.Message,
			"file":    j.Error.File,
			"line":    j.Error.Line,
			"trace":   j.Error.Trace,
		}
	}
	if j.CompletedAt != "" {
		m["completed_at"] = j.CompletedAt
	}
	return m
}

func optionsToMap(o *BatchOptions) map[string]any {
	m := map[string]any{}
	if o.OnComplete != nil {
		m["on_complete"] = map[string]any{"class": o.OnComplete.Class, "args": o.OnComplete.Args}
	}
	if o.OnFailure != nil {
		m["on_failure"] = map[string]any{"class": o.OnFailure.Class, "args": o.OnFailure.Args}
	}
	if o.MaxRetries != 0 {
		m["max_retries"] = o.MaxRetries
	}
	if o.RetryDelay != 0 {
		m["retry_delay"] = o.RetryDelay
	}
	if o.Timeout != 0 {
		m["timeout"] = o.Timeout
	}
	if o.FailOnFirstError {
		m["fail_on_first_error"] = true
	}
	if o.Name != "" {
		m["name"] = o.Name
	}
	return m
}
