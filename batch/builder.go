package batch

import (
	"context"
	"reflect"

	"github.com/google/uuid"

	"github.com/remiges-tech/batchq/batch/store"
)

// Builder accumulates the jobs, context, options and queue selection of
// one batch, then persists and dispatches it.
type Builder struct {
	bm   *BatchManager
	typ  store.BatchType
	jobs []any

	batchCtx    map[string]any
	opts        store.BatchOptions
	queueName   string
	queueConfig string
	err         error
}

func newBuilder(bm *BatchManager, typ store.BatchType, jobs []any) *Builder {
	return &Builder{
		bm:       bm,
		typ:      typ,
		jobs:     jobs,
		batchCtx: map[string]any{},
		opts: store.BatchOptions{
			FailOnFirstError: bm.Config.Defaults.FailOnFirstError,
			MaxRetries:       bm.Config.Defaults.MaxRetries,
			Timeout:          bm.Config.Defaults.Timeout,
		},
		queueName: bm.Config.Queue.Name,
	}
}

// WithContext seeds the batch's shared context map.
func (b *Builder) WithContext(ctx map[string]any) *Builder {
	for k, v := range ctx {
		b.batchCtx[k] = v
	}
	return b
}

// WithName names the batch for introspection.
func (b *Builder) WithName(name string) *Builder {
	b.opts.Name = name
	return b
}

// OnComplete sets the completion callback job. The spec must be
// serializable (a CallbackSpec or a map with a class key); a function
// value fails with ErrInvalidCallback at Dispatch.
func (b *Builder) OnComplete(spec any) *Builder {
	cb, err := normalizeCallback(spec)
	if err != nil {
		b.fail(err)
		return b
	}
	b.opts.OnComplete = cb
	return b
}

// OnFailure sets the failure callback job, with the same shape rules as
// OnComplete.
func (b *Builder) OnFailure(spec any) *Builder {
	cb, err := normalizeCallback(spec)
	if err != nil {
		b.fail(err)
		return b
	}
	b.opts.OnFailure = cb
	return b
}

// OnQueue routes the batch through the named queue mapping.
func (b *Builder) OnQueue(name string) *Builder {
	b.queueName = name
	return b
}

// WithQueueConfig pins the concrete queue name, bypassing resolution.
func (b *Builder) WithQueueConfig(queueConfig string) *Builder {
	b.queueConfig = queueConfig
	return b
}

// FailOnFirstError makes a failing job flip the batch to failed even
// when a failure callback is not configured.
func (b *Builder) FailOnFirstError() *Builder {
	b.opts.FailOnFirstError = true
	return b
}

// WithMaxRetries sets the transport retry hint.
func (b *Builder) WithMaxRetries(n int) *Builder {
	b.opts.MaxRetries = n
	return b
}

// WithRetryDelay sets the transport retry delay hint, in seconds.
func (b *Builder) WithRetryDelay(sec int) *Builder {
	b.opts.RetryDelay = sec
	return b
}

// WithTimeout sets the timeout hint, in seconds. External monitoring
// uses it; the core does not preempt a running job.
func (b *Builder) WithTimeout(sec int) *Builder {
	b.opts.Timeout = sec
	return b
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Dispatch resolves the queue, persists the batch with its full job set
// in one atomic step, and enqueues the initial messages: every job for a
// parallel batch, only position 0 for a chain. Returns the batch id.
func (b *Builder) Dispatch(ctx context.Context) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	if len(b.jobs) == 0 {
		return "", ErrEmptyBatch
	}

	jobs, err := normalizeJobs(b.bm.Registry, b.typ, b.jobs, 0)
	if err != nil {
		return "", err
	}

	def := &store.BatchDefinition{
		ID:          uuid.New().String(),
		Type:        b.typ,
		Status:      store.StatusPending,
		TotalJobs:   len(jobs),
		Context:     b.batchCtx,
		Options:     b.opts,
		QueueName:   b.queueName,
		QueueConfig: b.bm.queueCfg.Resolve(b.typ, b.queueName, b.queueConfig),
		Jobs:        jobs,
	}
	for i := range def.Jobs {
		def.Jobs[i].BatchID = def.ID
	}

	if _, err := b.bm.Store.CreateBatch(ctx, def); err != nil {
		return "", err
	}
	b.bm.Logger.Info().LogActivity("Batch created", map[string]any{
		"batchId": def.ID,
		"type":    string(def.Type),
		"jobs":    len(def.Jobs),
		"queue":   def.QueueConfig,
	})

	if err := b.bm.dispatchBatch(ctx, def); err != nil {
		return "", err
	}
	return def.ID, nil
}

// normalizeCallback accepts a CallbackSpec or a map with a class key.
// Anything callable is rejected: callbacks must survive serialization
// through the store and the queue.
func normalizeCallback(spec any) (*store.CallbackSpec, error) {
	switch v := spec.(type) {
	case store.CallbackSpec:
		if v.Class == "" {
			return nil, ErrInvalidCallback
		}
		return &v, nil
	case *store.CallbackSpec:
		if v == nil || v.Class == "" {
			return nil, ErrInvalidCallback
		}
		return v, nil
	case map[string]any:
		class, _ := v["class"].(string)
		if class == "" {
			return nil, ErrInvalidCallback
		}
		args, _ := v["args"].(map[string]any)
		return &store.CallbackSpec{Class: class, Args: args}, nil
	}
	if spec != nil && reflect.ValueOf(spec).Kind() == reflect.Func {
		return nil, ErrInvalidCallback
	}
	return nil, ErrInvalidCallback
}
