package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/batchq/batch/store"
)

func sampleBatch() *store.BatchDefinition {
	return &store.BatchDefinition{
		ID:            "b-1",
		Type:          store.TypeSequential,
		Status:        store.StatusRunning,
		TotalJobs:     3,
		CompletedJobs: 2,
		Context:       map[string]any{"order_id": "o-9"},
		Options: store.BatchOptions{
			OnComplete: &store.CallbackSpec{Class: "Notify"},
			MaxRetries: 2,
			Name:       "checkout",
		},
		QueueConfig: "chainedjobs",
		Created:     "2026-08-01 10:00:00",
		Jobs: []store.JobDefinition{
			{
				ID: "j-0", BatchID: "b-1", Position: 0, Status: store.StatusCompleted,
				Payload: store.JobPayload{Class: "CreateOrder", Compensation: "CancelOrder", Args: map[string]any{}},
				Result:  map[string]any{"order_id": "o-9"},
			},
			{
				ID: "j-1", BatchID: "b-1", Position: 1, Status: store.StatusCompleted,
				Payload: store.JobPayload{Class: "ReserveStock", Args: map[string]any{}},
			},
			{
				ID: "j-2", BatchID: "b-1", Position: 2, Status: store.StatusPending,
				Payload: store.JobPayload{Class: "ChargePayment", Compensation: "RefundPayment", Args: map[string]any{}},
			},
		},
	}
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, store.StatusPending.IsTerminal())
	assert.False(t, store.StatusRunning.IsTerminal())
	assert.True(t, store.StatusCompleted.IsTerminal())
	assert.True(t, store.StatusFailed.IsTerminal())
}

func TestFormatTime(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	ts := time.Date(2026, 8, 24, 15, 30, 0, 0, loc)
	assert.Equal(t, "2026-08-24 10:00:00", store.FormatTime(ts))
}

func TestBatchPredicates(t *testing.T) {
	b := sampleBatch()

	assert.False(t, b.IsComplete())
	assert.False(t, b.HasFailed())
	assert.True(t, b.HasCompensation())

	b.FailedJobs = 1
	assert.True(t, b.HasFailed())

	b.Status = store.StatusFailed
	assert.True(t, b.IsComplete())
}

func TestJobLookups(t *testing.T) {
	b := sampleBatch()

	require.NotNil(t, b.Job("j-1"))
	assert.Nil(t, b.Job("nope"))

	j := b.JobAtPosition(2)
	require.NotNil(t, j)
	assert.Equal(t, "ChargePayment", j.Payload.Class)
	assert.Nil(t, b.JobAtPosition(9))

	next := b.NextSequentialJob(0)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.Position)
	assert.Nil(t, b.NextSequentialJob(2))
}

func TestJobsWithCompensation(t *testing.T) {
	b := sampleBatch()

	// Only completed jobs carrying a compensation class qualify, in
	// reverse position order. j-1 has no compensation, j-2 never completed.
	out := b.JobsWithCompensation()
	require.Len(t, out, 1)
	assert.Equal(t, "j-0", out[0].ID)

	b.Jobs[2].Status = store.StatusCompleted
	out = b.JobsWithCompensation()
	require.Len(t, out, 2)
	assert.Equal(t, "j-2", out[0].ID)
	assert.Equal(t, "j-0", out[1].ID)
}

func TestToMapFromMapRoundTrip(t *testing.T) {
	b := sampleBatch()
	b.Jobs[1].Error = &store.JobError{Message: "stock service timeout", Line: 42}
	b.Jobs[1].Status = store.StatusFailed
	b.Jobs[1].CompletedAt = "2026-08-01 10:05:00"

	got, err := store.FromMap(b.ToMap())
	require.NoError(t, err)

	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, b.Type, got.Type)
	assert.Equal(t, b.Status, got.Status)
	assert.Equal(t, b.TotalJobs, got.TotalJobs)
	assert.Equal(t, b.CompletedJobs, got.CompletedJobs)
	assert.Equal(t, b.Context, got.Context)
	assert.Equal(t, b.QueueConfig, got.QueueConfig)
	assert.Equal(t, b.Created, got.Created)
	require.NotNil(t, got.Options.OnComplete)
	assert.Equal(t, "Notify", got.Options.OnComplete.Class)
	assert.Equal(t, 2, got.Options.MaxRetries)

	require.Len(t, got.Jobs, 3)
	assert.Equal(t, b.Jobs[0].Payload, got.Jobs[0].Payload)
	require.NotNil(t, got.Jobs[1].Error)
	assert.Equal(t, "stock service timeout", got.Jobs[1].Error.Message)
	assert.Equal(t, 42, got.Jobs[1].Error.Line)
	assert.Equal(t, "2026-08-01 10:05:00", got.Jobs[1].CompletedAt)
}
