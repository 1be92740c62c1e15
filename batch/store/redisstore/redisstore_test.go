package redisstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/batchq/batch/store"
	"github.com/remiges-tech/batchq/batch/store/redisstore"
)

type redisEnv struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	st     *redisstore.RedisStore
}

func newRedisEnv(t *testing.T, opts redisstore.Options) *redisEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return &redisEnv{mr: mr, client: client, st: redisstore.New(client, opts)}
}

func seedBatch(t *testing.T, st *redisstore.RedisStore, id string, typ store.BatchType, classes ...string) *store.BatchDefinition {
	t.Helper()
	def := &store.BatchDefinition{
		ID:     id,
		Type:   typ,
		Status: store.StatusPending,
	}
	for i, class := range classes {
		def.Jobs = append(def.Jobs, store.JobDefinition{
			ID:       id + "-j" + string(rune('0'+i)),
			BatchID:  id,
			Position: i,
			Status:   store.StatusPending,
			Payload:  store.JobPayload{Class: class, Args: map[string]any{}},
		})
	}
	def.TotalJobs = len(def.Jobs)
	_, err := st.CreateBatch(context.Background(), def)
	require.NoError(t, err)
	return def
}

func TestCreateAndGetBatch(t *testing.T) {
	e := newRedisEnv(t, redisstore.Options{})
	ctx := context.Background()

	def := &store.BatchDefinition{
		ID:      "b-1",
		Type:    store.TypeParallel,
		Status:  store.StatusPending,
		Context: map[string]any{"tenant": "t1"},
		Options: store.BatchOptions{
			Name:       "imports",
			OnComplete: &store.CallbackSpec{Class: "Notify", Args: map[string]any{"channel": "ops"}},
		},
		QueueName:   "imports",
		QueueConfig: "batchjob",
		Jobs: []store.JobDefinition{
			{ID: "j-0", BatchID: "b-1", Position: 0, Status: store.StatusPending,
				Payload: store.JobPayload{Class: "Import", Args: map[string]any{"file": "a.csv"}}},
			{ID: "j-1", BatchID: "b-1", Position: 1, Status: store.StatusPending,
				Payload: store.JobPayload{Class: "Import", Args: map[string]any{"file": "b.csv"}}},
		},
	}
	def.TotalJobs = 2

	id, err := e.st.CreateBatch(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, "b-1", id)

	got, err := e.st.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, store.TypeParallel, got.Type)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, 2, got.TotalJobs)
	assert.Equal(t, map[string]any{"tenant": "t1"}, got.Context)
	assert.Equal(t, "imports", got.Options.Name)
	require.NotNil(t, got.Options.OnComplete)
	assert.Equal(t, "Notify", got.Options.OnComplete.Class)
	assert.Equal(t, "batchjob", got.QueueConfig)
	assert.NotEmpty(t, got.Created)
	require.Len(t, got.Jobs, 2)
	assert.Equal(t, "a.csv", got.Jobs[0].Payload.Args["file"])

	_, err = e.st.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrBatchNotFound)
}

func TestUpdateBatchFields(t *testing.T) {
	e := newRedisEnv(t, redisstore.Options{})
	ctx := context.Background()
	seedBatch(t, e.st, "b-1", store.TypeSequential, "Step")

	err := e.st.UpdateBatch(ctx, "b-1", map[string]any{
		"status":       store.StatusRunning,
		"context":      map[string]any{"k": "v"},
		"completed_at": "2026-08-24 12:00:00",
	})
	require.NoError(t, err)

	got, err := e.st.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
	assert.Equal(t, map[string]any{"k": "v"}, got.Context)
	assert.Equal(t, "2026-08-24 12:00:00", got.CompletedAt)

	err = e.st.UpdateBatch(ctx, "b-1", map[string]any{"bogus_field": 1})
	assert.Error(t, err)

	err = e.st.UpdateBatch(ctx, "missing", map[string]any{"status": store.StatusRunning})
	assert.ErrorIs(t, err, store.ErrBatchNotFound)
}

func TestJobLookupAndMessageBinding(t *testing.T) {
	e := newRedisEnv(t, redisstore.Options{})
	ctx := context.Background()
	seedBatch(t, e.st, "b-1", store.TypeSequential, "A", "B")

	j, err := e.st.GetJobByPosition(ctx, "b-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "B", j.Payload.Class)

	_, err = e.st.GetJobByPosition(ctx, "b-1", 5)
	assert.ErrorIs(t, err, store.ErrJobNotFound)
	_, err = e.st.GetJobByPosition(ctx, "missing", 0)
	assert.ErrorIs(t, err, store.ErrBatchNotFound)

	require.NoError(t, e.st.UpdateJobID(ctx, "b-1", 0, "msg-42"))

	// Lookup works by row id and by bound message id.
	byRow, err := e.st.GetJobByID(ctx, "b-1", "b-1-j0")
	require.NoError(t, err)
	byMsg, err := e.st.GetJobByID(ctx, "b-1", "msg-42")
	require.NoError(t, err)
	assert.Equal(t, byRow.ID, byMsg.ID)

	_, err = e.st.GetJobByID(ctx, "b-1", "nope")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestUpdateJobStatusPersistsResultAndError(t *testing.T) {
	e := newRedisEnv(t, redisstore.Options{})
	ctx := context.Background()
	seedBatch(t, e.st, "b-1", store.TypeParallel, "A", "B")

	err := e.st.UpdateJobStatus(ctx, "b-1", "b-1-j0", store.StatusCompleted,
		map[string]any{"rows": 10}, nil)
	require.NoError(t, err)
	err = e.st.UpdateJobStatus(ctx, "b-1", "b-1-j1", store.StatusFailed,
		nil, &store.JobError{Message: "oom"})
	require.NoError(t, err)

	got, err := e.st.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CompletedJobs)
	assert.Equal(t, 1, got.FailedJobs)

	j0 := got.JobAtPosition(0)
	assert.Equal(t, store.StatusCompleted, j0.Status)
	assert.Equal(t, map[string]any{"rows": float64(10)}, j0.Result)
	assert.NotEmpty(t, j0.CompletedAt)

	j1 := got.JobAtPosition(1)
	assert.Equal(t, store.StatusFailed, j1.Status)
	require.NotNil(t, j1.Error)
	assert.Equal(t, "oom", j1.Error.Message)

	results, err := e.st.GetBatchResults(ctx, "b-1")
	require.NoError(t, err)
	assert.Len(t, results, 1)

	err = e.st.UpdateJobStatus(ctx, "b-1", "ghost", store.StatusCompleted, nil, nil)
	assert.ErrorIs(t, err, store.ErrJobNotFound)
	err = e.st.UpdateJobStatus(ctx, "missing", "j", store.StatusCompleted, nil, nil)
	assert.ErrorIs(t, err, store.ErrBatchNotFound)
}

func TestStatusUpdatesPreservePayload(t *testing.T) {
	e := newRedisEnv(t, redisstore.Options{})
	ctx := context.Background()
	seedBatch(t, e.st, "b-1", store.TypeParallel, "A", "B")

	// Payload records must come back byte-for-byte after status flips: an
	// empty args object that gets re-serialized by the wrong encoder turns
	// into an array and breaks hydration.
	require.NoError(t, e.st.UpdateJobStatus(ctx, "b-1", "b-1-j0", store.StatusRunning, nil, nil))
	require.NoError(t, e.st.UpdateJobStatus(ctx, "b-1", "b-1-j0", store.StatusCompleted, nil, nil))

	got, err := e.st.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	j0 := got.JobAtPosition(0)
	require.NotNil(t, j0)
	assert.Equal(t, store.StatusCompleted, j0.Status)
	assert.Equal(t, "A", j0.Payload.Class)
	assert.Equal(t, map[string]any{}, j0.Payload.Args)

	j, err := e.st.GetJobByPosition(ctx, "b-1", 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, j.Payload.Args)
	assert.NotEmpty(t, j.CompletedAt)
}

func TestFirstRunningJobStartsBatch(t *testing.T) {
	e := newRedisEnv(t, redisstore.Options{})
	ctx := context.Background()
	seedBatch(t, e.st, "b-1", store.TypeParallel, "A", "B")

	require.NoError(t, e.st.UpdateJobStatus(ctx, "b-1", "b-1-j0", store.StatusRunning, nil, nil))

	got, err := e.st.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)

	// A terminal batch is never reopened by a late running flip.
	require.NoError(t, e.st.UpdateJobStatus(ctx, "b-1", "b-1-j0", store.StatusFailed, nil,
		&store.JobError{Message: "boom"}))
	_, err = e.st.IncrementFailedJobs(ctx, "b-1")
	require.NoError(t, err)
	require.NoError(t, e.st.UpdateJobStatus(ctx, "b-1", "b-1-j1", store.StatusRunning, nil, nil))

	got, err = e.st.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
}

func TestCountersAndTerminalTransition(t *testing.T) {
	e := newRedisEnv(t, redisstore.Options{})
	ctx := context.Background()
	seedBatch(t, e.st, "b-1", store.TypeParallel, "A", "B")

	require.NoError(t, e.st.UpdateJobStatus(ctx, "b-1", "b-1-j0", store.StatusCompleted, nil, nil))
	res, err := e.st.IncrementCompletedJobs(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, 2, res.Total)
	assert.False(t, res.Transitioned)

	require.NoError(t, e.st.UpdateJobStatus(ctx, "b-1", "b-1-j1", store.StatusCompleted, nil, nil))
	res, err = e.st.IncrementCompletedJobs(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.True(t, res.Transitioned)
	assert.Equal(t, store.StatusCompleted, res.Status)

	// A second recompute observes the terminal state without transitioning.
	res, err = e.st.IncrementCompletedJobs(ctx, "b-1")
	require.NoError(t, err)
	assert.False(t, res.Transitioned)

	got, err := e.st.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.NotEmpty(t, got.CompletedAt)
}

func TestStickyTerminalStatus(t *testing.T) {
	e := newRedisEnv(t, redisstore.Options{})
	ctx := context.Background()
	seedBatch(t, e.st, "b-1", store.TypeParallel, "A", "B", "C")

	// One job fails: the batch flips to failed immediately.
	require.NoError(t, e.st.UpdateJobStatus(ctx, "b-1", "b-1-j0", store.StatusFailed, nil,
		&store.JobError{Message: "boom"}))
	res, err := e.st.IncrementFailedJobs(ctx, "b-1")
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, store.StatusFailed, res.Status)

	// Late completions bump the counter but never flip failed back.
	require.NoError(t, e.st.UpdateJobStatus(ctx, "b-1", "b-1-j1", store.StatusCompleted, nil, nil))
	res, err = e.st.IncrementCompletedJobs(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.False(t, res.Transitioned)

	got, err := e.st.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, 1, got.CompletedJobs)
	assert.Equal(t, 1, got.FailedJobs)
}

func TestNonStickyAllowsOverwrite(t *testing.T) {
	sticky := false
	e := newRedisEnv(t, redisstore.Options{StickyTerminal: &sticky})
	ctx := context.Background()
	seedBatch(t, e.st, "b-1", store.TypeParallel, "A", "B")

	require.NoError(t, e.st.UpdateJobStatus(ctx, "b-1", "b-1-j0", store.StatusFailed, nil,
		&store.JobError{Message: "boom"}))
	res, err := e.st.IncrementFailedJobs(ctx, "b-1")
	require.NoError(t, err)
	require.True(t, res.Transitioned)

	// Legacy behavior: when the failed job is retried to completion and
	// everything else completes, the batch can still flip to completed.
	require.NoError(t, e.st.UpdateJobStatus(ctx, "b-1", "b-1-j0", store.StatusCompleted, nil, nil))
	require.NoError(t, e.st.UpdateJobStatus(ctx, "b-1", "b-1-j1", store.StatusCompleted, nil, nil))
	res, err = e.st.IncrementCompletedJobs(ctx, "b-1")
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, store.StatusCompleted, res.Status)
}

func TestTerminalTransitionPublishes(t *testing.T) {
	e := newRedisEnv(t, redisstore.Options{Channel: "done-events"})
	ctx := context.Background()
	seedBatch(t, e.st, "b-1", store.TypeParallel, "A")

	sub := e.client.Subscribe(ctx, "done-events")
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, e.st.UpdateJobStatus(ctx, "b-1", "b-1-j0", store.StatusCompleted, nil, nil))
	_, err = e.st.IncrementCompletedJobs(ctx, "b-1")
	require.NoError(t, err)

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, "b-1")
		assert.Contains(t, msg.Payload, "completed")
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal-transition event published")
	}
}

func TestAddJobsGrowsTotal(t *testing.T) {
	e := newRedisEnv(t, redisstore.Options{})
	ctx := context.Background()
	seedBatch(t, e.st, "b-1", store.TypeSequential, "A")

	n, err := e.st.AddJobsToBatch(ctx, "b-1", []store.JobDefinition{
		{ID: "j-new", BatchID: "b-1", Position: 1, Status: store.StatusPending,
			Payload: store.JobPayload{Class: "B", Args: map[string]any{}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.st.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalJobs)
	require.NotNil(t, got.JobAtPosition(1))

	_, err = e.st.AddJobsToBatch(ctx, "missing", nil)
	assert.ErrorIs(t, err, store.ErrBatchNotFound)
}

func TestGetAllJobsFilters(t *testing.T) {
	e := newRedisEnv(t, redisstore.Options{})
	ctx := context.Background()
	def := seedBatch(t, e.st, "b-1", store.TypeSequential, "A", "B", "C")
	require.NoError(t, e.st.UpdateJobStatus(ctx, "b-1", def.Jobs[0].ID, store.StatusCompleted, nil, nil))

	all, err := e.st.GetAllJobs(ctx, "b-1", store.JobFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	done, err := e.st.GetAllJobs(ctx, "b-1", store.JobFilters{Status: store.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, 0, done[0].Position)
}

func TestListCountDelete(t *testing.T) {
	e := newRedisEnv(t, redisstore.Options{})
	ctx := context.Background()
	seedBatch(t, e.st, "b-1", store.TypeParallel, "A")
	b2 := seedBatch(t, e.st, "b-2", store.TypeSequential, "A")
	_ = b2

	all, err := e.st.GetBatches(ctx, store.BatchFilters{}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	chains, err := e.st.GetBatches(ctx, store.BatchFilters{Type: store.TypeSequential}, 0, 0)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Equal(t, "b-2", chains[0].ID)

	n, err := e.st.CountBatches(ctx, store.BatchFilters{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, e.st.DeleteBatch(ctx, "b-1"))
	_, err = e.st.GetBatch(ctx, "b-1")
	assert.ErrorIs(t, err, store.ErrBatchNotFound)
	assert.ErrorIs(t, e.st.DeleteBatch(ctx, "b-1"), store.ErrBatchNotFound)

	n, err = e.st.CountBatches(ctx, store.BatchFilters{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCleanupOldBatches(t *testing.T) {
	e := newRedisEnv(t, redisstore.Options{})
	ctx := context.Background()
	seedBatch(t, e.st, "b-old", store.TypeParallel, "A")
	seedBatch(t, e.st, "b-new", store.TypeParallel, "A")

	// Age b-old ten days and make both terminal.
	for _, id := range []string{"b-old", "b-new"} {
		require.NoError(t, e.st.UpdateJobStatus(ctx, id, id+"-j0", store.StatusCompleted, nil, nil))
		_, err := e.st.IncrementCompletedJobs(ctx, id)
		require.NoError(t, err)
	}
	old := time.Now().AddDate(0, 0, -10).Unix()
	require.NoError(t, e.client.HSet(ctx, "batch:b-old", "created", old).Err())

	removed, err := e.st.CleanupOldBatches(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = e.st.GetBatch(ctx, "b-old")
	assert.ErrorIs(t, err, store.ErrBatchNotFound)
	_, err = e.st.GetBatch(ctx, "b-new")
	assert.NoError(t, err)
}

func TestKeysCarryTTL(t *testing.T) {
	e := newRedisEnv(t, redisstore.Options{TTL: time.Hour})
	seedBatch(t, e.st, "b-1", store.TypeParallel, "A")

	for _, key := range []string{"batch:b-1", "batch:b-1:jobs", "batch:b-1:state"} {
		ttl := e.mr.TTL(key)
		assert.Greater(t, ttl, time.Duration(0), key)
		assert.LessOrEqual(t, ttl, time.Hour, key)
	}
}

func TestHealthCheck(t *testing.T) {
	e := newRedisEnv(t, redisstore.Options{})
	assert.NoError(t, e.st.HealthCheck(context.Background()))
	e.mr.Close()
	assert.Error(t, e.st.HealthCheck(context.Background()))
}
