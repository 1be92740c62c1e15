// Package redisstore implements the batch metadata store on Redis. Each
// batch occupies five keys under a configurable prefix: a metadata hash,
// a jobs hash keyed by position holding the immutable payload records, a
// state hash holding per-position status and completion time, and a
// results hash and failed-errors hash keyed by job row id. Job payloads
// are written by Go code only; the Lua scripts that flip statuses and
// recompute counters touch the state hash exclusively, so user data is
// never re-serialized through cjson. Every write renews a TTL (default
// 24h) on the batch's keys.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchq/batch/store"
)

const (
	// DefaultPrefix is the key namespace for batch state.
	DefaultPrefix = "batch:"
	// DefaultTTL is how long batch keys live after their last write.
	DefaultTTL = 24 * time.Hour
	// DefaultChannel receives a pub-sub event on every terminal transition.
	DefaultChannel = "batchq:done"
)

// Options tunes a RedisStore. Zero values fall back to the defaults above.
type Options struct {
	Prefix  string
	TTL     time.Duration
	Channel string
	// StickyTerminal keeps a terminal batch status from ever being
	// overwritten. Nil means true.
	StickyTerminal *bool
	Logger         *logharbour.Logger
}

// RedisStore implements store.Store on a Redis connection.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	channel string
	sticky  bool
	logger  *logharbour.Logger
}

var _ store.Store = (*RedisStore)(nil)

// New creates a RedisStore over an existing client.
func New(client *redis.Client, opts Options) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	sticky := true
	if opts.StickyTerminal != nil {
		sticky = *opts.StickyTerminal
	}
	return &RedisStore{
		client:  client,
		prefix:  opts.Prefix,
		ttl:     opts.TTL,
		channel: opts.Channel,
		sticky:  sticky,
		logger:  opts.Logger,
	}
}

func (r *RedisStore) metaKey(id string) string    { return r.prefix + id }
func (r *RedisStore) jobsKey(id string) string    { return r.prefix + id + ":jobs" }
func (r *RedisStore) stateKey(id string) string   { return r.prefix + id + ":state" }
func (r *RedisStore) resultsKey(id string) string { return r.prefix + id + ":results" }
func (r *RedisStore) failedKey(id string) string  { return r.prefix + id + ":failed" }
func (r *RedisStore) indexKey() string            { return r.prefix + "index" }

// jobRecord is the on-wire shape of one entry in the jobs hash. It holds
// the immutable identity and payload only; the mutable status and
// completion time live in the state hash under fields "<pos>" and
// "<pos>:done" (Unix seconds).
type jobRecord struct {
	ID       string           `json:"id"`
	JobID    string           `json:"job_id,omitempty"`
	Position int              `json:"position"`
	Payload  store.JobPayload `json:"payload"`
}

func (r *RedisStore) CreateBatch(ctx context.Context, def *store.BatchDefinition) (string, error) {
	now := time.Now().Unix()
	ctxJSON, err := json.Marshal(def.Context)
	if err != nil {
		return "", store.NewStorageError("create batch: marshal context", err)
	}
	optJSON, err := json.Marshal(def.Options)
	if err != nil {
		return "", store.NewStorageError("create batch: marshal options", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.metaKey(def.ID),
		"id", def.ID,
		"type", string(def.Type),
		"status", string(def.Status),
		"total_jobs", len(def.Jobs),
		"completed_jobs", 0,
		"failed_jobs", 0,
		"context", string(ctxJSON),
		"options", string(optJSON),
		"queue_name", def.QueueName,
		"queue_config", def.QueueConfig,
		"created", now,
		"modified", now,
		"completed_at", "",
	)
	for i := range def.Jobs {
		j := &def.Jobs[i]
		rec := jobRecord{ID: j.ID, JobID: j.JobID, Position: j.Position, Payload: j.Payload}
		raw, err := json.Marshal(rec)
		if err != nil {
			return "", store.NewStorageError("create batch: marshal job", err)
		}
		pos := strconv.Itoa(j.Position)
		pipe.HSet(ctx, r.jobsKey(def.ID), pos, string(raw))
		pipe.HSet(ctx, r.stateKey(def.ID), pos, string(j.Status))
	}
	pipe.SAdd(ctx, r.indexKey(), def.ID)
	r.expirePipe(ctx, pipe, def.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", store.NewStorageError("create batch", err)
	}
	return def.ID, nil
}

func (r *RedisStore) UpdateBatch(ctx context.Context, id string, fields map[string]any) error {
	exists, err := r.client.Exists(ctx, r.metaKey(id)).Result()
	if err != nil {
		return store.NewStorageError("update batch", err)
	}
	if exists == 0 {
		return store.ErrBatchNotFound
	}
	hset := []any{"modified", time.Now().Unix()}
	for k, v := range fields {
		switch k {
		case "status", "queue_name", "queue_config":
			hset = append(hset, k, fmt.Sprintf("%v", v))
		case "context", "options":
			raw, err := json.Marshal(v)
			if err != nil {
				return store.NewStorageError("update batch: marshal "+k, err)
			}
			hset = append(hset, k, string(raw))
		case "completed_at":
			hset = append(hset, k, wireTimeToUnix(v))
		default:
			return store.NewStorageError("update batch", fmt.Errorf("unrecognized field %q", k))
		}
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.metaKey(id), hset...)
	r.expirePipe(ctx, pipe, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return store.NewStorageError("update batch", err)
	}
	return nil
}

func (r *RedisStore) GetBatch(ctx context.Context, id string) (*store.BatchDefinition, error) {
	meta, err := r.client.HGetAll(ctx, r.metaKey(id)).Result()
	if err != nil {
		return nil, store.NewStorageError("get batch", err)
	}
	if len(meta) == 0 {
		return nil, store.ErrBatchNotFound
	}
	def := &store.BatchDefinition{
		ID:            meta["id"],
		Type:          store.BatchType(meta["type"]),
		Status:        store.Status(meta["status"]),
		TotalJobs:     atoi(meta["total_jobs"]),
		CompletedJobs: atoi(meta["completed_jobs"]),
		FailedJobs:    atoi(meta["failed_jobs"]),
		QueueName:     meta["queue_name"],
		QueueConfig:   meta["queue_config"],
		Created:       unixToWireTime(meta["created"]),
		Modified:      unixToWireTime(meta["modified"]),
		CompletedAt:   unixToWireTime(meta["completed_at"]),
	}
	if raw := meta["context"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &def.Context); err != nil {
			return nil, store.NewStorageError("get batch: decode context", err)
		}
	}
	if raw := meta["options"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &def.Options); err != nil {
			return nil, store.NewStorageError("get batch: decode options", err)
		}
	}
	jobs, err := r.loadJobs(ctx, id)
	if err != nil {
		return nil, err
	}
	def.Jobs = jobs
	return def, nil
}

func (r *RedisStore) loadJobs(ctx context.Context, batchID string) ([]store.JobDefinition, error) {
	entries, err := r.client.HGetAll(ctx, r.jobsKey(batchID)).Result()
	if err != nil {
		return nil, store.NewStorageError("load jobs", err)
	}
	state, err := r.client.HGetAll(ctx, r.stateKey(batchID)).Result()
	if err != nil {
		return nil, store.NewStorageError("load job state", err)
	}
	results, err := r.client.HGetAll(ctx, r.resultsKey(batchID)).Result()
	if err != nil {
		return nil, store.NewStorageError("load results", err)
	}
	failed, err := r.client.HGetAll(ctx, r.failedKey(batchID)).Result()
	if err != nil {
		return nil, store.NewStorageError("load errors", err)
	}

	jobs := make([]store.JobDefinition, 0, len(entries))
	for _, raw := range entries {
		var rec jobRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, store.NewStorageError("decode job", err)
		}
		j := store.JobDefinition{
			ID:       rec.ID,
			BatchID:  batchID,
			JobID:    rec.JobID,
			Position: rec.Position,
			Status:   store.StatusPending,
			Payload:  rec.Payload,
		}
		pos := strconv.Itoa(rec.Position)
		if s := state[pos]; s != "" {
			j.Status = store.Status(s)
		}
		if sec, err := strconv.ParseInt(state[pos+":done"], 10, 64); err == nil && sec > 0 {
			j.CompletedAt = store.FormatTime(time.Unix(sec, 0))
		}
		if res, ok := results[rec.ID]; ok {
			var v any
			if err := json.Unmarshal([]byte(res), &v); err != nil {
				return nil, store.NewStorageError("decode result", err)
			}
			j.Result = v
		}
		if e, ok := failed[rec.ID]; ok {
			var je store.JobError
			if err := json.Unmarshal([]byte(e), &je); err != nil {
				return nil, store.NewStorageError("decode error record", err)
			}
			j.Error = &je
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Position < jobs[k].Position })
	return jobs, nil
}

func (r *RedisStore) AddJobsToBatch(ctx context.Context, id string, jobs []store.JobDefinition) (int, error) {
	exists, err := r.client.Exists(ctx, r.metaKey(id)).Result()
	if err != nil {
		return 0, store.NewStorageError("add jobs", err)
	}
	if exists == 0 {
		return 0, store.ErrBatchNotFound
	}
	pipe := r.client.TxPipeline()
	for i := range jobs {
		j := &jobs[i]
		rec := jobRecord{ID: j.ID, Position: j.Position, Payload: j.Payload}
		raw, err := json.Marshal(rec)
		if err != nil {
			return 0, store.NewStorageError("add jobs: marshal job", err)
		}
		pos := strconv.Itoa(j.Position)
		pipe.HSet(ctx, r.jobsKey(id), pos, string(raw))
		pipe.HSet(ctx, r.stateKey(id), pos, string(j.Status))
	}
	pipe.HIncrBy(ctx, r.metaKey(id), "total_jobs", int64(len(jobs)))
	pipe.HSet(ctx, r.metaKey(id), "modified", time.Now().Unix())
	r.expirePipe(ctx, pipe, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, store.NewStorageError("add jobs", err)
	}
	return len(jobs), nil
}

func (r *RedisStore) GetJobByPosition(ctx context.Context, batchID string, position int) (*store.JobDefinition, error) {
	raw, err := r.client.HGet(ctx, r.jobsKey(batchID), strconv.Itoa(position)).Result()
	if err == redis.Nil {
		exists, eerr := r.client.Exists(ctx, r.metaKey(batchID)).Result()
		if eerr != nil {
			return nil, store.NewStorageError("get job", eerr)
		}
		if exists == 0 {
			return nil, store.ErrBatchNotFound
		}
		return nil, store.ErrJobNotFound
	}
	if err != nil {
		return nil, store.NewStorageError("get job", err)
	}
	return r.hydrateJob(ctx, batchID, raw)
}

func (r *RedisStore) GetJobByID(ctx context.Context, batchID, jobID string) (*store.JobDefinition, error) {
	entries, err := r.client.HGetAll(ctx, r.jobsKey(batchID)).Result()
	if err != nil {
		return nil, store.NewStorageError("get job by id", err)
	}
	if len(entries) == 0 {
		return nil, store.ErrBatchNotFound
	}
	for _, raw := range entries {
		var rec jobRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, store.NewStorageError("decode job", err)
		}
		if rec.ID == jobID || (rec.JobID != "" && rec.JobID == jobID) {
			return r.hydrateJob(ctx, batchID, raw)
		}
	}
	return nil, store.ErrJobNotFound
}

func (r *RedisStore) hydrateJob(ctx context.Context, batchID, raw string) (*store.JobDefinition, error) {
	var rec jobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, store.NewStorageError("decode job", err)
	}
	j := &store.JobDefinition{
		ID:       rec.ID,
		BatchID:  batchID,
		JobID:    rec.JobID,
		Position: rec.Position,
		Status:   store.StatusPending,
		Payload:  rec.Payload,
	}
	pos := strconv.Itoa(rec.Position)
	state, err := r.client.HMGet(ctx, r.stateKey(batchID), pos, pos+":done").Result()
	if err != nil {
		return nil, store.NewStorageError("load job state", err)
	}
	if s, ok := state[0].(string); ok && s != "" {
		j.Status = store.Status(s)
	}
	if d, ok := state[1].(string); ok {
		if sec, err := strconv.ParseInt(d, 10, 64); err == nil && sec > 0 {
			j.CompletedAt = store.FormatTime(time.Unix(sec, 0))
		}
	}
	if res, err := r.client.HGet(ctx, r.resultsKey(batchID), rec.ID).Result(); err == nil {
		var v any
		if uerr := json.Unmarshal([]byte(res), &v); uerr == nil {
			j.Result = v
		}
	}
	if e, err := r.client.HGet(ctx, r.failedKey(batchID), rec.ID).Result(); err == nil {
		var je store.JobError
		if uerr := json.Unmarshal([]byte(e), &je); uerr == nil {
			j.Error = &je
		}
	}
	return j, nil
}

func (r *RedisStore) UpdateJobID(ctx context.Context, batchID string, position int, queueMsgID string) error {
	raw, err := r.client.HGet(ctx, r.jobsKey(batchID), strconv.Itoa(position)).Result()
	if err == redis.Nil {
		exists, eerr := r.client.Exists(ctx, r.metaKey(batchID)).Result()
		if eerr != nil {
			return store.NewStorageError("update job id", eerr)
		}
		if exists == 0 {
			return store.ErrBatchNotFound
		}
		return store.ErrJobNotFound
	}
	if err != nil {
		return store.NewStorageError("update job id", err)
	}
	var rec jobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return store.NewStorageError("decode job", err)
	}
	rec.JobID = queueMsgID
	out, err := json.Marshal(rec)
	if err != nil {
		return store.NewStorageError("marshal job", err)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.jobsKey(batchID), strconv.Itoa(position), string(out))
	r.expirePipe(ctx, pipe, batchID)
	if _, err := pipe.Exec(ctx); err != nil {
		return store.NewStorageError("update job id", err)
	}
	return nil
}

func (r *RedisStore) UpdateJobStatus(ctx context.Context, batchID, jobID string, status store.Status, result any, jobErr *store.JobError) error {
	resultJSON := ""
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return store.NewStorageError("update job status: marshal result", err)
		}
		resultJSON = string(raw)
	}
	errorJSON := ""
	if jobErr != nil {
		raw, err := json.Marshal(jobErr)
		if err != nil {
			return store.NewStorageError("update job status: marshal error", err)
		}
		errorJSON = string(raw)
	}
	// Resolve the row first so the script works on the position field
	// alone; jobID may be the row id or the queue message id.
	row, err := r.GetJobByID(ctx, batchID, jobID)
	if err != nil {
		return err
	}
	keys := []string{r.metaKey(batchID), r.stateKey(batchID), r.resultsKey(batchID), r.failedKey(batchID)}
	err = updateJobScript.Run(ctx, r.client, keys,
		row.Position, row.ID, string(status), resultJSON, errorJSON, time.Now().Unix(), int(r.ttl.Seconds())).Err()
	if err != nil {
		return r.scriptErr("update job status", err)
	}
	return nil
}

func (r *RedisStore) IncrementCompletedJobs(ctx context.Context, batchID string) (store.CounterResult, error) {
	return r.incrementCounters(ctx, batchID, "completed")
}

func (r *RedisStore) IncrementFailedJobs(ctx context.Context, batchID string) (store.CounterResult, error) {
	return r.incrementCounters(ctx, batchID, "failed")
}

func (r *RedisStore) incrementCounters(ctx context.Context, batchID, kind string) (store.CounterResult, error) {
	sticky := "1"
	if !r.sticky {
		sticky = "0"
	}
	keys := []string{r.metaKey(batchID), r.stateKey(batchID)}
	vals, err := incrementCountersScript.Run(ctx, r.client, keys,
		kind, time.Now().Unix(), sticky, r.channel, int(r.ttl.Seconds())).Slice()
	if err != nil {
		return store.CounterResult{}, r.scriptErr("increment counters", err)
	}
	res := store.CounterResult{
		Total:        int(vals[2].(int64)),
		Transitioned: vals[3].(int64) == 1,
		Status:       store.Status(vals[4].(string)),
	}
	if kind == "completed" {
		res.Count = int(vals[0].(int64))
	} else {
		res.Count = int(vals[1].(int64))
	}
	return res, nil
}

func (r *RedisStore) GetBatchResults(ctx context.Context, batchID string) (map[string]any, error) {
	exists, err := r.client.Exists(ctx, r.metaKey(batchID)).Result()
	if err != nil {
		return nil, store.NewStorageError("get results", err)
	}
	if exists == 0 {
		return nil, store.ErrBatchNotFound
	}
	entries, err := r.client.HGetAll(ctx, r.resultsKey(batchID)).Result()
	if err != nil {
		return nil, store.NewStorageError("get results", err)
	}
	out := make(map[string]any, len(entries))
	for id, raw := range entries {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, store.NewStorageError("decode result", err)
		}
		out[id] = v
	}
	return out, nil
}

func (r *RedisStore) GetAllJobs(ctx context.Context, batchID string, f store.JobFilters) ([]store.JobDefinition, error) {
	exists, err := r.client.Exists(ctx, r.metaKey(batchID)).Result()
	if err != nil {
		return nil, store.NewStorageError("get jobs", err)
	}
	if exists == 0 {
		return nil, store.ErrBatchNotFound
	}
	jobs, err := r.loadJobs(ctx, batchID)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.HasCompensation && !j.HasCompensation() {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (r *RedisStore) GetBatches(ctx context.Context, f store.BatchFilters, limit, offset int) ([]*store.BatchDefinition, error) {
	all, err := r.loadFiltered(ctx, f)
	if err != nil {
		return nil, err
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *RedisStore) CountBatches(ctx context.Context, f store.BatchFilters) (int, error) {
	all, err := r.loadFiltered(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// loadFiltered loads every indexed batch and filters in memory. Batches
// whose keys expired are dropped from the index lazily.
func (r *RedisStore) loadFiltered(ctx context.Context, f store.BatchFilters) ([]*store.BatchDefinition, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, store.NewStorageError("list batches", err)
	}
	var out []*store.BatchDefinition
	for _, id := range ids {
		def, err := r.GetBatch(ctx, id)
		if err == store.ErrBatchNotFound {
			r.client.SRem(ctx, r.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.Type != "" && def.Type != f.Type {
			continue
		}
		if f.Status != "" && def.Status != f.Status {
			continue
		}
		if f.HasCompensation && !def.HasCompensation() {
			continue
		}
		if f.Name != "" && def.Options.Name != f.Name {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Created != out[k].Created {
			return out[i].Created > out[k].Created
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (r *RedisStore) DeleteBatch(ctx context.Context, batchID string) error {
	exists, err := r.client.Exists(ctx, r.metaKey(batchID)).Result()
	if err != nil {
		return store.NewStorageError("delete batch", err)
	}
	if exists == 0 {
		return store.ErrBatchNotFound
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.metaKey(batchID), r.jobsKey(batchID), r.stateKey(batchID), r.resultsKey(batchID), r.failedKey(batchID))
	pipe.SRem(ctx, r.indexKey(), batchID)
	if _, err := pipe.Exec(ctx); err != nil {
		return store.NewStorageError("delete batch", err)
	}
	return nil
}

func (r *RedisStore) CleanupOldBatches(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return 0, store.NewStorageError("cleanup", err)
	}
	removed := 0
	for _, id := range ids {
		meta, err := r.client.HMGet(ctx, r.metaKey(id), "status", "created").Result()
		if err != nil {
			return removed, store.NewStorageError("cleanup", err)
		}
		status, _ := meta[0].(string)
		createdRaw, _ := meta[1].(string)
		if status == "" {
			r.client.SRem(ctx, r.indexKey(), id)
			continue
		}
		if !store.Status(status).IsTerminal() {
			continue
		}
		sec, err := strconv.ParseInt(createdRaw, 10, 64)
		if err != nil || !time.Unix(sec, 0).Before(cutoff) {
			continue
		}
		if err := r.DeleteBatch(ctx, id); err != nil && err != store.ErrBatchNotFound {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (r *RedisStore) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return store.NewStorageError("ping", err)
	}
	return nil
}

func (r *RedisStore) expirePipe(ctx context.Context, pipe redis.Pipeliner, id string) {
	if r.ttl <= 0 {
		return
	}
	pipe.Expire(ctx, r.metaKey(id), r.ttl)
	pipe.Expire(ctx, r.jobsKey(id), r.ttl)
	pipe.Expire(ctx, r.stateKey(id), r.ttl)
	pipe.Expire(ctx, r.resultsKey(id), r.ttl)
	pipe.Expire(ctx, r.failedKey(id), r.ttl)
}

// scriptErr maps the error replies raised inside the Lua scripts onto the
// store sentinel errors.
func (r *RedisStore) scriptErr(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "batch not found") {
		return store.ErrBatchNotFound
	}
	if strings.Contains(msg, "batch job not found") {
		return store.ErrJobNotFound
	}
	return store.NewStorageError(op, err)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func unixToWireTime(s string) string {
	if s == "" {
		return ""
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec == 0 {
		return ""
	}
	return store.FormatTime(time.Unix(sec, 0))
}

func wireTimeToUnix(v any) int64 {
	switch t := v.(type) {
	case time.Time:
		return t.Unix()
	case string:
		if t == "" {
			return 0
		}
		parsed, err := time.ParseInLocation(store.TimeFormat, t, time.UTC)
		if err != nil {
			return 0
		}
		return parsed.Unix()
	case int64:
		return t
	case int:
		return int64(t)
	}
	return 0
}
