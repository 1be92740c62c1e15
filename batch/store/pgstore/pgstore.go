// Package pgstore implements the batch metadata store on PostgreSQL.
// State lives in two tables, batches and batch_jobs, with JSONB columns
// for payload, result, error, context and options. Every counter
// recompute and status transition runs inside a single transaction that
// locks the batch row, so the "was this the last job" read-check-write
// is serialized across workers.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchq/batch/store"
)

// Options tunes a PgStore.
type Options struct {
	// StickyTerminal keeps a terminal batch status from ever being
	// overwritten. Nil means true.
	StickyTerminal *bool
	Logger         *logharbour.Logger
}

// PgStore implements store.Store on a pgx connection pool.
type PgStore struct {
	pool   *pgxpool.Pool
	sticky bool
	logger *logharbour.Logger
}

var _ store.Store = (*PgStore)(nil)

// New creates a PgStore over an existing pool. The schema must have been
// migrated with MigrateDatabase.
func New(pool *pgxpool.Pool, opts Options) *PgStore {
	sticky := true
	if opts.StickyTerminal != nil {
		sticky = *opts.StickyTerminal
	}
	return &PgStore{pool: pool, sticky: sticky, logger: opts.Logger}
}

func (p *PgStore) CreateBatch(ctx context.Context, def *store.BatchDefinition) (string, error) {
	ctxJSON, err := json.Marshal(def.Context)
	if err != nil {
		return "", store.NewStorageError("create batch: marshal context", err)
	}
	optJSON, err := json.Marshal(def.Options)
	if err != nil {
		return "", store.NewStorageError("create batch: marshal options", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", store.NewStorageError("create batch: begin", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO batches (id, type, status, total_jobs, completed_jobs, failed_jobs,
			context, options, queue_name, queue_config, created, modified)
		VALUES ($1, $2, $3, $4, 0, 0, $5, $6, $7, $8, $9, $9)`,
		def.ID, string(def.Type), string(def.Status), len(def.Jobs),
		ctxJSON, optJSON, nullable(def.QueueName), nullable(def.QueueConfig), now)
	if err != nil {
		return "", store.NewStorageError("create batch: insert batch", err)
	}

	for i := range def.Jobs {
		if err := insertJob(ctx, tx, &def.Jobs[i], def.ID); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", store.NewStorageError("create batch: commit", err)
	}
	return def.ID, nil
}

func insertJob(ctx context.Context, tx pgx.Tx, j *store.JobDefinition, batchID string) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return store.NewStorageError("insert job: marshal payload", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO batch_jobs (id, batch_id, job_id, position, status, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		j.ID, batchID, nullable(j.JobID), j.Position, string(j.Status), payload)
	if err != nil {
		return store.NewStorageError("insert job", err)
	}
	return nil
}

func (p *PgStore) UpdateBatch(ctx context.Context, id string, fields map[string]any) error {
	sets := []string{"modified = now()"}
	args := []any{id}
	for k, v := range fields {
		switch k {
		case "status", "queue_name", "queue_config":
			args = append(args, fmt.Sprintf("%v", v))
			sets = append(sets, fmt.Sprintf("%s = $%d", k, len(args)))
		case "context", "options":
			raw, err := json.Marshal(v)
			if err != nil {
				return store.NewStorageError("update batch: marshal "+k, err)
			}
			args = append(args, raw)
			sets = append(sets, fmt.Sprintf("%s = $%d", k, len(args)))
		case "completed_at":
			args = append(args, wireTimeToTime(v))
			sets = append(sets, fmt.Sprintf("completed_at = $%d", len(args)))
		default:
			return store.NewStorageError("update batch", fmt.Errorf("unrecognized field %q", k))
		}
	}
	tag, err := p.pool.Exec(ctx,
		fmt.Sprintf("UPDATE batches SET %s WHERE id = $1", strings.Join(sets, ", ")), args...)
	if err != nil {
		return store.NewStorageError("update batch", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrBatchNotFound
	}
	return nil
}

const batchColumns = `id, type, status, total_jobs, completed_jobs, failed_jobs,
	context, options, queue_name, queue_config, created, modified, completed_at`

func (p *PgStore) GetBatch(ctx context.Context, id string) (*store.BatchDefinition, error) {
	row := p.pool.QueryRow(ctx,
		"SELECT "+batchColumns+" FROM batches WHERE id = $1", id)
	def, err := scanBatch(row)
	if err != nil {
		return nil, err
	}
	jobs, err := p.queryJobs(ctx, "SELECT "+jobColumns+" FROM batch_jobs WHERE batch_id = $1 ORDER BY position", id)
	if err != nil {
		return nil, err
	}
	def.Jobs = jobs
	return def, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*store.BatchDefinition, error) {
	var (
		def                 store.BatchDefinition
		typ, status         string
		ctxRaw, optRaw      []byte
		queueName, queueCfg *string
		created, modified   time.Time
		completedAt         *time.Time
	)
	err := row.Scan(&def.ID, &typ, &status, &def.TotalJobs, &def.CompletedJobs, &def.FailedJobs,
		&ctxRaw, &optRaw, &queueName, &queueCfg, &created, &modified, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrBatchNotFound
	}
	if err != nil {
		return nil, store.NewStorageError("scan batch", err)
	}
	def.Type = store.BatchType(typ)
	def.Status = store.Status(status)
	if err := json.Unmarshal(ctxRaw, &def.Context); err != nil {
		return nil, store.NewStorageError("decode context", err)
	}
	if err := json.Unmarshal(optRaw, &def.Options); err != nil {
		return nil, store.NewStorageError("decode options", err)
	}
	if queueName != nil {
		def.QueueName = *queueName
	}
	if queueCfg != nil {
		def.QueueConfig = *queueCfg
	}
	def.Created = store.FormatTime(created)
	def.Modified = store.FormatTime(modified)
	if completedAt != nil {
		def.CompletedAt = store.FormatTime(*completedAt)
	}
	return &def, nil
}

const jobColumns = `id, batch_id, job_id, position, status, payload, result, error, completed_at`

func scanJob(row rowScanner) (*store.JobDefinition, error) {
	var (
		j           store.JobDefinition
		jobID       *string
		status      string
		payloadRaw  []byte
		resultRaw   []byte
		errorRaw    []byte
		completedAt *time.Time
	)
	err := row.Scan(&j.ID, &j.BatchID, &jobID, &j.Position, &status, &payloadRaw, &resultRaw, &errorRaw, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrJobNotFound
	}
	if err != nil {
		return nil, store.NewStorageError("scan job", err)
	}
	if jobID != nil {
		j.JobID = *jobID
	}
	j.Status = store.Status(status)
	if err := json.Unmarshal(payloadRaw, &j.Payload); err != nil {
		return nil, store.NewStorageError("decode payload", err)
	}
	if resultRaw != nil {
		if err := json.Unmarshal(resultRaw, &j.Result); err != nil {
			return nil, store.NewStorageError("decode result", err)
		}
	}
	if errorRaw != nil {
		var je store.JobError
		if err := json.Unmarshal(errorRaw, &je); err != nil {
			return nil, store.NewStorageError("decode error record", err)
		}
		j.Error = &je
	}
	if completedAt != nil {
		j.CompletedAt = store.FormatTime(*completedAt)
	}
	return &j, nil
}

func (p *PgStore) queryJobs(ctx context.Context, sql string, args ...any) ([]store.JobDefinition, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, store.NewStorageError("query jobs", err)
	}
	defer rows.Close()
	var out []store.JobDefinition
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	if rows.Err() != nil {
		return nil, store.NewStorageError("query jobs", rows.Err())
	}
	return out, nil
}

func (p *PgStore) AddJobsToBatch(ctx context.Context, id string, jobs []store.JobDefinition) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, store.NewStorageError("add jobs: begin", err)
	}
	defer tx.Rollback(ctx)

	var total int
	err = tx.QueryRow(ctx, "SELECT total_jobs FROM batches WHERE id = $1 FOR UPDATE", id).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrBatchNotFound
	}
	if err != nil {
		return 0, store.NewStorageError("add jobs: lock batch", err)
	}

	for i := range jobs {
		if err := insertJob(ctx, tx, &jobs[i], id); err != nil {
			return 0, err
		}
	}
	_, err = tx.Exec(ctx,
		"UPDATE batches SET total_jobs = total_jobs + $2, modified = now() WHERE id = $1",
		id, len(jobs))
	if err != nil {
		return 0, store.NewStorageError("add jobs: bump total", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, store.NewStorageError("add jobs: commit", err)
	}
	return len(jobs), nil
}

func (p *PgStore) GetJobByPosition(ctx context.Context, batchID string, position int) (*store.JobDefinition, error) {
	row := p.pool.QueryRow(ctx,
		"SELECT "+jobColumns+" FROM batch_jobs WHERE batch_id = $1 AND position = $2",
		batchID, position)
	j, err := scanJob(row)
	if err == store.ErrJobNotFound {
		return nil, p.missingJobErr(ctx, batchID)
	}
	return j, err
}

func (p *PgStore) GetJobByID(ctx context.Context, batchID, jobID string) (*store.JobDefinition, error) {
	row := p.pool.QueryRow(ctx,
		"SELECT "+jobColumns+" FROM batch_jobs WHERE batch_id = $1 AND (id::text = $2 OR job_id = $2)",
		batchID, jobID)
	j, err := scanJob(row)
	if err == store.ErrJobNotFound {
		return nil, p.missingJobErr(ctx, batchID)
	}
	return j, err
}

// missingJobErr distinguishes a missing job row from a deleted batch.
func (p *PgStore) missingJobErr(ctx context.Context, batchID string) error {
	var exists bool
	err := p.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM batches WHERE id = $1)", batchID).Scan(&exists)
	if err != nil {
		return store.NewStorageError("check batch", err)
	}
	if !exists {
		return store.ErrBatchNotFound
	}
	return store.ErrJobNotFound
}

func (p *PgStore) UpdateJobID(ctx context.Context, batchID string, position int, queueMsgID string) error {
	tag, err := p.pool.Exec(ctx,
		"UPDATE batch_jobs SET job_id = $3 WHERE batch_id = $1 AND position = $2",
		batchID, position, queueMsgID)
	if err != nil {
		return store.NewStorageError("update job id", err)
	}
	if tag.RowsAffected() == 0 {
		return p.missingJobErr(ctx, batchID)
	}
	return nil
}

func (p *PgStore) UpdateJobStatus(ctx context.Context, batchID, jobID string, status store.Status, result any, jobErr *store.JobError) error {
	var resultRaw, errorRaw []byte
	var err error
	if result != nil {
		if resultRaw, err = json.Marshal(result); err != nil {
			return store.NewStorageError("update job status: marshal result", err)
		}
	}
	if jobErr != nil {
		if errorRaw, err = json.Marshal(jobErr); err != nil {
			return store.NewStorageError("update job status: marshal error", err)
		}
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return store.NewStorageError("update job status: begin", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE batch_jobs
		SET status = $3,
			result = COALESCE($4, result),
			error = COALESCE($5, error),
			completed_at = CASE WHEN $3 IN ('completed', 'failed') THEN now() ELSE completed_at END
		WHERE batch_id = $1 AND (id::text = $2 OR job_id = $2)`,
		batchID, jobID, string(status), resultRaw, errorRaw)
	if err != nil {
		return store.NewStorageError("update job status", err)
	}
	if tag.RowsAffected() == 0 {
		return p.missingJobErr(ctx, batchID)
	}

	// The first job entering running takes the batch with it.
	if status == store.StatusRunning {
		_, err = tx.Exec(ctx,
			"UPDATE batches SET status = 'running', modified = now() WHERE id = $1 AND status = 'pending'",
			batchID)
		if err != nil {
			return store.NewStorageError("update job status: start batch", err)
		}
	}

	// Keep the persisted counters equal to the child-row counts at every
	// commit boundary.
	if err := recomputeCounters(ctx, tx, batchID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.NewStorageError("update job status: commit", err)
	}
	return nil
}

func recomputeCounters(ctx context.Context, tx pgx.Tx, batchID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE batches SET
			completed_jobs = (SELECT COUNT(*) FROM batch_jobs WHERE batch_id = $1 AND status = 'completed'),
			failed_jobs = (SELECT COUNT(*) FROM batch_jobs WHERE batch_id = $1 AND status = 'failed'),
			modified = now()
		WHERE id = $1`, batchID)
	if err != nil {
		return store.NewStorageError("recompute counters", err)
	}
	return nil
}

func (p *PgStore) IncrementCompletedJobs(ctx context.Context, batchID string) (store.CounterResult, error) {
	return p.incrementCounters(ctx, batchID, store.StatusCompleted)
}

func (p *PgStore) IncrementFailedJobs(ctx context.Context, batchID string) (store.CounterResult, error) {
	return p.incrementCounters(ctx, batchID, store.StatusFailed)
}

// incrementCounters recomputes both counters from row state and performs
// the terminal-transition check while holding the batch row lock. COUNT
// from authoritative rows, not += 1: queue redeliveries must not double
// count.
func (p *PgStore) incrementCounters(ctx context.Context, batchID string, kind store.Status) (store.CounterResult, error) {
	var res store.CounterResult

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return res, store.NewStorageError("increment counters: begin", err)
	}
	defer tx.Rollback(ctx)

	var status string
	var total int
	err = tx.QueryRow(ctx, "SELECT status, total_jobs FROM batches WHERE id = $1 FOR UPDATE", batchID).
		Scan(&status, &total)
	if errors.Is(err, pgx.ErrNoRows) {
		return res, store.ErrBatchNotFound
	}
	if err != nil {
		return res, store.NewStorageError("increment counters: lock batch", err)
	}

	var completed, failed int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM batch_jobs WHERE batch_id = $1`, batchID).Scan(&completed, &failed)
	if err != nil {
		return res, store.NewStorageError("increment counters: count", err)
	}

	cur := store.Status(status)
	writable := !cur.IsTerminal() || !p.sticky
	transitioned := false
	next := cur
	if kind == store.StatusFailed {
		if writable && cur != store.StatusFailed && failed > 0 {
			next = store.StatusFailed
			transitioned = true
		}
	} else {
		if writable && cur != store.StatusCompleted && completed >= total && failed == 0 {
			next = store.StatusCompleted
			transitioned = true
		}
	}

	if transitioned {
		_, err = tx.Exec(ctx, `
			UPDATE batches SET completed_jobs = $2, failed_jobs = $3, status = $4,
				completed_at = now(), modified = now()
			WHERE id = $1`, batchID, completed, failed, string(next))
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE batches SET completed_jobs = $2, failed_jobs = $3, modified = now()
			WHERE id = $1`, batchID, completed, failed)
	}
	if err != nil {
		return res, store.NewStorageError("increment counters: update", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return res, store.NewStorageError("increment counters: commit", err)
	}

	res.Total = total
	res.Transitioned = transitioned
	res.Status = next
	if kind == store.StatusCompleted {
		res.Count = completed
	} else {
		res.Count = failed
	}
	return res, nil
}

func (p *PgStore) GetBatchResults(ctx context.Context, batchID string) (map[string]any, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM batches WHERE id = $1)", batchID).Scan(&exists); err != nil {
		return nil, store.NewStorageError("get results", err)
	}
	if !exists {
		return nil, store.ErrBatchNotFound
	}
	rows, err := p.pool.Query(ctx,
		"SELECT id, result FROM batch_jobs WHERE batch_id = $1 AND result IS NOT NULL", batchID)
	if err != nil {
		return nil, store.NewStorageError("get results", err)
	}
	defer rows.Close()
	out := make(map[string]any)
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, store.NewStorageError("get results", err)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, store.NewStorageError("decode result", err)
		}
		out[id] = v
	}
	if rows.Err() != nil {
		return nil, store.NewStorageError("get results", rows.Err())
	}
	return out, nil
}

func (p *PgStore) GetAllJobs(ctx context.Context, batchID string, f store.JobFilters) ([]store.JobDefinition, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM batches WHERE id = $1)", batchID).Scan(&exists); err != nil {
		return nil, store.NewStorageError("get jobs", err)
	}
	if !exists {
		return nil, store.ErrBatchNotFound
	}
	sql := "SELECT " + jobColumns + " FROM batch_jobs WHERE batch_id = $1"
	args := []any{batchID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		sql += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.HasCompensation {
		sql += " AND payload->>'compensation' IS NOT NULL AND payload->>'compensation' <> ''"
	}
	sql += " ORDER BY position"
	return p.queryJobs(ctx, sql, args...)
}

func batchFilterClauses(f store.BatchFilters, args *[]any) []string {
	var where []string
	if f.Type != "" {
		*args = append(*args, string(f.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(*args)))
	}
	if f.Status != "" {
		*args = append(*args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(*args)))
	}
	if f.HasCompensation {
		where = append(where, `EXISTS (SELECT 1 FROM batch_jobs j
			WHERE j.batch_id = batches.id
			AND j.payload->>'compensation' IS NOT NULL
			AND j.payload->>'compensation' <> '')`)
	}
	if f.Name != "" {
		*args = append(*args, f.Name)
		where = append(where, fmt.Sprintf("options->>'name' = $%d", len(*args)))
	}
	return where
}

func (p *PgStore) GetBatches(ctx context.Context, f store.BatchFilters, limit, offset int) ([]*store.BatchDefinition, error) {
	var args []any
	sql := "SELECT " + batchColumns + " FROM batches"
	if where := batchFilterClauses(f, &args); len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY created DESC, id"
	if limit > 0 {
		args = append(args, limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, store.NewStorageError("list batches", err)
	}
	defer rows.Close()
	var out []*store.BatchDefinition
	for rows.Next() {
		def, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	if rows.Err() != nil {
		return nil, store.NewStorageError("list batches", rows.Err())
	}
	for _, def := range out {
		jobs, err := p.queryJobs(ctx,
			"SELECT "+jobColumns+" FROM batch_jobs WHERE batch_id = $1 ORDER BY position", def.ID)
		if err != nil {
			return nil, err
		}
		def.Jobs = jobs
	}
	return out, nil
}

func (p *PgStore) CountBatches(ctx context.Context, f store.BatchFilters) (int, error) {
	var args []any
	sql := "SELECT COUNT(*) FROM batches"
	if where := batchFilterClauses(f, &args); len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	var n int
	if err := p.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, store.NewStorageError("count batches", err)
	}
	return n, nil
}

func (p *PgStore) DeleteBatch(ctx context.Context, batchID string) error {
	tag, err := p.pool.Exec(ctx, "DELETE FROM batches WHERE id = $1", batchID)
	if err != nil {
		return store.NewStorageError("delete batch", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrBatchNotFound
	}
	return nil
}

func (p *PgStore) CleanupOldBatches(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	tag, err := p.pool.Exec(ctx,
		"DELETE FROM batches WHERE status IN ('completed', 'failed') AND created < $1", cutoff)
	if err != nil {
		return 0, store.NewStorageError("cleanup", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PgStore) HealthCheck(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return store.NewStorageError("ping", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func wireTimeToTime(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case string:
		if t == "" {
			return nil
		}
		parsed, err := time.ParseInLocation(store.TimeFormat, t, time.UTC)
		if err != nil {
			return nil
		}
		return &parsed
	}
	return nil
}
