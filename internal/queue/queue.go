// Package queue implements the Persistent Queue: a Postgres-backed,
// delayed, priority-aware, idempotent job queue for SendJobs. Visibility
// delay plus priority define ordering; a lease grants at-most-one-worker
// access to a job, with automatic redelivery when the lease expires.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/emailsched/internal/clock"
	"github.com/ignite/emailsched/internal/domain"
	"github.com/ignite/emailsched/internal/pkg/logger"
)

// Backoff describes the exponential retry delay applied by the queue's
// own redelivery mechanism (distinct from the worker pool's rescheduling
// of rate-limited jobs, which computes its own delay).
type Backoff struct {
	Exponential    bool
	InitialDelayMS int
}

// EnqueueOptions configures one job's visibility, priority, and retry
// policy at enqueue time.
type EnqueueOptions struct {
	JobID    string
	Delay    time.Duration
	Priority int // lower = higher priority
	Attempts int // max delivery attempts before dead-lettering
	Backoff  Backoff
}

// Queue is the Postgres-backed persistent queue.
type Queue struct {
	db    *sql.DB
	clock clock.Clock

	// StaleLeaseAge bounds how long a claimed job may run before its
	// lease is considered expired and the job becomes redeliverable.
	StaleLeaseAge time.Duration
}

// New wraps db as a Queue backed by the "send_jobs" table.
func New(db *sql.DB, c clock.Clock) *Queue {
	return &Queue{db: db, clock: c, StaleLeaseAge: 5 * time.Minute}
}

func wrapQueueErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return domain.NewError(domain.KindQueueUnavailable, "queue: "+op, err)
}

// Enqueue inserts one job. A duplicate jobId (same messageId+attempt) is
// not inserted a second time: ON CONFLICT DO NOTHING keeps the existing
// row, so the job exists once, and no error is returned.
func (q *Queue) Enqueue(ctx context.Context, job domain.SendJob, opts EnqueueOptions) error {
	return q.enqueueRows(ctx, q.db, []jobRow{newJobRow(job, opts, q.clock.Now())})
}

// BulkEnqueue inserts many jobs in one transaction. Used by the
// Scheduling Coordinator immediately after a batch's messages commit.
// Each job carries its own visibility delay and priority.
func (q *Queue) BulkEnqueue(ctx context.Context, jobs []domain.SendJob, optsFor func(domain.SendJob) EnqueueOptions) error {
	if len(jobs) == 0 {
		return nil
	}
	now := q.clock.Now()
	rows := make([]jobRow, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, newJobRow(j, optsFor(j), now))
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapQueueErr("bulk enqueue: begin", err)
	}
	defer tx.Rollback()

	if err := q.enqueueRows(ctx, tx, rows); err != nil {
		return err
	}
	return wrapQueueErr("bulk enqueue: commit", tx.Commit())
}

type jobRow struct {
	queueID     string
	jobID       string
	payload     []byte
	visibleAt   time.Time
	priority    int
	maxAttempts int
	backoffExp  bool
	backoffMS   int
	messageID   string
	attemptNum  int
}

func newJobRow(job domain.SendJob, opts EnqueueOptions, now time.Time) jobRow {
	jobID := opts.JobID
	if jobID == "" {
		jobID = job.JobID()
	}
	payload, _ := json.Marshal(job)
	return jobRow{
		queueID:     uuid.New().String(),
		jobID:       jobID,
		payload:     payload,
		visibleAt:   now.Add(opts.Delay),
		priority:    opts.Priority,
		maxAttempts: opts.Attempts,
		backoffExp:  opts.Backoff.Exponential,
		backoffMS:   opts.Backoff.InitialDelayMS,
		messageID:   job.MessageID,
		attemptNum:  job.Attempt,
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (q *Queue) enqueueRows(ctx context.Context, ex execer, rows []jobRow) error {
	for _, r := range rows {
		_, err := ex.ExecContext(ctx, `
			INSERT INTO send_jobs (id, job_id, message_id, attempt, payload, status, visible_at,
				priority, max_attempts, backoff_exponential, backoff_initial_ms, delivery_count,
				created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'queued', $6, $7, $8, $9, $10, 0, NOW(), NOW())
			ON CONFLICT (job_id) DO NOTHING`,
			r.queueID, r.jobID, r.messageID, r.attemptNum, r.payload, r.visibleAt,
			r.priority, r.maxAttempts, r.backoffExp, r.backoffMS)
		if err != nil {
			return wrapQueueErr("enqueue", err)
		}
	}
	return nil
}

// ClaimedJob is a job leased to this worker: the decoded payload plus
// queue bookkeeping needed to Ack/Nack it.
type ClaimedJob struct {
	QueueID     string
	Job         domain.SendJob
	Priority    int
	Attempts    int // delivery attempts so far, including this one
	MaxAttempts int
	Backoff     Backoff
}

// Claim leases up to n due jobs to workerID, using SELECT FOR UPDATE SKIP
// LOCKED so concurrent workers never double-claim a row. Visibility
// (visible_at) orders first, priority breaks ties, then FIFO by created_at.
func (q *Queue) Claim(ctx context.Context, workerID string, n int) ([]ClaimedJob, error) {
	now := q.clock.Now()
	rows, err := q.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE send_jobs
			SET status = 'leased', worker_id = $1, leased_at = $2, delivery_count = delivery_count + 1,
				updated_at = $2
			WHERE id IN (
				SELECT id FROM send_jobs
				WHERE status = 'queued' AND visible_at <= $2
				ORDER BY visible_at ASC, priority ASC, created_at ASC
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, payload, priority, delivery_count, max_attempts, backoff_exponential, backoff_initial_ms
		)
		SELECT id, payload, priority, delivery_count, max_attempts, backoff_exponential, backoff_initial_ms FROM claimed`,
		workerID, now, n)
	if err != nil {
		return nil, wrapQueueErr("claim", err)
	}
	defer rows.Close()

	var out []ClaimedJob
	for rows.Next() {
		var c ClaimedJob
		var payload []byte
		if err := rows.Scan(&c.QueueID, &payload, &c.Priority, &c.Attempts, &c.MaxAttempts,
			&c.Backoff.Exponential, &c.Backoff.InitialDelayMS); err != nil {
			return nil, wrapQueueErr("claim: scan", err)
		}
		if err := json.Unmarshal(payload, &c.Job); err != nil {
			logger.Error("queue: undecodable payload, dropping", "queueId", c.QueueID, "error", err.Error())
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Ack marks a job completed; completed rows are pruned by the removal
// policy, not deleted immediately, so recent activity remains
// inspectable.
func (q *Queue) Ack(ctx context.Context, queueID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE send_jobs SET status = 'completed', updated_at = $2 WHERE id = $1`, queueID, q.clock.Now())
	return wrapQueueErr("ack", err)
}

// NackDeferred acknowledges a job as "completed with deferral", the
// rate-limiter-denied case from the worker pool design. This is not a
// retryable failure and must not interact with the queue's own
// exponential backoff.
func (q *Queue) NackDeferred(ctx context.Context, queueID string) error {
	return q.Ack(ctx, queueID)
}

// NackRetry reports a transient failure. If the job is still under its
// max attempts, it is made visible again after an exponential backoff
// delay; otherwise it is dead-lettered.
func (q *Queue) NackRetry(ctx context.Context, queueID string) error {
	now := q.clock.Now()
	var attempts, maxAttempts int
	var backoffExp bool
	var backoffMS int
	err := q.db.QueryRowContext(ctx,
		`SELECT delivery_count, max_attempts, backoff_exponential, backoff_initial_ms FROM send_jobs WHERE id = $1`,
		queueID).Scan(&attempts, &maxAttempts, &backoffExp, &backoffMS)
	if err != nil {
		return wrapQueueErr("nack retry: lookup", err)
	}

	if attempts >= maxAttempts {
		_, err := q.db.ExecContext(ctx,
			`UPDATE send_jobs SET status = 'dead_letter', updated_at = $2 WHERE id = $1`, queueID, now)
		return wrapQueueErr("nack retry: dead letter", err)
	}

	delay := backoffDelay(backoffExp, backoffMS, attempts)
	_, err = q.db.ExecContext(ctx,
		`UPDATE send_jobs SET status = 'queued', worker_id = NULL, leased_at = NULL,
			visible_at = $2, updated_at = $2 WHERE id = $1`,
		queueID, now.Add(delay))
	return wrapQueueErr("nack retry: requeue", err)
}

func backoffDelay(exponential bool, initialMS, attempt int) time.Duration {
	if !exponential {
		return time.Duration(initialMS) * time.Millisecond
	}
	mult := 1 << attempt
	return time.Duration(initialMS*mult) * time.Millisecond
}

// RecoverStalled requeues leased jobs whose lease has expired
// (worker crash) and dead-letters jobs that have exceeded their max
// attempts while stuck in a leased state. Returns the counts affected.
func (q *Queue) RecoverStalled(ctx context.Context) (requeued, deadLettered int64, err error) {
	now := q.clock.Now()
	staleBefore := now.Add(-q.StaleLeaseAge)

	res, err := q.db.ExecContext(ctx, `
		UPDATE send_jobs SET status = 'queued', worker_id = NULL, leased_at = NULL, updated_at = $2
		WHERE status = 'leased' AND leased_at < $1 AND delivery_count < max_attempts`,
		staleBefore, now)
	if err != nil {
		return 0, 0, wrapQueueErr("recover stalled: requeue", err)
	}
	requeued, _ = res.RowsAffected()

	res, err = q.db.ExecContext(ctx, `
		UPDATE send_jobs SET status = 'dead_letter', updated_at = $2
		WHERE status = 'leased' AND leased_at < $1 AND delivery_count >= max_attempts`,
		staleBefore, now)
	if err != nil {
		return requeued, 0, wrapQueueErr("recover stalled: dead letter", err)
	}
	deadLettered, _ = res.RowsAffected()

	return requeued, deadLettered, nil
}

// PruneCompleted applies the removal policy: keep at most keepMax
// completed rows younger than keepFor, delete the rest.
func (q *Queue) PruneCompleted(ctx context.Context, keepFor time.Duration, keepMax int) (int64, error) {
	now := q.clock.Now()
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM send_jobs WHERE id IN (
			SELECT id FROM send_jobs WHERE status = 'completed' AND updated_at < $1
			ORDER BY updated_at ASC
		) OR id IN (
			SELECT id FROM send_jobs WHERE status = 'completed'
			ORDER BY updated_at DESC OFFSET $2
		)`, now.Add(-keepFor), keepMax)
	if err != nil {
		return 0, wrapQueueErr("prune completed", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Worker heartbeat -------------------------------------------------------

// RegisterWorker upserts a heartbeat row for workerID, purely for
// operability (dashboards, stale-worker alerts); it never gates delivery.
func (q *Queue) RegisterWorker(ctx context.Context, workerID, hostname string, concurrency int) error {
	now := q.clock.Now()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO workers (id, hostname, concurrency, status, started_at, last_heartbeat_at)
		VALUES ($1, $2, $3, 'running', $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			status = 'running', hostname = EXCLUDED.hostname, concurrency = EXCLUDED.concurrency,
			started_at = $4, last_heartbeat_at = $4`,
		workerID, hostname, concurrency, now)
	return wrapQueueErr("register worker", err)
}

// Heartbeat updates a worker's last-seen timestamp and processed/error
// tallies.
func (q *Queue) Heartbeat(ctx context.Context, workerID string, processed, errored int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE workers SET last_heartbeat_at = $2, total_processed = $3, total_errors = $4 WHERE id = $1`,
		workerID, q.clock.Now(), processed, errored)
	return wrapQueueErr("heartbeat", err)
}

// DeregisterWorker marks a worker stopped on graceful shutdown.
func (q *Queue) DeregisterWorker(ctx context.Context, workerID string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE workers SET status = 'stopped' WHERE id = $1`, workerID)
	return wrapQueueErr("deregister worker", err)
}

// PruneFailed deletes dead-lettered jobs older than keepFor.
func (q *Queue) PruneFailed(ctx context.Context, keepFor time.Duration) (int64, error) {
	now := q.clock.Now()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM send_jobs WHERE status = 'dead_letter' AND updated_at < $1`, now.Add(-keepFor))
	if err != nil {
		return 0, wrapQueueErr("prune failed", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
