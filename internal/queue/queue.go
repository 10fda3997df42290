// Package queue implements the job queue runtime (C4): named queues, a
// fixed concurrency ceiling and retry policy per queue, a caller-supplied
// idempotency key, and a wall-clock deadline per job.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tonaudit/controlplane/internal/data"
	"github.com/tonaudit/controlplane/internal/idgen"
)

// Schema creates the queue_jobs table if absent.
const Schema = `
CREATE TABLE IF NOT EXISTS queue_jobs (
	id               TEXT PRIMARY KEY,
	queue            TEXT NOT NULL,
	job_id           TEXT NOT NULL,
	payload          TEXT NOT NULL,
	status           TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	deadline_at      INTEGER NOT NULL,
	next_attempt_at  INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	started_at       INTEGER,
	completed_at     INTEGER,
	error            TEXT,
	UNIQUE(queue, job_id)
);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_poll ON queue_jobs(queue, status, next_attempt_at);
`

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	// StatusPoison marks a job that exhausted max_attempts; it is never
	// retried automatically again.
	StatusPoison Status = "poison"
)

// Job is a single queued unit of work.
type Job struct {
	ID          string
	Queue       string
	JobID       string
	Payload     map[string]any
	Status      Status
	Attempts    int
	MaxAttempts int
	DeadlineAt  time.Time
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
}

// ToSafeJobID substitutes the queue-reserved ':' separator with '__'. It
// is a fixed point: applying it twice is the same as applying it once.
func ToSafeJobID(jobID string) string {
	return strings.ReplaceAll(jobID, ":", "__")
}

// Store is the persistence layer backing Runtime; it is also usable
// directly by callers that only need to submit or inspect jobs.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewStore builds a Store. Schema must already have been applied.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, newID: idgen.Default}
}

// Submit inserts a new job under (queue, jobID). Re-submitting the same
// (queue, jobID) while a prior submission is still live (pending or
// processing) is a no-op, per the queue's idempotency contract; handlers
// must still be idempotent at the data level.
func (s *Store) Submit(ctx context.Context, queue, jobID string, payload map[string]any, maxAttempts int, deadline time.Duration) error {
	safeID := ToSafeJobID(jobID)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload: %w", err)
	}

	now := time.Now().UTC()
	_, err = data.ExecRetry(ctx, s.db, `
		INSERT INTO queue_jobs (id, queue, job_id, payload, status, max_attempts, deadline_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.newID(), queue, safeID, string(payloadJSON), StatusPending, maxAttempts, now.Add(deadline).Unix(), now.Unix())
	if err != nil {
		if data.IsUniqueViolation(err) {
			return nil // idempotent resubmission
		}
		return fmt.Errorf("queue: submit %s/%s: %w", queue, safeID, err)
	}
	return nil
}

// PollBatch claims up to limit pending jobs for queue whose retry delay
// has elapsed, marking them processing. The claim transaction is kept
// minimal (UPDATE + SELECT raw rows + commit); JSON payloads are parsed
// after commit so the write lock is held as briefly as possible.
func (s *Store) PollBatch(ctx context.Context, queue string, limit int) ([]*Job, error) {
	now := time.Now().UTC()

	type rawRow struct {
		id, jobID, payload                       string
		attempts, maxAttempts                    int
		deadlineAt, createdAt                     int64
	}
	var raws []rawRow

	err := data.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE queue_jobs SET status = ?, started_at = ?
			WHERE id IN (
				SELECT id FROM queue_jobs
				WHERE queue = ? AND status = ? AND next_attempt_at <= ?
				ORDER BY created_at ASC
				LIMIT ?
			)
		`, StatusProcessing, now.Unix(), queue, StatusPending, now.Unix(), limit)
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, job_id, payload, attempts, max_attempts, deadline_at, created_at
			FROM queue_jobs
			WHERE queue = ? AND status = ? AND started_at = ?
			ORDER BY created_at ASC
		`, queue, StatusProcessing, now.Unix())
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var r rawRow
			if err := rows.Scan(&r.id, &r.jobID, &r.payload, &r.attempts, &r.maxAttempts, &r.deadlineAt, &r.createdAt); err != nil {
				return err
			}
			raws = append(raws, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("queue: poll %s: %w", queue, err)
	}

	jobs := make([]*Job, 0, len(raws))
	for _, r := range raws {
		j := &Job{
			ID:          r.id,
			Queue:       queue,
			JobID:       r.jobID,
			Status:      StatusProcessing,
			Attempts:    r.attempts,
			MaxAttempts: r.maxAttempts,
			DeadlineAt:  time.Unix(r.deadlineAt, 0).UTC(),
			CreatedAt:   time.Unix(r.createdAt, 0).UTC(),
		}
		started := now
		j.StartedAt = &started
		if err := json.Unmarshal([]byte(r.payload), &j.Payload); err != nil {
			return nil, fmt.Errorf("queue: unmarshal payload for %s: %w", r.jobID, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Complete marks a job completed.
func (s *Store) Complete(ctx context.Context, id string) error {
	_, err := data.ExecRetry(ctx, s.db, `
		UPDATE queue_jobs SET status = ?, completed_at = ? WHERE id = ?
	`, StatusCompleted, time.Now().UTC().Unix(), id)
	return err
}

// Fail marks a job failed, incrementing attempts. When attempts reaches
// max_attempts the job becomes poison and next_attempt_at is left as-is
// (it will never be polled again, since only status=pending is polled).
// Otherwise next_attempt_at is pushed out by baseDelay*2^(attempts-1),
// so the first retry waits baseDelay. The
// update only ever applies to a row still in StatusProcessing, so a
// racing reclaim (ReapStale) and a live worker's own failure path can
// never both apply to the same row: whichever commits first wins and
// the other's update touches zero rows.
func (s *Store) Fail(ctx context.Context, j *Job, cause string, baseDelay time.Duration) error {
	now := time.Now().UTC()
	attempts := j.Attempts + 1

	if attempts >= j.MaxAttempts {
		_, err := data.ExecRetry(ctx, s.db, `
			UPDATE queue_jobs SET status = ?, attempts = ?, error = ?, completed_at = ?
			WHERE id = ? AND status = ?
		`, StatusPoison, attempts, cause, now.Unix(), j.ID, StatusProcessing)
		return err
	}

	backoff := baseDelay * time.Duration(1<<uint(attempts-1))
	nextAttempt := now.Add(backoff)
	_, err := data.ExecRetry(ctx, s.db, `
		UPDATE queue_jobs SET status = ?, attempts = ?, error = ?, next_attempt_at = ?,
			started_at = NULL, completed_at = NULL
		WHERE id = ? AND status = ?
	`, StatusPending, attempts, cause, nextAttempt.Unix(), j.ID, StatusProcessing)
	return err
}

// ReapStale resets jobs stuck in processing whose deadline has passed
// back to pending (or poison, once max_attempts is exhausted) — the
// crash-recovery counterpart to PollBatch. Nothing else ever moves a
// row out of processing if the worker that claimed it dies before
// calling Complete or Fail; a restarted process would otherwise find
// those jobs stuck forever, since PollBatch only ever claims
// status=pending rows. Reused Fail's status=processing guard makes
// this safe to run concurrently with a still-live worker: if that
// worker finishes the job first, Fail's update here just affects zero
// rows.
func (s *Store) ReapStale(ctx context.Context, queue string, baseDelay time.Duration) (int, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, attempts, max_attempts
		FROM queue_jobs
		WHERE queue = ? AND status = ? AND deadline_at <= ?
		ORDER BY created_at ASC
	`, queue, StatusProcessing, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("queue: find stale %s: %w", queue, err)
	}

	type stale struct {
		id, jobID             string
		attempts, maxAttempts int
	}
	var staleJobs []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.jobID, &st.attempts, &st.maxAttempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("queue: scan stale %s: %w", queue, err)
		}
		staleJobs = append(staleJobs, st)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("queue: scan stale %s: %w", queue, err)
	}
	rows.Close()

	for _, st := range staleJobs {
		j := &Job{ID: st.id, Queue: queue, JobID: st.jobID, Attempts: st.attempts, MaxAttempts: st.maxAttempts}
		if err := s.Fail(ctx, j, "reclaimed: deadline exceeded without completion (worker crash or restart)", baseDelay); err != nil {
			return 0, fmt.Errorf("queue: reap %s: %w", queue, err)
		}
	}
	return len(staleJobs), nil
}

// Get returns a job by internal id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, queue, job_id, payload, status, attempts, max_attempts,
			deadline_at, created_at, started_at, completed_at, COALESCE(error, '')
		FROM queue_jobs WHERE id = ?
	`, id)

	var j Job
	var payload string
	var deadlineAt, createdAt int64
	var startedAt, completedAt sql.NullInt64
	err := row.Scan(&j.ID, &j.Queue, &j.JobID, &payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&deadlineAt, &createdAt, &startedAt, &completedAt, &j.Error)
	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("queue: unmarshal payload: %w", err)
	}
	j.DeadlineAt = time.Unix(deadlineAt, 0).UTC()
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		j.CompletedAt = &t
	}
	return &j, nil
}
