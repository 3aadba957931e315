package queue

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/larenas/sagaflow/pkg/schema"
)

const defaultLease = 2 * time.Minute

// LibSQLQueue is a persistent Queue backed by the same libSQL database as the
// workflow store. Jobs survive process restarts; expired leases make claimed
// jobs visible again so a crashed worker's job is retried.
type LibSQLQueue struct {
	db    *sql.DB
	lease time.Duration
}

// NewLibSQLQueue wraps an existing database handle (from store.LibSQLStore.DB()).
// Migrations are owned by the store; the jobs table ships with its schema.
func NewLibSQLQueue(db *sql.DB, lease time.Duration) *LibSQLQueue {
	if lease <= 0 {
		lease = defaultLease
	}
	return &LibSQLQueue{db: db, lease: lease}
}

func (q *LibSQLQueue) Enqueue(ctx context.Context, job *JobSpec) (string, error) {
	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}
	var notBefore any
	if !job.NotBefore.IsZero() {
		notBefore = job.NotBefore.UTC()
	}

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO jobs (id, workflow_id, step_id, attempt, idempotency_key, status, not_before)
		 VALUES (?, ?, ?, ?, ?, 'pending', ?)`,
		id, job.WorkflowID, job.StepID, job.Attempt, job.IdempotencyKey, notBefore,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			var existing string
			scanErr := q.db.QueryRowContext(ctx,
				`SELECT id FROM jobs WHERE idempotency_key = ?`, job.IdempotencyKey).Scan(&existing)
			if scanErr == nil {
				return existing, nil
			}
		}
		return "", schema.NewErrorf(schema.ErrCodeQueue, "enqueue job: %s", err.Error()).WithCause(err)
	}
	return id, nil
}

func (q *LibSQLQueue) Dequeue(ctx context.Context) (*JobSpec, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeQueue, "begin dequeue tx: %s", err.Error()).WithCause(err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	job := &JobSpec{}
	var notBefore sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT id, workflow_id, step_id, attempt, idempotency_key, not_before FROM jobs
		 WHERE (status = 'pending' AND (not_before IS NULL OR not_before <= ?))
		    OR (status = 'leased' AND leased_until < ?)
		 ORDER BY created_at ASC LIMIT 1`,
		now, now,
	).Scan(&job.ID, &job.WorkflowID, &job.StepID, &job.Attempt, &job.IdempotencyKey, &notBefore)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeQueue, "select job: %s", err.Error()).WithCause(err)
	}
	if notBefore.Valid {
		job.NotBefore = notBefore.Time
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'leased', leased_until = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		now.Add(q.lease), job.ID,
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeQueue, "lease job: %s", err.Error()).WithCause(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeQueue, "commit dequeue: %s", err.Error()).WithCause(err)
	}
	return job, nil
}

func (q *LibSQLQueue) Ack(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'done', updated_at = CURRENT_TIMESTAMP WHERE id = ?`, jobID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeQueue, "ack job: %s", err.Error()).WithCause(err)
	}
	return checkJobAffected(res, jobID)
}

func (q *LibSQLQueue) Nack(ctx context.Context, jobID string, retryAt time.Time, reason string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', attempt = attempt + 1, not_before = ?, leased_until = NULL,
		   error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		retryAt.UTC(), reason, jobID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeQueue, "nack job: %s", err.Error()).WithCause(err)
	}
	return checkJobAffected(res, jobID)
}

func (q *LibSQLQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status != 'done'`).Scan(&n)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeQueue, "count jobs: %s", err.Error()).WithCause(err)
	}
	return n, nil
}

// Close is a no-op: the database handle is owned by the store.
func (q *LibSQLQueue) Close() error { return nil }

func checkJobAffected(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", jobID)
	}
	return nil
}

var _ Queue = (*LibSQLQueue)(nil)
