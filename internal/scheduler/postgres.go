package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCoordinator is the Coordinator backed by the scheduled_jobs and
// dead_letter_jobs tables (spec §4.7, §6), grounded on the teacher's
// GenerationCoordinator postgres implementation.
type PostgresCoordinator struct {
	pool *pgxpool.Pool
}

// NewPostgresCoordinator wraps pool.
func NewPostgresCoordinator(pool *pgxpool.Pool) *PostgresCoordinator {
	return &PostgresCoordinator{pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// InsertJob implements Coordinator.
func (c *PostgresCoordinator) InsertJob(ctx context.Context, jobType string, dueTime time.Time, payload []byte, dedupKey string) error {
	id := uuid.Must(uuid.NewV7()).String()
	var dedup *string
	if dedupKey != "" {
		dedup = &dedupKey
	}

	_, err := c.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (id, job_type, due_time, payload, state, attempts, dedup_key, created_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, now())`,
		id, jobType, dueTime, payload, dedup)
	if err != nil {
		if isUniqueViolation(err) {
			// A redelivered producer message hit the dedup_key uniqueness
			// constraint: the job already exists, which is the desired
			// outcome (spec §8), not a failure.
			return nil
		}
		return fmt.Errorf("scheduler: insert job: %w", err)
	}
	return nil
}

// ClaimNextJobs implements Coordinator using the same conditional-update
// claim as the teacher's ClaimNextJob, extended to a batch via
// UPDATE ... WHERE id IN (SELECT ... FOR UPDATE SKIP LOCKED) RETURNING *.
func (c *PostgresCoordinator) ClaimNextJobs(ctx context.Context, workerID string, availabilityTimeout time.Duration, batchSize int) ([]Job, error) {
	rows, err := c.pool.Query(ctx, `
		UPDATE scheduled_jobs SET state = 'running', locked_until = now() + $3::interval
		WHERE id IN (
			SELECT id FROM scheduled_jobs
			WHERE due_time <= now()
			  AND (state = 'pending' OR (state = 'running' AND locked_until < now()))
			ORDER BY due_time
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_type, due_time, payload, state, attempts, locked_until, dedup_key, created_at`,
		workerID, batchSize, availabilityTimeout)
	if err != nil {
		return nil, fmt.Errorf("scheduler: claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.JobType, &j.DueTime, &j.Payload, &j.State, &j.Attempts, &j.LockedUntil, &j.DedupKey, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scheduler: scan claimed job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ExtendAvailability implements Coordinator.
func (c *PostgresCoordinator) ExtendAvailability(ctx context.Context, jobID, workerID string, availabilityTimeout time.Duration) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET locked_until = now() + $2::interval
		WHERE id = $1 AND state = 'running'`, jobID, availabilityTimeout)
	if err != nil {
		return fmt.Errorf("scheduler: extend availability for %s: %w", jobID, err)
	}
	return nil
}

// CompleteJob implements Coordinator.
func (c *PostgresCoordinator) CompleteJob(ctx context.Context, jobID, workerID string) error {
	_, err := c.pool.Exec(ctx, `UPDATE scheduled_jobs SET state = 'done' WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("scheduler: complete job %s: %w", jobID, err)
	}
	return nil
}

// FailJob implements Coordinator: bounded exponential backoff with jitter
// while attempts stay under cfg.MaxRetries, then a move to dead_letter_jobs
// for operator review/replay (spec §4.7, supplemented per SPEC_FULL §12).
func (c *PostgresCoordinator) FailJob(ctx context.Context, jobID, workerID, errMsg string, cfg RetryConfig) (bool, error) {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("scheduler: begin fail tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var attempts int
	var jobType string
	var payload []byte
	err = tx.QueryRow(ctx, `SELECT attempts, job_type, payload FROM scheduled_jobs WHERE id = $1 FOR UPDATE`, jobID).
		Scan(&attempts, &jobType, &payload)
	if err != nil {
		return false, fmt.Errorf("scheduler: load job %s: %w", jobID, err)
	}
	attempts++

	if attempts >= cfg.MaxRetries {
		if _, err := tx.Exec(ctx, `UPDATE scheduled_jobs SET state = 'dead_letter', attempts = $2 WHERE id = $1`, jobID, attempts); err != nil {
			return false, fmt.Errorf("scheduler: mark dead-letter %s: %w", jobID, err)
		}
		dlqID := uuid.Must(uuid.NewV7()).String()
		if _, err := tx.Exec(ctx, `
			INSERT INTO dead_letter_jobs (id, original_job_id, job_type, payload, error_message, attempts, failed_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())`, dlqID, jobID, jobType, payload, errMsg, attempts); err != nil {
			return false, fmt.Errorf("scheduler: insert dead letter for %s: %w", jobID, err)
		}
		return false, tx.Commit(ctx)
	}

	delay := backoffWithJitter(cfg.BaseDelay, attempts, cfg.MaxDelay)
	if _, err := tx.Exec(ctx, `
		UPDATE scheduled_jobs SET state = 'pending', attempts = $2, due_time = now() + $3::interval, locked_until = NULL
		WHERE id = $1`, jobID, attempts, delay); err != nil {
		return false, fmt.Errorf("scheduler: reschedule %s: %w", jobID, err)
	}
	return true, tx.Commit(ctx)
}

func backoffWithJitter(base time.Duration, attempt int, max time.Duration) time.Duration {
	d := base * time.Duration(1<<uint(attempt-1))
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5 + 1)) // +0..20% jitter
	return d + jitter
}

// PendingDepth implements Coordinator.
func (c *PostgresCoordinator) PendingDepth(ctx context.Context) (int, error) {
	var n int
	err := c.pool.QueryRow(ctx, `SELECT count(*) FROM scheduled_jobs WHERE state = 'pending' AND due_time <= now()`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("scheduler: pending depth: %w", err)
	}
	return n, nil
}
