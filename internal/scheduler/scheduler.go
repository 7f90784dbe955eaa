// Package scheduler is the durable, wall-clock-triggered Job Scheduler
// (spec §4.7), grounded on the teacher's GenerationCoordinator/
// GenerationWorker claim-heartbeat-complete/fail/dead-letter pattern,
// generalized from a single job type (recurring-task generation) to an
// arbitrary JobType dispatch table so the Reminder-Scheduler and any future
// job producer share one mechanism.
package scheduler

import (
	"context"
	"time"
)

// Job is one row of scheduled_jobs.
type Job struct {
	ID          string
	JobType     string
	DueTime     time.Time
	Payload     []byte // JSON
	State       string
	Attempts    int
	LockedUntil *time.Time
	DedupKey    *string
	CreatedAt   time.Time
}

// Job states.
const (
	StatePending    = "pending"
	StateRunning    = "running"
	StateDone       = "done"
	StateDeadLetter = "dead_letter"
)

// RetryConfig bounds the backoff applied after a failed attempt.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig mirrors the teacher's generation-job defaults. Job
// types with their own policy register a custom RetryConfig instead (see
// internal/consumers/reminder's RetryConfig).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 5, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Minute}
}

// WorkerConfig tunes one scheduler worker loop.
type WorkerConfig struct {
	WorkerID            string
	AvailabilityTimeout time.Duration // lease duration while state=running
	HeartbeatInterval   time.Duration
	PollInterval        time.Duration
	BatchSize           int
}

// DefaultWorkerConfig applies the spec's accuracy target: poll at <=5s,
// jitter <=30s after due_time under nominal load.
func DefaultWorkerConfig(workerID string) WorkerConfig {
	return WorkerConfig{
		WorkerID:            workerID,
		AvailabilityTimeout: 30 * time.Second,
		HeartbeatInterval:   10 * time.Second,
		PollInterval:        5 * time.Second,
		BatchSize:           32,
	}
}

// Coordinator is the persistence port for the scheduler, separated from the
// worker loop the way the teacher separates GenerationCoordinator from
// GenerationWorker.
type Coordinator interface {
	// InsertJob schedules a new job. dedupKey, if non-empty, is enforced
	// unique so a redelivered producer message cannot enqueue a duplicate
	// job (spec §8).
	InsertJob(ctx context.Context, jobType string, dueTime time.Time, payload []byte, dedupKey string) error

	// ClaimNextJobs atomically claims up to batchSize due, pending (or
	// lease-expired running) jobs via a conditional update, returning a
	// row per claimed job.
	ClaimNextJobs(ctx context.Context, workerID string, availabilityTimeout time.Duration, batchSize int) ([]Job, error)

	// ExtendAvailability refreshes locked_until for a still-in-progress job
	// (the heartbeat).
	ExtendAvailability(ctx context.Context, jobID, workerID string, availabilityTimeout time.Duration) error

	// CompleteJob marks a job done.
	CompleteJob(ctx context.Context, jobID, workerID string) error

	// FailJob records a failed attempt. If attempts remain under cfg's
	// ceiling, the job is rescheduled with backoff and willRetry is true;
	// otherwise it moves to the dead-letter table.
	FailJob(ctx context.Context, jobID, workerID, errMsg string, cfg RetryConfig) (willRetry bool, err error)

	// PendingDepth returns the count of jobs with due_time <= now and
	// state=pending, for the observable queue-depth metric.
	PendingDepth(ctx context.Context) (int, error)
}

// Handler executes the side effect for a claimed job. Handlers must be
// idempotent: a crash between commit and ack can cause a job to be
// delivered again once its lease expires.
type Handler func(ctx context.Context, job Job) error
