package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/metrics"
)

// Worker polls Coordinator for due jobs and dispatches them to the handler
// registered for their JobType, heartbeating the lease while the handler
// runs - the same claim/heartbeat/complete-or-fail shape as the teacher's
// GenerationWorker, generalized across job types.
type Worker struct {
	coordinator Coordinator
	handlers    map[string]Handler
	cfg         WorkerConfig
	retryCfg    map[string]RetryConfig
}

// NewWorker builds a Worker over coordinator with cfg.
func NewWorker(coordinator Coordinator, cfg WorkerConfig) *Worker {
	return &Worker{
		coordinator: coordinator,
		handlers:    make(map[string]Handler),
		cfg:         cfg,
		retryCfg:    make(map[string]RetryConfig),
	}
}

// Register binds handler to jobType with a per-type retry policy (the
// Reminder-Scheduler registers reminder.RetryConfig here; other job types
// may use DefaultRetryConfig).
func (w *Worker) Register(jobType string, handler Handler, retryCfg RetryConfig) {
	w.handlers[jobType] = handler
	w.retryCfg[jobType] = retryCfg
}

// Run polls at cfg.PollInterval until ctx is cancelled, claiming and
// dispatching due jobs. It does not return until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.pollOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "scheduler: poll failed", "error", err)
			}
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) error {
	jobs, err := w.coordinator.ClaimNextJobs(ctx, w.cfg.WorkerID, w.cfg.AvailabilityTimeout, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim jobs: %w", err)
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			w.process(ctx, job)
		}(job)
	}
	wg.Wait()
	return nil
}

func (w *Worker) process(ctx context.Context, job Job) {
	handler, ok := w.handlers[job.JobType]
	if !ok {
		slog.ErrorContext(ctx, "scheduler: no handler registered for job type", "job_type", job.JobType, "job_id", job.ID)
		return
	}
	metrics.SchedulerJobsClaimed.WithLabelValues(job.JobType).Inc()

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID)

	err := w.executeWithRecovery(ctx, handler, job)
	stopHeartbeat()

	if err == nil {
		if cErr := w.coordinator.CompleteJob(ctx, job.ID, w.cfg.WorkerID); cErr != nil {
			slog.ErrorContext(ctx, "scheduler: complete failed", "job_id", job.ID, "error", cErr)
		}
		return
	}

	retryCfg, ok := w.retryCfg[job.JobType]
	if !ok {
		retryCfg = DefaultRetryConfig()
	}
	willRetry, fErr := w.coordinator.FailJob(ctx, job.ID, w.cfg.WorkerID, err.Error(), retryCfg)
	if fErr != nil {
		slog.ErrorContext(ctx, "scheduler: fail-job bookkeeping failed", "job_id", job.ID, "error", fErr)
		return
	}
	level := slog.LevelWarn
	if !willRetry {
		level = slog.LevelError
		metrics.SchedulerJobsDeadLettered.WithLabelValues(job.JobType).Inc()
	}
	slog.Log(ctx, level, "scheduler: job handler failed", "job_id", job.ID, "job_type", job.JobType, "will_retry", willRetry, "error", err)
}

func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.coordinator.ExtendAvailability(ctx, jobID, w.cfg.WorkerID, w.cfg.AvailabilityTimeout); err != nil {
				slog.ErrorContext(ctx, "scheduler: heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// executeWithRecovery runs handler, converting a panic into an error so one
// bad job cannot take down the worker loop.
func (w *Worker) executeWithRecovery(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job handler for %s: %v", job.JobType, r)
		}
	}()
	return handler(ctx, job)
}
