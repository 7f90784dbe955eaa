// Command worker runs the three consumers that have no dependency on
// per-process connection state - Audit, Recurring-Task-Generator, and the
// Reminder-Scheduler/Notification half-pair - plus the Job Scheduler worker
// loop that fires due reminder deliveries. It shares nothing with cmd/server
// except the Store and Bus, so any number of replicas of each can run
// independently (spec §5).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskforge/taskforge/internal/bus"
	buskafka "github.com/taskforge/taskforge/internal/bus/kafka"
	busmemory "github.com/taskforge/taskforge/internal/bus/memory"
	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/consumers/audit"
	"github.com/taskforge/taskforge/internal/consumers/recurring"
	"github.com/taskforge/taskforge/internal/consumers/reminder"
	"github.com/taskforge/taskforge/internal/metrics"
	"github.com/taskforge/taskforge/internal/mutation"
	"github.com/taskforge/taskforge/internal/notification"
	"github.com/taskforge/taskforge/internal/observability"
	"github.com/taskforge/taskforge/internal/scheduler"
	"github.com/taskforge/taskforge/internal/store/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	obsCfg := observability.Config{Enabled: cfg.OTelEnabled, ServiceName: cfg.OTelServiceName}

	lp, logger, err := observability.InitLogger(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer shutdownWithTimeout(lp.Shutdown, "logger provider")
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer shutdownWithTimeout(tp.Shutdown, "tracer provider")

	mp, err := observability.InitMeterProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer shutdownWithTimeout(mp.Shutdown, "meter provider")

	slog.InfoContext(ctx, "starting taskforge worker", "replica_id", cfg.ReplicaID)

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()
	slog.InfoContext(ctx, "postgres pool ready", "dsn", maskPassword(cfg.PostgresDSN))

	st := postgres.New(pool)

	b, err := newBus(cfg)
	if err != nil {
		return fmt.Errorf("failed to init bus: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.ErrorContext(ctx, "bus close failed", "error", err)
		}
	}()

	svc := mutation.NewService(st, b, mutation.DefaultConfig())
	coordinator := scheduler.NewPostgresCoordinator(pool)

	auditConsumer := audit.New(st)
	recurringConsumer := recurring.New(st, svc)
	reminderService := reminder.New(st, coordinator, notification.NewWebhookSink(cfg.NotificationWebhookURL))

	schedulerWorker := scheduler.NewWorker(coordinator, scheduler.WorkerConfig{
		WorkerID:            cfg.ReplicaID,
		AvailabilityTimeout: cfg.SchedulerAvailabilityTimeout,
		HeartbeatInterval:   cfg.SchedulerHeartbeatInterval,
		PollInterval:        cfg.SchedulerPollInterval,
		BatchSize:           cfg.SchedulerBatchSize,
	})
	schedulerWorker.Register(reminder.JobType, reminderService.Deliver, reminder.RetryConfig())

	var wg sync.WaitGroup
	runLoop := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, name+" stopped unexpectedly", "error", err)
			}
		}()
	}

	runLoop("audit consumer", func(ctx context.Context) error { return auditConsumer.Run(ctx, b) })
	runLoop("recurring-generator consumer", func(ctx context.Context) error { return recurringConsumer.Run(ctx, b) })
	runLoop("reminder-scheduling consumer", func(ctx context.Context) error { return reminderService.RunScheduling(ctx, b) })
	runLoop("scheduler worker", schedulerWorker.Run)

	healthServer := newHealthServer(cfg.HealthAddr)
	go func() {
		slog.InfoContext(ctx, "health server listening", "addr", cfg.HealthAddr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "health server stopped unexpectedly", "error", err)
		}
	}()

	<-ctx.Done()
	slog.InfoContext(ctx, "shutting down, waiting for in-flight work to drain", "timeout", cfg.ShutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	_ = healthServer.Shutdown(shutdownCtx)

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(cfg.ShutdownTimeout):
		slog.WarnContext(ctx, "shutdown timed out waiting for consumer loops")
	}
	return nil
}

// newHealthServer serves /health and /metrics on their own listener,
// separate from any per-replica API surface.
func newHealthServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

func newPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.PostgresMaxConn)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// newBus picks the Kafka-backed Bus when brokers are configured, falling
// back to the in-memory Bus for local/dev single-process runs.
func newBus(cfg config.Config) (bus.Bus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return busmemory.New(), nil
	}
	return buskafka.New(buskafka.Config{Brokers: cfg.KafkaBrokers}), nil
}

func shutdownWithTimeout(shutdown func(context.Context) error, what string) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "failed to shutdown "+what, "error", err)
	}
}

// maskPassword redacts a connection string's password for logging.
func maskPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxxx")
		}
	}
	return u.String()
}
