// Command server runs the Mutation API's REST surface and the Live Stream
// WebSocket attach endpoint, plus the two in-process background loops that
// must share its memory: the Update-Broadcaster consumer (it owns the only
// copy of the per-replica connection registry) and the outbox sweeper
// (started here since this is where publishes originate).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/taskforge/taskforge/internal/bus"
	buskafka "github.com/taskforge/taskforge/internal/bus/kafka"
	busmemory "github.com/taskforge/taskforge/internal/bus/memory"
	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/consumers/broadcaster"
	"github.com/taskforge/taskforge/internal/httpapi"
	"github.com/taskforge/taskforge/internal/httpapi/handler"
	"github.com/taskforge/taskforge/internal/live"
	"github.com/taskforge/taskforge/internal/metrics"
	"github.com/taskforge/taskforge/internal/mutation"
	"github.com/taskforge/taskforge/internal/observability"
	"github.com/taskforge/taskforge/internal/outbox"
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

	slog.InfoContext(ctx, "starting taskforge server", "replica_id", cfg.ReplicaID)

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

	sweeper := outbox.New(st, b, outbox.Config{PollInterval: cfg.OutboxPollInterval, BatchSize: cfg.OutboxBatchSize})
	go func() {
		if err := sweeper.Run(ctx); err != nil {
			slog.ErrorContext(ctx, "outbox sweeper stopped", "error", err)
		}
	}()

	registry := live.NewRegistry()
	broadcast := broadcaster.New(registry, cfg.ReplicaID)
	go func() {
		if err := broadcast.Run(ctx, b); err != nil {
			slog.ErrorContext(ctx, "broadcaster consumer stopped", "error", err)
		}
	}()

	router := httpapi.NewRouter(
		handler.NewTasks(svc),
		handler.NewLive(registry),
		httpapi.Config{JWTHMACSecret: []byte(cfg.JWTHMACSecret)},
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(router, "taskforge-server"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthServer := newHealthServer(cfg.HealthAddr)

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		slog.InfoContext(ctx, "health server listening", "addr", cfg.HealthAddr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		registry.Shutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "http server shutdown timed out, forcing close", "error", err)
			_ = httpServer.Close()
		}
		_ = healthServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// newHealthServer serves /health and /metrics on a separate listener from
// the main API, so a scraper or liveness probe never competes with
// otelhttp-wrapped request handling or counts against its timeouts.
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
