// Command migrate applies the Store's schema migrations to POSTGRES_DSN and
// exits. It is a separate binary from cmd/server and cmd/worker so schema
// changes are an explicit, auditable deploy step rather than something that
// happens implicitly on every process start.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/taskforge/taskforge/internal/config"
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

	if err := postgres.Migrate(ctx, cfg.PostgresDSN); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	fmt.Println("migrations applied")
	return nil
}
