// Package outbox implements the background sweeper that drains rows the
// Mutation API's immediate best-effort publish did not mark delivered
// (spec §4.3 step 6/§9): a transient Bus outage, a crash between commit and
// publish, or simply exhausting the bounded retry budget all leave a row
// behind for this worker to pick up, in FIFO order per user_id.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskforge/taskforge/internal/bus"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/metrics"
	"github.com/taskforge/taskforge/internal/store"
)

// Config tunes the sweeper's poll cadence and claim size.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// DefaultConfig is a conservative sweep cadence suitable for a single
// replica or several behind ClaimOutboxBatch's SKIP LOCKED claiming.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
	}
}

// Sweeper periodically claims not-yet-delivered outbox rows and publishes
// them.
type Sweeper struct {
	store     store.Store
	publisher bus.Publisher
	cfg       Config
}

// New builds a Sweeper. cfg's zero value is replaced with DefaultConfig.
func New(s store.Store, p bus.Publisher, cfg Config) *Sweeper {
	if cfg.PollInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Sweeper{store: s, publisher: p, cfg: cfg}
}

// Run polls at cfg.PollInterval until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sw.sweepOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "outbox: sweep failed", "error", err)
			}
			if depth, err := sw.store.OutboxDepth(ctx); err == nil {
				metrics.OutboxDepth.Set(float64(depth))
			}
		}
	}
}

// sweepOnce claims and attempts to deliver one batch. A row that fails to
// publish is left claimed (the claim's staleness window lets a future sweep
// retry it) rather than requeued immediately, so a persistently unreachable
// Bus cannot turn this into a tight retry loop.
func (sw *Sweeper) sweepOnce(ctx context.Context) error {
	rows, err := sw.store.ClaimOutboxBatch(ctx, sw.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	var delivered []int64
	// failedUsers tracks users whose earlier row in this batch (ordered by
	// user_id, created_at - see ClaimOutboxBatch) failed to publish: every
	// later row for that user is left claimed rather than delivered out of
	// order, per spec §9's per-user FIFO guarantee. Both the failure and
	// the rows skipped behind it are retried together once the claim goes
	// stale.
	failedUsers := make(map[string]bool)
	for _, row := range rows {
		if failedUsers[row.UserID] {
			continue
		}

		var env events.Envelope
		if err := json.Unmarshal(row.EnvelopeJSON, &env); err != nil {
			// A malformed row can never be delivered; drop it rather than
			// let it jam the per-user FIFO ordering behind it forever.
			slog.ErrorContext(ctx, "outbox: dropping malformed row", "id", row.ID, "error", err)
			metrics.OutboxSwept.WithLabelValues("dropped_malformed").Inc()
			delivered = append(delivered, row.ID)
			continue
		}

		if err := sw.publisher.Publish(ctx, row.Topic, env); err != nil {
			slog.WarnContext(ctx, "outbox: publish failed, will retry next sweep",
				"id", row.ID, "topic", row.Topic, "event_id", env.EventID, "error", err)
			failedUsers[row.UserID] = true
			continue
		}
		metrics.OutboxSwept.WithLabelValues("delivered").Inc()
		delivered = append(delivered, row.ID)
	}

	if len(delivered) == 0 {
		return nil
	}
	if err := sw.store.MarkOutboxDelivered(ctx, delivered); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}
