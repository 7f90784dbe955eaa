// Package config loads runtime configuration from environment variables,
// following the teacher's config.Load() shape: every setting has a sane
// default, durations are expressed in seconds in the environment, and a
// zero/missing value falls back to the default rather than failing startup
// (the exception is POSTGRES_DSN, which is required; JWT_HMAC_SECRET
// defaults to an empty string). CONFIG_FILE optionally
// names a YAML file layered on top of the environment-derived defaults for
// operators who prefer a checked-in file for non-secret settings.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full set of runtime settings for both cmd/server and
// cmd/worker (spec §10). Each binary reads only the sections it needs.
type Config struct {
	// Postgres backs the Store (spec §4.1).
	PostgresDSN     string
	PostgresMaxConn int

	// Kafka backs the Bus (spec §4.2). Empty Brokers means "use the
	// in-memory bus", which is how tests and single-process demos run
	// without a broker.
	KafkaBrokers []string

	// HTTPAddr is where the Mutation API's REST surface and the Live
	// Stream WebSocket attach endpoint listen.
	HTTPAddr string

	// HealthAddr serves /health and /metrics separately from the main
	// listener so liveness checks don't compete with request-handling
	// middleware.
	HealthAddr string

	// NotificationWebhookURL is where the Reminder-Scheduler/Notification
	// consumer's WebhookSink POSTs due reminders (spec §4.6, §1: the actual
	// delivery channel - email, SMS, push - is an external collaborator
	// behind this one HTTP hook).
	NotificationWebhookURL string

	// JWTHMACSecret verifies the upstream identity provider's JWTs
	// (spec §1: the core consumes a verified user_id; the provider itself
	// is external). HS256 keeps local/dev setups self-contained; swapping
	// to an RS256/JWKS verifier only touches internal/httpapi/middleware.
	JWTHMACSecret string

	// ReplicaID identifies this process for the Update-Broadcaster's
	// per-replica consumer group (spec §4.8) and the Job Scheduler's
	// worker id (spec §4.7).
	ReplicaID string

	// Job Scheduler tuning (spec §4.7).
	SchedulerPollInterval        time.Duration
	SchedulerAvailabilityTimeout time.Duration
	SchedulerHeartbeatInterval  time.Duration
	SchedulerBatchSize          int

	// Outbox sweeper tuning (spec §4.3, §9).
	OutboxPollInterval time.Duration
	OutboxBatchSize    int

	// ShutdownTimeout bounds graceful drain of in-flight requests,
	// consumer handlers, and Live Stream connections (spec §5).
	ShutdownTimeout time.Duration

	// Observability toggles the OTel SDK (spec §10).
	OTelEnabled     bool
	OTelServiceName string
}

// Load reads Config from the environment, applying defaults for anything
// unset. Only PostgresDSN is required; everything else degrades to a
// workable local default.
func Load() (Config, error) {
	dsn, err := MustGetEnv[string]("POSTGRES_DSN")
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	cfg := Config{
		PostgresDSN:                  dsn,
		PostgresMaxConn:              intOr("POSTGRES_MAX_CONN", 10),
		KafkaBrokers:                 brokersOr("KAFKA_BROKERS", nil),
		HTTPAddr:                     stringOr("HTTP_ADDR", ":8080"),
		HealthAddr:                   stringOr("HEALTH_ADDR", ":8081"),
		NotificationWebhookURL:       stringOr("NOTIFICATION_WEBHOOK_URL", ""),
		JWTHMACSecret:                stringOr("JWT_HMAC_SECRET", ""),
		ReplicaID:                    stringOr("REPLICA_ID", "replica-1"),
		SchedulerPollInterval:        secondsOr("SCHEDULER_POLL_INTERVAL_SECONDS", 5),
		SchedulerAvailabilityTimeout: secondsOr("SCHEDULER_AVAILABILITY_TIMEOUT_SECONDS", 30),
		SchedulerHeartbeatInterval:   secondsOr("SCHEDULER_HEARTBEAT_INTERVAL_SECONDS", 10),
		SchedulerBatchSize:           intOr("SCHEDULER_BATCH_SIZE", 32),
		OutboxPollInterval:           secondsOr("OUTBOX_POLL_INTERVAL_SECONDS", 5),
		OutboxBatchSize:              intOr("OUTBOX_BATCH_SIZE", 100),
		ShutdownTimeout:              secondsOr("SHUTDOWN_TIMEOUT_SECONDS", 5),
		OTelEnabled:                  boolOr("OTEL_ENABLED", false),
		OTelServiceName:              stringOr("OTEL_SERVICE_NAME", "taskforge"),
	}

	cfg, err = applyOverlay(cfg, stringOr("CONFIG_FILE", ""))
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func stringOr(key, def string) string {
	v, ok := GetEnv[string](key)
	if !ok {
		return def
	}
	return v
}

func intOr(key string, def int) int {
	v, ok := GetEnv[int](key)
	if !ok {
		return def
	}
	return v
}

func boolOr(key string, def bool) bool {
	v, ok := GetEnv[bool](key)
	if !ok {
		return def
	}
	return v
}

func secondsOr(key string, def int) time.Duration {
	return time.Duration(intOr(key, def)) * time.Second
}

func brokersOr(key string, def []string) []string {
	v, ok := GetEnv[string](key)
	if !ok || v == "" {
		return def
	}
	var out []string
	for _, b := range strings.Split(v, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}
