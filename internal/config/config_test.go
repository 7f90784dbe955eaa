package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/config"
)

func TestLoad_RequiresPostgresDSN(t *testing.T) {
	_, err := config.Load()
	require.ErrorIs(t, err, config.ErrMissingEnvVar)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/taskforge")

	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, "postgres://localhost/taskforge", cfg.PostgresDSN)
	require.Equal(t, 10, cfg.PostgresMaxConn)
	require.Nil(t, cfg.KafkaBrokers)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 5*time.Second, cfg.SchedulerPollInterval)
	require.Equal(t, 32, cfg.SchedulerBatchSize)
	require.False(t, cfg.OTelEnabled)
}

func TestLoad_OverridesAndBrokerList(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/taskforge")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092, broker-2:9092")
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("SCHEDULER_POLL_INTERVAL_SECONDS", "2")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, ":9000", cfg.HTTPAddr)
	require.Equal(t, 2*time.Second, cfg.SchedulerPollInterval)
	require.True(t, cfg.OTelEnabled)
}

func TestLoad_OverlayFileOverridesEnvironmentDefaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/taskforge")
	t.Setenv("HTTP_ADDR", ":9000")

	path := filepath.Join(t.TempDir(), "taskforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9100"
outbox_batch_size: 250
`), 0o644))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, ":9100", cfg.HTTPAddr, "overlay key present in the file must win over the environment default")
	require.Equal(t, 250, cfg.OutboxBatchSize)
	require.Equal(t, "postgres://localhost/taskforge", cfg.PostgresDSN, "keys absent from the overlay must keep their environment-derived value")
}

func TestLoad_MissingOverlayFileIsNotAnError(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/taskforge")
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "does-not-exist.yaml"))

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
}
