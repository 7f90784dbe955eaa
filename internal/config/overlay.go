package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// overlay mirrors a subset of Config with pointer/slice fields so an absent
// key in the YAML file leaves the environment-derived value untouched -
// only keys actually present override Load()'s result.
type overlay struct {
	PostgresDSN                  *string  `yaml:"postgres_dsn"`
	PostgresMaxConn              *int     `yaml:"postgres_max_conn"`
	KafkaBrokers                 []string `yaml:"kafka_brokers"`
	HTTPAddr                     *string  `yaml:"http_addr"`
	HealthAddr                   *string  `yaml:"health_addr"`
	NotificationWebhookURL       *string  `yaml:"notification_webhook_url"`
	ReplicaID                    *string  `yaml:"replica_id"`
	SchedulerPollIntervalSeconds *int     `yaml:"scheduler_poll_interval_seconds"`
	SchedulerBatchSize           *int     `yaml:"scheduler_batch_size"`
	OutboxPollIntervalSeconds    *int     `yaml:"outbox_poll_interval_seconds"`
	OutboxBatchSize              *int     `yaml:"outbox_batch_size"`
	OTelEnabled                  *bool    `yaml:"otel_enabled"`
	OTelServiceName              *string  `yaml:"otel_service_name"`
}

// JWTHMACSecret is deliberately not overlayable: secrets stay in the
// environment, never in a file that might end up in version control.

func (o overlay) applyTo(cfg *Config) {
	if o.PostgresDSN != nil {
		cfg.PostgresDSN = *o.PostgresDSN
	}
	if o.PostgresMaxConn != nil {
		cfg.PostgresMaxConn = *o.PostgresMaxConn
	}
	if o.KafkaBrokers != nil {
		cfg.KafkaBrokers = o.KafkaBrokers
	}
	if o.HTTPAddr != nil {
		cfg.HTTPAddr = *o.HTTPAddr
	}
	if o.HealthAddr != nil {
		cfg.HealthAddr = *o.HealthAddr
	}
	if o.NotificationWebhookURL != nil {
		cfg.NotificationWebhookURL = *o.NotificationWebhookURL
	}
	if o.ReplicaID != nil {
		cfg.ReplicaID = *o.ReplicaID
	}
	if o.SchedulerPollIntervalSeconds != nil {
		cfg.SchedulerPollInterval = secondsOf(*o.SchedulerPollIntervalSeconds)
	}
	if o.SchedulerBatchSize != nil {
		cfg.SchedulerBatchSize = *o.SchedulerBatchSize
	}
	if o.OutboxPollIntervalSeconds != nil {
		cfg.OutboxPollInterval = secondsOf(*o.OutboxPollIntervalSeconds)
	}
	if o.OutboxBatchSize != nil {
		cfg.OutboxBatchSize = *o.OutboxBatchSize
	}
	if o.OTelEnabled != nil {
		cfg.OTelEnabled = *o.OTelEnabled
	}
	if o.OTelServiceName != nil {
		cfg.OTelServiceName = *o.OTelServiceName
	}
}

// applyOverlay layers an optional YAML file named by CONFIG_FILE on top of
// the environment-derived cfg. A missing path, or no CONFIG_FILE at all, is
// not an error - the overlay exists for operators who prefer a checked-in
// file for the non-secret settings, not as a second required input.
func applyOverlay(cfg Config, path string) (Config, error) {
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read overlay %s: %w", path, err)
	}

	var ov overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return Config{}, fmt.Errorf("config: parse overlay %s: %w", path, err)
	}
	ov.applyTo(&cfg)
	return cfg, nil
}

func secondsOf(n int) time.Duration {
	return time.Duration(n) * time.Second
}
