package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. NODEFLOW_DRAIN_TIMEOUT.
const EnvPrefix = "NODEFLOW"

var keys = []string{
	"default_transport",
	"default_queue_size",
	"drain_timeout",
	"degraded_buffer_size",
	"timer_queue_size",
	"kafka_brokers",
	"kafka_consumer_group",
	"rabbitmq_url",
	"nats_url",
	"http_server_address",
	"http_publisher_url",
	"io_file",
	"sqlite_file",
	"postgres_url",
	"aws_region",
	"aws_account_id",
	"aws_access_key_id",
	"aws_secret_access_key",
	"aws_endpoint",
	"metrics_enabled",
	"metrics_port",
	"log_level",
}

// Load reads configuration from path (YAML, JSON or TOML, by extension) and
// applies NODEFLOW_* environment overrides. An empty path reads the
// environment only. Runtime defaults are filled in and the result is
// validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	defaults := Config{}.WithDefaults()
	v.SetDefault("default_queue_size", defaults.DefaultQueueSize)
	v.SetDefault("drain_timeout", defaults.DrainTimeout)
	v.SetDefault("degraded_buffer_size", defaults.DegradedBufferSize)
	v.SetDefault("timer_queue_size", defaults.TimerQueueSize)
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c = c.WithDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}
