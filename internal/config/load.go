package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional YAML file and the environment.
// Environment variables take precedence and use the AUDIOPIPE_ prefix with
// underscores, e.g. AUDIOPIPE_KAFKA_BROKERS. An empty configPath skips the
// file and relies on env vars and defaults alone.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("pubsub_system", "channel")
	v.SetDefault("kafka_consumer_group", "audiopipe")
	v.SetDefault("s3_bucket", "uploads")
	v.SetDefault("voice_service_timeout", 30*time.Second)
	v.SetDefault("max_concurrent_dispatch", 5)
	v.SetDefault("batch_enabled", true)
	v.SetDefault("batch_interval", 10*time.Second)
	v.SetDefault("batch_size", 5)
	v.SetDefault("batch_max_concurrent", 3)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_delay", 5*time.Second)
	v.SetDefault("retry_poll_interval", time.Second)
	v.SetDefault("admin_address", ":8080")
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("log_level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("AUDIOPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
