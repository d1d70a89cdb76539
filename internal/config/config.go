// Package config loads runtime settings from environment variables (prefix
// DESKSIM_) or an optional config file, with sane local-run defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	HTTPAddr    string        `mapstructure:"http_addr"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
	LogLevel    string        `mapstructure:"log_level"`

	// Feed: "nats" or "synthetic".
	FeedSource string `mapstructure:"feed_source"`
	NATSURL    string `mapstructure:"nats_url"`
	FeedSeed   int64  `mapstructure:"feed_seed"`

	// Snapshots: Postgres when a DSN is set, otherwise a local file.
	PostgresDSN  string `mapstructure:"postgres_dsn"`
	SnapshotPath string `mapstructure:"snapshot_path"`

	// Market data cache: disabled when the address is empty.
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisCacheTTL time.Duration `mapstructure:"redis_cache_ttl"`

	// Bridge settlement.
	BridgeDelay time.Duration `mapstructure:"bridge_delay"`
}

// Load reads configuration from the environment and, when path is
// non-empty, a YAML file. Environment variables win.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DESKSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("feed_source", "synthetic")
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("feed_seed", 1)
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("snapshot_path", "data/snapshot.json")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_cache_ttl", 2*time.Second)
	v.SetDefault("bridge_delay", 3*time.Second)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.FeedSource != "nats" && cfg.FeedSource != "synthetic" {
		return nil, fmt.Errorf("invalid feed_source %q (want nats or synthetic)", cfg.FeedSource)
	}
	return &cfg, nil
}
