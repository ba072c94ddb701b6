// Package config loads matchcore's process configuration: WAL layout, the
// command channel, DB-writer batching, recovery paging, storage DSNs, and
// observability knobs (spec.md §6 "Configuration"). It generalizes the
// teacher's viper-backed internal/config.LoadConfig/setDefaults pattern to
// the engine's own option set.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the full set of recognized options (spec.md §6).
type Config struct {
	Pairs []PairConfig `mapstructure:"pairs"`

	WAL struct {
		Dir                 string `mapstructure:"dir"`
		SegmentBytes        int64  `mapstructure:"segment_bytes"`
		GroupCommitWindowUS int    `mapstructure:"group_commit_window_us"`
	} `mapstructure:"wal"`

	Engine struct {
		CommandChannelCapacity int   `mapstructure:"command_channel_capacity"`
		BaseAssetScale         int32 `mapstructure:"base_asset_scale"`
	} `mapstructure:"engine"`

	DBWriter struct {
		BatchSize       int `mapstructure:"batch_size"`
		BatchIntervalMS int `mapstructure:"batch_interval_ms"`
		PoolSize        int `mapstructure:"pool_size"`
	} `mapstructure:"db_writer"`

	Recovery struct {
		InitialLoadPageSize int `mapstructure:"initial_load_page_size"`
	} `mapstructure:"recovery"`

	Database struct {
		Driver string `mapstructure:"driver"` // "postgres" or "sqlite"
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	EventBus struct {
		Transport  string `mapstructure:"transport"` // "gochannel" or "nats"
		NATSURL    string `mapstructure:"nats_url"`
		BufferSize int    `mapstructure:"buffer_size"`
	} `mapstructure:"event_bus"`

	RateLimit struct {
		SubmitOrderPerSecond int `mapstructure:"submit_order_per_second"`
		Burst                int `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`

	Fees struct {
		DefaultMakerRate string `mapstructure:"default_maker_rate"`
		DefaultTakerRate string `mapstructure:"default_taker_rate"`
	} `mapstructure:"fees"`

	Observability struct {
		LogLevel       string `mapstructure:"log_level"`
		MetricsAddr    string `mapstructure:"metrics_addr"`
		HealthAddr     string `mapstructure:"health_addr"`
	} `mapstructure:"observability"`

	MarketFeed struct {
		Addr string `mapstructure:"addr"`
		Path string `mapstructure:"path"`
	} `mapstructure:"market_feed"`
}

// PairConfig names one configured trading pair (spec.md §3).
type PairConfig struct {
	Base  string `mapstructure:"base"`
	Quote string `mapstructure:"quote"`
}

// GroupCommitWindow returns the configured group-commit window as a
// time.Duration.
func (c *Config) GroupCommitWindow() time.Duration {
	return time.Duration(c.WAL.GroupCommitWindowUS) * time.Microsecond
}

// DBBatchInterval returns the configured DB-writer batch interval as a
// time.Duration.
func (c *Config) DBBatchInterval() time.Duration {
	return time.Duration(c.DBWriter.BatchIntervalMS) * time.Millisecond
}

// Load reads configuration from configPath (a directory containing
// config.yaml) and MATCHCORE_-prefixed environment overrides, filling in
// defaults for anything unset, mirroring the teacher's
// config.LoadConfig/setDefaults split.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/matchcore")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("MATCHCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("wal.dir", "./data/wal")
	v.SetDefault("wal.segment_bytes", 64*1024*1024)
	v.SetDefault("wal.group_commit_window_us", 200)

	v.SetDefault("engine.command_channel_capacity", 0) // 0 -> engine picks its own large buffer
	v.SetDefault("engine.base_asset_scale", 8)

	v.SetDefault("db_writer.batch_size", 256)
	v.SetDefault("db_writer.batch_interval_ms", 20)
	v.SetDefault("db_writer.pool_size", 4)

	v.SetDefault("recovery.initial_load_page_size", 1024)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/matchcore.db")

	v.SetDefault("event_bus.transport", "gochannel")
	v.SetDefault("event_bus.buffer_size", 4096)

	v.SetDefault("rate_limit.submit_order_per_second", 200)
	v.SetDefault("rate_limit.burst", 50)

	v.SetDefault("fees.default_maker_rate", "0.001")
	v.SetDefault("fees.default_taker_rate", "0.001")

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.health_addr", ":8080")

	v.SetDefault("market_feed.addr", ":8082")
	v.SetDefault("market_feed.path", "/feed")
}

// NewLogger builds the process-wide zap.Logger per the configured level,
// matching the teacher's config.InitLogger split between development and
// production encoders.
func NewLogger(cfg *Config) (*zap.Logger, error) {
	switch cfg.Observability.LogLevel {
	case "debug":
		return zap.NewDevelopment()
	default:
		zcfg := zap.NewProductionConfig()
		level, err := zap.ParseAtomicLevel(cfg.Observability.LogLevel)
		if err == nil {
			zcfg.Level = level
		}
		return zcfg.Build()
	}
}
