// Copyright 2025 James Ross
// Package config loads and validates ingestd's settings: the DM/engine
// endpoints, every core component's tunables, and the ambient
// observability/event stack, from a YAML file with environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DM carries the data-management and engine endpoints plus the static auth
// the entrypoint uses to construct internal/dmclient.Client and pkg/ingest.Client.
type DM struct {
	BaseURL       string        `mapstructure:"base_url"`
	EngineBaseURL string        `mapstructure:"engine_base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	StaticToken   string        `mapstructure:"static_token"`
}

// Resources configures internal/resources.Manager's refresh cadence, local
// cache, retry policy, and the circuit breaker guarding the DM endpoint.
type Resources struct {
	RefreshInterval         time.Duration `mapstructure:"refresh_interval"`
	CachePath               string        `mapstructure:"cache_path"`
	RetryMaxAttempts        int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay          time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxJitter          time.Duration `mapstructure:"retry_max_jitter"`
	BreakerWindow           time.Duration `mapstructure:"breaker_window"`
	BreakerCooldown         time.Duration `mapstructure:"breaker_cooldown"`
	BreakerFailureThreshold float64       `mapstructure:"breaker_failure_threshold"`
	BreakerMinSamples       int           `mapstructure:"breaker_min_samples"`
}

// Upload configures internal/upload.Uploader and its S3-compatible backend.
type Upload struct {
	MaxSingleUploadSize int64  `mapstructure:"max_single_upload_size"`
	MaxDataSize         int64  `mapstructure:"max_data_size"`
	BlockSizeBytes      int64  `mapstructure:"block_size_bytes"`
	MaxBlocks           int    `mapstructure:"max_blocks"`
	MaxConcurrency      int    `mapstructure:"max_concurrency"`
	PreferZstd          bool   `mapstructure:"prefer_zstd"`
	S3Region            string `mapstructure:"s3_region"`
	S3EndpointOverride  string `mapstructure:"s3_endpoint_override"`
	S3ForcePathStyle    bool   `mapstructure:"s3_force_path_style"`
}

// Queue configures internal/queued.Client's SQS-compatible backend.
type Queue struct {
	SQSRegion           string `mapstructure:"sqs_region"`
	SQSEndpointOverride string `mapstructure:"sqs_endpoint_override"`
}

// Streaming configures internal/streaming.Client.
type Streaming struct {
	MaxBodyBytes    int64   `mapstructure:"max_body_bytes"`
	RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int     `mapstructure:"rate_limit_burst"`
}

// Router configures internal/router.Router's size-routing threshold and
// per-table policy windows.
type Router struct {
	DataSizeFactor                            float64         `mapstructure:"data_size_factor"`
	TimeUntilResumingStreamingIngest          time.Duration   `mapstructure:"time_until_resuming_streaming_ingest"`
	ThrottleBackoffPeriod                     time.Duration   `mapstructure:"throttle_backoff_period"`
	ContinueWhenStreamingIngestionUnavailable bool            `mapstructure:"continue_when_streaming_ingestion_unavailable"`
	RetryIntervals                            []time.Duration `mapstructure:"retry_intervals"`
}

// Status configures internal/status.Tracker and its ClickHouse archiver.
type Status struct {
	PostgresDSN      string        `mapstructure:"postgres_dsn"`
	ClickHouseAddr   string        `mapstructure:"clickhouse_addr"`
	ArchiveEnabled   bool          `mapstructure:"archive_enabled"`
	ArchiveCronExpr  string        `mapstructure:"archive_cron_expr"`
	ArchiveMaxAge    time.Duration `mapstructure:"archive_max_age"`
}

// Events configures the optional NATS JetStream lifecycle publisher.
type Events struct {
	Enabled         bool   `mapstructure:"enabled"`
	NATSURL         string `mapstructure:"nats_url"`
	SubjectTemplate string `mapstructure:"subject_template"`
}

// Redis configures the optional shared ManagedErrorState store internal/router
// can use so multiple ingestd replicas share per-table policy state.
type Redis struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"` // key prefix for shared router state; defaults to "ingest:router:state"
}

// Tracing configures the OpenTelemetry tracer provider.
type Tracing struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
	Insecure         bool    `mapstructure:"insecure"`
}

// Observability configures the metrics/health server, logger, and tracer.
type Observability struct {
	MetricsPort        int           `mapstructure:"metrics_port"`
	LogLevel           string        `mapstructure:"log_level"`
	LogFilePath        string        `mapstructure:"log_file_path"` // empty keeps logging on stderr only
	Tracing            Tracing       `mapstructure:"tracing"`
	PoolSampleInterval time.Duration `mapstructure:"pool_sample_interval"`
}

// Config is ingestd's full settings tree.
type Config struct {
	DM            DM            `mapstructure:"dm"`
	Resources     Resources     `mapstructure:"resources"`
	Upload        Upload        `mapstructure:"upload"`
	Queue         Queue         `mapstructure:"queue"`
	Streaming     Streaming     `mapstructure:"streaming"`
	Router        Router        `mapstructure:"router"`
	Status        Status        `mapstructure:"status"`
	Events        Events        `mapstructure:"events"`
	Redis         Redis         `mapstructure:"redis"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		DM: DM{
			Timeout: 30 * time.Second,
		},
		Resources: Resources{
			RefreshInterval:         time.Hour,
			RetryMaxAttempts:        8,
			RetryBaseDelay:          time.Second,
			RetryMaxJitter:          2 * time.Second,
			BreakerWindow:           time.Minute,
			BreakerCooldown:         30 * time.Second,
			BreakerFailureThreshold: 0.5,
			BreakerMinSamples:       5,
		},
		Upload: Upload{
			MaxSingleUploadSize: 256 << 20,
			MaxDataSize:         4 << 30,
			BlockSizeBytes:      4 << 20,
			MaxBlocks:           50000,
			MaxConcurrency:      16,
		},
		Streaming: Streaming{
			MaxBodyBytes: 10 << 20,
		},
		Router: Router{
			DataSizeFactor:                    1.0,
			TimeUntilResumingStreamingIngest:  15 * time.Minute,
			ThrottleBackoffPeriod:             10 * time.Second,
			RetryIntervals:                    []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second},
		},
		Status: Status{
			ArchiveCronExpr: "0 */15 * * * *",
			ArchiveMaxAge:   30 * 24 * time.Hour,
		},
		Events: Events{
			SubjectTemplate: "ingest.%s.%s.%s",
		},
		Redis: Redis{
			Namespace: "ingest:router:state",
		},
		Observability: Observability{
			MetricsPort:        9090,
			LogLevel:           "info",
			PoolSampleInterval: 15 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file (if it exists) plus environment
// overrides, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INGESTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("dm.timeout", def.DM.Timeout)
	v.SetDefault("resources.refresh_interval", def.Resources.RefreshInterval)
	v.SetDefault("resources.retry_max_attempts", def.Resources.RetryMaxAttempts)
	v.SetDefault("resources.retry_base_delay", def.Resources.RetryBaseDelay)
	v.SetDefault("resources.retry_max_jitter", def.Resources.RetryMaxJitter)
	v.SetDefault("resources.breaker_window", def.Resources.BreakerWindow)
	v.SetDefault("resources.breaker_cooldown", def.Resources.BreakerCooldown)
	v.SetDefault("resources.breaker_failure_threshold", def.Resources.BreakerFailureThreshold)
	v.SetDefault("resources.breaker_min_samples", def.Resources.BreakerMinSamples)

	v.SetDefault("upload.max_single_upload_size", def.Upload.MaxSingleUploadSize)
	v.SetDefault("upload.max_data_size", def.Upload.MaxDataSize)
	v.SetDefault("upload.block_size_bytes", def.Upload.BlockSizeBytes)
	v.SetDefault("upload.max_blocks", def.Upload.MaxBlocks)
	v.SetDefault("upload.max_concurrency", def.Upload.MaxConcurrency)
	v.SetDefault("upload.prefer_zstd", def.Upload.PreferZstd)

	v.SetDefault("streaming.max_body_bytes", def.Streaming.MaxBodyBytes)
	v.SetDefault("streaming.rate_limit_per_sec", def.Streaming.RateLimitPerSec)
	v.SetDefault("streaming.rate_limit_burst", def.Streaming.RateLimitBurst)

	v.SetDefault("router.data_size_factor", def.Router.DataSizeFactor)
	v.SetDefault("router.time_until_resuming_streaming_ingest", def.Router.TimeUntilResumingStreamingIngest)
	v.SetDefault("router.throttle_backoff_period", def.Router.ThrottleBackoffPeriod)
	v.SetDefault("router.continue_when_streaming_ingestion_unavailable", def.Router.ContinueWhenStreamingIngestionUnavailable)
	v.SetDefault("router.retry_intervals", def.Router.RetryIntervals)

	v.SetDefault("status.archive_cron_expr", def.Status.ArchiveCronExpr)
	v.SetDefault("status.archive_max_age", def.Status.ArchiveMaxAge)

	v.SetDefault("events.subject_template", def.Events.SubjectTemplate)

	v.SetDefault("redis.namespace", def.Redis.Namespace)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.pool_sample_interval", def.Observability.PoolSampleInterval)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.DM.BaseURL == "" {
		return fmt.Errorf("dm.base_url is required")
	}
	if cfg.DM.EngineBaseURL == "" {
		return fmt.Errorf("dm.engine_base_url is required")
	}
	if cfg.Resources.RefreshInterval <= 0 {
		return fmt.Errorf("resources.refresh_interval must be > 0")
	}
	if cfg.Streaming.MaxBodyBytes <= 0 {
		return fmt.Errorf("streaming.max_body_bytes must be > 0")
	}
	if cfg.Router.DataSizeFactor <= 0 {
		return fmt.Errorf("router.data_size_factor must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Events.Enabled && cfg.Events.NATSURL == "" {
		return fmt.Errorf("events.nats_url is required when events.enabled is true")
	}
	return nil
}
