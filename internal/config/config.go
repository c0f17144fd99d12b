// Package config loads and validates importer configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/review-importer/internal/importer"
	"github.com/JakeFAU/review-importer/internal/queue/rabbitmq"
	"github.com/JakeFAU/review-importer/internal/retrieval"
	"github.com/JakeFAU/review-importer/internal/storage/local"
)

// EnvPrefix is prepended to every environment override, e.g. IMPORTER_DB_DSN.
const EnvPrefix = "IMPORTER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Media    MediaConfig    `mapstructure:"media"`
	Staging  StagingConfig  `mapstructure:"staging"`
	Import   ImportConfig   `mapstructure:"import"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	DB       DBConfig       `mapstructure:"db"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Shard    ShardConfig    `mapstructure:"shard"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int   `mapstructure:"port"`
	RequestTimeoutSeconds int   `mapstructure:"request_timeout_seconds"`
	MaxUploadBytes        int64 `mapstructure:"max_upload_bytes"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// FetcherConfig tunes the retrieval chain.
type FetcherConfig struct {
	RelayAPIKey           string  `mapstructure:"relay_api_key"`
	RelayProvider         string  `mapstructure:"relay_provider"`
	RequestTimeoutSeconds int     `mapstructure:"request_timeout_seconds"`
	ArchiveTimeoutSeconds int     `mapstructure:"archive_timeout_seconds"`
	ArchiveEnabled        bool    `mapstructure:"archive_enabled"`
	IdentityMarker        string  `mapstructure:"identity_marker"`
	RemovedPattern        string  `mapstructure:"removed_pattern"`
	ImageHost             string  `mapstructure:"image_host"`
	MinSnapshotBytes      int     `mapstructure:"min_snapshot_bytes"`
	CloudflareBypass      bool    `mapstructure:"cloudflare_bypass"`
	UserAgent             string  `mapstructure:"user_agent"`
	RateLimitRPS          float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst        int     `mapstructure:"rate_limit_burst"`
}

// HeadlessConfig configures the optional browser channel.
type HeadlessConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MaxParallel       int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds int  `mapstructure:"nav_timeout_seconds"`
	// SettleTimeoutSeconds bounds the wait for page content after load.
	SettleTimeoutSeconds int `mapstructure:"settle_timeout_seconds"`
}

// MediaConfig selects where relayed images and staged uploads are stored.
type MediaConfig struct {
	Backend      string       `mapstructure:"backend"`
	Local        local.Config `mapstructure:"local"`
	Bucket       string       `mapstructure:"bucket"`
	BaseURL      string       `mapstructure:"base_url"`
	ReviewPrefix string       `mapstructure:"review_prefix"`
}

// StagingConfig places uploaded workbooks in the blob store.
type StagingConfig struct {
	Prefix string `mapstructure:"prefix"`
}

// ImportConfig controls workbook interpretation.
type ImportConfig struct {
	Sheets                []importer.SheetBinding `mapstructure:"sheets"`
	TimezoneName          string                  `mapstructure:"timezone_name"`
	TimezoneOffsetSeconds int                     `mapstructure:"timezone_offset_seconds"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Backend  string          `mapstructure:"backend"`
	Depth    int             `mapstructure:"depth"`
	RabbitMQ rabbitmq.Config `mapstructure:"rabbitmq"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// DBConfig controls access to Postgres. An empty DSN selects the
// in-memory stores.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// NotifyConfig selects the notification publisher.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ShardConfig tunes the outer retry of the shard driver.
type ShardConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	InitialBackoffMs int `mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `mapstructure:"max_backoff_ms"`
}

// Load builds a Config from .env, an optional file and the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Import.Sheets) == 0 {
		cfg.Import.Sheets = importer.DefaultSheets()
	}
	// Workers share one consumer and ack after the job, so each needs its
	// own unacked delivery.
	if cfg.Queue.RabbitMQ.Prefetch <= 0 {
		cfg.Queue.RabbitMQ.Prefetch = cfg.Workers.Concurrency
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.max_upload_bytes", 32<<20)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)

	v.SetDefault("fetcher.relay_api_key", "")
	v.SetDefault("fetcher.relay_provider", retrieval.ProviderScraperAPI)
	v.SetDefault("fetcher.request_timeout_seconds", 30)
	v.SetDefault("fetcher.archive_timeout_seconds", 10)
	v.SetDefault("fetcher.archive_enabled", true)
	v.SetDefault("fetcher.identity_marker", retrieval.DefaultIdentityMarker)
	v.SetDefault("fetcher.removed_pattern", retrieval.DefaultRemovedPattern)
	v.SetDefault("fetcher.image_host", retrieval.DefaultImageHost)
	v.SetDefault("fetcher.min_snapshot_bytes", retrieval.DefaultMinSnapshotBytes)
	v.SetDefault("fetcher.cloudflare_bypass", false)
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (compatible; review-importer/1.0)")
	v.SetDefault("fetcher.rate_limit_rps", 1.0)
	v.SetDefault("fetcher.rate_limit_burst", 2)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.settle_timeout_seconds", 5)

	v.SetDefault("media.backend", "memory")
	v.SetDefault("media.local.base_dir", "data/media")
	v.SetDefault("media.bucket", "")
	v.SetDefault("media.base_url", "/media/")
	v.SetDefault("media.review_prefix", "review/")
	v.SetDefault("staging.prefix", "staging")

	v.SetDefault("import.timezone_name", "Asia/Shanghai")
	v.SetDefault("import.timezone_offset_seconds", 8*60*60)

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("queue.rabbitmq.url", "")
	v.SetDefault("queue.rabbitmq.exchange", "")
	v.SetDefault("queue.rabbitmq.queue_name", "review-imports")
	v.SetDefault("queue.rabbitmq.routing_key", "")
	// 0 follows workers.concurrency.
	v.SetDefault("queue.rabbitmq.prefetch", 0)
	v.SetDefault("workers.concurrency", 2)

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)

	v.SetDefault("notify.backend", "memory")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "import-notifications")

	v.SetDefault("shard.max_attempts", 2)
	v.SetDefault("shard.initial_backoff_ms", 500)
	v.SetDefault("shard.max_backoff_ms", 5000)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(c.Server.RequestTimeoutSeconds > 0, "server.request_timeout_seconds must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(c.Fetcher.RequestTimeoutSeconds > 0, "fetcher.request_timeout_seconds must be > 0")
	check(c.Fetcher.ArchiveTimeoutSeconds > 0, "fetcher.archive_timeout_seconds must be > 0")
	check(c.Fetcher.RateLimitRPS >= 0, "fetcher.rate_limit_rps must be >= 0")
	if c.Fetcher.RelayAPIKey != "" {
		relay := retrieval.Relay{Provider: c.Fetcher.RelayProvider, APIKey: c.Fetcher.RelayAPIKey}
		if err := relay.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("fetcher.relay_provider: %w", err))
		}
	}
	if _, err := retrieval.NewValidator(c.Fetcher.IdentityMarker, c.Fetcher.RemovedPattern); err != nil {
		errs = append(errs, fmt.Errorf("fetcher.removed_pattern: %w", err))
	}
	check(!c.Headless.Enabled || c.Headless.MaxParallel > 0, "headless.max_parallel must be > 0 when headless is enabled")

	switch c.Media.Backend {
	case "memory":
	case "local":
		check(c.Media.Local.BaseDir != "", "media.local.base_dir is required for the local backend")
	case "gcs":
		check(c.Media.Bucket != "", "media.bucket is required for the gcs backend")
	default:
		errs = append(errs, fmt.Errorf("media.backend %q is not one of memory, local, gcs", c.Media.Backend))
	}
	check(strings.Trim(c.Staging.Prefix, "/") != "", "staging.prefix is required")

	for _, sheet := range c.Import.Sheets {
		check(sheet.Name != "", "import.sheets entries need a name")
		check(sheet.Kind.Valid(), "import.sheets %q has unknown kind %q", sheet.Name, sheet.Kind)
	}

	switch c.Queue.Backend {
	case "memory":
		check(c.Queue.Depth > 0, "queue.depth must be > 0")
	case "rabbitmq":
		check(c.Queue.RabbitMQ.URL != "", "queue.rabbitmq.url is required for the rabbitmq backend")
		check(c.Queue.RabbitMQ.Prefetch >= c.Workers.Concurrency,
			"queue.rabbitmq.prefetch (%d) must be >= workers.concurrency (%d)",
			c.Queue.RabbitMQ.Prefetch, c.Workers.Concurrency)
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q is not one of memory, rabbitmq", c.Queue.Backend))
	}
	check(c.Workers.Concurrency > 0, "workers.concurrency must be > 0")

	switch c.Notify.Backend {
	case "memory":
	case "pubsub":
		check(c.Notify.ProjectID != "", "notify.project_id is required for the pubsub backend")
		check(c.Notify.Topic != "", "notify.topic is required for the pubsub backend")
	default:
		errs = append(errs, fmt.Errorf("notify.backend %q is not one of memory, pubsub", c.Notify.Backend))
	}
	check(c.Shard.MaxAttempts > 0, "shard.max_attempts must be > 0")

	return errors.Join(errs...)
}

// RequestTimeout is the live and relay request timeout.
func (c FetcherConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ArchiveTimeout is the archive API timeout.
func (c FetcherConfig) ArchiveTimeout() time.Duration {
	return time.Duration(c.ArchiveTimeoutSeconds) * time.Second
}

// Relay returns the configured relay service.
func (c FetcherConfig) Relay() retrieval.Relay {
	return retrieval.Relay{Provider: c.RelayProvider, APIKey: c.RelayAPIKey}
}

// Location is the fixed zone review timestamps are written in.
func (c ImportConfig) Location() *time.Location {
	if c.TimezoneName == "" && c.TimezoneOffsetSeconds == 0 {
		return importer.DefaultLocation()
	}
	return time.FixedZone(c.TimezoneName, c.TimezoneOffsetSeconds)
}

// MaxConnLifetime converts the configured seconds.
func (c DBConfig) MaxConnLifetime() time.Duration {
	return time.Duration(c.MaxConnLifetimeSeconds) * time.Second
}

// RequestTimeout bounds every HTTP request.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
