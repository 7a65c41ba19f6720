// Package config loads and validates monitor configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // collection.timezone must resolve on hosts without zoneinfo

	"github.com/spf13/viper"

	"github.com/JakeFAU/pncp-monitor/internal/catalog"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Collection CollectionConfig `mapstructure:"collection"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Lock       LockConfig       `mapstructure:"lock"`
	Progress   ProgressConfig   `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ReadTimeoutSeconds     int `mapstructure:"read_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// UpstreamConfig describes the PNCP API endpoint.
type UpstreamConfig struct {
	BaseURL        string          `mapstructure:"base_url"`
	Shape          string          `mapstructure:"shape"`
	DateLayout     string          `mapstructure:"date_layout"`
	UserAgent      string          `mapstructure:"user_agent"`
	TimeoutSeconds int             `mapstructure:"timeout_seconds"`
	MaxAttempts    int             `mapstructure:"max_attempts"`
	ExtraParams    []string        `mapstructure:"extra_params"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig throttles upstream requests per host.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// CollectionConfig governs one collection run.
type CollectionConfig struct {
	DateRangeDays     int      `mapstructure:"date_range_days"`
	Regions           []string `mapstructure:"regions"`
	PageSize          int      `mapstructure:"page_size"`
	MaxPagesPerRegion int      `mapstructure:"max_pages_per_region"`
	RegionConcurrency int      `mapstructure:"region_concurrency"`
	RunTimeoutSeconds int      `mapstructure:"run_timeout_seconds"`
	Timezone          string   `mapstructure:"timezone"`
	ArchivePages      bool     `mapstructure:"archive_pages"`
	ArchivePrefix     string   `mapstructure:"archive_prefix"`
}

// CatalogConfig optionally overrides the built-in keyword catalog.
type CatalogConfig struct {
	Path    string          `mapstructure:"path"`
	Weights catalog.Weights `mapstructure:"weights"`
}

// ScheduleConfig drives the cron-triggered collection.
type ScheduleConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Cron         string `mapstructure:"cron"`
	LookbackDays int    `mapstructure:"lookback_days"`
}

// DatabaseConfig selects and configures the record store.
type DatabaseConfig struct {
	Backend      string `mapstructure:"backend"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	DSN          string `mapstructure:"dsn"`
	RecordsTable string `mapstructure:"records_table"`
	RunsTable    string `mapstructure:"runs_table"`
	MaxConns     int32  `mapstructure:"max_conns"`
}

// StorageConfig selects where raw upstream pages are archived.
type StorageConfig struct {
	Backend   string   `mapstructure:"backend"`
	LocalDir  string   `mapstructure:"local_dir"`
	GCSBucket string   `mapstructure:"gcs_bucket"`
	S3        S3Config `mapstructure:"s3"`
}

// S3Config addresses an S3-compatible object store.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// PublisherConfig selects the run notification transport.
type PublisherConfig struct {
	Backend       string       `mapstructure:"backend"`
	RunsTopic     string       `mapstructure:"runs_topic"`
	AlertsTopic   string       `mapstructure:"alerts_topic"`
	ProgressTopic string       `mapstructure:"progress_topic"`
	PubSub        PubSubConfig `mapstructure:"pubsub"`
	Kafka         KafkaConfig  `mapstructure:"kafka"`
}

// PubSubConfig holds Google Cloud Pub/Sub settings.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// KafkaConfig holds broker settings.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
}

// LockConfig selects the run lock. The local lock only serializes runs inside
// one process; redis serializes across replicas.
type LockConfig struct {
	Backend    string `mapstructure:"backend"`
	RedisAddr  string `mapstructure:"redis_addr"`
	RedisPass  string `mapstructure:"redis_password"`
	RedisDB    int    `mapstructure:"redis_db"`
	Key        string `mapstructure:"key"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
	LogEvents      bool `mapstructure:"log_events"`
}

// Regions lists the federative units crawled by default, in fixed order.
var Regions = []string{
	"AC", "AL", "AP", "AM", "BA", "CE", "DF", "ES", "GO",
	"MA", "MT", "MS", "MG", "PA", "PB", "PR", "PE", "PI",
	"RJ", "RN", "RS", "RO", "RR", "SC", "SP", "SE", "TO",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PNCP")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("upstream.base_url", "https://pncp.gov.br/api/consulta/v1")
	v.SetDefault("upstream.shape", "region")
	v.SetDefault("upstream.date_layout", "20060102")
	v.SetDefault("upstream.user_agent", "PNCP-Monitor")
	v.SetDefault("upstream.timeout_seconds", 30)
	v.SetDefault("upstream.max_attempts", 3)
	v.SetDefault("upstream.rate_limit.rps", 2)
	v.SetDefault("upstream.rate_limit.burst", 2)
	v.SetDefault("collection.date_range_days", 7)
	v.SetDefault("collection.regions", Regions)
	v.SetDefault("collection.page_size", 50)
	v.SetDefault("collection.max_pages_per_region", 100)
	v.SetDefault("collection.region_concurrency", 1)
	v.SetDefault("collection.run_timeout_seconds", 1800)
	v.SetDefault("collection.timezone", "America/Sao_Paulo")
	v.SetDefault("collection.archive_pages", false)
	v.SetDefault("collection.archive_prefix", "pages")
	v.SetDefault("catalog.weights.high", 5)
	v.SetDefault("catalog.weights.medium", 3)
	v.SetDefault("catalog.weights.low", 2)
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.cron", "0 8 * * *")
	v.SetDefault("schedule.lookback_days", 30)
	v.SetDefault("database.backend", "sqlite")
	v.SetDefault("database.sqlite_path", "pncp.db")
	v.SetDefault("database.records_table", "procurements")
	v.SetDefault("database.runs_table", "collection_runs")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "data/pages")
	v.SetDefault("publisher.backend", "none")
	v.SetDefault("publisher.runs_topic", "pncp-runs")
	v.SetDefault("publisher.alerts_topic", "pncp-alerts")
	v.SetDefault("publisher.progress_topic", "")
	v.SetDefault("publisher.kafka.client_id", "pncp-monitor")
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.key", "pncp-monitor:collection")
	v.SetDefault("lock.ttl_seconds", 3600)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.log_events", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url is required")
	}
	switch c.Upstream.Shape {
	case "region", "publication":
	default:
		return fmt.Errorf("upstream.shape must be region or publication, got %q", c.Upstream.Shape)
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		return errors.New("upstream.timeout_seconds must be > 0")
	}
	if c.Upstream.MaxAttempts <= 0 {
		return errors.New("upstream.max_attempts must be > 0")
	}
	if _, err := c.Upstream.Params(); err != nil {
		return err
	}
	if err := c.Collection.validate(c.Upstream.Shape); err != nil {
		return err
	}
	if err := c.Catalog.Weights.Validate(); err != nil {
		return fmt.Errorf("catalog.weights: %w", err)
	}
	if c.Schedule.Enabled && c.Schedule.LookbackDays <= 0 {
		return errors.New("schedule.lookback_days must be > 0 when the schedule is enabled")
	}
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Storage.validate(c.Collection.ArchivePages); err != nil {
		return err
	}
	if err := c.Publisher.validate(); err != nil {
		return err
	}
	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return errors.New("lock.redis_addr is required for the redis lock")
		}
		if c.Lock.TTLSeconds <= 0 {
			return errors.New("lock.ttl_seconds must be > 0")
		}
	default:
		return fmt.Errorf("unknown lock.backend %q", c.Lock.Backend)
	}
	return nil
}

func (c CollectionConfig) validate(shape string) error {
	if c.DateRangeDays <= 0 {
		return errors.New("collection.date_range_days must be > 0")
	}
	if shape == "region" && len(c.Regions) == 0 {
		return errors.New("collection.regions must not be empty")
	}
	if c.PageSize < 0 {
		return errors.New("collection.page_size must be >= 0")
	}
	if c.MaxPagesPerRegion <= 0 {
		return errors.New("collection.max_pages_per_region must be > 0")
	}
	if c.RegionConcurrency <= 0 {
		return errors.New("collection.region_concurrency must be > 0")
	}
	if c.RunTimeoutSeconds <= 0 {
		return errors.New("collection.run_timeout_seconds must be > 0")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("collection.timezone: %w", err)
	}
	return nil
}

func (c DatabaseConfig) validate() error {
	switch c.Backend {
	case "memory":
	case "sqlite":
		if c.SQLitePath == "" {
			return errors.New("database.sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if c.DSN == "" {
			return errors.New("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown database.backend %q", c.Backend)
	}
	return nil
}

func (c StorageConfig) validate(archive bool) error {
	if !archive {
		return nil
	}
	switch c.Backend {
	case "memory":
	case "local":
		if c.LocalDir == "" {
			return errors.New("storage.local_dir is required for the local backend")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return errors.New("storage.gcs_bucket is required for the gcs backend")
		}
	case "s3":
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			return errors.New("storage.s3.endpoint and storage.s3.bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Backend)
	}
	return nil
}

func (c PublisherConfig) validate() error {
	switch c.Backend {
	case "none", "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" {
			return errors.New("publisher.pubsub.project_id is required for the pubsub backend")
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("publisher.kafka.brokers is required for the kafka backend")
		}
	default:
		return fmt.Errorf("unknown publisher.backend %q", c.Backend)
	}
	return nil
}

// Params parses ExtraParams ("key=value" entries). Keys keep their case,
// which viper map keys would not.
func (c UpstreamConfig) Params() (map[string]string, error) {
	out := make(map[string]string, len(c.ExtraParams))
	for _, entry := range c.ExtraParams {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("upstream.extra_params entry %q must be key=value", entry)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

// UpstreamTimeout is the fixed per-request budget.
func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// RunTimeout is the global collection deadline.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.Collection.RunTimeoutSeconds) * time.Second
}

// Location returns the configured collection timezone; Validate guarantees
// it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Collection.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
