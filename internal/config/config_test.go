package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Upstream.BaseURL != "https://pncp.gov.br/api/consulta/v1" {
		t.Fatalf("unexpected base url %q", cfg.Upstream.BaseURL)
	}
	if len(cfg.Collection.Regions) != 27 || cfg.Collection.Regions[0] != "AC" {
		t.Fatalf("expected the 27 federative units, got %v", cfg.Collection.Regions)
	}
	if cfg.Collection.PageSize != 50 || cfg.Collection.DateRangeDays != 7 {
		t.Fatalf("unexpected collection defaults: %+v", cfg.Collection)
	}
	if cfg.Schedule.Cron != "0 8 * * *" || cfg.Schedule.LookbackDays != 30 {
		t.Fatalf("unexpected schedule defaults: %+v", cfg.Schedule)
	}
	if cfg.Catalog.Weights.High != 5 || cfg.Catalog.Weights.Medium != 3 || cfg.Catalog.Weights.Low != 2 {
		t.Fatalf("unexpected catalog weights: %+v", cfg.Catalog.Weights)
	}
	if got := cfg.UpstreamTimeout(); got != 30*time.Second {
		t.Fatalf("expected upstream timeout 30s, got %v", got)
	}
	if got := cfg.RunTimeout(); got != 30*time.Minute {
		t.Fatalf("expected run timeout 30m, got %v", got)
	}
	if cfg.Location().String() != "America/Sao_Paulo" {
		t.Fatalf("unexpected location %v", cfg.Location())
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
upstream:
  shape: publication
  timeout_seconds: 20
  extra_params:
    - codigoModalidadeContratacao=6
collection:
  date_range_days: 3
  regions: [SP, RJ]
  max_pages_per_region: 5
  region_concurrency: 2
  timezone: UTC
catalog:
  weights:
    high: 10
    medium: 4
    low: 1
database:
  backend: postgres
  dsn: postgres://pncp@localhost/pncp
publisher:
  backend: kafka
  kafka:
    brokers: ["localhost:9092"]
lock:
  backend: redis
  redis_addr: localhost:6379
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("PNCP_SCHEDULE_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Upstream.Shape != "publication" {
		t.Fatalf("expected server/upstream overrides to apply: %+v", cfg)
	}
	params, err := cfg.Upstream.Params()
	if err != nil || params["codigoModalidadeContratacao"] != "6" {
		t.Fatalf("expected case-preserving extra params, got %v (%v)", params, err)
	}
	if strings.Join(cfg.Collection.Regions, ",") != "SP,RJ" || cfg.Collection.RegionConcurrency != 2 {
		t.Fatalf("expected collection overrides: %+v", cfg.Collection)
	}
	if cfg.Catalog.Weights.High != 10 {
		t.Fatalf("expected weight override, got %+v", cfg.Catalog.Weights)
	}
	if !cfg.Schedule.Enabled {
		t.Fatal("expected PNCP_SCHEDULE_ENABLED to enable the schedule")
	}
	if cfg.Database.Backend != "postgres" || cfg.Publisher.Kafka.Brokers[0] != "localhost:9092" {
		t.Fatalf("expected backend overrides: %+v %+v", cfg.Database, cfg.Publisher)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown shape", func(c *Config) { c.Upstream.Shape = "cursor" }, "upstream.shape"},
		{"bad extra param", func(c *Config) { c.Upstream.ExtraParams = []string{"novalue"} }, "key=value"},
		{"no attempts", func(c *Config) { c.Upstream.MaxAttempts = 0 }, "max_attempts"},
		{"no regions", func(c *Config) { c.Collection.Regions = nil }, "collection.regions"},
		{"no page bound", func(c *Config) { c.Collection.MaxPagesPerRegion = 0 }, "max_pages_per_region"},
		{"no concurrency", func(c *Config) { c.Collection.RegionConcurrency = 0 }, "region_concurrency"},
		{"no deadline", func(c *Config) { c.Collection.RunTimeoutSeconds = 0 }, "run_timeout_seconds"},
		{"bad timezone", func(c *Config) { c.Collection.Timezone = "Mars/Olympus" }, "collection.timezone"},
		{"zero weight", func(c *Config) { c.Catalog.Weights.Low = 0 }, "catalog.weights"},
		{"postgres without dsn", func(c *Config) { c.Database.Backend = "postgres" }, "database.dsn"},
		{"unknown database", func(c *Config) { c.Database.Backend = "mongo" }, "database.backend"},
		{"gcs without bucket", func(c *Config) {
			c.Collection.ArchivePages = true
			c.Storage.Backend = "gcs"
		}, "gcs_bucket"},
		{"pubsub without project", func(c *Config) { c.Publisher.Backend = "pubsub" }, "project_id"},
		{"redis without addr", func(c *Config) { c.Lock.Backend = "redis" }, "redis_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Collection.Regions = append([]string(nil), base.Collection.Regions...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestPublicationShapeAllowsEmptyRegions(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Upstream.Shape = "publication"
	cfg.Collection.Regions = nil
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
