// Package config loads service configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/realtime-listings-ingest/internal/textclean"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendNone     = "none"
	BackendGCP      = "gcp"
)

// Config is the root configuration for the service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Apify     ApifyConfig     `mapstructure:"apify"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	ReadTimeoutSeconds    int `mapstructure:"read_timeout_seconds"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	ShutdownSeconds       int `mapstructure:"shutdown_seconds"`
}

// AuthConfig toggles API key authentication.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects the logger flavour.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ApifyConfig configures the scrape provider and job polling.
type ApifyConfig struct {
	BaseURL             string  `mapstructure:"base_url"`
	Token               string  `mapstructure:"token"`
	ActorID             string  `mapstructure:"actor_id"`
	TimeoutSeconds      int     `mapstructure:"timeout_seconds"`
	PollIntervalSeconds int     `mapstructure:"poll_interval_seconds"`
	PollBudgetSeconds   int     `mapstructure:"poll_budget_seconds"`
	RateLimitRPS        float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst      int     `mapstructure:"rate_limit_burst"`
}

// StorageConfig selects the post store.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	PageSize int    `mapstructure:"page_size"`
}

// DatabaseConfig configures the Postgres post store.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	AutoMigrate            bool   `mapstructure:"auto_migrate"`
}

// SQLiteConfig configures the embedded post store.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ArchiveConfig configures where raw datasets and exports are written.
type ArchiveConfig struct {
	Backend      string `mapstructure:"backend"`
	Bucket       string `mapstructure:"bucket"`
	BaseDir      string `mapstructure:"base_dir"`
	Prefix       string `mapstructure:"prefix"`
	Raw          bool   `mapstructure:"raw"`
	Exports      bool   `mapstructure:"exports"`
	VerifyBucket bool   `mapstructure:"verify_bucket"`
}

// IngestConfig tunes the ingest pipeline.
type IngestConfig struct {
	BatchSize       int    `mapstructure:"batch_size"`
	ReprocessPage   int    `mapstructure:"reprocess_page"`
	KeepPunctuation string `mapstructure:"keep_punctuation"`
}

// PubSubConfig configures ingest notifications.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load reads configuration from an optional file and INGEST_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("apify.token", "INGEST_APIFY_TOKEN", "APIFY_API_TOKEN"); err != nil {
		return nil, fmt.Errorf("bind apify token: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 15)
	// Scrape requests block for the whole poll budget.
	v.SetDefault("server.request_timeout_seconds", 1260)
	v.SetDefault("server.shutdown_seconds", 10)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)

	v.SetDefault("apify.base_url", "https://api.apify.com")
	v.SetDefault("apify.token", "")
	v.SetDefault("apify.actor_id", "apify~facebook-groups-scraper")
	v.SetDefault("apify.timeout_seconds", 30)
	v.SetDefault("apify.poll_interval_seconds", 5)
	v.SetDefault("apify.poll_budget_seconds", 1200)
	v.SetDefault("apify.rate_limit_rps", 2.0)
	v.SetDefault("apify.rate_limit_burst", 2)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.page_size", 500)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "real_estate_posts")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("sqlite.path", "listings.db")

	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.prefix", "listings")
	v.SetDefault("archive.raw", true)
	v.SetDefault("archive.exports", false)
	v.SetDefault("archive.verify_bucket", false)

	v.SetDefault("ingest.batch_size", 500)
	v.SetDefault("ingest.reprocess_page", 200)
	v.SetDefault("ingest.keep_punctuation", "")

	v.SetDefault("pubsub.backend", BackendNone)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "listings-ingested")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "listings-ingest")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required settings and sane ranges.
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Apify.PollIntervalSeconds <= 0 {
		return fmt.Errorf("apify.poll_interval_seconds must be > 0")
	}
	if c.Apify.PollBudgetSeconds < c.Apify.PollIntervalSeconds {
		return fmt.Errorf("apify.poll_budget_seconds must be >= apify.poll_interval_seconds")
	}
	if c.Apify.RateLimitRPS < 0 {
		return fmt.Errorf("apify.rate_limit_rps must be >= 0")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres backend")
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path must be set for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Storage.PageSize <= 0 {
		return fmt.Errorf("storage.page_size must be > 0")
	}

	switch c.Archive.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local archive")
		}
	case BackendGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}

	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be > 0")
	}
	if c.Ingest.ReprocessPage <= 0 {
		return fmt.Errorf("ingest.reprocess_page must be > 0")
	}
	for _, r := range c.Ingest.KeepPunctuation {
		if !strings.ContainsRune(textclean.FullPunctuation, r) {
			return fmt.Errorf("ingest.keep_punctuation: %q is not one of %q", r, textclean.FullPunctuation)
		}
	}

	switch c.PubSub.Backend {
	case BackendNone, BackendMemory:
	case BackendGCP:
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic must be set for the gcp backend")
		}
	default:
		return fmt.Errorf("pubsub.backend %q is not supported", c.PubSub.Backend)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// PollInterval returns the job status polling interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Apify.PollIntervalSeconds) * time.Second
}

// PollBudget returns the total time allowed for a scrape job.
func (c *Config) PollBudget() time.Duration {
	return time.Duration(c.Apify.PollBudgetSeconds) * time.Second
}

// RequestTimeout returns the per-request HTTP handler timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ProviderTimeout returns the timeout for a single provider HTTP call.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Apify.TimeoutSeconds) * time.Second
}

// MaxConnLifetime returns the Postgres pool connection lifetime.
func (c *Config) MaxConnLifetime() time.Duration {
	return time.Duration(c.Database.MaxConnLifetimeMinutes) * time.Minute
}
