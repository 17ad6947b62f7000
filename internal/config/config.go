// Package config loads and validates practicewatch configuration via Viper.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/practicewatch/internal/monitor"
)

// EnvPrefix prefixes every environment override, e.g. PRACTICEWATCH_SCAN_BATCH_SIZE.
const EnvPrefix = "PRACTICEWATCH"

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Snapshot storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Notification transports.
const (
	TransportLog    = "log"
	TransportPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server        ServerConfig           `mapstructure:"server"`
	Auth          AuthConfig             `mapstructure:"auth"`
	Fetch         FetchConfig            `mapstructure:"fetch"`
	HTTP          HTTPConfig             `mapstructure:"http"`
	Discovery     DiscoveryConfig        `mapstructure:"discovery"`
	Classifier    ClassifierConfig       `mapstructure:"classifier"`
	Scan          ScanConfig             `mapstructure:"scan"`
	Notify        NotifyConfig           `mapstructure:"notify"`
	DB            DBConfig               `mapstructure:"db"`
	Storage       StorageConfig          `mapstructure:"storage"`
	PubSub        PubSubConfig           `mapstructure:"pubsub"`
	Logging       LoggingConfig          `mapstructure:"logging"`
	Tracing       TracingConfig          `mapstructure:"tracing"`
	Subscriptions []monitor.Subscription `mapstructure:"subscriptions"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FetchConfig governs the rate-limited fetch layer and its transport.
type FetchConfig struct {
	UserAgent            string        `mapstructure:"user_agent"`
	AcceptLanguage       string        `mapstructure:"accept_language"`
	RespectRobots        bool          `mapstructure:"respect_robots"`
	PerOriginConcurrency int           `mapstructure:"per_origin_concurrency"`
	MinDelay             time.Duration `mapstructure:"min_delay"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	MaxRPSPerOrigin      float64       `mapstructure:"max_rps_per_origin"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	CacheCapacity        uint64        `mapstructure:"cache_capacity"`
	Timeout              time.Duration `mapstructure:"timeout"`
}

// HTTPConfig configures fetch retries in the worker.
type HTTPConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// DiscoveryConfig configures search result walking.
type DiscoveryConfig struct {
	BaseURL         string   `mapstructure:"base_url"`
	SearchTemplates []string `mapstructure:"search_templates"`
	MaxPages        int      `mapstructure:"max_pages"`
	Concurrency     int      `mapstructure:"concurrency"`
}

// ClassifierConfig toggles optional verdict categories.
type ClassifierConfig struct {
	TrackPartial bool `mapstructure:"track_partial"`
}

// ScanConfig sizes a cycle.
type ScanConfig struct {
	BatchSize   int `mapstructure:"batch_size"`
	Concurrency int `mapstructure:"concurrency"`
	// Interval runs a cycle periodically in serve mode. Zero disables the loop.
	Interval time.Duration `mapstructure:"interval"`
}

// NotifyConfig controls notification decisions and transport.
type NotifyConfig struct {
	Cooldown  time.Duration `mapstructure:"cooldown"`
	Transport string        `mapstructure:"transport"`
}

// DBConfig selects and tunes the persistence backend.
type DBConfig struct {
	Driver string `mapstructure:"driver"`
	// DSN is a Postgres connection string or a SQLite file path.
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// StorageConfig controls page snapshot archiving.
type StorageConfig struct {
	Snapshots   bool   `mapstructure:"snapshots"`
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds the notification topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig enables OpenTelemetry spans for cycles and checks.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("fetch.user_agent", "practicewatch/1.0 (+https://github.com/JakeFAU/practicewatch)")
	v.SetDefault("fetch.accept_language", "en-GB,en;q=0.9")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.per_origin_concurrency", 2)
	v.SetDefault("fetch.min_delay", "1s")
	v.SetDefault("fetch.max_delay", "3s")
	v.SetDefault("fetch.max_rps_per_origin", 0.0)
	v.SetDefault("fetch.cache_ttl", "5m")
	v.SetDefault("fetch.cache_capacity", 2048)
	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial", "250ms")
	v.SetDefault("http.backoff_max", "2s")
	v.SetDefault("discovery.base_url", "https://www.nhs.uk")
	v.SetDefault("discovery.search_templates", []string{})
	v.SetDefault("discovery.max_pages", 5)
	v.SetDefault("discovery.concurrency", 2)
	v.SetDefault("classifier.track_partial", false)
	v.SetDefault("scan.batch_size", 25)
	v.SetDefault("scan.concurrency", 4)
	v.SetDefault("scan.interval", "0s")
	v.SetDefault("notify.cooldown", "24h")
	v.SetDefault("notify.transport", TransportLog)
	v.SetDefault("db.driver", DriverMemory)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("storage.snapshots", false)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.local_dir", "snapshots")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "practicewatch")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Fetch.PerOriginConcurrency <= 0 {
		errs = append(errs, errors.New("fetch.per_origin_concurrency must be > 0"))
	}
	if c.Fetch.MinDelay < 0 || c.Fetch.MaxDelay < c.Fetch.MinDelay {
		errs = append(errs, errors.New("fetch delays must satisfy 0 <= min_delay <= max_delay"))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout must be > 0"))
	}
	if c.Fetch.CacheTTL < 0 || c.Fetch.MaxRPSPerOrigin < 0 {
		errs = append(errs, errors.New("fetch.cache_ttl and fetch.max_rps_per_origin must be >= 0"))
	}
	if c.HTTP.MaxRetries < 0 {
		errs = append(errs, errors.New("http.max_retries must be >= 0"))
	}
	if c.Scan.BatchSize <= 0 {
		errs = append(errs, errors.New("scan.batch_size must be > 0"))
	}
	if c.Scan.Concurrency <= 0 {
		errs = append(errs, errors.New("scan.concurrency must be > 0"))
	}
	if c.Scan.Interval < 0 {
		errs = append(errs, errors.New("scan.interval must be >= 0"))
	}
	if c.Notify.Cooldown < 0 {
		errs = append(errs, errors.New("notify.cooldown must be >= 0"))
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within (0, 1]"))
	}
	errs = append(errs, c.validateBackends()...)
	return errors.Join(errs...)
}

func (c Config) validateBackends() []error {
	var errs []error
	switch c.DB.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if c.DB.DSN == "" {
			errs = append(errs, fmt.Errorf("db.dsn must be set for driver %q", c.DB.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("db.driver %q is not supported", c.DB.Driver))
	}
	switch c.Notify.Transport {
	case TransportLog:
	case TransportPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_name must be set for the pubsub transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.transport %q is not supported", c.Notify.Transport))
	}
	if !c.Storage.Snapshots {
		return errs
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("storage.local_dir must be set for the local backend"))
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcs_bucket must be set for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}
	return errs
}

// ListSubscriptions serves the configured subscriptions, so a config file can
// stand in for the account subsystem.
func (c Config) ListSubscriptions(_ context.Context) ([]monitor.Subscription, error) {
	out := make([]monitor.Subscription, len(c.Subscriptions))
	copy(out, c.Subscriptions)
	return out, nil
}
