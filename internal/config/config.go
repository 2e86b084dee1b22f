// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/snapvault/snapvault/internal/capture"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Render    RenderConfig    `mapstructure:"render"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Retention RetentionConfig `mapstructure:"retention"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs claim scanning and lease arbitration.
type SchedulerConfig struct {
	WorkerID              string `mapstructure:"worker_id"`
	ScanIntervalSeconds   int    `mapstructure:"scan_interval_seconds"`
	ScanLimit             int    `mapstructure:"scan_limit"`
	Concurrency           int    `mapstructure:"concurrency"`
	LeaseTTLSeconds       int    `mapstructure:"lease_ttl_seconds"`
	IdempotencyWindowMins int    `mapstructure:"idempotency_window_minutes"`
}

// RenderConfig configures the headless rendering subsystem.
type RenderConfig struct {
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
	MaxParallel        int     `mapstructure:"max_parallel"`
	UserAgent          string  `mapstructure:"user_agent"`
	Locale             string  `mapstructure:"locale"`
	Timezone           string  `mapstructure:"timezone"`
	HostQPS            float64 `mapstructure:"host_qps"`
	NetworkIdleCapSecs int     `mapstructure:"network_idle_cap_seconds"`
}

// StorageConfig selects and configures the artifact store.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DBConfig selects and configures the metadata store.
type DBConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// PubSubConfig holds the dead-letter topic metadata.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RetentionConfig maps retention classes to WORM lock durations in days.
type RetentionConfig struct {
	StandardDays   int `mapstructure:"standard_days"`
	ExtendedDays   int `mapstructure:"extended_days"`
	ComplianceDays int `mapstructure:"compliance_days"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SNAPVAULT")
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
	v.SetDefault("scheduler.scan_interval_seconds", 60)
	v.SetDefault("scheduler.scan_limit", 50)
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.lease_ttl_seconds", 120)
	v.SetDefault("scheduler.idempotency_window_minutes", 10)
	v.SetDefault("render.timeout_seconds", 60)
	v.SetDefault("render.max_parallel", 2)
	v.SetDefault("render.user_agent", "snapvault-capture/1.0")
	v.SetDefault("render.locale", "en-US")
	v.SetDefault("render.timezone", "UTC")
	v.SetDefault("render.host_qps", 1.0)
	v.SetDefault("render.network_idle_cap_seconds", 10)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.key_prefix", "captures")
	v.SetDefault("db.backend", "memory")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("retention.standard_days", 90)
	v.SetDefault("retention.extended_days", 365)
	v.SetDefault("retention.compliance_days", 2555)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be > 0")
	}
	if c.Render.TimeoutSeconds <= 0 {
		return fmt.Errorf("render.timeout_seconds must be > 0")
	}
	// A lease shorter than the render deadline lets a second worker claim a
	// job the first is still rendering.
	minLease := time.Duration(float64(c.RenderTimeout()) * 1.5)
	if c.LeaseTTL() < minLease {
		return fmt.Errorf("scheduler.lease_ttl_seconds must be at least 1.5x render.timeout_seconds (got %s, need %s)",
			c.LeaseTTL(), minLease)
	}
	switch c.Storage.Backend {
	case "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or gcs")
	}
	switch c.DB.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("db.backend must be memory or postgres")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required when auth is enabled")
	}
	return nil
}

// RenderTimeout returns the per-attempt render deadline.
func (c Config) RenderTimeout() time.Duration {
	return time.Duration(c.Render.TimeoutSeconds) * time.Second
}

// LeaseTTL returns the schedule lease duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Scheduler.LeaseTTLSeconds) * time.Second
}

// ScanInterval returns the due-schedule scan cadence.
func (c Config) ScanInterval() time.Duration {
	return time.Duration(c.Scheduler.ScanIntervalSeconds) * time.Second
}

// IdempotencyWindow returns how long an ad-hoc idempotency key dedupes.
func (c Config) IdempotencyWindow() time.Duration {
	return time.Duration(c.Scheduler.IdempotencyWindowMins) * time.Minute
}

// RetentionPeriods maps each retention class to its configured duration.
func (c Config) RetentionPeriods() map[capture.RetentionClass]time.Duration {
	day := 24 * time.Hour
	return map[capture.RetentionClass]time.Duration{
		capture.RetentionStandard:   time.Duration(c.Retention.StandardDays) * day,
		capture.RetentionExtended:   time.Duration(c.Retention.ExtendedDays) * day,
		capture.RetentionCompliance: time.Duration(c.Retention.ComplianceDays) * day,
	}
}
